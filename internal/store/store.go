package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"conditional-orders-go/infrastructure/logger"
	"conditional-orders-go/infrastructure/monitor"
	"conditional-orders-go/scheduler"
)

// Config 审计日志存储配置
type Config struct {
	Path      string        `yaml:"path"`
	Sync      bool          `yaml:"sync"`      // 每次写入 fsync
	InMemory  bool          `yaml:"in_memory"` // 测试/演示用
	Retention time.Duration `yaml:"retention"` // 0 表示永久保留
}

// Record 一条持久化的转换记录。LogSeq 跨进程重启单调递增，
// 内嵌事件的 Seq 是调度器进程内序号。
type Record struct {
	LogSeq uint64 `json:"log_seq"`
	scheduler.TransitionEvent
}

// Store 基于 pebble 的订单转换审计日志。
type Store struct {
	db  *pebble.DB
	wo  *pebble.WriteOptions
	log *logger.Logger
	mon *monitor.Monitor

	mu      sync.Mutex
	lastSeq uint64
}

// Open 打开（或创建）审计日志并恢复最大序号。
func Open(cfg Config, log *logger.Logger, mon *monitor.Monitor) (*Store, error) {
	opts := &pebble.Options{}
	path := cfg.Path
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		if path == "" {
			path = "audit"
		}
	} else if path == "" {
		return nil, errors.New("store path is required")
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	s := &Store{
		db:  db,
		wo:  pebble.NoSync,
		log: log.WithFields(map[string]interface{}{"component": "audit_store"}),
		mon: mon,
	}
	if cfg.Sync {
		s.wo = pebble.Sync
	}
	if s.lastSeq, err = s.readLastSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭数据库
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) readLastSeq() (uint64, error) {
	val, closer, err := s.db.Get([]byte(keyLastSeq))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	defer closer.Close()
	return seqFromKey(val), nil
}

// Append 写入一条转换记录，返回分配的 LogSeq。
func (s *Store) Append(ev scheduler.TransitionEvent) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.lastSeq + 1
	data, err := json.Marshal(Record{LogSeq: seq, TransitionEvent: ev})
	if err != nil {
		return 0, fmt.Errorf("marshal transition: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(transitionKey(ev.OrderID, seq), data, nil)
	_ = b.Set(sequenceKey(seq), []byte(ev.OrderID), nil)
	_ = b.Set([]byte(keyLastSeq), seqBytes(seq), nil)
	if err := b.Commit(s.wo); err != nil {
		return 0, fmt.Errorf("commit transition: %w", err)
	}
	s.lastSeq = seq
	return seq, nil
}

// OnTransition 可注册为 scheduler.Listener；写入失败只记录日志。
func (s *Store) OnTransition(ev scheduler.TransitionEvent) {
	if _, err := s.Append(ev); err != nil {
		s.mon.RecordAuditError()
		s.log.Error("审计日志写入失败", zap.String("order_id", ev.OrderID), zap.Uint64("seq", ev.Seq), zap.Error(err))
	}
}

// LastSeq 返回已写入的最大 LogSeq
func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// History 返回订单的全部转换，按写入顺序。
func (s *Store) History(orderID string) ([]Record, error) {
	prefix := historyPrefix(orderID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("history iter: %w", err)
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return out, fmt.Errorf("decode %s: %w", orderID, err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// Since 返回 LogSeq > after 的记录，最多 limit 条（<=0 表示不限）。
func (s *Store) Since(after uint64, limit int) ([]Record, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: sequenceKey(after + 1),
		UpperBound: keyUpperBound([]byte(prefixSequence)),
	})
	if err != nil {
		return nil, fmt.Errorf("since iter: %w", err)
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		seq := seqFromKey(iter.Key())
		rec, ok, err := s.get(string(iter.Value()), seq)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, iter.Error()
}

func (s *Store) get(orderID string, seq uint64) (Record, bool, error) {
	val, closer, err := s.db.Get(transitionKey(orderID, seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get %s/%d: %w", orderID, seq, err)
	}
	defer closer.Close()
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode %s/%d: %w", orderID, seq, err)
	}
	return rec, true, nil
}

// Compact 删除 At 早于 before 的记录，遇到第一条较新的记录即停止。返回删除条数。
func (s *Store) Compact(before time.Time) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixSequence),
		UpperBound: keyUpperBound([]byte(prefixSequence)),
	})
	if err != nil {
		return 0, fmt.Errorf("compact iter: %w", err)
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		seq := seqFromKey(iter.Key())
		orderID := string(iter.Value())
		rec, ok, err := s.get(orderID, seq)
		if err != nil {
			return 0, err
		}
		if ok && !rec.At.Before(before) {
			break
		}
		_ = b.Delete(transitionKey(orderID, seq), nil)
		_ = b.Delete(sequenceKey(seq), nil)
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(s.wo); err != nil {
		return 0, fmt.Errorf("commit compact: %w", err)
	}
	s.log.Info("审计日志已压缩", zap.Int("removed", n), zap.Time("before", before))
	return n, nil
}
