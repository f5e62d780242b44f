package scheduler

import (
	"sort"
	"time"

	"github.com/tidwall/btree"
)

type timerKey struct {
	at time.Time
	id string
}

func timerLess(a, b timerKey) bool {
	if a.at.Equal(b.at) {
		return a.id < b.id
	}
	return a.at.Before(b.at)
}

// pendingQueue 保存尚未释放的订单。
//
// waiting 为等待依赖的订单（状态 CREATED），带可选的超时时间；
// held 为瞬时下发失败后等待退避结束的订单（状态 SUBMITTED）。
// 两类都按时间建 B 树索引，Tick 时按时间顺序取到期项。
type pendingQueue struct {
	waiting   map[string]time.Time // 零值表示无超时
	deadlines *btree.BTreeG[timerKey]

	held  map[string]time.Time
	holds *btree.BTreeG[timerKey]
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{
		waiting:   make(map[string]time.Time),
		deadlines: btree.NewBTreeG(timerLess),
		held:      make(map[string]time.Time),
		holds:     btree.NewBTreeG(timerLess),
	}
}

func (q *pendingQueue) add(id string, deadline time.Time) {
	q.remove(id)
	q.waiting[id] = deadline
	if !deadline.IsZero() {
		q.deadlines.Set(timerKey{at: deadline, id: id})
	}
}

func (q *pendingQueue) remove(id string) bool {
	deadline, ok := q.waiting[id]
	if !ok {
		return false
	}
	delete(q.waiting, id)
	if !deadline.IsZero() {
		q.deadlines.Delete(timerKey{at: deadline, id: id})
	}
	return true
}

func (q *pendingQueue) contains(id string) bool {
	_, ok := q.waiting[id]
	return ok
}

func (q *pendingQueue) hold(id string, until time.Time) {
	q.unhold(id)
	q.held[id] = until
	q.holds.Set(timerKey{at: until, id: id})
}

func (q *pendingQueue) unhold(id string) bool {
	until, ok := q.held[id]
	if !ok {
		return false
	}
	delete(q.held, id)
	q.holds.Delete(timerKey{at: until, id: id})
	return true
}

func (q *pendingQueue) isHeld(id string) bool {
	_, ok := q.held[id]
	return ok
}

// expired 返回超时时间不晚于 now 的订单，按超时先后排序。
func (q *pendingQueue) expired(now time.Time) []string {
	return due(q.deadlines, now)
}

// releasable 返回退避已结束的订单。
func (q *pendingQueue) releasable(now time.Time) []string {
	return due(q.holds, now)
}

func due(tr *btree.BTreeG[timerKey], now time.Time) []string {
	var ids []string
	tr.Scan(func(k timerKey) bool {
		if k.at.After(now) {
			return false
		}
		ids = append(ids, k.id)
		return true
	})
	return ids
}

// nextWake 返回最近的到期时间。
func (q *pendingQueue) nextWake() (time.Time, bool) {
	d, okD := q.deadlines.Min()
	h, okH := q.holds.Min()
	switch {
	case okD && okH:
		if h.at.Before(d.at) {
			return h.at, true
		}
		return d.at, true
	case okD:
		return d.at, true
	case okH:
		return h.at, true
	}
	return time.Time{}, false
}

func (q *pendingQueue) ids() []string {
	res := make([]string, 0, len(q.waiting))
	for id := range q.waiting {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

func (q *pendingQueue) heldIDs() []string {
	res := make([]string, 0, len(q.held))
	for id := range q.held {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

func (q *pendingQueue) len() int     { return len(q.waiting) }
func (q *pendingQueue) heldLen() int { return len(q.held) }
