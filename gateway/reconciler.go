package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"conditional-orders-go/infrastructure/logger"
	"conditional-orders-go/infrastructure/monitor"
	"conditional-orders-go/order"
	"conditional-orders-go/scheduler"
)

// OrderSource 提供已下发且未结束的订单（调度器实现）。
type OrderSource interface {
	ActiveForwarded() []order.Order
}

// ReconcilerConfig 对账器配置
type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Grace 下发后多久交易所仍查不到订单才视为丢单
	Grace time.Duration `yaml:"grace"`
}

// ReconcilerStats 对账统计信息
type ReconcilerStats struct {
	TotalReconciliations int64
	ConflictsResolved    int64
	DroppedOrders        int64
	LastReconcileTime    time.Time
	Interval             time.Duration
}

// Reconciler 周期性查询交易所，修正本地状态漂移。
// 状态不一致时以交易所为准回报；交易所查不到的订单按瞬时下发失败处理，
// 由重试策略重新下发或最终拒绝。
type Reconciler struct {
	querier  Querier
	source   OrderSource
	reporter Reporter
	grace    time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	interval time.Duration
	stats    ReconcilerStats

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once

	logger  *logger.Logger
	monitor *monitor.Monitor
}

// NewReconciler 创建订单对账器
func NewReconciler(querier Querier, source OrderSource, reporter Reporter, cfg ReconcilerConfig, log *logger.Logger, mon *monitor.Monitor) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Reconciler{
		querier:  querier,
		source:   source,
		reporter: reporter,
		grace:    cfg.Grace,
		now:      time.Now,
		interval: cfg.Interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		logger:   log,
		monitor:  mon,
	}
}

// Start 启动对账循环
func (r *Reconciler) Start(ctx context.Context) error {
	go r.reconcileLoop(ctx)
	return nil
}

// Stop 停止对账循环并等待退出
func (r *Reconciler) Stop() error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	<-r.doneChan
	return nil
}

func (r *Reconciler) reconcileLoop(ctx context.Context) {
	defer close(r.doneChan)

	r.mu.RLock()
	interval := r.interval
	r.mu.RUnlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Warn("reconcile finished with errors", zap.Error(err))
			}
			r.mu.RLock()
			if r.interval != interval {
				interval = r.interval
				ticker.Reset(interval)
			}
			r.mu.RUnlock()
		}
	}
}

// Reconcile 执行一次完整对账，返回遇到的查询错误（不影响其他订单）。
func (r *Reconciler) Reconcile(ctx context.Context) error {
	now := r.now()
	r.mu.Lock()
	r.stats.TotalReconciliations++
	r.stats.LastReconcileTime = now
	r.mu.Unlock()

	var errs []error
	for _, local := range r.source.ActiveForwarded() {
		if err := r.reconcileOrder(ctx, local, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) reconcileOrder(ctx context.Context, local order.Order, now time.Time) error {
	remote, err := r.querier.Query(ctx, local.ID)
	if errors.Is(err, ErrUnknownOrder) {
		if now.Sub(local.LastTransitionAt) < r.grace {
			return nil
		}
		r.mu.Lock()
		r.stats.DroppedOrders++
		r.mu.Unlock()
		r.logger.Warn("order missing at venue",
			zap.String("order_id", local.ID), zap.String("status", string(local.Status)))
		return r.reporter.ReportSubmitFailure(local.ID, err)
	}
	if err != nil {
		return fmt.Errorf("query %s: %w", local.ID, err)
	}
	if remote == local.Status {
		return nil
	}

	r.mu.Lock()
	r.stats.ConflictsResolved++
	r.mu.Unlock()
	r.monitor.RecordReconcileConflict()
	r.logger.Info("status drift resolved",
		zap.String("order_id", local.ID),
		zap.String("local", string(local.Status)),
		zap.String("remote", string(remote)))
	return r.reporter.ReportStatus(scheduler.Report{OrderID: local.ID, Status: remote, Reason: order.ReasonVenue})
}

// GetStatistics 获取对账统计信息
func (r *Reconciler) GetStatistics() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.stats
	s.Interval = r.interval
	return s
}

// UpdateInterval 更新对账间隔，下一个周期生效
func (r *Reconciler) UpdateInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.mu.Lock()
	r.interval = interval
	r.mu.Unlock()
}
