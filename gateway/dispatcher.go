package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"conditional-orders-go/infrastructure/logger"
	"conditional-orders-go/infrastructure/monitor"
	"conditional-orders-go/order"
	"conditional-orders-go/scheduler"
)

const (
	actionPlace  = "place"
	actionCancel = "cancel"
)

// DispatcherConfig 下发配置
type DispatcherConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	Workers        int           `yaml:"workers"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultDispatcherConfig 返回默认配置
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:      1024,
		Workers:        4,
		RatePerSecond:  20,
		Burst:          5,
		RequestTimeout: 5 * time.Second,
	}
}

type job struct {
	action string
	order  order.Order
	id     string
}

// Dispatcher 把调度器释放的订单异步发往交易所。
//
// Forward/RequestCancel 只做非阻塞入队，队列满时返回 ErrQueueFull，
// 由调度器按重试策略处理。工作协程限速后调用 Venue，并把失败分类回报：
// 可重试错误走 ReportSubmitFailure，其余错误以 REJECTED(venue) 回报。
type Dispatcher struct {
	cfg     DispatcherConfig
	venue   Venue
	limiter *rate.Limiter
	jobs    chan job

	mu       sync.RWMutex
	reporter Reporter

	logger  *logger.Logger
	monitor *monitor.Monitor
}

// NewDispatcher 创建下发器。reporter 可以稍后通过 SetReporter 绑定。
func NewDispatcher(venue Venue, reporter Reporter, cfg DispatcherConfig, log *logger.Logger, mon *monitor.Monitor) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		venue:    venue,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		jobs:     make(chan job, cfg.QueueSize),
		reporter: reporter,
		logger:   log,
		monitor:  mon,
	}
}

// SetReporter 绑定回报入口
func (d *Dispatcher) SetReporter(r Reporter) {
	d.mu.Lock()
	d.reporter = r
	d.mu.Unlock()
}

// Forward 实现 scheduler.Forwarder
func (d *Dispatcher) Forward(o order.Order) error {
	return d.enqueue(job{action: actionPlace, order: o, id: o.ID})
}

// RequestCancel 实现 scheduler.Forwarder
func (d *Dispatcher) RequestCancel(orderID string) error {
	return d.enqueue(job{action: actionCancel, id: orderID})
}

func (d *Dispatcher) enqueue(j job) error {
	select {
	case d.jobs <- j:
		d.monitor.UpdateDispatchQueue(len(d.jobs))
		return nil
	default:
		d.monitor.RecordDispatchError(j.action, "queue_full")
		return fmt.Errorf("%s %s: %w", j.action, j.id, ErrQueueFull)
	}
}

// QueueDepth 当前排队数量
func (d *Dispatcher) QueueDepth() int {
	return len(d.jobs)
}

// Run 启动工作协程，直到 ctx 结束。
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			return d.worker(gctx)
		})
	}
	d.logger.Info("dispatcher started",
		zap.Int("workers", d.cfg.Workers), zap.Int("queue_size", d.cfg.QueueSize))
	return g.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-d.jobs:
			d.monitor.UpdateDispatchQueue(len(d.jobs))
			if err := d.limiter.Wait(ctx); err != nil {
				// ctx 已结束，未执行的下单按瞬时失败处理
				if j.action == actionPlace {
					d.reportFailure(j.id, fmt.Errorf("%w: %v", ErrTransient, err))
				}
				return nil
			}
			d.handle(ctx, j)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, j job) {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	var err error
	switch j.action {
	case actionPlace:
		err = d.venue.Place(reqCtx, j.order)
	case actionCancel:
		err = d.venue.Cancel(reqCtx, j.id)
	}
	d.monitor.RecordDispatch(j.action, time.Since(start).Seconds())
	if err == nil {
		return
	}

	kind := "permanent"
	if IsTransient(err) {
		kind = "transient"
	}
	d.monitor.RecordDispatchError(j.action, kind)
	d.logger.LogOrder("dispatch_error", j.id, map[string]interface{}{
		"action": j.action,
		"error":  err.Error(),
		"kind":   kind,
	})

	if j.action != actionPlace {
		return
	}
	if kind == "transient" {
		d.reportFailure(j.id, err)
		return
	}
	d.report(scheduler.Report{OrderID: j.id, Status: order.StatusRejected, Reason: order.ReasonVenue})
}

func (d *Dispatcher) reportFailure(id string, cause error) {
	d.mu.RLock()
	r := d.reporter
	d.mu.RUnlock()
	if r == nil {
		return
	}
	if err := r.ReportSubmitFailure(id, cause); err != nil {
		d.logger.LogError(err, map[string]interface{}{"order_id": id})
	}
}

func (d *Dispatcher) report(rep scheduler.Report) {
	d.mu.RLock()
	r := d.reporter
	d.mu.RUnlock()
	if r == nil {
		return
	}
	if err := r.ReportStatus(rep); err != nil {
		d.logger.LogError(err, map[string]interface{}{"order_id": rep.OrderID})
	}
}
