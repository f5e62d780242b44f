package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。
// 所有方法对 nil 接收者安全，未配置监控的组件可直接传 nil。
type Monitor struct {
	registry *prometheus.Registry

	// 调度指标
	ordersSubmitted  prometheus.Counter
	ordersReleased   prometheus.Counter
	ordersRejected   *prometheus.CounterVec
	ordersExpired    prometheus.Counter
	ordersCanceled   prometheus.Counter
	ordersTerminal   *prometheus.CounterVec
	cyclesRejected   prometheus.Counter
	retries          prometheus.Counter
	invalidReports   prometheus.Counter
	pendingOrders    prometheus.Gauge
	trackedOrders    prometheus.Gauge
	cascadeSize      prometheus.Histogram
	pendingWait      prometheus.Histogram

	// 下发指标
	dispatchQueue   prometheus.Gauge
	dispatchTotal   *prometheus.CounterVec
	dispatchErrors  *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	// 审计与订阅
	auditErrors   prometheus.Counter
	wsClients     prometheus.Gauge
	reconcileDiff prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "orderdeps",
		Subsystem: "scheduler",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}

	m := &Monitor{
		registry: reg,

		ordersSubmitted: counter("orders_submitted_total", "调用方提交订单总数"),
		ordersReleased:  counter("orders_released_total", "依赖满足后释放到交易所的订单总数"),
		ordersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_rejected_total",
			Help:      "订单拒绝总数（按原因）",
		}, []string{"reason"}),
		ordersExpired:  counter("orders_expired_total", "等待依赖超时的订单总数"),
		ordersCanceled: counter("orders_canceled_total", "撤销订单总数"),
		ordersTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_terminal_total",
			Help:      "进入终态的订单数（按状态）",
		}, []string{"status"}),
		cyclesRejected: counter("cycles_rejected_total", "因循环依赖被拒绝的提交"),
		retries:        counter("retries_total", "瞬时下发失败后的重试次数"),
		invalidReports: counter("invalid_reports_total", "被忽略的非法状态回报"),
		pendingOrders:  gauge("pending_orders", "等待依赖的订单数"),
		trackedOrders:  gauge("tracked_orders", "调度器内登记的订单数"),
		cascadeSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "cascade_size",
			Help:      "单次传播中被重新求值的下游订单数",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
		pendingWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "pending_wait_seconds",
			Help:      "订单从提交到释放的等待时间（秒）",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		dispatchQueue: gauge("dispatch_queue_depth", "下发队列长度"),
		dispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "dispatch_requests_total",
			Help:      "发往交易所的请求总数",
		}, []string{"action"}),
		dispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "dispatch_errors_total",
			Help:      "发往交易所的请求错误数",
		}, []string{"action", "kind"}),
		dispatchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "dispatch_latency_seconds",
			Help:      "交易所请求延迟（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),

		auditErrors:   counter("audit_write_errors_total", "审计日志写入失败次数"),
		wsClients:     gauge("ws_clients", "转换事件订阅连接数"),
		reconcileDiff: counter("reconcile_conflicts_total", "对账发现的状态差异"),
	}
	return m
}

// 调度相关方法
func (m *Monitor) RecordSubmitted() {
	if m == nil {
		return
	}
	m.ordersSubmitted.Inc()
}

func (m *Monitor) RecordReleased(waitSeconds float64) {
	if m == nil {
		return
	}
	m.ordersReleased.Inc()
	m.pendingWait.Observe(waitSeconds)
}

func (m *Monitor) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

func (m *Monitor) RecordExpired() {
	if m == nil {
		return
	}
	m.ordersExpired.Inc()
}

func (m *Monitor) RecordCanceled() {
	if m == nil {
		return
	}
	m.ordersCanceled.Inc()
}

func (m *Monitor) RecordTerminal(status string) {
	if m == nil {
		return
	}
	m.ordersTerminal.WithLabelValues(status).Inc()
}

func (m *Monitor) RecordCycleRejected() {
	if m == nil {
		return
	}
	m.cyclesRejected.Inc()
}

func (m *Monitor) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Monitor) RecordInvalidReport() {
	if m == nil {
		return
	}
	m.invalidReports.Inc()
}

func (m *Monitor) UpdateQueueSizes(pending, tracked int) {
	if m == nil {
		return
	}
	m.pendingOrders.Set(float64(pending))
	m.trackedOrders.Set(float64(tracked))
}

func (m *Monitor) RecordCascade(size int) {
	if m == nil {
		return
	}
	m.cascadeSize.Observe(float64(size))
}

// 下发相关方法
func (m *Monitor) UpdateDispatchQueue(depth int) {
	if m == nil {
		return
	}
	m.dispatchQueue.Set(float64(depth))
}

func (m *Monitor) RecordDispatch(action string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(action).Inc()
	m.dispatchLatency.WithLabelValues(action).Observe(seconds)
}

func (m *Monitor) RecordDispatchError(action, kind string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(action, kind).Inc()
}

// 审计与订阅
func (m *Monitor) RecordAuditError() {
	if m == nil {
		return
	}
	m.auditErrors.Inc()
}

func (m *Monitor) UpdateWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

func (m *Monitor) RecordReconcileConflict() {
	if m == nil {
		return
	}
	m.reconcileDiff.Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
