package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"conditional-orders-go/order"
	"conditional-orders-go/scheduler"
)

// PaperConfig 模拟交易所配置
type PaperConfig struct {
	Latency       time.Duration `yaml:"latency"`
	TransientRate float64       `yaml:"transient_rate"` // 0.0-1.0，下单返回可重试错误的概率
	RejectRate    float64       `yaml:"reject_rate"`    // 0.0-1.0，下单被拒绝的概率
	AutoAccept    bool          `yaml:"auto_accept"`
	AutoFill      bool          `yaml:"auto_fill"`
	Seed          int64         `yaml:"seed"`
}

type paperOrder struct {
	ID         string
	Symbol     string
	Side       string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Filled     decimal.Decimal
	Status     order.Status
	UpdateTime time.Time
}

// PaperVenue 进程内模拟交易所。
// 回报在释放内部锁之后同步调用 Reporter，保证同一订单的回报顺序。
type PaperVenue struct {
	mu       sync.Mutex
	cfg      PaperConfig
	orders   map[string]*paperOrder
	reporter Reporter
	rng      *rand.Rand

	placeCount  int
	cancelCount int
	queryCount  int
}

// NewPaperVenue 创建模拟交易所
func NewPaperVenue(cfg PaperConfig) *PaperVenue {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PaperVenue{
		cfg:    cfg,
		orders: make(map[string]*paperOrder),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// SetReporter 设置回报入口
func (p *PaperVenue) SetReporter(r Reporter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reporter = r
}

// SetFailureRates 调整故障注入比例
func (p *PaperVenue) SetFailureRates(transient, reject float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.TransientRate = transient
	p.cfg.RejectRate = reject
}

// Place 下单
func (p *PaperVenue) Place(ctx context.Context, o order.Order) error {
	if err := p.wait(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.placeCount++
	roll := p.rng.Float64()
	switch {
	case roll < p.cfg.TransientRate:
		p.mu.Unlock()
		return fmt.Errorf("%w: simulated placement failure", ErrTransient)
	case roll < p.cfg.TransientRate+p.cfg.RejectRate:
		p.mu.Unlock()
		return fmt.Errorf("%w: simulated rejection", ErrVenueRejected)
	}
	if existing, ok := p.orders[o.ID]; ok && !existing.Status.IsTerminal() {
		// 重试下发同一订单，视为已接收
		p.mu.Unlock()
		return nil
	}
	po := &paperOrder{
		ID:         o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Price:      o.Price,
		Quantity:   o.Quantity,
		Status:     order.StatusSubmitted,
		UpdateTime: time.Now(),
	}
	p.orders[o.ID] = po
	autoAccept, autoFill := p.cfg.AutoAccept, p.cfg.AutoFill
	p.mu.Unlock()

	if autoAccept {
		p.setStatus(o.ID, order.StatusAccepted, nil)
	}
	if autoFill {
		if err := p.SimulateFill(o.ID, o.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// Cancel 撤单
func (p *PaperVenue) Cancel(ctx context.Context, orderID string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.cancelCount++
	po, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", orderID, ErrUnknownOrder)
	}
	if po.Status.IsTerminal() {
		st := po.Status
		p.mu.Unlock()
		return fmt.Errorf("cannot cancel order in %s state", st)
	}
	p.mu.Unlock()
	p.setStatus(orderID, order.StatusCanceled, nil)
	return nil
}

// Query 查询订单状态
func (p *PaperVenue) Query(ctx context.Context, orderID string) (order.Status, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryCount++
	po, ok := p.orders[orderID]
	if !ok {
		return "", fmt.Errorf("query %s: %w", orderID, ErrUnknownOrder)
	}
	return po.Status, nil
}

// SimulateFill 模拟成交 qty 数量；累计达到下单数量时为 FILLED。
func (p *PaperVenue) SimulateFill(orderID string, qty decimal.Decimal) error {
	p.mu.Lock()
	po, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("fill %s: %w", orderID, ErrUnknownOrder)
	}
	if po.Status.IsTerminal() {
		st := po.Status
		p.mu.Unlock()
		return fmt.Errorf("cannot fill order in %s state", st)
	}
	remaining := po.Quantity.Sub(po.Filled)
	if qty.GreaterThan(remaining) || qty.Sign() <= 0 {
		qty = remaining
	}
	price := po.Price
	p.mu.Unlock()

	next := order.StatusPartiallyFilled
	if qty.Equal(remaining) {
		next = order.StatusFilled
	}
	return p.setStatus(orderID, next, &order.FillDetails{
		TradeID:   uuid.NewString(),
		Price:     price,
		Quantity:  qty,
		Timestamp: time.Now(),
	})
}

// SimulateFullFill 成交剩余全部数量
func (p *PaperVenue) SimulateFullFill(orderID string) error {
	return p.SimulateFill(orderID, decimal.Zero)
}

// Drop 静默丢弃订单，不产生回报（模拟交易所丢单）。
func (p *PaperVenue) Drop(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, orderID)
}

// GetStatistics 获取统计信息
func (p *PaperVenue) GetStatistics() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]int{
		"place_order_count":  p.placeCount,
		"cancel_order_count": p.cancelCount,
		"query_order_count":  p.queryCount,
		"total_orders":       len(p.orders),
	}
}

func (p *PaperVenue) setStatus(orderID string, st order.Status, fill *order.FillDetails) error {
	p.mu.Lock()
	po, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("update %s: %w", orderID, ErrUnknownOrder)
	}
	po.Status = st
	po.UpdateTime = time.Now()
	if fill != nil {
		po.Filled = po.Filled.Add(fill.Quantity)
	}
	r := p.reporter
	p.mu.Unlock()

	if r == nil {
		return nil
	}
	return r.ReportStatus(scheduler.Report{OrderID: orderID, Status: st, Fill: fill, Reason: order.ReasonVenue})
}

func (p *PaperVenue) wait(ctx context.Context) error {
	p.mu.Lock()
	latency := p.cfg.Latency
	p.mu.Unlock()
	if latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
	case <-time.After(latency):
		return nil
	}
}
