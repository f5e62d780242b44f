package gateway

import (
	"context"
	"errors"

	"conditional-orders-go/order"
	"conditional-orders-go/scheduler"
)

var (
	// ErrTransient 可重试的交易所错误（超时、限流、连接断开）。
	ErrTransient = errors.New("transient venue error")
	// ErrVenueRejected 交易所明确拒绝订单。
	ErrVenueRejected = errors.New("rejected by venue")
	// ErrUnknownOrder 交易所不认识该订单。
	ErrUnknownOrder = errors.New("unknown order at venue")
	// ErrQueueFull 下发队列已满。
	ErrQueueFull = errors.New("dispatch queue full")
)

// Venue 执行端下单/撤单接口。结果通过 Reporter 异步回报。
type Venue interface {
	Place(ctx context.Context, o order.Order) error
	Cancel(ctx context.Context, orderID string) error
}

// Querier 支持按订单查询状态的交易所，用于对账。
type Querier interface {
	Query(ctx context.Context, orderID string) (order.Status, error)
}

// Reporter 执行端回报的入口，由调度器实现。
type Reporter interface {
	ReportStatus(r scheduler.Report) error
	ReportSubmitFailure(orderID string, cause error) error
}

// IsTransient 判断错误是否可重试。
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, context.DeadlineExceeded)
}
