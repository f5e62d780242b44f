package scheduler

import (
	"errors"
	"fmt"

	"conditional-orders-go/dependency"
	"conditional-orders-go/order"
)

var (
	// ErrCyclicDependency 提交会在依赖图中形成环，图保持不变。
	ErrCyclicDependency = dependency.ErrCyclicDependency
	// ErrDependencyFailed 某个依赖永远无法满足。
	ErrDependencyFailed = errors.New("dependency failed")
	// ErrRetryExhausted 瞬时下发失败超过重试上限。
	ErrRetryExhausted = errors.New("retry exhausted")
	// ErrDependencyTimeout 等待依赖超过最长时间。
	ErrDependencyTimeout = errors.New("dependency timeout")
	// ErrNotFound 未知订单 ID。
	ErrNotFound = errors.New("order not found")
	// ErrInvalidTransition 回报与状态机冲突；只记录日志，不返回给调用方。
	ErrInvalidTransition = order.ErrIllegalTransition
	// ErrDuplicateOrder 订单 ID 已登记。
	ErrDuplicateOrder = errors.New("duplicate order id")
	// ErrInvalidSpec 订单参数或依赖描述非法。
	ErrInvalidSpec = errors.New("invalid order spec")
)

// RejectionError 描述调度器强制拒绝/过期的原因。
type RejectionError struct {
	OrderID string
	Reason  order.Reason
	Source  string // 触发失败的被依赖订单，可能为空
}

func (e *RejectionError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("order %s rejected: %s (source %s)", e.OrderID, e.Reason, e.Source)
	}
	return fmt.Sprintf("order %s rejected: %s", e.OrderID, e.Reason)
}

// Is 按原因匹配对应的哨兵错误。
func (e *RejectionError) Is(target error) bool {
	return target == reasonErr(e.Reason)
}

func reasonErr(r order.Reason) error {
	switch r {
	case order.ReasonDependencyFailed:
		return ErrDependencyFailed
	case order.ReasonRetryExhausted:
		return ErrRetryExhausted
	case order.ReasonDependencyTimeout:
		return ErrDependencyTimeout
	default:
		return nil
	}
}
