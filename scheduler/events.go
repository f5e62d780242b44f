package scheduler

import (
	"time"

	"conditional-orders-go/order"
)

// TransitionEvent 一次订单状态转换。Seq 在调度器内严格递增。
type TransitionEvent struct {
	Seq     uint64       `json:"seq"`
	OrderID string       `json:"order_id"`
	From    order.Status `json:"from"`
	To      order.Status `json:"to"`
	Reason  order.Reason `json:"reason,omitempty"`
	At      time.Time    `json:"at"`
}

// Forced 为 true 表示转换由调度器发起（级联失败、超时、撤单、重试）。
func (e TransitionEvent) Forced() bool {
	return e.Reason.IsForced()
}

// Listener 接收转换事件。事件按提交顺序、在调度器锁外同步投递；
// 监听器不能同步回调调度器的写操作，耗时处理应自行转交 goroutine。
type Listener func(TransitionEvent)

// Report 交易所回报。
type Report struct {
	OrderID string
	Status  order.Status
	Fill    *order.FillDetails
	// Reason 为空时记为 venue
	Reason order.Reason
}

// effects 在临界区内收集、在锁外按序执行的副作用。
type effects struct {
	events   []TransitionEvent
	forwards []order.Order
	cancels  []string
}

func (fx *effects) empty() bool {
	return len(fx.events) == 0 && len(fx.forwards) == 0 && len(fx.cancels) == 0
}
