package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents order lifecycle.
type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusSubmitted       Status = "SUBMITTED"
	StatusAccepted        Status = "ACCEPTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
)

// ParseStatus 解析外部回报中的状态字符串。
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusCreated, StatusSubmitted, StatusAccepted, StatusPartiallyFilled,
		StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return st, true
	}
	return "", false
}

// IsTerminal 终态不再接受任何转换。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Reason 记录一次状态转换的来源，区分交易所回报与调度器强制转换。
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonVenue             Reason = "venue"
	ReasonDependencyFailed  Reason = "dependency_failed"
	ReasonRetryExhausted    Reason = "retry_exhausted"
	ReasonDependencyTimeout Reason = "dependency_timeout"
	ReasonCanceled          Reason = "canceled"
	ReasonRetry             Reason = "retry"
	ReasonInvalidSpec       Reason = "invalid_spec"
)

// IsForced 为 true 表示该转换由调度器发起而非交易所。
func (r Reason) IsForced() bool {
	switch r {
	case ReasonDependencyFailed, ReasonRetryExhausted, ReasonDependencyTimeout, ReasonCanceled, ReasonRetry:
		return true
	default:
		return false
	}
}

// Spec 是调用方提交订单时的描述；ID 为空时由调度器生成。
type Spec struct {
	ID           string
	ClientID     string
	Symbol       string
	Side         string // BUY/SELL
	Type         string // LIMIT/MARKET
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Dependencies []Relation
	// MaxPending 覆盖全局的最长等待时间，0 表示使用调度器策略。
	MaxPending time.Duration
	// Retries 为 nil 时使用调度器默认重试次数。
	Retries *int
}

// Order holds the scheduler's view of a conditional order.
type Order struct {
	ID       string
	ClientID string
	Symbol   string
	Side     string
	Type     string
	Price    decimal.Decimal
	Quantity decimal.Decimal

	Status           Status
	Reason           Reason
	Dependencies     []Relation
	Dependents       []string
	RetriesRemaining int
	MaxPending       time.Duration
	LastError        string

	CreatedAt        time.Time
	LastTransitionAt time.Time
}

// Clone 返回深拷贝，调用方可以安全持有。
func (o *Order) Clone() Order {
	c := *o
	if o.Dependencies != nil {
		c.Dependencies = append([]Relation(nil), o.Dependencies...)
	}
	if o.Dependents != nil {
		c.Dependents = append([]string(nil), o.Dependents...)
	}
	return c
}

// FillDetails 交易所成交回报中的可选明细。
type FillDetails struct {
	TradeID   string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
}
