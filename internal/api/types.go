package api

import (
	"time"

	"github.com/shopspring/decimal"

	"conditional-orders-go/internal/store"
	"conditional-orders-go/order"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RelationDTO 依赖关系
type RelationDTO struct {
	SourceID string `json:"source_id"`
	Kind     string `json:"kind"`
}

// SubmitRequest 提交订单请求。decimal 字段接受字符串或数字。
type SubmitRequest struct {
	ID           string          `json:"id,omitempty"`
	ClientID     string          `json:"client_id,omitempty"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Type         string          `json:"type"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Dependencies []RelationDTO   `json:"dependencies,omitempty"`
	MaxPending   string          `json:"max_pending,omitempty"` // Go duration，例如 "30s"
	Retries      *int            `json:"retries,omitempty"`
}

// Spec 转换为调度器的订单描述
func (r SubmitRequest) Spec() (order.Spec, error) {
	spec := order.Spec{
		ID:       r.ID,
		ClientID: r.ClientID,
		Symbol:   r.Symbol,
		Side:     r.Side,
		Type:     r.Type,
		Price:    r.Price,
		Quantity: r.Quantity,
		Retries:  r.Retries,
	}
	if r.MaxPending != "" {
		d, err := time.ParseDuration(r.MaxPending)
		if err != nil {
			return spec, err
		}
		spec.MaxPending = d
	}
	for _, d := range r.Dependencies {
		spec.Dependencies = append(spec.Dependencies, order.Relation{SourceID: d.SourceID, Kind: order.DependencyKind(d.Kind)})
	}
	return spec, nil
}

// SubmitResponse 提交结果。Error 非空表示订单已登记但被同步拒绝。
type SubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReportRequest 外部推送的交易所回报
type ReportRequest struct {
	Status    string          `json:"status"`
	TradeID   string          `json:"trade_id,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp int64           `json:"timestamp,omitempty"` // 毫秒
}

// OrderView 订单快照
type OrderView struct {
	ID               string          `json:"id"`
	ClientID         string          `json:"client_id,omitempty"`
	Symbol           string          `json:"symbol,omitempty"`
	Side             string          `json:"side,omitempty"`
	Type             string          `json:"type,omitempty"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	Status           string          `json:"status"`
	Reason           string          `json:"reason,omitempty"`
	Dependencies     []RelationDTO   `json:"dependencies"`
	Dependents       []string        `json:"dependents"`
	RetriesRemaining int             `json:"retries_remaining"`
	LastError        string          `json:"last_error,omitempty"`
	FilledQty        decimal.Decimal `json:"filled_qty"`
	CreatedAt        time.Time       `json:"created_at"`
	LastTransitionAt time.Time       `json:"last_transition_at"`
}

func toView(o order.Order, fills order.FillSummary) OrderView {
	v := OrderView{
		ID:               o.ID,
		ClientID:         o.ClientID,
		Symbol:           o.Symbol,
		Side:             o.Side,
		Type:             o.Type,
		Price:            o.Price,
		Quantity:         o.Quantity,
		Status:           string(o.Status),
		Reason:           string(o.Reason),
		Dependencies:     make([]RelationDTO, 0, len(o.Dependencies)),
		Dependents:       append([]string{}, o.Dependents...),
		RetriesRemaining: o.RetriesRemaining,
		LastError:        o.LastError,
		FilledQty:        fills.FilledQty,
		CreatedAt:        o.CreatedAt,
		LastTransitionAt: o.LastTransitionAt,
	}
	for _, r := range o.Dependencies {
		v.Dependencies = append(v.Dependencies, RelationDTO{SourceID: r.SourceID, Kind: string(r.Kind)})
	}
	return v
}

// PendingResponse 等待依赖与等待重试的订单
type PendingResponse struct {
	Pending []string `json:"pending"`
	Held    []string `json:"held"`
}

// HistoryResponse 订单转换历史
type HistoryResponse struct {
	OrderID     string         `json:"order_id"`
	Transitions []store.Record `json:"transitions"`
}

// WSSubscribeRequest 订阅请求；Orders 为空表示订阅全部转换。
type WSSubscribeRequest struct {
	Op     string   `json:"op"` // subscribe, unsubscribe
	Orders []string `json:"orders,omitempty"`
}
