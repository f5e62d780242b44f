package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"conditional-orders-go/infrastructure/logger"
	"conditional-orders-go/order"
	"conditional-orders-go/scheduler"
)

// 帧类型
const (
	framePlace           = "place"
	frameCancel          = "cancel"
	frameExecutionReport = "execution_report"
	frameError           = "error"
)

// WSFrame websocket 交易所适配器的 JSON 帧。
type WSFrame struct {
	Type      string          `json:"type"`
	Action    string          `json:"action,omitempty"`
	OrderID   string          `json:"order_id,omitempty"`
	Order     *WSOrder        `json:"order,omitempty"`
	Status    string          `json:"status,omitempty"`
	TradeID   string          `json:"trade_id,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp int64           `json:"ts,omitempty"` // 毫秒
	Message   string          `json:"message,omitempty"`
	Transient bool            `json:"transient,omitempty"`
}

// WSOrder 下单帧中的订单内容
type WSOrder struct {
	ID       string          `json:"id"`
	ClientID string          `json:"client_id,omitempty"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Type     string          `json:"type"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// WSConfig websocket 交易所配置
type WSConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
}

// WSVenue 通过 websocket 连接的交易所适配器。
// 下单/撤单写出请求帧即返回，结果以 execution_report / error 帧异步到达。
type WSVenue struct {
	cfg    WSConfig
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	reporter Reporter

	writeMu sync.Mutex
	logger  *logger.Logger
}

// NewWSVenue 创建 websocket 交易所适配器
func NewWSVenue(cfg WSConfig, reporter Reporter, log *logger.Logger) *WSVenue {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &WSVenue{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		reporter: reporter,
		logger:   log,
	}
}

// SetReporter 绑定回报入口
func (v *WSVenue) SetReporter(r Reporter) {
	v.mu.Lock()
	v.reporter = r
	v.mu.Unlock()
}

// Connect 建立连接
func (v *WSVenue) Connect(ctx context.Context) error {
	if v.cfg.URL == "" {
		return fmt.Errorf("venue url required")
	}
	conn, _, err := v.dialer.DialContext(ctx, v.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", v.cfg.URL, err)
	}
	v.mu.Lock()
	old := v.conn
	v.conn = conn
	v.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	v.logger.Info("venue connected", zap.String("url", v.cfg.URL))
	return nil
}

// Connected 是否已连接
func (v *WSVenue) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conn != nil
}

// Place 发送下单帧
func (v *WSVenue) Place(ctx context.Context, o order.Order) error {
	return v.send(ctx, WSFrame{
		Type:    framePlace,
		OrderID: o.ID,
		Order: &WSOrder{
			ID:       o.ID,
			ClientID: o.ClientID,
			Symbol:   o.Symbol,
			Side:     o.Side,
			Type:     o.Type,
			Price:    o.Price,
			Quantity: o.Quantity,
		},
	})
}

// Cancel 发送撤单帧
func (v *WSVenue) Cancel(ctx context.Context, orderID string) error {
	return v.send(ctx, WSFrame{Type: frameCancel, OrderID: orderID})
}

func (v *WSVenue) send(ctx context.Context, f WSFrame) error {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: venue not connected", ErrTransient)
	}

	deadline := time.Now().Add(v.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(f); err != nil {
		v.dropConn(conn)
		return fmt.Errorf("%w: write %s: %v", ErrTransient, f.Type, err)
	}
	return nil
}

// Run 维持连接并读取回报帧，断线后按 ReconnectDelay 重连，直到 ctx 结束。
func (v *WSVenue) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		v.Close()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !v.Connected() {
			if err := v.Connect(ctx); err != nil {
				v.logger.Warn("venue connect failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(v.cfg.ReconnectDelay):
				}
				continue
			}
		}
		if err := v.readLoop(); err != nil && ctx.Err() == nil {
			v.logger.Warn("venue connection lost", zap.Error(err))
		}
	}
}

func (v *WSVenue) readLoop() error {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			v.dropConn(conn)
			return err
		}
		if err := v.HandleMessage(raw); err != nil {
			v.logger.Warn("venue frame ignored", zap.Error(err), zap.ByteString("raw", raw))
		}
	}
}

// HandleMessage 解析一帧并转为回报。
func (v *WSVenue) HandleMessage(raw []byte) error {
	var f WSFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if f.OrderID == "" {
		return fmt.Errorf("frame %q without order_id", f.Type)
	}
	v.mu.Lock()
	r := v.reporter
	v.mu.Unlock()
	if r == nil {
		return errors.New("no reporter bound")
	}

	switch f.Type {
	case frameExecutionReport:
		st, ok := order.ParseStatus(f.Status)
		if !ok {
			return fmt.Errorf("unknown status %q", f.Status)
		}
		rep := scheduler.Report{OrderID: f.OrderID, Status: st, Reason: order.ReasonVenue}
		if f.Quantity.Sign() > 0 {
			ts := time.Now()
			if f.Timestamp > 0 {
				ts = time.UnixMilli(f.Timestamp)
			}
			rep.Fill = &order.FillDetails{TradeID: f.TradeID, Price: f.Price, Quantity: f.Quantity, Timestamp: ts}
		}
		return r.ReportStatus(rep)
	case frameError:
		if f.Action == frameCancel {
			v.logger.LogOrder("dispatch_error", f.OrderID, map[string]interface{}{
				"action": frameCancel,
				"error":  f.Message,
			})
			return nil
		}
		if f.Transient {
			return r.ReportSubmitFailure(f.OrderID, fmt.Errorf("%w: %s", ErrTransient, f.Message))
		}
		return r.ReportStatus(scheduler.Report{OrderID: f.OrderID, Status: order.StatusRejected, Reason: order.ReasonVenue})
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func (v *WSVenue) dropConn(conn *websocket.Conn) {
	v.mu.Lock()
	if v.conn == conn {
		v.conn = nil
	}
	v.mu.Unlock()
	_ = conn.Close()
}

// Close 关闭连接
func (v *WSVenue) Close() {
	v.mu.Lock()
	conn := v.conn
	v.conn = nil
	v.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
