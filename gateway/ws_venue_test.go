package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conditional-orders-go/order"
)

// fakeExchange 接收下单帧并回送 ACCEPTED + FILLED；ID 以 "busy" 开头的订单回送可重试错误。
func fakeExchange(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var f WSFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch {
			case f.Type == framePlace && strings.HasPrefix(f.OrderID, "busy"):
				_ = conn.WriteJSON(WSFrame{Type: frameError, Action: framePlace, OrderID: f.OrderID, Message: "rate limited", Transient: true})
			case f.Type == framePlace:
				_ = conn.WriteJSON(WSFrame{Type: frameExecutionReport, OrderID: f.OrderID, Status: "ACCEPTED"})
				_ = conn.WriteJSON(WSFrame{
					Type: frameExecutionReport, OrderID: f.OrderID, Status: "FILLED", TradeID: "t-1",
					Price: f.Order.Price, Quantity: f.Order.Quantity, Timestamp: time.Now().UnixMilli(),
				})
			case f.Type == frameCancel:
				_ = conn.WriteJSON(WSFrame{Type: frameExecutionReport, OrderID: f.OrderID, Status: "CANCELED"})
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSVenueRoundTrip(t *testing.T) {
	srv := fakeExchange(t)
	defer srv.Close()

	rep := newFakeReporter()
	v := NewWSVenue(WSConfig{URL: wsURL(srv), ReconnectDelay: 10 * time.Millisecond}, rep, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = v.Run(ctx) }()
	require.Eventually(t, v.Connected, time.Second, 5*time.Millisecond)

	o := order.Order{ID: "A", Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT",
		Price: decimal.RequireFromString("101.5"), Quantity: decimal.RequireFromString("0.2")}
	require.NoError(t, v.Place(ctx, o))
	require.NoError(t, v.Place(ctx, order.Order{ID: "busy-1"}))
	require.NoError(t, v.Cancel(ctx, "C"))

	require.Eventually(t, func() bool {
		_, failed := rep.Failure("busy-1")
		return failed && len(rep.Reports()) == 3
	}, time.Second, 5*time.Millisecond)

	reports := rep.Reports()
	assert.Equal(t, order.StatusAccepted, reports[0].Status)
	assert.Equal(t, order.StatusFilled, reports[1].Status)
	require.NotNil(t, reports[1].Fill)
	assert.True(t, decimal.RequireFromString("0.2").Equal(reports[1].Fill.Quantity))
	assert.Equal(t, "t-1", reports[1].Fill.TradeID)
	assert.Equal(t, "C", reports[2].OrderID)
	assert.Equal(t, order.StatusCanceled, reports[2].Status)
}

func TestWSVenueNotConnectedIsTransient(t *testing.T) {
	v := NewWSVenue(WSConfig{URL: "ws://127.0.0.1:1"}, newFakeReporter(), nil)
	err := v.Place(context.Background(), order.Order{ID: "A"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestWSVenueHandleMessageRejectsGarbage(t *testing.T) {
	rep := newFakeReporter()
	v := NewWSVenue(WSConfig{}, rep, nil)

	assert.Error(t, v.HandleMessage([]byte(`not json`)))
	assert.Error(t, v.HandleMessage([]byte(`{"type":"execution_report","status":"FILLED"}`)))
	assert.Error(t, v.HandleMessage([]byte(`{"type":"execution_report","order_id":"A","status":"DONE"}`)))

	require.NoError(t, v.HandleMessage([]byte(`{"type":"error","order_id":"A","message":"bad symbol"}`)))
	reports := rep.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, order.StatusRejected, reports[0].Status)
}
