package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conditional-orders-go/infrastructure/monitor"
	"conditional-orders-go/internal/store"
	"conditional-orders-go/order"
	"conditional-orders-go/scheduler"
)

type fixture struct {
	sched *scheduler.Scheduler
	audit *store.Store
	hub   *Hub
	srv   *Server
	http  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mon := monitor.New(monitor.DefaultConfig())
	sched := scheduler.New(nil, scheduler.Options{Monitor: mon})
	audit, err := store.Open(store.Config{InMemory: true}, nil, mon)
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	hub := NewHub(nil, mon)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	sched.Subscribe(audit.OnTransition)
	sched.Subscribe(hub.OnTransition)

	srv := NewServer(Config{}, sched, audit, hub, mon, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{sched: sched, audit: audit, hub: hub, srv: srv, http: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestSubmitAndRelease(t *testing.T) {
	f := newFixture(t)

	code, raw := f.do(t, "POST", "/api/v1/orders", map[string]interface{}{
		"id": "A", "symbol": "BTCUSDT", "side": "BUY", "type": "LIMIT", "price": "100", "quantity": "1",
	})
	require.Equal(t, http.StatusCreated, code, string(raw))
	assert.Equal(t, "SUBMITTED", decode[SubmitResponse](t, raw).Status)

	code, raw = f.do(t, "POST", "/api/v1/orders", map[string]interface{}{
		"id": "B", "symbol": "BTCUSDT", "side": "SELL", "type": "LIMIT", "price": "110", "quantity": "1",
		"dependencies": []map[string]string{{"source_id": "A", "kind": "AFTER_FILLED"}},
	})
	require.Equal(t, http.StatusCreated, code, string(raw))
	assert.Equal(t, "CREATED", decode[SubmitResponse](t, raw).Status)

	code, raw = f.do(t, "GET", "/api/v1/pending", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"B"}, decode[PendingResponse](t, raw).Pending)

	code, raw = f.do(t, "GET", "/api/v1/orders/A/dependents", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"B"}, decode[[]string](t, raw))

	code, _ = f.do(t, "POST", "/api/v1/orders/A/reports", map[string]interface{}{"status": "ACCEPTED"})
	require.Equal(t, http.StatusNoContent, code)
	code, raw = f.do(t, "POST", "/api/v1/orders/A/reports", map[string]interface{}{
		"status": "FILLED", "trade_id": "t-1", "price": "100", "quantity": "1",
	})
	require.Equal(t, http.StatusNoContent, code, string(raw))

	code, raw = f.do(t, "GET", "/api/v1/orders/B", nil)
	require.Equal(t, http.StatusOK, code)
	view := decode[OrderView](t, raw)
	assert.Equal(t, "SUBMITTED", view.Status)
	require.Len(t, view.Dependencies, 1)
	assert.Equal(t, "A", view.Dependencies[0].SourceID)

	code, raw = f.do(t, "GET", "/api/v1/orders/A", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1", decode[OrderView](t, raw).FilledQty.String())

	code, raw = f.do(t, "GET", "/api/v1/orders/A/history", nil)
	require.Equal(t, http.StatusOK, code)
	hist := decode[HistoryResponse](t, raw)
	require.Len(t, hist.Transitions, 3)
	assert.Equal(t, order.StatusFilled, hist.Transitions[2].To)

	code, raw = f.do(t, "GET", "/api/v1/orders?status=FILLED", nil)
	require.Equal(t, http.StatusOK, code)
	filled := decode[[]OrderView](t, raw)
	require.Len(t, filled, 1)
	assert.Equal(t, "A", filled[0].ID)

	code, raw = f.do(t, "GET", "/api/v1/events?after=1&limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	events := decode[[]store.Record](t, raw)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].LogSeq)

	code, raw = f.do(t, "GET", "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, code)
	stats := decode[scheduler.Stats](t, raw)
	assert.Equal(t, 2, stats.Tracked)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.TotalFills)
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t)

	code, raw := f.do(t, "POST", "/api/v1/orders", map[string]interface{}{
		"id": "X", "dependencies": []map[string]string{{"source_id": "X", "kind": "AFTER_FILLED"}},
	})
	assert.Equal(t, http.StatusConflict, code, string(raw))
	assert.Contains(t, string(raw), "cycl")

	code, _ = f.do(t, "POST", "/api/v1/orders", map[string]interface{}{
		"id": "Y", "dependencies": []map[string]string{{"source_id": "A", "kind": "WHENEVER"}},
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, "POST", "/api/v1/orders", map[string]interface{}{"id": "Z", "max_pending": "soon"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, "POST", "/api/v1/orders", map[string]interface{}{"id": "D"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = f.do(t, "POST", "/api/v1/orders", map[string]interface{}{"id": "D"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, "GET", "/api/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, "POST", "/api/v1/orders/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, "POST", "/api/v1/orders/D/reports", map[string]interface{}{"status": "DONE"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, "GET", "/api/v1/orders?status=DONE", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestImmediateRejection(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Submit(order.Spec{ID: "A"})
	require.NoError(t, err)
	require.NoError(t, f.sched.ReportStatus(scheduler.Report{OrderID: "A", Status: order.StatusRejected}))

	code, raw := f.do(t, "POST", "/api/v1/orders", map[string]interface{}{
		"id": "B", "dependencies": []map[string]string{{"source_id": "A", "kind": "AFTER_FILLED"}},
	})
	require.Equal(t, http.StatusCreated, code)
	resp := decode[SubmitResponse](t, raw)
	assert.Equal(t, "REJECTED", resp.Status)
	assert.NotEmpty(t, resp.Error)
}

func TestCancelPending(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Submit(order.Spec{ID: "A"})
	require.NoError(t, err)
	_, err = f.sched.Submit(order.Spec{ID: "B", Dependencies: []order.Relation{{SourceID: "A", Kind: order.AfterFilled}}})
	require.NoError(t, err)

	code, raw := f.do(t, "POST", "/api/v1/orders/B/cancel", nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "CANCELED", decode[SubmitResponse](t, raw).Status)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, code)

	f.srv.SetReadiness(func() error { return errors.New("venue disconnected") })
	code, raw := f.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, string(raw), "venue disconnected")

	_, _ = f.sched.Submit(order.Spec{ID: "A"})
	code, raw = f.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), "orderdeps_scheduler_")
}

func TestAuditDisabled(t *testing.T) {
	sched := scheduler.New(nil, scheduler.Options{})
	srv := NewServer(Config{}, sched, nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/orders/A/history", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := NewServer(Config{AllowedOrigins: []string{"http://ui.test"}}, scheduler.New(nil, scheduler.Options{}), nil, nil, nil, nil)
	req := httptest.NewRequest("OPTIONS", "/api/v1/orders", nil)
	req.Header.Set("Origin", "http://ui.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://ui.test", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Orders: []string{"B"}}))
	// 等待注册与订阅生效
	time.Sleep(100 * time.Millisecond)

	_, err = f.sched.Submit(order.Spec{ID: "A"})
	require.NoError(t, err)
	_, err = f.sched.Submit(order.Spec{ID: "B"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Type  string                    `json:"type"`
		Event scheduler.TransitionEvent `json:"event"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "transition", frame.Type)
	assert.Equal(t, "B", frame.Event.OrderID)
	assert.Equal(t, order.StatusSubmitted, frame.Event.To)
}

func TestWebSocketOriginCheck(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://localhost:3000"}})
	require.NoError(t, err)
	conn.Close()
}
