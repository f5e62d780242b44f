package alert

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"conditional-orders-go/infrastructure/logger"
	"conditional-orders-go/order"
	"conditional-orders-go/scheduler"
)

func TestSendAlert(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, 5*time.Minute)

	err := mgr.SendAlert(Alert{
		Level:   LevelWarning,
		Message: "test message",
		Fields:  map[string]interface{}{"key": "value"},
	})
	if err != nil {
		t.Fatalf("SendAlert failed: %v", err)
	}
	if mock.Count() != 1 {
		t.Fatalf("expected 1 alert, got %d", mock.Count())
	}

	alert := mock.GetAlerts()[0]
	if alert.Level != LevelWarning {
		t.Errorf("level = %s, want WARNING", alert.Level)
	}
	if alert.Fields["key"] != "value" {
		t.Errorf("field key = %v, want value", alert.Fields["key"])
	}
	if alert.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestThrottlingCountsSuppressed(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr.throttle.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		_ = mgr.SendWarning("same", nil)
	}
	if mock.Count() != 1 {
		t.Fatalf("expected 1 alert within interval, got %d", mock.Count())
	}

	now = now.Add(2 * time.Minute)
	_ = mgr.SendWarning("same", nil)
	alerts := mock.GetAlerts()
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts after interval, got %d", len(alerts))
	}
	if alerts[1].Fields["suppressed"] != 3 {
		t.Errorf("suppressed = %v, want 3", alerts[1].Fields["suppressed"])
	}
	if _, ok := alerts[0].Fields["suppressed"]; ok {
		t.Error("first alert should not carry suppressed field")
	}
}

func TestDifferentLevelsNotThrottled(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Hour)

	_ = mgr.SendWarning("msg", nil)
	_ = mgr.SendError("msg", nil)
	if mock.Count() != 2 {
		t.Errorf("expected 2 alerts, got %d", mock.Count())
	}

	mgr.ResetThrottle()
	_ = mgr.SendWarning("msg", nil)
	if mock.Count() != 3 {
		t.Errorf("expected reset to allow resend, got %d", mock.Count())
	}
}

func TestChannelFailures(t *testing.T) {
	bad := NewMockChannel("bad")
	bad.SetShouldError(true)
	mgr := NewManager([]Channel{bad}, 0)
	if err := mgr.SendError("x", nil); err == nil {
		t.Error("expected error when all channels fail")
	}

	good := NewMockChannel("good")
	mgr.AddChannel(good)
	if err := mgr.SendError("y", nil); err != nil {
		t.Errorf("partial failure should not error: %v", err)
	}
	if good.Count() != 1 {
		t.Errorf("good channel should receive alert")
	}

	mgr.RemoveChannel("bad")
	if names := mgr.GetChannels(); len(names) != 1 || names[0] != "good" {
		t.Errorf("channels = %v, want [good]", names)
	}
}

func TestOnTransition(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, 0)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	events := []scheduler.TransitionEvent{
		{Seq: 1, OrderID: "A", From: order.StatusCreated, To: order.StatusSubmitted, At: at},
		{Seq: 2, OrderID: "A", From: order.StatusSubmitted, To: order.StatusRejected, Reason: order.ReasonRetryExhausted, At: at},
		{Seq: 3, OrderID: "B", From: order.StatusCreated, To: order.StatusRejected, Reason: order.ReasonDependencyFailed, At: at},
		{Seq: 4, OrderID: "C", From: order.StatusCreated, To: order.StatusRejected, Reason: order.ReasonDependencyTimeout, At: at},
		{Seq: 5, OrderID: "D", From: order.StatusCreated, To: order.StatusCanceled, Reason: order.ReasonCanceled, At: at},
		{Seq: 6, OrderID: "E", From: order.StatusSubmitted, To: order.StatusRejected, Reason: order.ReasonVenue, At: at},
		{Seq: 7, OrderID: "E", From: order.StatusAccepted, To: order.StatusFilled, Reason: order.ReasonVenue, At: at},
	}
	for _, ev := range events {
		mgr.OnTransition(ev)
	}

	alerts := mock.GetAlerts()
	if len(alerts) != 4 {
		t.Fatalf("expected 4 alerts, got %d", len(alerts))
	}
	if alerts[0].Level != LevelError || alerts[0].Fields["order_id"] != "A" {
		t.Errorf("retry exhausted alert = %+v", alerts[0])
	}
	if alerts[1].Level != LevelWarning || alerts[1].Fields["order_id"] != "B" {
		t.Errorf("dependency failed alert = %+v", alerts[1])
	}
	if !alerts[2].Timestamp.Equal(at) {
		t.Errorf("timestamp = %v, want event time", alerts[2].Timestamp)
	}
	if alerts[3].Fields["order_id"] != "E" {
		t.Errorf("venue reject alert = %+v", alerts[3])
	}
}

func TestLogChannel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ch := NewLogChannel("log", logger.FromZap(zap.New(core)))

	_ = ch.Send(Alert{Level: LevelError, Message: "boom", Fields: map[string]interface{}{"order_id": "A"}})
	_ = ch.Send(Alert{Level: LevelInfo, Message: "hello"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel || !strings.Contains(entries[0].Message, "boom") {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[0].ContextMap()["order_id"] != "A" {
		t.Errorf("order_id field missing: %v", entries[0].ContextMap())
	}
	if entries[1].Level != zapcore.InfoLevel {
		t.Errorf("info alert logged at %s", entries[1].Level)
	}
}

func TestConsoleChannel(t *testing.T) {
	var buf bytes.Buffer
	ch := NewConsoleChannel("console", &buf)
	err := ch.Send(Alert{Level: LevelWarning, Message: "slow", Timestamp: time.Now(),
		Fields: map[string]interface{}{"b": 2, "a": 1}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "[WARNING]") || !strings.Contains(out, "slow") {
		t.Errorf("unexpected output %q", out)
	}
	if !strings.Contains(out, "a=1 b=2") {
		t.Errorf("fields should be sorted: %q", out)
	}
}

func TestFromConfig(t *testing.T) {
	mgr, err := FromConfig(Config{Channels: []string{"log", "console"}}, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if len(mgr.GetChannels()) != 2 {
		t.Errorf("channels = %v", mgr.GetChannels())
	}
	if _, err := FromConfig(Config{Channels: []string{"pager"}}, nil); err == nil {
		t.Error("expected unknown channel error")
	}
}

func TestConcurrentAlerts(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.SendError("concurrent", nil)
		}()
	}
	wg.Wait()
	if mock.Count() != 50 {
		t.Errorf("expected 50 alerts, got %d", mock.Count())
	}
}
