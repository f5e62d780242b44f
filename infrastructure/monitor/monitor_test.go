package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMonitorCounters(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordSubmitted()
	m.RecordSubmitted()
	m.RecordRejected("dependency_failed")
	m.RecordReleased(0.25)
	m.UpdateQueueSizes(3, 7)

	if got := testutil.ToFloat64(m.ordersSubmitted); got != 2 {
		t.Errorf("orders_submitted = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.ordersRejected.WithLabelValues("dependency_failed")); got != 1 {
		t.Errorf("orders_rejected[dependency_failed] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.ordersReleased); got != 1 {
		t.Errorf("orders_released = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.pendingOrders); got != 3 {
		t.Errorf("pending_orders = %f, want 3", got)
	}
}

func TestNilMonitorIsSafe(t *testing.T) {
	var m *Monitor
	m.RecordSubmitted()
	m.RecordCascade(4)
	m.RecordDispatchError("place", "transient")
	m.UpdateWSClients(1)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordCycleRejected()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "orderdeps_scheduler_cycles_rejected_total 1") {
		t.Fatalf("metric not exposed:\n%s", rec.Body.String())
	}
}
