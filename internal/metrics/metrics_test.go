package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestObserveToolCall(t *testing.T) {
	m := New()
	m.ObserveToolCall("create_task", "ok", 25*time.Millisecond)
	m.ObserveToolCall("create_task", "ok", 40*time.Millisecond)
	m.ObserveToolCall("create_task", "validation_error", time.Millisecond)

	body := scrape(t, m)
	if !strings.Contains(body, `agenthive_tool_calls_total{outcome="ok",tool="create_task"} 2`) {
		t.Errorf("ok counter missing:\n%s", body)
	}
	if !strings.Contains(body, `agenthive_tool_calls_total{outcome="validation_error",tool="create_task"} 1`) {
		t.Errorf("error counter missing")
	}
	if !strings.Contains(body, `agenthive_tool_call_duration_seconds_count{tool="create_task"} 3`) {
		t.Errorf("latency histogram missing")
	}
}

func TestGaugeSampling(t *testing.T) {
	m := New()
	depth := 7
	m.TrackQueueDepth(func() int { return depth })
	m.TrackSubscribers(func() int { return 3 })
	m.TrackRAGCycleAge(func() time.Time { return time.Time{} })

	body := scrape(t, m)
	if !strings.Contains(body, "agenthive_write_queue_depth 7") {
		t.Errorf("queue depth gauge missing:\n%s", body)
	}
	if !strings.Contains(body, "agenthive_websocket_clients 3") {
		t.Errorf("subscriber gauge missing")
	}
	if !strings.Contains(body, "agenthive_rag_cycle_age_seconds 0") {
		t.Errorf("cycle age should be zero before the first cycle")
	}

	depth = 2
	if !strings.Contains(scrape(t, m), "agenthive_write_queue_depth 2") {
		t.Errorf("gauge did not resample")
	}
}
