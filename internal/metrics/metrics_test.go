package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveMutation("add", "ok", time.Millisecond)
	m.SubscriberAdded()
	m.SubscriberRemoved()
	m.EventPublished("add")
	m.SubscriberEvicted("slow")
	m.RelayRecord("published")
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveMutation("add", "ok", time.Millisecond)
	m.ObserveMutation("add", "ok", time.Millisecond)
	m.ObserveMutation("move", "cycle", time.Millisecond)
	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved()
	m.EventPublished("remove")
	m.SubscriberEvicted("slow")
	m.RelayRecord("skipped")

	tests := []struct {
		name     string
		got      float64
		expected float64
	}{
		{"add ok", testutil.ToFloat64(m.mutations.WithLabelValues("add", "ok")), 2},
		{"move cycle", testutil.ToFloat64(m.mutations.WithLabelValues("move", "cycle")), 1},
		{"subscribers", testutil.ToFloat64(m.subscribers), 1},
		{"events", testutil.ToFloat64(m.eventsPublished.WithLabelValues("remove")), 1},
		{"evictions", testutil.ToFloat64(m.evictions.WithLabelValues("slow")), 1},
		{"relay", testutil.ToFloat64(m.relayRecords.WithLabelValues("skipped")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.expected {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.expected, tt.got)
		}
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	New(reg)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.EventPublished("add")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `canopy_events_published_total{type="add"} 1`) {
		t.Errorf("expected events counter in output:\n%s", rec.Body.String())
	}
}
