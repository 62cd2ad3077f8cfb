package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/ashureev/stepwise/internal/domain"
)

func TestMetricsRecordDeliveryAndRetries(t *testing.T) {
	srv, _ := scriptedServer(t, http.StatusBadGateway, http.StatusOK)
	clock := newFakeClock()
	queue := newQueue(t)
	sender := NewHTTPSender(srv.URL, time.Second)
	metrics := NewMetrics()

	engine := NewEngine(sender, queue, testSettings(), metrics, nil)
	engine.now = clock.Now
	dispatcher := NewDispatcher(queue, sender, testSettings(), metrics, nil)
	dispatcher.now = clock.Now

	ev := testEvent(t)
	if got := engine.Deliver(context.Background(), ev); got != OutcomeQueued {
		t.Fatalf("Deliver() = %s, want queued", got)
	}
	if n := runOnce(t, dispatcher); n != 1 {
		t.Fatalf("RunOnce() attempted %d, want 1", n)
	}

	queued := testutil.ToFloat64(metrics.deliveries.WithLabelValues(string(ev.Type()), string(OutcomeQueued)))
	if queued != 1 {
		t.Errorf("queued deliveries = %v, want 1", queued)
	}
	succeeded := testutil.ToFloat64(metrics.retryAttempts.WithLabelValues(string(ev.Type()), string(domain.RetrySucceeded)))
	if succeeded != 1 {
		t.Errorf("succeeded retries = %v, want 1", succeeded)
	}
	if got := testutil.ToFloat64(metrics.queueDepth.WithLabelValues(string(domain.RetrySucceeded))); got != 1 {
		t.Errorf("succeeded queue depth = %v, want 1", got)
	}

	families, err := metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	types := make(map[string]dto.MetricType)
	for _, mf := range families {
		types[mf.GetName()] = mf.GetType()
	}
	if types["stepwise_webhook_deliveries_total"] != dto.MetricType_COUNTER {
		t.Errorf("deliveries_total type = %v", types["stepwise_webhook_deliveries_total"])
	}
	if types["stepwise_webhook_attempt_duration_seconds"] != dto.MetricType_HISTOGRAM {
		t.Errorf("attempt_duration_seconds type = %v", types["stepwise_webhook_attempt_duration_seconds"])
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.recordDelivery(domain.EventSessionCreated, OutcomeDelivered)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `stepwise_webhook_deliveries_total{event_type="session_created",outcome="delivered"} 1`) {
		t.Errorf("exposition missing delivery counter:\n%s", body)
	}

	var nilMetrics *Metrics
	nilMetrics.recordDelivery(domain.EventSessionEnded, OutcomeSkipped)
}
