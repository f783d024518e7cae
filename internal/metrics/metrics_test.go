package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/dispatch"
	"github.com/any-hub/offline-hub/internal/queue"
)

var (
	_ cache.Observer    = (*Metrics)(nil)
	_ dispatch.Observer = (*Metrics)(nil)
	_ queue.Observer    = (*Metrics)(nil)
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.ObserveLookup("api", cache.LookupHit)
	m.ObserveLookup("api", cache.LookupHit)
	m.ObserveLookup("api", cache.LookupExpired)
	m.ObserveEviction("images", 3)
	m.ObserveDispatch("cache-first", "placeholder")
	m.ObserveReplay("order", "delivered")
	m.SetPending(4)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			key := family.GetName()
			for _, label := range metric.GetLabel() {
				key += "," + label.GetName() + "=" + label.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				values[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[key] = metric.GetGauge().GetValue()
			}
		}
	}
	if got := values["offline_hub_cache_lookups_total,result=hit,tier=api"]; got != 2 {
		t.Fatalf("hit lookups = %v", got)
	}
	if got := values["offline_hub_cache_evictions_total,tier=images"]; got != 3 {
		t.Fatalf("evictions = %v", got)
	}
	if got := values["offline_hub_queue_pending_mutations"]; got != 4 {
		t.Fatalf("pending = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveReplay("cart", "failed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `offline_hub_queue_replay_attempts_total{kind="cart",outcome="failed"} 1`) {
		t.Fatalf("replay counter missing from output:\n%s", body)
	}
}
