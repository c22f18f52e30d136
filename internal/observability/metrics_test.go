package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsRegistrationAndLabels(t *testing.T) {
	ObserveHTTP(http.MethodGet, "/v1/frames", 200, 0.012)
	ObserveGeneration("success", 4.2)
	ObserveGeneration("timeout", 0)
	ObserveTimeout("hard")
	ObservePreGenDecision("no_tokens")
	ObserveFallback("fresh", true)
	ObserveIdempotency(true)

	body := scrape(t)

	if !strings.Contains(body, `http_requests_total{method="GET",route="/v1/frames",status="200"} `) {
		t.Fatalf("missing http_requests_total sample with expected labels:\n%s", body)
	}
	if !strings.Contains(body, `generation_outcomes_total{outcome="timeout"} `) {
		t.Fatalf("missing generation_outcomes_total{outcome=\"timeout\"}:\n%s", body)
	}
	if !strings.Contains(body, `generation_timeouts_total{kind="hard"} `) {
		t.Fatalf("missing generation_timeouts_total{kind=\"hard\"}:\n%s", body)
	}
	if !strings.Contains(body, `generation_latency_seconds_bucket`) {
		t.Fatalf("missing histogram buckets for generation_latency_seconds:\n%s", body)
	}
	if !strings.Contains(body, `pregen_decisions_total{outcome="no_tokens"} `) {
		t.Fatalf("missing pregen_decisions_total{outcome=\"no_tokens\"}:\n%s", body)
	}
	if !strings.Contains(body, `fallback_cache_bypass_total `) {
		t.Fatalf("missing fallback_cache_bypass_total:\n%s", body)
	}
	if !strings.Contains(body, `idempotency_requests_total{outcome="hit"} `) {
		t.Fatalf("missing idempotency_requests_total{outcome=\"hit\"}:\n%s", body)
	}
}

func TestBreakerStateGauge(t *testing.T) {
	SetBreakerState("open")
	body := scrape(t)
	if !strings.Contains(body, "generation_breaker_state 2") {
		t.Fatalf("missing generation_breaker_state 2 after open:\n%s", body)
	}

	SetBreakerState("closed")
	body = scrape(t)
	if !strings.Contains(body, "generation_breaker_state 0") {
		t.Fatalf("missing generation_breaker_state 0 after close:\n%s", body)
	}
	if !strings.Contains(body, `generation_breaker_transitions_total{to="open"} `) {
		t.Fatalf("missing transition counter:\n%s", body)
	}
}
