package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObservePosting("ledger", "INVOICE", "ok")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "meridian_postings_total") {
		t.Fatalf("expected body to contain meridian_postings_total, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	metricsBody := metricsRR.Body.String()
	if !strings.Contains(metricsBody, "meridian_http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "meridian_http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestLockWaitSubjectClass(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveLockWait("ledger:customer:42:lock", 3*time.Millisecond)
	metrics.ObserveLockWait("valuation:1:0:7:lock", time.Millisecond)
	metrics.ObserveJob("ledger:integrity", nil)
	metrics.ObserveJob("ledger:integrity", errors.New("boom"))
	metrics.ObserveAllocations(2)
	metrics.ObserveAllocations(0)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	if !strings.Contains(body, "meridian_lock_wait_seconds_count{subject=\"ledger\"} 1") {
		t.Fatalf("expected ledger lock wait sample, got: %s", body)
	}
	if !strings.Contains(body, "meridian_lock_wait_seconds_count{subject=\"valuation\"} 1") {
		t.Fatalf("expected valuation lock wait sample, got: %s", body)
	}
	if !strings.Contains(body, "meridian_jobs_total{outcome=\"error\",task=\"ledger:integrity\"} 1") {
		t.Fatalf("expected job error counter, got: %s", body)
	}
	if !strings.Contains(body, "meridian_settlement_allocations_total 2") {
		t.Fatalf("expected allocation counter, got: %s", body)
	}
}
