package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareRecordsRequestsByRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Middleware("test-service"))
	r.HandleFunc("/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodGet)

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("test-service", http.MethodGet, "/devices/{id}", "201"))

	req := httptest.NewRequest(http.MethodGet, "/devices/dev-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("test-service", http.MethodGet, "/devices/{id}", "201"))
	if after != before+1 {
		t.Errorf("expected counter for route template /devices/{id} to increment by 1, before=%v after=%v", before, after)
	}
}

func TestMiddlewareFallsBackToRawPathWithoutRouteMatch(t *testing.T) {
	handler := Middleware("test-service")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("test-service", http.MethodGet, "/unmatched", "200"))

	req := httptest.NewRequest(http.MethodGet, "/unmatched", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("test-service", http.MethodGet, "/unmatched", "200"))
	if after != before+1 {
		t.Errorf("expected raw-path counter to increment by 1, before=%v after=%v", before, after)
	}
}

func TestHandlerServesScrapeableText(t *testing.T) {
	CacheHits.WithLabelValues("prov-scrape-test").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "platform_llm_cache_hits_total") {
		t.Errorf("expected scrape output to contain platform_llm_cache_hits_total, got: %s", rec.Body.String())
	}
}
