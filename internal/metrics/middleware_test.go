package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/jobs/{job_type}/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/v1/jobs/{job_type}/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	startsBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202"))
	missingBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))

	for _, jobType := range []string{"range", "category"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/"+jobType+"/start", nil))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("start %s: status %d", jobType, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/nope/status", nil))

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202")) - startsBefore; got != 2 {
		t.Errorf("expected 2 accepted starts, got %f", got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")) - missingBefore; got != 1 {
		t.Errorf("expected 1 not found, got %f", got)
	}
	if got := testutil.CollectAndCount(httpRequestDurationSeconds); got < 2 {
		t.Errorf("expected duration series per route pattern, got %d", got)
	}
}
