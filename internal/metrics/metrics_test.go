package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if httpRequestsTotal == nil || activeWorkers == nil || remoteCallsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpersRecord(t *testing.T) {
	ObserveRemoteCall("fetch_page", nil)
	ObserveRemoteCall("fetch_page", errors.New("boom"))
	ObserveFailureRecorded("range-crawler")
	ObserveTriggerSkip("refresh")
	ObserveRateLimitDelay("example.com", 150*time.Millisecond)

	if val := testutil.ToFloat64(remoteCallsTotal.WithLabelValues("fetch_page", "error")); val < 1 {
		t.Errorf("expected an error remote call to be counted, got %f", val)
	}
	if val := testutil.ToFloat64(failuresRecordedTotal.WithLabelValues("range-crawler")); val < 1 {
		t.Errorf("expected a failure to be counted, got %f", val)
	}
	if val := testutil.ToFloat64(triggerSkipsTotal.WithLabelValues("refresh")); val < 1 {
		t.Errorf("expected a trigger skip to be counted, got %f", val)
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != before+1 {
		t.Errorf("expected gauge %f, got %f", before+1, got)
	}
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != before {
		t.Errorf("expected gauge %f, got %f", before, got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
