package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFile(t *testing.T) {
	before := testutil.ToFloat64(filesProcessedTotal.WithLabelValues("media", "success"))
	RecordFile("media", true)
	RecordFile("media", true)
	after := testutil.ToFloat64(filesProcessedTotal.WithLabelValues("media", "success"))
	if after-before != 2 {
		t.Fatalf("expected +2, got %v", after-before)
	}
}

func TestRecordScanSetsGauge(t *testing.T) {
	RecordScan(3*time.Second, 42, true)
	if got := testutil.ToFloat64(scanNewFiles); got != 42 {
		t.Fatalf("scan new files = %v", got)
	}
}

func TestRecordFetchCache(t *testing.T) {
	hits := testutil.ToFloat64(fetchCacheTotal.WithLabelValues("hit"))
	misses := testutil.ToFloat64(fetchCacheTotal.WithLabelValues("miss"))
	RecordFetchCache(true)
	RecordFetchCache(false)
	RecordFetchCache(true)
	if got := testutil.ToFloat64(fetchCacheTotal.WithLabelValues("hit")) - hits; got != 2 {
		t.Fatalf("hits +%v", got)
	}
	if got := testutil.ToFloat64(fetchCacheTotal.WithLabelValues("miss")) - misses; got != 1 {
		t.Fatalf("misses +%v", got)
	}
}

func TestMiddlewareCapturesStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/brew", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/brew", "418"))
	if after-before != 1 {
		t.Fatalf("expected one request recorded, got %v", after-before)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	SetIndexSize(7)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "strmsync_index_paths 7") {
		t.Fatalf("index gauge missing from exposition")
	}
}
