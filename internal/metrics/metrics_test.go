package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareCountsRequests(t *testing.T) {
	s := New()
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/a", "/b", "/missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(s.HTTPRequests.WithLabelValues("200", "GET")); got != 2 {
		t.Errorf("200 GET = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.HTTPRequests.WithLabelValues("404", "GET")); got != 1 {
		t.Errorf("404 GET = %v, want 1", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	s := New()
	s.FallsDetected.Inc()
	SetBool(s.SensorsActive, true)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{"fallguard_falls_detected_total 1", "fallguard_sensors_active 1", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
