// Package metrics holds the Prometheus collectors for fallguard on a
// private registry.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats is the set of collectors exported on /metrics.
type Stats struct {
	registry *prometheus.Registry

	Samples         *prometheus.CounterVec
	SamplesDropped  prometheus.Counter
	FallsDetected   prometheus.Counter
	Sessions        *prometheus.CounterVec
	Alerts          *prometheus.CounterVec
	LocationLookups *prometheus.CounterVec
	CountdownActive prometheus.Gauge
	SensorsActive   prometheus.Gauge
	LastMagnitude   *prometheus.GaugeVec
	HTTPRequests    *prometheus.CounterVec
}

// New creates Stats registered on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fallguard",
			Name:      "sensor_samples_total",
			Help:      "Motion samples processed, by kind.",
		}, []string{"kind"}),
		SamplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fallguard",
			Name:      "sensor_samples_dropped_total",
			Help:      "Motion samples dropped because the pipeline queue was full.",
		}),
		FallsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fallguard",
			Name:      "falls_detected_total",
			Help:      "Detector triggers.",
		}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fallguard",
			Name:      "sessions_total",
			Help:      "Confirmation sessions resolved, by status and source.",
		}, []string{"status", "source"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fallguard",
			Name:      "alerts_total",
			Help:      "Alert dispatch outcomes.",
		}, []string{"outcome"}),
		LocationLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fallguard",
			Name:      "location_lookups_total",
			Help:      "Location resolutions, by whether a fix was found.",
		}, []string{"result"}),
		CountdownActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fallguard",
			Name:      "countdown_active",
			Help:      "1 while a confirmation countdown is running.",
		}),
		SensorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fallguard",
			Name:      "sensors_active",
			Help:      "1 while the motion sampler is subscribed.",
		}),
		LastMagnitude: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fallguard",
			Name:      "last_magnitude",
			Help:      "Most recent magnitude, by kind.",
		}, []string{"kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fallguard",
			Name:      "http_requests_total",
			Help:      "API requests, by status code and method.",
		}, []string{"code", "method"}),
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.Samples, s.SamplesDropped, s.FallsDetected, s.Sessions, s.Alerts,
		s.LocationLookups, s.CountdownActive, s.SensorsActive, s.LastMagnitude,
		s.HTTPRequests,
	)
	return s
}

// Registry exposes the underlying registry, mainly for tests.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// RecHTTP counts one API request.
func (s *Stats) RecHTTP(code int, method string) {
	s.HTTPRequests.WithLabelValues(strconv.Itoa(code), method).Inc()
}

// SetBool sets a 0/1 gauge.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

// RespWriter records the status code written by a handler.
type RespWriter struct {
	http.ResponseWriter
	Status int
}

func (w *RespWriter) WriteHeader(status int) {
	w.Status = status
	w.ResponseWriter.WriteHeader(status)
}

// Middleware counts requests by status and method.
func (s *Stats) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &RespWriter{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.RecHTTP(wrapped.Status, r.Method)
	})
}
