// Package server exposes the pipeline over HTTP: status, user commands,
// incident history, onboarding state, metrics and WebSockets for device
// ingest and live updates.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rewired-gh/fallguard/internal/logger"
	"github.com/rewired-gh/fallguard/internal/metrics"
	"github.com/rewired-gh/fallguard/internal/models"
	"github.com/rewired-gh/fallguard/internal/pipeline"
)

// Version is set at build time.
var Version = "dev"

const (
	onboardingKey       = "onboarding_complete"
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Pipeline is the subset of *pipeline.Pipeline the API needs.
type Pipeline interface {
	Snapshot() pipeline.Snapshot
	Readings() (accel, gyro []models.MagnitudeReading)
	ConfirmOk(ctx context.Context) (bool, error)
	SendHelp(ctx context.Context) (models.ConfirmationSession, error)
}

// Store provides incident history and settings.
type Store interface {
	ListIncidents(filter models.IncidentFilter, limit int) ([]*models.Incident, error)
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
}

// Locations reports the last position relayed by the device.
type Locations interface {
	Latest() (*models.LocationFix, time.Time)
}

type Options struct {
	Addr string
	// DeviceHandler serves /ws/device when set.
	DeviceHandler http.Handler
	// Locations serves /api/location when set.
	Locations Locations
	// LiveInterval is the push period of /ws/live.
	LiveInterval time.Duration
}

type Server struct {
	pipeline Pipeline
	store    Store
	stats    *metrics.Stats
	opts     Options
	server   *http.Server

	mu        sync.Mutex
	onboarded bool
}

// New creates a server. The onboarding flag is read from store once here.
func New(p Pipeline, store Store, stats *metrics.Stats, opts Options) *Server {
	if opts.LiveInterval <= 0 {
		opts.LiveInterval = 500 * time.Millisecond
	}
	if stats == nil {
		stats = metrics.New()
	}
	s := &Server{pipeline: p, store: store, stats: stats, opts: opts}

	if store != nil {
		v, ok, err := store.GetSetting(onboardingKey)
		if err != nil {
			logger.Warn("Failed to read onboarding state: %v", err)
		}
		s.onboarded = ok && v == "true"
	}

	// Request contexts end on Shutdown, which closes hijacked websockets.
	baseCtx, cancel := context.WithCancel(context.Background())
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.SetupMux(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	s.server.RegisterOnShutdown(cancel)
	return s
}

// SetupMux builds the router.
func (s *Server) SetupMux() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", s.stats.Handler())
	r.HandleFunc("/ws/live", s.LiveHandler)
	if s.opts.DeviceHandler != nil {
		r.Handle("/ws/device", s.opts.DeviceHandler)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.stats.Middleware)
	api.HandleFunc("/version", s.VersionHandler).Methods(http.MethodGet)
	api.HandleFunc("/status", s.StatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/sensors", s.SensorsHandler).Methods(http.MethodGet)
	api.HandleFunc("/ok", s.OkHandler).Methods(http.MethodPost)
	api.HandleFunc("/send-help", s.SendHelpHandler).Methods(http.MethodPost)
	api.HandleFunc("/history", s.HistoryHandler).Methods(http.MethodGet)
	api.HandleFunc("/location", s.LocationHandler).Methods(http.MethodGet)
	api.HandleFunc("/onboarding", s.OnboardingHandler).Methods(http.MethodGet)
	api.HandleFunc("/onboarding/complete", s.CompleteOnboardingHandler).Methods(http.MethodPost)

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening on %s", s.opts.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

type sensorsResponse struct {
	Active    bool                      `json:"active"`
	Threshold float64                   `json:"threshold"`
	Unit      string                    `json:"unit"`
	Accel     []models.MagnitudeReading `json:"accel"`
	Gyro      []models.MagnitudeReading `json:"gyro"`
}

func (s *Server) SensorsHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.pipeline.Snapshot()
	accel, gyro := s.pipeline.Readings()
	writeJSON(w, http.StatusOK, sensorsResponse{
		Active:    snap.SensorsActive,
		Threshold: snap.Threshold,
		Unit:      snap.Unit,
		Accel:     accel,
		Gyro:      gyro,
	})
}

func (s *Server) OkHandler(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.pipeline.ConfirmOk(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "no fall countdown is running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) SendHelpHandler(w http.ResponseWriter, r *http.Request) {
	session, err := s.pipeline.SendHelp(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []*models.Incident{})
		return
	}

	filter, err := models.ParseIncidentFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
	}

	incidents, err := s.store.ListIncidents(filter, limit)
	if err != nil {
		logger.Error("Failed to list incidents: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

type locationResponse struct {
	Location *models.LocationFix `json:"location"`
	At       time.Time           `json:"at"`
	MapsURL  string              `json:"maps_url"`
}

// LocationHandler returns the last device position with a shareable map link.
func (s *Server) LocationHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Locations == nil {
		writeError(w, http.StatusNotFound, "location sharing is disabled")
		return
	}
	fix, at := s.opts.Locations.Latest()
	if fix == nil {
		writeError(w, http.StatusNotFound, "no location reported yet")
		return
	}
	writeJSON(w, http.StatusOK, locationResponse{Location: fix, At: at, MapsURL: fix.MapsURL()})
}

func (s *Server) OnboardingHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	done := s.onboarded
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"completed": done})
}

func (s *Server) CompleteOnboardingHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.onboarded && s.store != nil {
		if err := s.store.SetSetting(onboardingKey, "true"); err != nil {
			logger.Error("Failed to save onboarding state: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to save onboarding state")
			return
		}
	}
	s.onboarded = true
	writeJSON(w, http.StatusOK, map[string]bool{"completed": true})
}
