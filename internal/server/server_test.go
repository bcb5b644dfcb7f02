package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/fallguard/internal/alert"
	"github.com/rewired-gh/fallguard/internal/location"
	"github.com/rewired-gh/fallguard/internal/metrics"
	"github.com/rewired-gh/fallguard/internal/models"
	"github.com/rewired-gh/fallguard/internal/pipeline"
	"github.com/rewired-gh/fallguard/internal/sensor"
	"github.com/rewired-gh/fallguard/internal/storage"
)

type fakePipeline struct {
	mu      sync.Mutex
	snap    pipeline.Snapshot
	pending bool
	helped  int
	err     error
}

func (f *fakePipeline) Snapshot() pipeline.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakePipeline) setSnapshot(s pipeline.Snapshot) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

func (f *fakePipeline) Readings() ([]models.MagnitudeReading, []models.MagnitudeReading) {
	return []models.MagnitudeReading{{Kind: models.KindAccel, Value: 9.8, TimestampMs: 1}},
		[]models.MagnitudeReading{}
}

func (f *fakePipeline) ConfirmOk(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	was := f.pending
	f.pending = false
	return was, nil
}

func (f *fakePipeline) SendHelp(ctx context.Context) (models.ConfirmationSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.ConfirmationSession{}, f.err
	}
	f.helped++
	return models.ConfirmationSession{ID: "manual-1", Source: models.SourceManual, Status: models.StatusConfirmed}, nil
}

func newTestServer(t *testing.T, p Pipeline) (*Server, *storage.Storage, *httptest.Server) {
	t.Helper()
	store, err := storage.New(100, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	s := New(p, store, metrics.New(), Options{LiveInterval: 10 * time.Millisecond})
	ts := httptest.NewServer(s.SetupMux())
	t.Cleanup(ts.Close)
	return s, store, ts
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestVersionHandler(t *testing.T) {
	_, _, ts := newTestServer(t, &fakePipeline{})

	resp, err := http.Get(ts.URL + "/api/version")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, Version, body["version"])
}

func TestStatusAndSensors(t *testing.T) {
	p := &fakePipeline{snap: pipeline.Snapshot{
		Phase:              pipeline.PhaseCountdown,
		SensorsActive:      true,
		CountdownRemaining: 12,
		Threshold:          25.5,
		Unit:               "ms2",
	}}
	_, _, ts := newTestServer(t, p)

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	var snap pipeline.Snapshot
	decode(t, resp, &snap)
	assert.Equal(t, pipeline.PhaseCountdown, snap.Phase)
	assert.Equal(t, 12, snap.CountdownRemaining)

	resp, err = http.Get(ts.URL + "/api/sensors")
	require.NoError(t, err)
	var sensors sensorsResponse
	decode(t, resp, &sensors)
	assert.True(t, sensors.Active)
	assert.Equal(t, 25.5, sensors.Threshold)
	assert.Len(t, sensors.Accel, 1)
	assert.NotNil(t, sensors.Gyro)
}

func TestOkHandler(t *testing.T) {
	p := &fakePipeline{pending: true}
	_, _, ts := newTestServer(t, p)

	resp, err := http.Post(ts.URL+"/api/ok", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/ok", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "nothing left to cancel")
}

func TestCommandsWhenStopped(t *testing.T) {
	p := &fakePipeline{err: pipeline.ErrStopped}
	_, _, ts := newTestServer(t, p)

	resp, err := http.Post(ts.URL+"/api/send-help", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSendHelpHandler(t *testing.T) {
	p := &fakePipeline{}
	_, _, ts := newTestServer(t, p)

	resp, err := http.Post(ts.URL+"/api/send-help", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var session models.ConfirmationSession
	decode(t, resp, &session)
	assert.Equal(t, "manual-1", session.ID)
	assert.Equal(t, 1, p.helped)
}

func TestHistoryHandler(t *testing.T) {
	_, store, ts := newTestServer(t, &fakePipeline{})

	now := time.Now()
	success := true
	require.NoError(t, store.AddIncident(&models.Incident{
		ID: "fall-1", Source: models.SourceDetector, Status: models.StatusCancelled,
		TriggeringMagnitude: 30, StartedAt: now.Add(-time.Minute), ResolvedAt: now.Add(-50 * time.Second),
	}))
	require.NoError(t, store.AddIncident(&models.Incident{
		ID: "manual-1", Source: models.SourceManual, Status: models.StatusConfirmed,
		StartedAt: now, ResolvedAt: now, AlertSuccess: &success, AlertMessage: "Alert sent",
	}))

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"manual-1", "fall-1"}},
		{"?filter=falls", []string{"fall-1"}},
		{"?filter=alerts", []string{"manual-1"}},
		{"?filter=cancelled", []string{"fall-1"}},
		{"?limit=1", []string{"manual-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/api/history" + tt.query)
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var got []models.Incident
			decode(t, resp, &got)
			ids := make([]string, 0, len(got))
			for _, inc := range got {
				ids = append(ids, inc.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	for _, bad := range []string{"?filter=everything", "?limit=0", "?limit=abc"} {
		resp, err := http.Get(ts.URL + "/api/history" + bad)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}
}

func TestOnboardingPersists(t *testing.T) {
	_, store, ts := newTestServer(t, &fakePipeline{})

	resp, err := http.Get(ts.URL + "/api/onboarding")
	require.NoError(t, err)
	var state map[string]bool
	decode(t, resp, &state)
	assert.False(t, state["completed"])

	resp, err = http.Post(ts.URL+"/api/onboarding/complete", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	v, ok, err := store.GetSetting(onboardingKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	// A fresh server sees the stored flag.
	again := New(&fakePipeline{}, store, metrics.New(), Options{})
	assert.True(t, again.onboarded)
}

func TestMetricsCountAPIRequests(t *testing.T) {
	_, _, ts := newTestServer(t, &fakePipeline{})

	resp, err := http.Get(ts.URL + "/api/version")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "fallguard_http_requests_total")
}

func TestLiveWebSocket(t *testing.T) {
	p := &fakePipeline{snap: pipeline.Snapshot{Phase: pipeline.PhaseIdle, UpdatedAt: time.Unix(1, 0)}}
	_, _, ts := newTestServer(t, p)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var snap pipeline.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, pipeline.PhaseIdle, snap.Phase)

	p.setSnapshot(pipeline.Snapshot{Phase: pipeline.PhaseCountdown, CountdownRemaining: 30, UpdatedAt: time.Unix(2, 0)})
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, pipeline.PhaseCountdown, snap.Phase)
	assert.Equal(t, 30, snap.CountdownRemaining)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	store, err := storage.New(10, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	s := New(&fakePipeline{}, store, metrics.New(), Options{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func floatPtr(f float64) *float64 { return &f }

func TestLiveWebSocketStreamsPipelineReadings(t *testing.T) {
	fixes := location.NewFixStore()
	feed := sensor.NewFeed(sensor.FeedConfig{}, fixes)
	p, err := pipeline.New(pipeline.DefaultConfig(), pipeline.Deps{
		Sampler:    sensor.NewSampler(feed),
		Locator:    location.NewResolver(fixes, location.DefaultOptions()),
		Dispatcher: alert.NewDispatcher(alert.Options{}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()
	defer func() {
		cancel()
		<-runDone
	}()
	require.Eventually(t, func() bool { return p.Snapshot().SensorsActive }, 2*time.Second, 10*time.Millisecond)

	_, _, ts := newTestServer(t, p)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/live"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var snap pipeline.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))

	for _, z := range []float64{9.8, 12} {
		require.NoError(t, feed.Handle(sensor.DeviceMessage{
			Type:                         sensor.MessageMotion,
			AccelerationIncludingGravity: &sensor.Vector{X: floatPtr(0), Y: floatPtr(0), Z: floatPtr(z)},
		}))
		for snap.LastAccel == nil || snap.LastAccel.Value != z {
			require.NoError(t, conn.ReadJSON(&snap), "reading %.1f was never pushed", z)
		}
	}
	assert.Equal(t, pipeline.PhaseIdle, snap.Phase)
}

func TestShutdownClosesLiveWebSocket(t *testing.T) {
	store, err := storage.New(10, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	s := New(&fakePipeline{snap: pipeline.Snapshot{UpdatedAt: time.Unix(1, 0)}}, store, metrics.New(), Options{LiveInterval: 10 * time.Millisecond})
	ts := httptest.NewUnstartedServer(s.server.Handler)
	ts.Config = s.server
	ts.Start()
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/live"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var snap pipeline.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.server.Shutdown(shutdownCtx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "live socket should be closed by shutdown")
	}
}

type fakeLocations struct {
	fix *models.LocationFix
	at  time.Time
}

func (f fakeLocations) Latest() (*models.LocationFix, time.Time) { return f.fix, f.at }

func TestLocationHandler(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	tests := []struct {
		name       string
		locations  Locations
		wantStatus int
	}{
		{"disabled", nil, http.StatusNotFound},
		{"nothing reported", fakeLocations{}, http.StatusNotFound},
		{"known fix", fakeLocations{fix: &models.LocationFix{Lat: 12.9716, Lng: 77.5946}, at: at}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&fakePipeline{}, nil, metrics.New(), Options{Locations: tt.locations})
			ts := httptest.NewServer(s.SetupMux())
			defer ts.Close()

			resp, err := http.Get(ts.URL + "/api/location")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				resp.Body.Close()
				return
			}
			var body locationResponse
			decode(t, resp, &body)
			assert.Equal(t, "https://www.google.com/maps?q=12.9716,77.5946", body.MapsURL)
			assert.True(t, at.Equal(body.At))
		})
	}
}
