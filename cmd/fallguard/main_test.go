package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/fallguard/internal/config"
	"github.com/rewired-gh/fallguard/internal/models"
	"github.com/rewired-gh/fallguard/internal/storage"
)

const recording = `# phone on a table, then dropped
{"type":"location","latitude":12.9716,"longitude":77.5946}
{"type":"motion","timestampMs":1000,"accelerationIncludingGravity":{"x":0,"y":0,"z":9.8}}
{"type":"motion","timestampMs":1100,"accelerationIncludingGravity":{"x":20,"y":18,"z":9.8}}
{"type":"motion","timestampMs":1200,"accelerationIncludingGravity":{"x":21,"y":19,"z":9.8}}
{"type":"motion","timestampMs":1300,"accelerationIncludingGravity":{"x":0,"y":0,"z":9.8},"rotationRate":{"alpha":1,"beta":2,"gamma":3}}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReplaySendsOneAlert(t *testing.T) {
	var calls atomic.Int32
	var got models.AlertRequest
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/send-alert", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true,"message":"Alert sent"}`))
	}))
	defer backend.Close()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "fallguard.db")
	configPath = writeFile(t, dir, "config.yaml", fmt.Sprintf(`
confirmation:
  duration: 200ms
  tick: 100ms
location:
  timeout: 1s
alert:
  base_url: %q
storage:
  db_path: %q
server:
  enabled: false
logging:
  level: error
`, backend.URL, dbPath))
	recPath := writeFile(t, dir, "drop.jsonl", recording)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, replay(ctx, recPath, 0, 0))

	assert.Equal(t, int32(1), calls.Load(), "the second spike falls inside the cooldown")
	require.NotNil(t, got.Latitude)
	assert.InDelta(t, 12.9716, *got.Latitude, 1e-9)

	store, err := storage.New(10, dbPath)
	require.NoError(t, err)
	defer store.Close()

	incidents, err := store.ListIncidents(models.FilterAll, 0)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, models.StatusConfirmed, incidents[0].Status)
	assert.Equal(t, models.SourceDetector, incidents[0].Source)
	require.NotNil(t, incidents[0].AlertSuccess)
	assert.True(t, *incidents[0].AlertSuccess)
}

func TestReplayMissingFile(t *testing.T) {
	err := replay(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"), 0, 0)
	assert.Error(t, err)
}

func TestNewAppRotatesHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fallguard.db")
	store, err := storage.New(10, dbPath)
	require.NoError(t, err)
	now := time.Now()
	for i := 0; i < 4; i++ {
		started := now.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.AddIncident(&models.Incident{
			ID: fmt.Sprintf("s-%d", i), Source: models.SourceDetector, Status: models.StatusCancelled,
			StartedAt: started, ResolvedAt: started,
		}))
	}
	require.NoError(t, store.Close())

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.DBPath = dbPath
	cfg.Storage.MaxIncidents = 2

	a, err := newApp(context.Background(), cfg, false)
	require.NoError(t, err)
	defer a.close()

	incidents, err := a.store.ListIncidents(models.FilterAll, 0)
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, "s-3", incidents[0].ID)
	assert.Equal(t, "s-2", incidents[1].ID)
}
