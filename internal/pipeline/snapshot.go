package pipeline

import (
	"sync"
	"time"

	"github.com/rewired-gh/fallguard/internal/detector"
	"github.com/rewired-gh/fallguard/internal/models"
)

// Phase is the coarse pipeline state shown to the user.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCountdown Phase = "countdown"
	PhaseAlerting  Phase = "alerting"
)

// Snapshot is a point-in-time view of the pipeline for the API.
type Snapshot struct {
	Phase              Phase                       `json:"phase"`
	SensorsActive      bool                        `json:"sensors_active"`
	SensorError        string                      `json:"sensor_error,omitempty"`
	CountdownRemaining int                         `json:"countdown_remaining_seconds"`
	ActiveSession      *models.ConfirmationSession `json:"active_session,omitempty"`
	Alerting           int                         `json:"alerts_in_flight"`
	LastSession        *models.ConfirmationSession `json:"last_session,omitempty"`
	LastFix            *models.LocationFix         `json:"last_location,omitempty"`
	LastResult         *models.AlertResult         `json:"last_result,omitempty"`
	LastAccel          *models.MagnitudeReading    `json:"last_accel,omitempty"`
	LastGyro           *models.MagnitudeReading    `json:"last_gyro,omitempty"`
	Threshold          float64                     `json:"threshold"`
	Unit               string                      `json:"unit"`
	UpdatedAt          time.Time                   `json:"updated_at"`
}

// view guards everything readers outside the loop may see.
type view struct {
	mu    sync.RWMutex
	snap  Snapshot
	accel *detector.Ring
	gyro  *detector.Ring
}

func newView(historySize int, threshold float64, unit detector.Unit) *view {
	return &view{
		snap: Snapshot{
			Phase:     PhaseIdle,
			Threshold: threshold,
			Unit:      string(unit),
			UpdatedAt: time.Now(),
		},
		accel: detector.NewRing(historySize),
		gyro:  detector.NewRing(historySize),
	}
}

func (v *view) update(fn func(s *Snapshot)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(&v.snap)
	v.snap.UpdatedAt = time.Now()
}

// push records a reading. Every reading counts as a change so live
// subscribers see new sensor values.
func (v *view) push(r models.MagnitudeReading) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if r.Kind == models.KindGyro {
		v.gyro.Push(r)
	} else {
		v.accel.Push(r)
	}
	v.snap.UpdatedAt = time.Now()
}

func (v *view) snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := v.snap
	s.ActiveSession = copySession(s.ActiveSession)
	s.LastSession = copySession(s.LastSession)
	if r, ok := v.accel.Latest(); ok {
		s.LastAccel = &r
	}
	if r, ok := v.gyro.Latest(); ok {
		s.LastGyro = &r
	}
	return s
}

func (v *view) readings() (accel, gyro []models.MagnitudeReading) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.accel.Slice(), v.gyro.Slice()
}

func copySession(s *models.ConfirmationSession) *models.ConfirmationSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
