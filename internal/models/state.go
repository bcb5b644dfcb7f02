package models

import "time"

// DetectorState is the mutable state of one threshold detector.
// LastTriggerTimestampMs is only meaningful once HasTriggered is true.
type DetectorState struct {
	LastTriggerTimestampMs int64
	HasTriggered           bool
	Threshold              float64
	CooldownMs             int64
}

type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusCancelled SessionStatus = "cancelled"
	StatusConfirmed SessionStatus = "confirmed"
)

// TriggerSource records what opened a session.
type TriggerSource string

const (
	SourceDetector TriggerSource = "detector"
	SourceManual   TriggerSource = "manual"
)

// ConfirmationSession is the single active countdown for one fall event.
// Status leaves StatusPending exactly once.
type ConfirmationSession struct {
	ID                  string        `json:"id"`
	StartedAtMs         int64         `json:"started_at_ms"`
	DurationMs          int64         `json:"duration_ms"`
	Status              SessionStatus `json:"status"`
	Source              TriggerSource `json:"source"`
	TriggeringMagnitude float64       `json:"triggering_magnitude"`
}

// StartedAt returns the session start as a time.Time.
func (s *ConfirmationSession) StartedAt() time.Time {
	return time.UnixMilli(s.StartedAtMs)
}

// Resolve moves a pending session into a terminal status.
// It reports false when the session already left StatusPending.
func (s *ConfirmationSession) Resolve(status SessionStatus) bool {
	if s.Status != StatusPending || status == StatusPending {
		return false
	}
	s.Status = status
	return true
}
