// Package models defines the core domain entities: motion samples, fall events,
// confirmation sessions, alerts, and incident history records.
package models

import (
	"errors"
	"time"
)

// PossibleFallEvent is emitted once per detector trigger.
type PossibleFallEvent struct {
	TimestampMs         int64   `json:"timestamp_ms"`
	TriggeringMagnitude float64 `json:"triggering_magnitude"`
}

// IncidentFilter selects a subset of the incident history.
type IncidentFilter string

const (
	FilterAll       IncidentFilter = "all"
	FilterFalls     IncidentFilter = "falls"
	FilterAlerts    IncidentFilter = "alerts"
	FilterCancelled IncidentFilter = "cancelled"
)

// ParseIncidentFilter maps a query value onto a filter, defaulting to FilterAll.
func ParseIncidentFilter(s string) (IncidentFilter, error) {
	switch IncidentFilter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterFalls, FilterAlerts, FilterCancelled:
		return IncidentFilter(s), nil
	default:
		return "", errors.New("filter must be one of: all, falls, alerts, cancelled")
	}
}

// Incident is the persisted history record of one confirmation session.
// Alert fields stay empty until a dispatch attempt finishes.
type Incident struct {
	ID                  string        `json:"id"`
	Source              TriggerSource `json:"source"`
	Status              SessionStatus `json:"status"`
	TriggeringMagnitude float64       `json:"triggering_magnitude"`
	StartedAt           time.Time     `json:"started_at"`
	ResolvedAt          time.Time     `json:"resolved_at,omitempty"`
	Latitude            *float64      `json:"latitude,omitempty"`
	Longitude           *float64      `json:"longitude,omitempty"`
	AlertSuccess        *bool         `json:"alert_success,omitempty"`
	AlertMessage        string        `json:"alert_message,omitempty"`
}

// NewIncident builds the history record for a freshly created session.
func NewIncident(s *ConfirmationSession) *Incident {
	return &Incident{
		ID:                  s.ID,
		Source:              s.Source,
		Status:              s.Status,
		TriggeringMagnitude: s.TriggeringMagnitude,
		StartedAt:           time.UnixMilli(s.StartedAtMs),
	}
}

// Validate checks incident field constraints.
func (i *Incident) Validate() error {
	if i.ID == "" {
		return errors.New("incident ID must not be empty")
	}
	switch i.Source {
	case SourceDetector, SourceManual:
	default:
		return errors.New("incident source must be detector or manual")
	}
	switch i.Status {
	case StatusPending, StatusCancelled, StatusConfirmed:
	default:
		return errors.New("incident status must be pending, cancelled or confirmed")
	}
	if i.TriggeringMagnitude < 0 {
		return errors.New("triggering magnitude must not be negative")
	}
	if i.StartedAt.IsZero() {
		return errors.New("started at must be set")
	}
	if !i.ResolvedAt.IsZero() && i.ResolvedAt.Before(i.StartedAt) {
		return errors.New("resolved at must be >= started at")
	}
	if (i.Latitude == nil) != (i.Longitude == nil) {
		return errors.New("latitude and longitude must be set together")
	}
	if i.Latitude != nil && (*i.Latitude < -90 || *i.Latitude > 90) {
		return errors.New("latitude must be between -90 and 90")
	}
	if i.Longitude != nil && (*i.Longitude < -180 || *i.Longitude > 180) {
		return errors.New("longitude must be between -180 and 180")
	}
	return nil
}

// ApplyFix copies a resolved location onto the incident.
func (i *Incident) ApplyFix(fix *LocationFix) {
	if fix == nil {
		i.Latitude, i.Longitude = nil, nil
		return
	}
	lat, lng := fix.Lat, fix.Lng
	i.Latitude, i.Longitude = &lat, &lng
}

// ApplyResult copies a dispatch outcome onto the incident.
func (i *Incident) ApplyResult(r AlertResult) {
	ok := r.Success
	i.AlertSuccess = &ok
	i.AlertMessage = r.Message
}
