package models

// AlertRequest is the body posted to the alerting backend.
type AlertRequest struct {
	Latitude            *float64 `json:"latitude"`
	Longitude           *float64 `json:"longitude"`
	IncidentTimestampMs int64    `json:"incidentTimestampMs"`
}

// NewAlertRequest builds a request for a session, with null coordinates when fix is nil.
func NewAlertRequest(s *ConfirmationSession, fix *LocationFix) AlertRequest {
	req := AlertRequest{IncidentTimestampMs: s.StartedAtMs}
	if fix != nil {
		lat, lng := fix.Lat, fix.Lng
		req.Latitude, req.Longitude = &lat, &lng
	}
	return req
}

// FailureKind classifies a failed AlertResult.
type FailureKind string

const (
	FailureNone                 FailureKind = ""
	FailureConfigurationMissing FailureKind = "configuration_missing"
	FailureDispatch             FailureKind = "dispatch_failure"
	FailureDuplicate            FailureKind = "duplicate"
)

// AlertResult is the terminal outcome of one alert attempt.
type AlertResult struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Failure FailureKind `json:"failure,omitempty"`
}
