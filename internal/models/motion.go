package models

import (
	"fmt"
	"strconv"
)

// MotionSample is one accelerometer-including-gravity reading. Nil axes are
// axes the platform did not report.
type MotionSample struct {
	AX          *float64 `json:"ax"`
	AY          *float64 `json:"ay"`
	AZ          *float64 `json:"az"`
	TimestampMs int64    `json:"timestamp_ms"`
}

// RotationSample is one gyroscope rotation-rate reading.
type RotationSample struct {
	Alpha       *float64 `json:"alpha"`
	Beta        *float64 `json:"beta"`
	Gamma       *float64 `json:"gamma"`
	TimestampMs int64    `json:"timestamp_ms"`
}

type ReadingKind string

const (
	KindAccel ReadingKind = "accel"
	KindGyro  ReadingKind = "gyro"
)

// MagnitudeReading is the Euclidean norm of one sample.
type MagnitudeReading struct {
	Value       float64     `json:"value"`
	TimestampMs int64       `json:"timestamp_ms"`
	Kind        ReadingKind `json:"kind"`
}

// LocationFix is a single position. A nil *LocationFix means no location.
type LocationFix struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// MapsURL links to the fix on Google Maps.
func (f LocationFix) MapsURL() string {
	return fmt.Sprintf("https://www.google.com/maps?q=%s,%s",
		strconv.FormatFloat(f.Lat, 'f', -1, 64), strconv.FormatFloat(f.Lng, 'f', -1, 64))
}
