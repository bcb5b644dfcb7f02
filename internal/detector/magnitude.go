// Package detector turns raw motion samples into magnitudes and runs the
// fixed-threshold fall detector over them.
package detector

import (
	"math"

	"github.com/rewired-gh/fallguard/internal/models"
)

// GravityMS2 converts m/s^2 magnitudes into g units.
const GravityMS2 = 9.81

// Magnitude returns the Euclidean norm of three axes. Missing or non-finite
// axes count as zero.
func Magnitude(a, b, c *float64) float64 {
	x, y, z := axis(a), axis(b), axis(c)
	return math.Sqrt(x*x + y*y + z*z)
}

func axis(v *float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0
	}
	return *v
}

// AccelMagnitude computes the reading for an accelerometer sample.
func AccelMagnitude(s models.MotionSample) models.MagnitudeReading {
	return models.MagnitudeReading{
		Value:       Magnitude(s.AX, s.AY, s.AZ),
		TimestampMs: s.TimestampMs,
		Kind:        models.KindAccel,
	}
}

// RotationMagnitude computes the reading for a rotation-rate sample.
func RotationMagnitude(s models.RotationSample) models.MagnitudeReading {
	return models.MagnitudeReading{
		Value:       Magnitude(s.Alpha, s.Beta, s.Gamma),
		TimestampMs: s.TimestampMs,
		Kind:        models.KindGyro,
	}
}
