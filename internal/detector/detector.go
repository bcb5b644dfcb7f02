package detector

import (
	"fmt"
	"time"

	"github.com/rewired-gh/fallguard/internal/models"
)

// Unit is the unit the threshold is expressed in.
type Unit string

const (
	UnitMS2 Unit = "ms2"
	UnitG   Unit = "g"
)

type Config struct {
	Threshold float64
	Unit      Unit
	Cooldown  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold: 25.5,
		Unit:      UnitMS2,
		Cooldown:  time.Second,
	}
}

// ShakeFallDetector fires when a magnitude exceeds the threshold and the
// cooldown since the previous trigger has elapsed. A single jolt delivers
// many samples above threshold; the cooldown collapses them into one event.
type ShakeFallDetector struct {
	state models.DetectorState
	unit  Unit
}

func New(cfg Config) (*ShakeFallDetector, error) {
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %f", cfg.Threshold)
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("cooldown must not be negative, got %v", cfg.Cooldown)
	}
	switch cfg.Unit {
	case "":
		cfg.Unit = UnitMS2
	case UnitMS2, UnitG:
	default:
		return nil, fmt.Errorf("unknown unit %q", cfg.Unit)
	}

	return &ShakeFallDetector{
		state: models.DetectorState{
			Threshold:  cfg.Threshold,
			CooldownMs: cfg.Cooldown.Milliseconds(),
		},
		unit: cfg.Unit,
	}, nil
}

// OnAccelMagnitude feeds one acceleration magnitude in m/s^2.
// It returns the event and true when the detector triggers.
func (d *ShakeFallDetector) OnAccelMagnitude(value float64, timestampMs int64) (models.PossibleFallEvent, bool) {
	compared := value
	if d.unit == UnitG {
		compared = value / GravityMS2
	}

	if compared <= d.state.Threshold {
		return models.PossibleFallEvent{}, false
	}
	if d.state.HasTriggered && timestampMs-d.state.LastTriggerTimestampMs <= d.state.CooldownMs {
		return models.PossibleFallEvent{}, false
	}

	d.state.LastTriggerTimestampMs = timestampMs
	d.state.HasTriggered = true

	return models.PossibleFallEvent{
		TimestampMs:         timestampMs,
		TriggeringMagnitude: compared,
	}, true
}

// State returns a copy of the detector state.
func (d *ShakeFallDetector) State() models.DetectorState {
	return d.state
}

// Unit returns the unit the threshold is compared in.
func (d *ShakeFallDetector) Unit() Unit {
	return d.unit
}
