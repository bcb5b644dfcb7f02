// Package sensor delivers device motion to the detector. Transports (MQTT,
// WebSocket, JSONL replay) publish device messages into a Feed; the Sampler
// asks the Feed for permission and subscribes to its motion stream.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rewired-gh/fallguard/internal/models"
)

// ErrSensorUnavailable is returned when motion permission is denied or the
// platform cannot deliver motion events.
var ErrSensorUnavailable = errors.New("motion sensor unavailable")

// PermissionState is the platform's answer to a motion permission request.
type PermissionState string

const (
	PermissionGranted     PermissionState = "granted"
	PermissionDenied      PermissionState = "denied"
	PermissionNotRequired PermissionState = "not_required"
)

// Platform is the source of motion events.
type Platform interface {
	Supported() bool
	RequestPermission(ctx context.Context) (PermissionState, error)
	Subscribe(onAccel func(models.MotionSample), onRotation func(models.RotationSample)) (func(), error)
}

// Sampler subscribes to a platform's motion stream.
type Sampler struct {
	platform Platform

	mu          sync.Mutex
	unsubscribe func()
}

func NewSampler(p Platform) *Sampler {
	return &Sampler{platform: p}
}

// Start requests permission and subscribes. On error no callback is ever
// invoked.
func (s *Sampler) Start(ctx context.Context, onAccel func(models.MotionSample), onRotation func(models.RotationSample)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unsubscribe != nil {
		return errors.New("sampler already started")
	}
	if s.platform == nil || !s.platform.Supported() {
		return fmt.Errorf("%w: motion events not supported", ErrSensorUnavailable)
	}

	state, err := s.platform.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	if state != PermissionGranted && state != PermissionNotRequired {
		return fmt.Errorf("%w: permission %s", ErrSensorUnavailable, state)
	}
	// Cancelled callers may already have called Stop.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSensorUnavailable, err)
	}

	unsubscribe, err := s.platform.Subscribe(onAccel, onRotation)
	if err != nil {
		if unsubscribe != nil {
			unsubscribe()
		}
		return fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	s.unsubscribe = unsubscribe
	return nil
}

// Stop unsubscribes. It is safe to call repeatedly or without Start.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// Active reports whether the sampler is subscribed.
func (s *Sampler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribe != nil
}
