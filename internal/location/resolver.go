// Package location resolves a best-effort position for an alert.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/fallguard/internal/logger"
	"github.com/rewired-gh/fallguard/internal/models"
)

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("location request timed out")
	ErrUnsupported         = errors.New("geolocation not supported")
)

// Options mirror the geolocation request options sent to the device.
type Options struct {
	EnableHighAccuracy bool
	Timeout            time.Duration
	MaximumAge         time.Duration
}

func DefaultOptions() Options {
	return Options{
		EnableHighAccuracy: true,
		Timeout:            20 * time.Second,
		MaximumAge:         5 * time.Second,
	}
}

// Provider returns the device's current position.
type Provider interface {
	CurrentPosition(ctx context.Context, opts Options) (models.LocationFix, error)
}

// Resolver turns every provider failure into a nil fix.
type Resolver struct {
	provider Provider
	opts     Options
}

// NewResolver creates a resolver. A nil provider always resolves to nil.
func NewResolver(p Provider, opts Options) *Resolver {
	return &Resolver{provider: p, opts: opts}
}

// Resolve returns the current position, or nil when it cannot be obtained
// within the configured timeout.
func (r *Resolver) Resolve(ctx context.Context) *models.LocationFix {
	if r.provider == nil {
		logger.Warn("Location unavailable: %v", ErrUnsupported)
		return nil
	}

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	fix, err := r.provider.CurrentPosition(ctx, r.opts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimeout
		}
		logger.Warn("Location unavailable: %v", err)
		return nil
	}

	logger.Debug("Resolved location %.5f,%.5f", fix.Lat, fix.Lng)
	return &fix
}
