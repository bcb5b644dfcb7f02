package location

import (
	"context"
	"sync"
	"time"

	"github.com/rewired-gh/fallguard/internal/models"
)

// FixStore caches the latest position reported by the device and serves
// it as a Provider.
type FixStore struct {
	mu      sync.Mutex
	fix     *models.LocationFix
	at      time.Time
	err     error
	gen     uint64
	updated chan struct{}
	now     func() time.Time
}

func NewFixStore() *FixStore {
	return &FixStore{
		updated: make(chan struct{}),
		now:     time.Now,
	}
}

// UpdateFix records a new position and wakes pending requests.
func (s *FixStore) UpdateFix(fix models.LocationFix, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fix = &fix
	s.at = at
	s.err = nil
	s.broadcast()
}

// ReportError records a device-side geolocation error code.
func (s *FixStore) ReportError(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = errorForCode(code)
	s.broadcast()
}

func (s *FixStore) broadcast() {
	s.gen++
	close(s.updated)
	s.updated = make(chan struct{})
}

func errorForCode(code string) error {
	switch code {
	case "permission_denied":
		return ErrPermissionDenied
	case "timeout":
		return ErrTimeout
	case "unsupported":
		return ErrUnsupported
	default:
		return ErrPositionUnavailable
	}
}

// Latest returns the cached fix and when it was taken.
func (s *FixStore) Latest() (*models.LocationFix, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fix == nil {
		return nil, time.Time{}
	}
	fix := *s.fix
	return &fix, s.at
}

// CurrentPosition returns the cached fix when it is at most MaximumAge old.
// Otherwise it waits for the next report until Timeout. A recorded
// permission denial fails immediately.
func (s *FixStore) CurrentPosition(ctx context.Context, opts Options) (models.LocationFix, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	s.mu.Lock()
	if s.fix != nil && opts.MaximumAge > 0 && s.now().Sub(s.at) <= opts.MaximumAge {
		fix := *s.fix
		s.mu.Unlock()
		return fix, nil
	}
	if s.err == ErrPermissionDenied {
		s.mu.Unlock()
		return models.LocationFix{}, ErrPermissionDenied
	}
	gen, updated := s.gen, s.updated
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return models.LocationFix{}, ErrTimeout
		case <-updated:
		}

		s.mu.Lock()
		if s.gen != gen {
			if s.err != nil {
				err := s.err
				s.mu.Unlock()
				return models.LocationFix{}, err
			}
			if s.fix != nil {
				fix := *s.fix
				s.mu.Unlock()
				return fix, nil
			}
		}
		gen, updated = s.gen, s.updated
		s.mu.Unlock()
	}
}
