// Package confirm implements the countdown that gives the user a chance to
// cancel before a detected fall is escalated.
package confirm

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/fallguard/internal/logger"
	"github.com/rewired-gh/fallguard/internal/models"
)

// Ticker delivers countdown ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.Ticker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type Config struct {
	Duration time.Duration
	Tick     time.Duration
}

func DefaultConfig() Config {
	return Config{Duration: 30 * time.Second, Tick: time.Second}
}

// Ticks returns the number of ticks in one countdown, rounded up.
func (c Config) Ticks() int {
	if c.Tick <= 0 {
		return 0
	}
	return int((c.Duration + c.Tick - 1) / c.Tick)
}

type Option func(*Controller)

// WithTicker replaces the ticker factory.
func WithTicker(f func(time.Duration) Ticker) Option {
	return func(c *Controller) { c.newTicker = f }
}

// WithClock replaces the wall clock used for manual sessions.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller holds at most one pending session. It is not safe for
// concurrent use; the pipeline loop owns it.
type Controller struct {
	cfg         Config
	onConfirmed func(models.ConfirmationSession)
	newTicker   func(time.Duration) Ticker
	now         func() time.Time

	session   *models.ConfirmationSession
	remaining int
	ticker    Ticker
}

// New creates an idle controller. onConfirmed runs exactly once for each
// session that reaches StatusConfirmed.
func New(cfg Config, onConfirmed func(models.ConfirmationSession), opts ...Option) (*Controller, error) {
	if cfg.Tick <= 0 {
		return nil, fmt.Errorf("tick must be positive, got %v", cfg.Tick)
	}
	if cfg.Duration < cfg.Tick {
		return nil, fmt.Errorf("duration must be at least one tick, got %v", cfg.Duration)
	}

	c := &Controller{
		cfg:         cfg,
		onConfirmed: onConfirmed,
		newTicker:   NewRealTicker,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Pending reports whether a countdown is running.
func (c *Controller) Pending() bool {
	return c.session != nil
}

// Remaining returns the ticks left in the current countdown.
func (c *Controller) Remaining() int {
	return c.remaining
}

// Session returns a copy of the pending session, or nil when idle.
func (c *Controller) Session() *models.ConfirmationSession {
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// C returns the tick channel of the running countdown. It is nil when idle,
// so a select on it blocks.
func (c *Controller) C() <-chan time.Time {
	if c.ticker == nil {
		return nil
	}
	return c.ticker.C()
}

// HandleFallEvent starts a countdown. Events arriving while a session is
// pending are ignored.
func (c *Controller) HandleFallEvent(ev models.PossibleFallEvent) (models.ConfirmationSession, bool) {
	if c.session != nil {
		logger.Debug("Ignoring fall event at %d: session %s pending", ev.TimestampMs, c.session.ID)
		return models.ConfirmationSession{}, false
	}

	c.session = &models.ConfirmationSession{
		ID:                  uuid.NewString(),
		StartedAtMs:         ev.TimestampMs,
		DurationMs:          c.cfg.Duration.Milliseconds(),
		Status:              models.StatusPending,
		Source:              models.SourceDetector,
		TriggeringMagnitude: ev.TriggeringMagnitude,
	}
	c.remaining = c.cfg.Ticks()
	c.ticker = c.newTicker(c.cfg.Tick)

	logger.Info("Possible fall detected (magnitude %.2f), countdown %ds started for session %s",
		ev.TriggeringMagnitude, int(c.cfg.Duration.Seconds()), c.session.ID)
	return *c.session, true
}

// Tick advances the countdown by one. It returns the confirmed session when
// the countdown reaches zero. Ticks with no pending session are ignored.
func (c *Controller) Tick() (*models.ConfirmationSession, bool) {
	if c.session == nil || c.session.Status != models.StatusPending {
		return nil, false
	}

	c.remaining--
	if c.remaining > 0 {
		return nil, false
	}
	s := c.finish(models.StatusConfirmed)
	return &s, true
}

// UserConfirmsOk cancels the pending session.
func (c *Controller) UserConfirmsOk() (models.ConfirmationSession, bool) {
	if c.session == nil {
		return models.ConfirmationSession{}, false
	}
	s := c.finish(models.StatusCancelled)
	logger.Info("Session %s cancelled by user", s.ID)
	return s, true
}

// SendHelpNow confirms the pending session immediately. When idle it opens
// a manual session and confirms it at once.
func (c *Controller) SendHelpNow() models.ConfirmationSession {
	if c.session == nil {
		c.session = &models.ConfirmationSession{
			ID:          uuid.NewString(),
			StartedAtMs: c.now().UnixMilli(),
			Status:      models.StatusPending,
			Source:      models.SourceManual,
		}
	}
	s := c.finish(models.StatusConfirmed)
	logger.Info("Help requested immediately for session %s", s.ID)
	return s
}

// Stop cancels the ticker without resolving the session.
func (c *Controller) Stop() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Controller) finish(status models.SessionStatus) models.ConfirmationSession {
	c.Stop()
	c.session.Resolve(status)
	s := *c.session
	c.session = nil
	c.remaining = 0

	if status == models.StatusConfirmed && c.onConfirmed != nil {
		c.onConfirmed(s)
	}
	return s
}
