// Package pipeline runs fall detection end to end. A single loop goroutine
// owns the detector, the confirmation controller and the active session;
// permission waits, location lookups and alert dispatch run in their own
// goroutines and report back to the loop.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/fallguard/internal/alert"
	"github.com/rewired-gh/fallguard/internal/confirm"
	"github.com/rewired-gh/fallguard/internal/detector"
	"github.com/rewired-gh/fallguard/internal/logger"
	"github.com/rewired-gh/fallguard/internal/metrics"
	"github.com/rewired-gh/fallguard/internal/models"
)

// ErrStopped is returned by commands sent to a pipeline that is not running.
var ErrStopped = errors.New("pipeline not running")

// Sampler is the motion source.
type Sampler interface {
	Start(ctx context.Context, onAccel func(models.MotionSample), onRotation func(models.RotationSample)) error
	Stop()
}

// Locator resolves a best-effort position.
type Locator interface {
	Resolve(ctx context.Context) *models.LocationFix
}

// Dispatcher sends the emergency alert for a confirmed session.
type Dispatcher interface {
	DispatchOnce(ctx context.Context, s models.ConfirmationSession, fix *models.LocationFix) models.AlertResult
}

// Store persists incident history.
type Store interface {
	AddIncident(inc *models.Incident) error
	UpdateIncident(inc *models.Incident) error
}

// Notifier mirrors incident notices. Calls are made off the loop.
type Notifier interface {
	FallDetected(s models.ConfirmationSession) error
	Cancelled(s models.ConfirmationSession) error
	AlertOutcome(s models.ConfirmationSession, fix *models.LocationFix, r models.AlertResult) error
}

type Config struct {
	Detector     detector.Config
	Confirmation confirm.Config
	HistorySize  int
	BufferSize   int
	// BlockWhenFull makes sample delivery wait for queue space instead of
	// dropping the newest sample. Used for replays.
	BlockWhenFull bool
}

func DefaultConfig() Config {
	return Config{
		Detector:     detector.DefaultConfig(),
		Confirmation: confirm.DefaultConfig(),
		HistorySize:  50,
		BufferSize:   256,
	}
}

// Deps are the collaborators of a Pipeline. Store, Notifier and Stats are
// optional.
type Deps struct {
	Sampler    Sampler
	Locator    Locator
	Dispatcher Dispatcher
	Store      Store
	Notifier   Notifier
	Stats      *metrics.Stats
	// NewTicker overrides the countdown ticker.
	NewTicker func(time.Duration) confirm.Ticker
}

type sample struct {
	accel    *models.MotionSample
	rotation *models.RotationSample
}

type commandKind int

const (
	cmdConfirmOk commandKind = iota
	cmdSendHelp
)

type command struct {
	kind  commandKind
	reply chan commandResult
}

type commandResult struct {
	ok      bool
	session models.ConfirmationSession
}

type dispatchDone struct {
	session models.ConfirmationSession
	fix     *models.LocationFix
	result  models.AlertResult
}

type Pipeline struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	det  *detector.ShakeFallDetector
	ctrl *confirm.Controller
	view *view

	samples  chan sample
	commands chan command
	done     chan dispatchDone
	sensor   chan error
	stopped  chan struct{}

	// loop-owned
	ctx       context.Context
	incidents map[string]*models.Incident
	inflight  int
}

func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Sampler == nil || deps.Locator == nil || deps.Dispatcher == nil {
		return nil, errors.New("sampler, locator and dispatcher are required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if deps.Stats == nil {
		deps.Stats = metrics.New()
	}

	det, err := detector.New(cfg.Detector)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:       cfg,
		deps:      deps,
		now:       time.Now,
		det:       det,
		view:      newView(cfg.HistorySize, cfg.Detector.Threshold, det.Unit()),
		samples:   make(chan sample, cfg.BufferSize),
		commands:  make(chan command),
		done:      make(chan dispatchDone),
		sensor:    make(chan error, 1),
		stopped:   make(chan struct{}),
		incidents: make(map[string]*models.Incident),
	}

	var opts []confirm.Option
	if deps.NewTicker != nil {
		opts = append(opts, confirm.WithTicker(deps.NewTicker))
	}
	p.ctrl, err = confirm.New(cfg.Confirmation, p.onConfirmed, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Snapshot returns the current pipeline state.
func (p *Pipeline) Snapshot() Snapshot {
	return p.view.snapshot()
}

// Readings returns the recent accelerometer and gyroscope magnitudes,
// oldest first.
func (p *Pipeline) Readings() (accel, gyro []models.MagnitudeReading) {
	return p.view.readings()
}

// Queued reports how many samples are waiting for the loop.
func (p *Pipeline) Queued() int {
	return len(p.samples)
}

// ConfirmOk is the user's "I'm OK". It reports false when no countdown was
// running.
func (p *Pipeline) ConfirmOk(ctx context.Context) (bool, error) {
	res, err := p.send(ctx, cmdConfirmOk)
	return res.ok, err
}

// SendHelp confirms the pending session at once, or opens and confirms a
// manual one when idle.
func (p *Pipeline) SendHelp(ctx context.Context) (models.ConfirmationSession, error) {
	res, err := p.send(ctx, cmdSendHelp)
	return res.session, err
}

func (p *Pipeline) send(ctx context.Context, kind commandKind) (commandResult, error) {
	cmd := command{kind: kind, reply: make(chan commandResult, 1)}
	select {
	case p.commands <- cmd:
	case <-p.stopped:
		return commandResult{}, ErrStopped
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, nil
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
}

// Run starts the sampler and processes events until ctx is cancelled.
// Alerts already being sent are allowed to finish before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	p.ctx = ctx
	defer close(p.stopped)

	go func() {
		p.sensor <- p.deps.Sampler.Start(ctx, p.onAccel, p.onRotation)
	}()

	logger.Info("Pipeline started (threshold %.2f %s, cooldown %v, countdown %v)",
		p.cfg.Detector.Threshold, p.det.Unit(), p.cfg.Detector.Cooldown, p.cfg.Confirmation.Duration)

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil

		case err := <-p.sensor:
			p.handleSensorStart(err)

		case s := <-p.samples:
			p.handleSample(s)

		case <-p.ctrl.C():
			p.handleTick()

		case cmd := <-p.commands:
			p.handleCommand(cmd)

		case d := <-p.done:
			p.handleDispatchDone(d)
		}
	}
}

func (p *Pipeline) shutdown() {
	logger.Info("Pipeline stopping")
	p.deps.Sampler.Stop()
	p.ctrl.Stop()
	metrics.SetBool(p.deps.Stats.SensorsActive, false)

	for p.inflight > 0 {
		logger.Info("Waiting for %d alert(s) in flight", p.inflight)
		p.handleDispatchDone(<-p.done)
	}
}

func (p *Pipeline) onAccel(m models.MotionSample) {
	p.enqueue(sample{accel: &m})
}

func (p *Pipeline) onRotation(r models.RotationSample) {
	p.enqueue(sample{rotation: &r})
}

func (p *Pipeline) enqueue(s sample) {
	if p.cfg.BlockWhenFull {
		select {
		case p.samples <- s:
		case <-p.stopped:
		}
		return
	}
	select {
	case p.samples <- s:
	default:
		p.deps.Stats.SamplesDropped.Inc()
	}
}

func (p *Pipeline) handleSensorStart(err error) {
	if err != nil {
		logger.Error("Motion sensors unavailable, detection disabled: %v", err)
		p.view.update(func(s *Snapshot) {
			s.SensorsActive = false
			s.SensorError = err.Error()
		})
		metrics.SetBool(p.deps.Stats.SensorsActive, false)
		return
	}
	logger.Info("Motion sensors active")
	p.view.update(func(s *Snapshot) {
		s.SensorsActive = true
		s.SensorError = ""
	})
	metrics.SetBool(p.deps.Stats.SensorsActive, true)
}

func (p *Pipeline) handleSample(s sample) {
	if s.rotation != nil {
		r := detector.RotationMagnitude(*s.rotation)
		p.view.push(r)
		p.deps.Stats.Samples.WithLabelValues(string(models.KindGyro)).Inc()
		p.deps.Stats.LastMagnitude.WithLabelValues(string(models.KindGyro)).Set(r.Value)
		return
	}
	if s.accel == nil {
		return
	}

	r := detector.AccelMagnitude(*s.accel)
	p.view.push(r)
	p.deps.Stats.Samples.WithLabelValues(string(models.KindAccel)).Inc()
	p.deps.Stats.LastMagnitude.WithLabelValues(string(models.KindAccel)).Set(r.Value)

	ev, ok := p.det.OnAccelMagnitude(r.Value, r.TimestampMs)
	if !ok {
		return
	}
	p.deps.Stats.FallsDetected.Inc()

	session, started := p.ctrl.HandleFallEvent(ev)
	if !started {
		return
	}

	inc := models.NewIncident(&session)
	p.incidents[session.ID] = inc
	p.addIncident(inc)
	p.notify(func(n Notifier) error { return n.FallDetected(session) })
	p.updateCountdown()
}

func (p *Pipeline) handleTick() {
	p.ctrl.Tick()
	p.updateCountdown()
}

func (p *Pipeline) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdConfirmOk:
		s, ok := p.ctrl.UserConfirmsOk()
		if ok {
			p.resolve(s)
			p.deps.Stats.Sessions.WithLabelValues(string(s.Status), string(s.Source)).Inc()
			p.notify(func(n Notifier) error { return n.Cancelled(s) })
			delete(p.incidents, s.ID)
			p.updateCountdown()
		}
		cmd.reply <- commandResult{ok: ok, session: s}

	case cmdSendHelp:
		s := p.ctrl.SendHelpNow()
		p.updateCountdown()
		cmd.reply <- commandResult{ok: true, session: s}
	}
}

// onConfirmed runs on the loop, from Tick or SendHelpNow.
func (p *Pipeline) onConfirmed(s models.ConfirmationSession) {
	logger.Warn("Fall confirmed for session %s, sending alert", s.ID)
	p.resolve(s)
	p.deps.Stats.Sessions.WithLabelValues(string(s.Status), string(s.Source)).Inc()

	p.inflight++
	p.view.update(func(snap *Snapshot) {
		snap.Alerting = p.inflight
	})

	// The alert outlives Run's context.
	ctx := context.WithoutCancel(p.ctx)
	go func() {
		fix := p.deps.Locator.Resolve(ctx)
		result := p.deps.Dispatcher.DispatchOnce(ctx, s, fix)
		p.done <- dispatchDone{session: s, fix: fix, result: result}
	}()
}

func (p *Pipeline) handleDispatchDone(d dispatchDone) {
	p.inflight--

	located := "found"
	if d.fix == nil {
		located = "unavailable"
	}
	p.deps.Stats.LocationLookups.WithLabelValues(located).Inc()

	outcome := "success"
	if !d.result.Success {
		outcome = string(d.result.Failure)
		logger.Error("Alert for session %s failed: %v", d.session.ID, alert.ResultError(d.result))
	}
	p.deps.Stats.Alerts.WithLabelValues(outcome).Inc()

	if inc, ok := p.incidents[d.session.ID]; ok {
		inc.ApplyFix(d.fix)
		inc.ApplyResult(d.result)
		p.updateIncident(inc)
		delete(p.incidents, d.session.ID)
	}

	result := d.result
	p.view.update(func(s *Snapshot) {
		s.Alerting = p.inflight
		s.LastFix = d.fix
		s.LastResult = &result
	})
	p.notify(func(n Notifier) error { return n.AlertOutcome(d.session, d.fix, d.result) })
	p.updateCountdown()
}

// resolve records a session leaving StatusPending.
func (p *Pipeline) resolve(s models.ConfirmationSession) {
	inc, ok := p.incidents[s.ID]
	if !ok {
		// Manual sessions are created and confirmed in one step.
		inc = models.NewIncident(&s)
		inc.Status = models.StatusPending
		p.incidents[s.ID] = inc
		p.addIncident(inc)
	}

	inc.Status = s.Status
	inc.ResolvedAt = p.now()
	if inc.ResolvedAt.Before(inc.StartedAt) {
		inc.ResolvedAt = inc.StartedAt
	}
	p.updateIncident(inc)

	last := s
	p.view.update(func(snap *Snapshot) {
		snap.LastSession = &last
	})
}

func (p *Pipeline) updateCountdown() {
	active := p.ctrl.Session()
	remaining := int((time.Duration(p.ctrl.Remaining()) * p.cfg.Confirmation.Tick).Round(time.Second).Seconds())

	phase := PhaseIdle
	switch {
	case active != nil:
		phase = PhaseCountdown
	case p.inflight > 0:
		phase = PhaseAlerting
	}

	metrics.SetBool(p.deps.Stats.CountdownActive, active != nil)
	p.view.update(func(s *Snapshot) {
		s.Phase = phase
		s.ActiveSession = active
		s.CountdownRemaining = remaining
	})
}

func (p *Pipeline) addIncident(inc *models.Incident) {
	if p.deps.Store == nil {
		return
	}
	if err := p.deps.Store.AddIncident(inc); err != nil {
		logger.Warn("Failed to record incident %s: %v", inc.ID, err)
	}
}

func (p *Pipeline) updateIncident(inc *models.Incident) {
	if p.deps.Store == nil {
		return
	}
	if err := p.deps.Store.UpdateIncident(inc); err != nil {
		logger.Warn("Failed to update incident %s: %v", inc.ID, err)
	}
}

func (p *Pipeline) notify(fn func(Notifier) error) {
	if p.deps.Notifier == nil {
		return
	}
	go func() {
		if err := fn(p.deps.Notifier); err != nil {
			logger.Warn("Failed to send notification: %v", err)
		}
	}()
}
