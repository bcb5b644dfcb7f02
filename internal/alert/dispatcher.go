// Package alert sends confirmed falls to the alerting backend, at most once
// per confirmation session.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rewired-gh/fallguard/internal/logger"
	"github.com/rewired-gh/fallguard/internal/models"
	"github.com/rewired-gh/fallguard/internal/tracing"
)

var (
	ErrConfigurationMissing = errors.New("alert service URL not configured")
	ErrDispatchFailure      = errors.New("alert dispatch failed")
)

// User-facing result messages.
const (
	MessageSent                 = "Alert sent"
	MessageNetworkError         = "Network error: unable to reach alert service"
	MessageFailed               = "Failed to send alert"
	MessageConfigurationMissing = "Alert service is not configured"
	MessageDuplicate            = "Alert already sent for this incident"
)

const sendAlertPath = "/send-alert"

// maxSettled bounds how many finished sessions are remembered for
// repeated calls.
const maxSettled = 64

// Guard claims a session before its alert is sent. Claim reports false when
// another dispatcher already claimed it.
type Guard interface {
	Claim(ctx context.Context, sessionID string) (bool, error)
}

type Options struct {
	BaseURL   string
	Timeout   time.Duration
	Guard     Guard
	Transport http.RoundTripper
}

type sendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type attempt struct {
	done   chan struct{}
	result models.AlertResult
}

// Dispatcher posts alerts to the backend.
type Dispatcher struct {
	baseURL string
	client  *resty.Client
	guard   Guard

	mu       sync.Mutex
	attempts map[string]*attempt
	settled  []string
}

func NewDispatcher(opts Options) *Dispatcher {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := resty.New().
		SetTransport(otelhttp.NewTransport(transport)).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Dispatcher{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		client:   client,
		guard:    opts.Guard,
		attempts: make(map[string]*attempt),
	}
}

// DispatchOnce sends the alert for a confirmed session. Every call for the
// same session returns the result of the first one; only that call touches
// the network.
func (d *Dispatcher) DispatchOnce(ctx context.Context, session models.ConfirmationSession, fix *models.LocationFix) models.AlertResult {
	d.mu.Lock()
	if a, ok := d.attempts[session.ID]; ok {
		d.mu.Unlock()
		<-a.done
		return a.result
	}
	a := &attempt{done: make(chan struct{})}
	d.attempts[session.ID] = a
	d.mu.Unlock()

	a.result = d.send(ctx, session, fix)
	close(a.done)
	d.settle(session.ID)
	return a.result
}

// settle keeps the finished attempt for later callers, forgetting the
// oldest once more than maxSettled have finished.
func (d *Dispatcher) settle(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settled = append(d.settled, id)
	if len(d.settled) > maxSettled {
		delete(d.attempts, d.settled[0])
		d.settled = d.settled[1:]
	}
}

func (d *Dispatcher) send(ctx context.Context, session models.ConfirmationSession, fix *models.LocationFix) models.AlertResult {
	if d.baseURL == "" {
		logger.Error("Cannot send alert for session %s: %v", session.ID, ErrConfigurationMissing)
		return models.AlertResult{Message: MessageConfigurationMissing, Failure: models.FailureConfigurationMissing}
	}

	if d.guard != nil {
		claimed, err := d.guard.Claim(ctx, session.ID)
		switch {
		case err != nil:
			logger.Warn("Dispatch guard unavailable for session %s, sending anyway: %v", session.ID, err)
		case !claimed:
			logger.Warn("Alert for session %s already claimed elsewhere", session.ID)
			return models.AlertResult{Message: MessageDuplicate, Failure: models.FailureDuplicate}
		}
	}

	ctx, span := tracing.Tracer("fallguard/alert").Start(ctx, "alert.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", session.ID),
		attribute.String("session.source", string(session.Source)),
		attribute.Bool("location.available", fix != nil),
	)

	req := models.NewAlertRequest(&session, fix)
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", session.ID).
		SetBody(req).
		Post(d.baseURL + sendAlertPath)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "network error")
		logger.Error("Alert request for session %s failed: %v", session.ID, err)
		return models.AlertResult{Message: MessageNetworkError, Failure: models.FailureDispatch}
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))

	var body sendResponse
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			logger.Warn("Unreadable alert response for session %s: %v", session.ID, err)
		}
	}

	if resp.IsError() || !body.Success {
		msg := body.Message
		if msg == "" {
			msg = MessageFailed
		}
		span.SetStatus(codes.Error, msg)
		logger.Error("Alert service rejected session %s (status %d): %s", session.ID, resp.StatusCode(), msg)
		return models.AlertResult{Message: msg, Failure: models.FailureDispatch}
	}

	msg := body.Message
	if msg == "" {
		msg = MessageSent
	}
	logger.Info("Alert sent for session %s", session.ID)
	return models.AlertResult{Success: true, Message: msg}
}

// ResultError maps a failed result onto the package's sentinel errors.
// It returns nil for a successful result.
func ResultError(r models.AlertResult) error {
	switch {
	case r.Success:
		return nil
	case r.Failure == models.FailureConfigurationMissing:
		return ErrConfigurationMissing
	default:
		return fmt.Errorf("%w: %s", ErrDispatchFailure, r.Message)
	}
}
