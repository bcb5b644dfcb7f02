package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/fallguard/internal/models"
)

// Device message types.
const (
	MessagePermission    = "permission"
	MessageMotion        = "motion"
	MessageLocation      = "location"
	MessageLocationError = "location_error"
)

// Vector is a three-axis acceleration as reported by the device.
type Vector struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// Rotation is a rotation rate in degrees per second.
type Rotation struct {
	Alpha *float64 `json:"alpha"`
	Beta  *float64 `json:"beta"`
	Gamma *float64 `json:"gamma"`
}

// DeviceMessage is one JSON message published by the phone.
type DeviceMessage struct {
	Type        string `json:"type"`
	DeviceID    string `json:"deviceId,omitempty"`
	TimestampMs int64  `json:"timestampMs,omitempty"`

	// permission
	State string `json:"state,omitempty"`

	// motion
	AccelerationIncludingGravity *Vector   `json:"accelerationIncludingGravity,omitempty"`
	Acceleration                 *Vector   `json:"acceleration,omitempty"`
	RotationRate                 *Rotation `json:"rotationRate,omitempty"`

	// location
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Accuracy  float64  `json:"accuracy,omitempty"`

	// location_error
	Code string `json:"code,omitempty"`
}

// LocationSink receives position updates relayed by the device.
type LocationSink interface {
	UpdateFix(fix models.LocationFix, at time.Time)
	ReportError(code string)
}

// FeedConfig controls how the feed answers permission requests.
type FeedConfig struct {
	RequirePermission bool
	PermissionTimeout time.Duration
}

type subscriber struct {
	onAccel    func(models.MotionSample)
	onRotation func(models.RotationSample)
}

// Feed is the in-process platform every transport publishes device
// messages into. It implements Platform for the Sampler.
type Feed struct {
	cfg       FeedConfig
	locations LocationSink
	now       func() time.Time

	mu          sync.Mutex
	permission  PermissionState
	permChanged chan struct{}
	subs        map[int]subscriber
	nextID      int
	received    int64
}

// NewFeed creates a feed. locations may be nil.
func NewFeed(cfg FeedConfig, locations LocationSink) *Feed {
	return &Feed{
		cfg:         cfg,
		locations:   locations,
		now:         time.Now,
		permChanged: make(chan struct{}),
		subs:        make(map[int]subscriber),
	}
}

// Supported reports that the feed can deliver motion events.
func (f *Feed) Supported() bool {
	return true
}

// RequestPermission returns the permission state reported by the device.
// When permission is not required it returns PermissionNotRequired at once.
func (f *Feed) RequestPermission(ctx context.Context) (PermissionState, error) {
	if !f.cfg.RequirePermission {
		return PermissionNotRequired, nil
	}

	if f.cfg.PermissionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.PermissionTimeout)
		defer cancel()
	}

	for {
		f.mu.Lock()
		state, changed := f.permission, f.permChanged
		f.mu.Unlock()

		if state != "" {
			return state, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for motion permission: %w", ctx.Err())
		}
	}
}

// Subscribe registers motion callbacks and returns the matching unsubscribe.
func (f *Feed) Subscribe(onAccel func(models.MotionSample), onRotation func(models.RotationSample)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	f.subs[id] = subscriber{onAccel: onAccel, onRotation: onRotation}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}, nil
}

// Received returns the number of device messages handled so far.
func (f *Feed) Received() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

// HandlePayload decodes a raw JSON message. kind is used when the message
// itself carries no type, as with per-type MQTT topics.
func (f *Feed) HandlePayload(kind string, payload []byte) error {
	msg, err := decodeLine(payload)
	if err != nil {
		return err
	}
	if msg.Type == "" {
		msg.Type = kind
	}
	return f.Handle(msg)
}

// Handle routes one device message.
func (f *Feed) Handle(msg DeviceMessage) error {
	f.mu.Lock()
	f.received++
	f.mu.Unlock()

	ts := msg.TimestampMs
	if ts == 0 {
		ts = f.now().UnixMilli()
	}

	switch msg.Type {
	case MessagePermission:
		if msg.State == "" {
			return errors.New("permission message without state")
		}
		f.setPermission(PermissionState(msg.State))

	case MessageMotion:
		f.publishMotion(msg, ts)

	case MessageLocation:
		if msg.Latitude == nil || msg.Longitude == nil {
			return errors.New("location message without coordinates")
		}
		if f.locations != nil {
			f.locations.UpdateFix(models.LocationFix{Lat: *msg.Latitude, Lng: *msg.Longitude}, time.UnixMilli(ts))
		}

	case MessageLocationError:
		if f.locations != nil {
			f.locations.ReportError(msg.Code)
		}

	default:
		return fmt.Errorf("unknown device message type %q", msg.Type)
	}
	return nil
}

func decodeLine(payload []byte) (DeviceMessage, error) {
	var msg DeviceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode device message: %w", err)
	}
	return msg, nil
}

func (f *Feed) setPermission(state PermissionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permission = state
	close(f.permChanged)
	f.permChanged = make(chan struct{})
}

func (f *Feed) publishMotion(msg DeviceMessage, ts int64) {
	accel := msg.AccelerationIncludingGravity
	if accel == nil {
		accel = msg.Acceleration
	}

	sample := models.MotionSample{TimestampMs: ts}
	if accel != nil {
		sample.AX, sample.AY, sample.AZ = accel.X, accel.Y, accel.Z
	}

	var rotation *models.RotationSample
	if msg.RotationRate != nil {
		rotation = &models.RotationSample{
			Alpha:       msg.RotationRate.Alpha,
			Beta:        msg.RotationRate.Beta,
			Gamma:       msg.RotationRate.Gamma,
			TimestampMs: ts,
		}
	}

	f.mu.Lock()
	subs := make([]subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		if s.onAccel != nil {
			s.onAccel(sample)
		}
		if rotation != nil && s.onRotation != nil {
			s.onRotation(*rotation)
		}
	}
}
