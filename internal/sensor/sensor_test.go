package sensor

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/fallguard/internal/config"
	"github.com/rewired-gh/fallguard/internal/models"
)

type fakePlatform struct {
	supported    bool
	state        PermissionState
	permErr      error
	subErr       error
	subscribed   int
	unsubscribed int
}

func (p *fakePlatform) Supported() bool { return p.supported }

func (p *fakePlatform) RequestPermission(ctx context.Context) (PermissionState, error) {
	return p.state, p.permErr
}

func (p *fakePlatform) Subscribe(onAccel func(models.MotionSample), onRotation func(models.RotationSample)) (func(), error) {
	p.subscribed++
	unsubscribe := func() { p.unsubscribed++ }
	if p.subErr != nil {
		return unsubscribe, p.subErr
	}
	return unsubscribe, nil
}

func TestSamplerStartFailures(t *testing.T) {
	tests := []struct {
		name     string
		platform Platform
	}{
		{"nil platform", nil},
		{"unsupported", &fakePlatform{supported: false, state: PermissionGranted}},
		{"denied", &fakePlatform{supported: true, state: PermissionDenied}},
		{"unknown state", &fakePlatform{supported: true, state: "prompt"}},
		{"permission error", &fakePlatform{supported: true, permErr: errors.New("boom")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSampler(tt.platform)
			called := false
			err := s.Start(context.Background(),
				func(models.MotionSample) { called = true },
				func(models.RotationSample) { called = true })

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSensorUnavailable)
			assert.False(t, called)
			assert.False(t, s.Active())
			if fp, ok := tt.platform.(*fakePlatform); ok {
				assert.Zero(t, fp.subscribed, "should not subscribe on failure")
			}
		})
	}
}

func TestSamplerReleasesSubscriptionOnFailedSubscribe(t *testing.T) {
	p := &fakePlatform{supported: true, state: PermissionGranted, subErr: errors.New("listener failed")}
	s := NewSampler(p)

	err := s.Start(context.Background(), nil, nil)
	require.ErrorIs(t, err, ErrSensorUnavailable)
	assert.Equal(t, 1, p.unsubscribed)
	assert.False(t, s.Active())
}

func TestSamplerStopIdempotent(t *testing.T) {
	p := &fakePlatform{supported: true, state: PermissionNotRequired}
	s := NewSampler(p)

	s.Stop() // never started
	require.NoError(t, s.Start(context.Background(), nil, nil))
	assert.True(t, s.Active())
	assert.Error(t, s.Start(context.Background(), nil, nil), "second Start should fail")

	s.Stop()
	s.Stop()
	assert.Equal(t, 1, p.unsubscribed)
	assert.False(t, s.Active())
}

func TestSamplerStartAfterCancelDoesNotSubscribe(t *testing.T) {
	p := &fakePlatform{supported: true, state: PermissionGranted}
	s := NewSampler(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Stop()

	err := s.Start(ctx, nil, nil)
	require.ErrorIs(t, err, ErrSensorUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.subscribed)
	assert.False(t, s.Active())
}

type recordingSink struct {
	mu     sync.Mutex
	fixes  []models.LocationFix
	errors []string
}

func (r *recordingSink) UpdateFix(fix models.LocationFix, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fixes = append(r.fixes, fix)
}

func (r *recordingSink) ReportError(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, code)
}

func TestFeedPermission(t *testing.T) {
	t.Run("not required", func(t *testing.T) {
		f := NewFeed(FeedConfig{}, nil)
		state, err := f.RequestPermission(context.Background())
		require.NoError(t, err)
		assert.Equal(t, PermissionNotRequired, state)
	})

	t.Run("waits for device answer", func(t *testing.T) {
		f := NewFeed(FeedConfig{RequirePermission: true, PermissionTimeout: time.Second}, nil)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = f.HandlePayload("", []byte(`{"type":"permission","state":"denied"}`))
		}()
		state, err := f.RequestPermission(context.Background())
		require.NoError(t, err)
		assert.Equal(t, PermissionDenied, state)
	})

	t.Run("times out", func(t *testing.T) {
		f := NewFeed(FeedConfig{RequirePermission: true, PermissionTimeout: 20 * time.Millisecond}, nil)
		_, err := f.RequestPermission(context.Background())
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		s := NewSampler(f)
		assert.ErrorIs(t, s.Start(context.Background(), nil, nil), ErrSensorUnavailable)
	})
}

func TestFeedMotionPrefersGravity(t *testing.T) {
	f := NewFeed(FeedConfig{}, nil)
	s := NewSampler(f)

	var accels []models.MotionSample
	var rotations []models.RotationSample
	require.NoError(t, s.Start(context.Background(),
		func(m models.MotionSample) { accels = append(accels, m) },
		func(r models.RotationSample) { rotations = append(rotations, r) }))

	require.NoError(t, f.HandlePayload("", []byte(`{"type":"motion","timestampMs":100,
		"accelerationIncludingGravity":{"x":1,"y":2,"z":3},
		"acceleration":{"x":9,"y":9,"z":9},
		"rotationRate":{"alpha":4,"beta":null,"gamma":6}}`)))
	require.NoError(t, f.HandlePayload("motion", []byte(`{"timestampMs":200,"acceleration":{"x":7,"y":null,"z":0}}`)))

	require.Len(t, accels, 2)
	assert.Equal(t, 1.0, *accels[0].AX)
	assert.Equal(t, int64(100), accels[0].TimestampMs)
	assert.Equal(t, 7.0, *accels[1].AX)
	assert.Nil(t, accels[1].AY)

	require.Len(t, rotations, 1)
	assert.Nil(t, rotations[0].Beta)

	s.Stop()
	require.NoError(t, f.HandlePayload("", []byte(`{"type":"motion","timestampMs":300}`)))
	assert.Len(t, accels, 2, "no callbacks after Stop")
}

func TestFeedLocationAndErrors(t *testing.T) {
	sink := &recordingSink{}
	f := NewFeed(FeedConfig{}, sink)

	require.NoError(t, f.HandlePayload("", []byte(`{"type":"location","latitude":12.5,"longitude":77.25}`)))
	require.NoError(t, f.HandlePayload("", []byte(`{"type":"location_error","code":"permission_denied"}`)))
	assert.Error(t, f.HandlePayload("", []byte(`{"type":"location","latitude":12.5}`)))
	assert.Error(t, f.HandlePayload("", []byte(`{"type":"teleport"}`)))
	assert.Error(t, f.HandlePayload("", []byte(`not json`)))

	require.Len(t, sink.fixes, 1)
	assert.Equal(t, models.LocationFix{Lat: 12.5, Lng: 77.25}, sink.fixes[0])
	assert.Equal(t, []string{"permission_denied"}, sink.errors)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "fallguard/device/+/+", Topic("fallguard/device", "+"))
	assert.Equal(t, "fallguard/device/phone-1/+", Topic("fallguard/device/", "phone-1"))
	assert.Equal(t, "x/+/+", Topic("x", ""))
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestMQTTMessageUsesTopicType(t *testing.T) {
	sink := &recordingSink{}
	f := NewFeed(FeedConfig{}, sink)
	src := NewMQTTSource(config.MQTTConfig{Broker: "tcp://127.0.0.1:1", TopicPrefix: "fallguard/device"}, f)

	src.onMessage(nil, fakeMessage{
		topic:   "fallguard/device/phone-1/location",
		payload: []byte(`{"latitude":1,"longitude":2}`),
	})
	src.onMessage(nil, fakeMessage{topic: "fallguard/device/phone-1/motion", payload: []byte(`garbage`)})

	require.Len(t, sink.fixes, 1)
	assert.Equal(t, int64(1), f.Received(), "only decodable messages are counted")
}

func TestDeviceWebSocket(t *testing.T) {
	sink := &recordingSink{}
	f := NewFeed(FeedConfig{}, sink)
	srv := httptest.NewServer(DeviceHandler(f))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"location","latitude":3,"longitude":4}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.fixes) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDeviceWebSocketClosedWhenServerContextEnds(t *testing.T) {
	f := NewFeed(FeedConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewUnstartedServer(DeviceHandler(f))
	srv.Config.BaseContext = func(net.Listener) context.Context { return ctx }
	srv.Start()
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "server should close the socket, not leave it idle")
	}
}

func TestReplay(t *testing.T) {
	recording := `# recorded fall
{"type":"permission","state":"granted"}
{"type":"motion","timestampMs":1000,"accelerationIncludingGravity":{"x":0,"y":9.81,"z":0}}

{"type":"motion","timestampMs":1100,"accelerationIncludingGravity":{"x":20,"y":20,"z":5}}
{"type":"location","timestampMs":1200,"latitude":51.5,"longitude":-0.12}
`
	sink := &recordingSink{}
	f := NewFeed(FeedConfig{RequirePermission: true}, sink)

	var count int
	_, err := f.Subscribe(func(models.MotionSample) { count++ }, nil)
	require.NoError(t, err)

	n, err := Replay(context.Background(), strings.NewReader(recording), f, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 2, count)
	assert.Len(t, sink.fixes, 1)

	state, err := f.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PermissionGranted, state)
}

func TestReplayReportsBadLine(t *testing.T) {
	f := NewFeed(FeedConfig{}, nil)
	n, err := Replay(context.Background(), strings.NewReader("{\"type\":\"motion\"}\n{oops\n"), f, ReplayOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Equal(t, 1, n)
}
