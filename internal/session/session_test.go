package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustscore/internal/antifraud"
	"github.com/mbd888/trustscore/internal/providers"
	"github.com/mbd888/trustscore/internal/telemetry"
)

func click(x, y float64) telemetry.Event {
	return telemetry.Event{
		Kind:      telemetry.KindClick,
		Timestamp: time.Now(),
		Position:  &telemetry.Position{X: x, Y: y},
	}
}

func TestRegistry_CreateGetRoute(t *testing.T) {
	r := NewRegistry()
	s := r.Create("alice")

	require.NotEmpty(t, s.ID())
	got, err := r.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, telemetry.StateActive, s.Aggregator().State())

	require.NoError(t, r.Route(s.ID(), click(10, 10)))
	assert.Equal(t, 1, s.Aggregator().Len())

	assert.ErrorIs(t, r.Route("missing", click(1, 1)), ErrNotFound)
}

func TestRegistry_Terminate(t *testing.T) {
	r := NewRegistry()
	s := r.Create("bob")

	_, err := r.Terminate(s.ID())
	require.NoError(t, err)
	assert.ErrorIs(t, r.Route(s.ID(), click(1, 1)), ErrTerminated)
	assert.Empty(t, r.Active())

	// Terminated sessions remain readable until removed.
	_, err = r.Get(s.ID())
	require.NoError(t, err)

	r.Remove(s.ID())
	_, err = r.Get(s.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Terminate(s.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ActiveOrder(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return now }))

	first := r.Create("a")
	now = now.Add(time.Second)
	second := r.Create("b")

	active := r.Active()
	require.Len(t, active, 2)
	assert.Equal(t, first.ID(), active[0].ID())
	assert.Equal(t, second.ID(), active[1].ID())
	assert.Equal(t, 2, r.Count())
}

func TestSession_AuthSetsIP(t *testing.T) {
	s := NewRegistry().Create("carol")
	s.SetAuth(AuthRecord{Username: "carol", IPAddress: "200.1.2.3", ConsecutiveFailures: 2})

	snap := s.Snapshot()
	assert.Equal(t, "200.1.2.3", snap.IP)
	require.NotNil(t, snap.Auth)
	assert.Equal(t, 2, snap.Auth.ConsecutiveFailures)

	s.SetIP("8.8.8.8")
	s.SetAuth(AuthRecord{IPAddress: "1.1.1.1"})
	assert.Equal(t, "8.8.8.8", s.Snapshot().IP)
}

func TestSession_DeviceSetsScreen(t *testing.T) {
	r := NewRegistry(WithScreen(telemetry.Screen{Width: 800, Height: 600}))
	s := r.Create("dave")
	assert.Equal(t, telemetry.Screen{Width: 800, Height: 600}, s.Snapshot().Screen)

	s.SetDevice(antifraud.DeviceAttributes{ScreenResolution: "1366x768"})
	assert.Equal(t, telemetry.Screen{Width: 1366, Height: 768}, s.Snapshot().Screen)

	s.SetDevice(antifraud.DeviceAttributes{ScreenResolution: "garbage"})
	assert.Equal(t, telemetry.Screen{Width: 1366, Height: 768}, s.Snapshot().Screen)
}

func TestSession_KeystrokesBounded(t *testing.T) {
	s := NewRegistry().Create("erin")
	batch := make([]antifraud.Keystroke, maxKeystrokes+10)
	for i := range batch {
		batch[i] = antifraud.Keystroke{Key: "a", Timestamp: float64(i)}
	}
	s.AddKeystrokes(batch)

	snap := s.Snapshot()
	require.Len(t, snap.Keystrokes, maxKeystrokes)
	assert.Equal(t, float64(10), snap.Keystrokes[0].Timestamp)
}

func TestSession_SnapshotIsCopy(t *testing.T) {
	s := NewRegistry().Create("frank")
	s.SetBehavior(map[string]float64{"click_rate": 1})
	s.SetDevice(antifraud.DeviceAttributes{Plugins: []string{"pdf"}})

	snap := s.Snapshot()
	snap.Behavior["click_rate"] = 99
	snap.Device.Plugins[0] = "flash"

	again := s.Snapshot()
	assert.Equal(t, 1.0, again.Behavior["click_rate"])
	assert.Equal(t, "pdf", again.Device.Plugins[0])
}

func TestRegistry_Inspect(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	s := r.Create("gina")

	_, err := r.Inspect(ctx, s.ID())
	assert.ErrorIs(t, err, providers.ErrNotFound)

	s.SetIP("8.8.4.4")
	s.SetDevice(antifraud.DeviceAttributes{UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0) Mobile"})
	info, err := r.Inspect(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, "mobile", info.DeviceType)
	assert.Equal(t, "8.8.4.4", info.PublicIP)

	s.SetReportedDevice(providers.DeviceInfo{DeviceType: "vm"})
	info, err = r.Inspect(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, "vm", info.DeviceType)
	assert.Equal(t, "8.8.4.4", info.PublicIP)

	_, err = r.Inspect(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeviceTypeFromUA(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{"Mozilla/5.0 (X11; Linux x86_64) HeadlessChrome/120", "container"},
		{"Mozilla/5.0 (Linux; Android 14)", "mobile"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64)", "desktop"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, deviceTypeFromUA(tt.ua), tt.ua)
	}
}
