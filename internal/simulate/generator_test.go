package simulate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustscore/internal/telemetry"
)

var end = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestGenerate_HumanEventsAreValidAndOrdered(t *testing.T) {
	g := NewGenerator(42, 1280, 720)
	s := g.Generate(KindHuman, end)

	require.NotEmpty(t, s.Events)
	assert.Equal(t, KindHuman, s.Kind)
	assert.NotEmpty(t, s.UserID)
	assert.NotEmpty(t, s.IP)
	assert.Equal(t, "1280x720", s.Device.ScreenResolution)
	assert.GreaterOrEqual(t, s.Liveness, 0.85)

	prev := s.StartedAt
	for i, e := range s.Events {
		require.NoError(t, e.Validate(), "event %d", i)
		assert.True(t, e.Timestamp.After(prev), "event %d out of order", i)
		assert.True(t, e.Timestamp.Before(end), "event %d after end", i)
		if e.Position != nil {
			assert.Less(t, e.Position.X, 1280.0)
			assert.Less(t, e.Position.Y, 720.0)
		}
		prev = e.Timestamp
	}
}

func TestGenerate_BotClicksOneSpotAtFixedCadence(t *testing.T) {
	g := NewGenerator(7, 0, 0)
	s := g.Generate(KindBot, end)

	require.Greater(t, len(s.Events), 100)
	assert.Contains(t, s.Device.UserAgent, "HeadlessChrome")
	assert.Empty(t, s.Device.Plugins)
	assert.Less(t, s.Liveness, 0.5)

	first := *s.Events[0].Position
	step := s.Events[1].Timestamp.Sub(s.Events[0].Timestamp)
	for i, e := range s.Events {
		assert.Equal(t, telemetry.KindClick, e.Kind)
		assert.Equal(t, first, *e.Position, "event %d moved", i)
		if i > 0 {
			assert.Equal(t, step, e.Timestamp.Sub(s.Events[i-1].Timestamp))
		}
	}
}

func TestGenerate_SeedIsReproducible(t *testing.T) {
	a := NewGenerator(99, 0, 0).Generate(KindHuman, end)
	b := NewGenerator(99, 0, 0).Generate(KindHuman, end)

	assert.Equal(t, a.UserID, b.UserID)
	assert.Equal(t, a.IP, b.IP)
	assert.Equal(t, len(a.Events), len(b.Events))
}
