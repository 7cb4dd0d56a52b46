// Package simulate generates synthetic verification sessions for load tests
// and demos: human-like sessions and scripted bot sessions.
package simulate

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/mbd888/trustscore/internal/antifraud"
	"github.com/mbd888/trustscore/internal/telemetry"
)

// Kind selects the behavior profile of a generated session.
type Kind string

const (
	KindHuman Kind = "human"
	KindBot   Kind = "bot"
)

// Session is one generated session, ready to be replayed against the API.
type Session struct {
	Kind       Kind
	UserID     string
	IP         string
	Device     antifraud.DeviceAttributes
	FaceMatch  float64
	Liveness   float64
	Events     []telemetry.Event
	StartedAt  time.Time
	FinishedAt time.Time
}

// Generator builds sessions from a seeded faker so runs are reproducible.
type Generator struct {
	faker  *gofakeit.Faker
	width  int
	height int
}

// NewGenerator creates a generator. A zero seed picks a random one.
func NewGenerator(seed uint64, width, height int) *Generator {
	if width <= 0 {
		width = 1920
	}
	if height <= 0 {
		height = 1080
	}
	return &Generator{faker: gofakeit.New(seed), width: width, height: height}
}

// Generate returns a session of the given kind whose events end at end.
func (g *Generator) Generate(kind Kind, end time.Time) Session {
	if kind == KindBot {
		return g.bot(end)
	}
	return g.human(end)
}

func (g *Generator) human(end time.Time) Session {
	f := g.faker
	duration := time.Duration(f.IntRange(60, 300)) * time.Second
	start := end.Add(-duration)

	s := Session{
		Kind:       KindHuman,
		UserID:     f.Username(),
		IP:         f.IPv4Address(),
		Device:     g.device(f.UserAgent()),
		FaceMatch:  f.Float64Range(0.85, 0.99),
		Liveness:   f.Float64Range(0.85, 0.99),
		StartedAt:  start,
		FinishedAt: end,
	}

	at := start
	for at.Before(end) {
		at = at.Add(time.Duration(f.IntRange(150, 2500)) * time.Millisecond)
		if !at.Before(end) {
			break
		}
		switch n := f.IntRange(0, 99); {
		case n < 40:
			s.Events = append(s.Events, g.move(at))
		case n < 70:
			s.Events = append(s.Events, telemetry.Event{
				Kind:      telemetry.KindKey,
				Timestamp: at,
				Key:       f.Letter(),
			})
		case n < 85:
			s.Events = append(s.Events, g.click(at, g.randomPosition()))
		case n < 95:
			s.Events = append(s.Events, telemetry.Event{
				Kind:            telemetry.KindScroll,
				Timestamp:       at,
				ScrollDirection: f.RandomString([]string{"up", "down"}),
			})
		default:
			s.Events = append(s.Events, telemetry.Event{Kind: telemetry.KindFocus, Timestamp: at})
		}
	}
	return s
}

// bot clicks the same spot at a fixed cadence from a headless browser and
// presents a weak liveness result.
func (g *Generator) bot(end time.Time) Session {
	f := g.faker
	duration := time.Duration(f.IntRange(20, 60)) * time.Second
	start := end.Add(-duration)

	s := Session{
		Kind:       KindBot,
		UserID:     fmt.Sprintf("bot-%s", f.LetterN(8)),
		IP:         f.IPv4Address(),
		Device:     g.device("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36"),
		FaceMatch:  f.Float64Range(0.2, 0.6),
		Liveness:   f.Float64Range(0.05, 0.4),
		StartedAt:  start,
		FinishedAt: end,
	}
	s.Device.Plugins = nil

	target := g.randomPosition()
	step := time.Duration(f.IntRange(50, 120)) * time.Millisecond
	for at := start.Add(step); at.Before(end); at = at.Add(step) {
		s.Events = append(s.Events, g.click(at, target))
	}
	return s
}

func (g *Generator) device(userAgent string) antifraud.DeviceAttributes {
	f := g.faker
	return antifraud.DeviceAttributes{
		UserAgent:        userAgent,
		ScreenResolution: fmt.Sprintf("%dx%d", g.width, g.height),
		Timezone:         f.TimeZoneRegion(),
		Language:         f.LanguageAbbreviation(),
		Plugins:          []string{"PDF Viewer", "Chrome PDF Viewer"},
		Platform:         f.RandomString([]string{"Win32", "MacIntel", "Linux x86_64"}),
		ColorDepth:       24,
		PixelRatio:       []float64{1, 1.25, 2}[f.IntRange(0, 2)],
	}
}

func (g *Generator) randomPosition() telemetry.Position {
	return telemetry.Position{
		X: float64(g.faker.IntRange(0, g.width-1)),
		Y: float64(g.faker.IntRange(0, g.height-1)),
	}
}

func (g *Generator) click(at time.Time, p telemetry.Position) telemetry.Event {
	return telemetry.Event{
		Kind:      telemetry.KindClick,
		Timestamp: at,
		Position:  &p,
		Button:    "left",
	}
}

func (g *Generator) move(at time.Time) telemetry.Event {
	p := g.randomPosition()
	return telemetry.Event{Kind: telemetry.KindMove, Timestamp: at, Position: &p}
}
