// Package session keeps the registry of live authenticated sessions and
// everything the scorer needs to know about each one.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/trustscore/internal/antifraud"
	"github.com/mbd888/trustscore/internal/features"
	"github.com/mbd888/trustscore/internal/providers"
	"github.com/mbd888/trustscore/internal/telemetry"
)

// maxKeystrokes bounds the typing sample kept per session.
const maxKeystrokes = 500

var (
	ErrNotFound   = errors.New("session: not found")
	ErrTerminated = errors.New("session: terminated")
)

// AuthRecord is the authentication outcome attached to a session.
type AuthRecord struct {
	Username            string    `json:"username"`
	IPAddress           string    `json:"ip_address"`
	AuthMethod          string    `json:"auth_method"`
	AuthResult          string    `json:"auth_result"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RecordedAt          time.Time `json:"recorded_at"`
}

// Snapshot is a consistent copy of a session's scoring inputs.
type Snapshot struct {
	ID         string
	UserID     string
	CreatedAt  time.Time
	State      telemetry.State
	Payload    features.Payload
	HasPayload bool
	Auth       *AuthRecord
	IP         string
	Device     antifraud.DeviceAttributes
	Keystrokes []antifraud.Keystroke
	Behavior   map[string]float64
	Screen     telemetry.Screen
	Biometric  *providers.BiometricScores
}

// Session bundles the event log with the latest client-reported signals.
// The aggregator has its own lock; mu guards the rest.
type Session struct {
	id        string
	userID    string
	createdAt time.Time
	agg       *telemetry.Aggregator

	mu         sync.RWMutex
	payload    features.Payload
	hasPayload bool
	auth       *AuthRecord
	ip         string
	device     antifraud.DeviceAttributes
	keystrokes []antifraud.Keystroke
	behavior   map[string]float64
	screen     telemetry.Screen
	reported   *providers.DeviceInfo
	biometric  *providers.BiometricScores
}

func (s *Session) ID() string                        { return s.id }
func (s *Session) UserID() string                    { return s.userID }
func (s *Session) CreatedAt() time.Time              { return s.createdAt }
func (s *Session) Aggregator() *telemetry.Aggregator { return s.agg }

// SetPayload replaces the latest signal payload.
func (s *Session) SetPayload(p features.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = p
	s.hasPayload = true
}

// SetAuth records the authentication outcome. The auth IP becomes the
// session IP when none has been reported.
func (s *Session) SetAuth(rec AuthRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = &rec
	if s.ip == "" {
		s.ip = rec.IPAddress
	}
}

// SetIP records the client address the session is currently using.
func (s *Session) SetIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ip = ip
}

// SetDevice records browser/device attributes. A reported screen
// resolution of the form WIDTHxHEIGHT replaces the session screen.
func (s *Session) SetDevice(d antifraud.DeviceAttributes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = d
	if sc, ok := parseResolution(d.ScreenResolution); ok {
		s.screen = sc
	}
}

// SetReportedDevice records what the capture agent says about its host.
func (s *Session) SetReportedDevice(info providers.DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reported = &info
}

// SetBiometric records client-side biometric scores.
func (s *Session) SetBiometric(scores providers.BiometricScores) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.biometric = &scores
}

// AddKeystrokes appends typing samples, keeping the most recent ones.
func (s *Session) AddKeystrokes(ks []antifraud.Keystroke) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keystrokes = append(s.keystrokes, ks...)
	if n := len(s.keystrokes); n > maxKeystrokes {
		s.keystrokes = append([]antifraud.Keystroke(nil), s.keystrokes[n-maxKeystrokes:]...)
	}
}

// SetBehavior replaces the behaviour metrics used for baseline drift.
func (s *Session) SetBehavior(m map[string]float64) {
	cp := make(map[string]float64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior = cp
}

// Snapshot returns a copy safe to use without holding any lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ID:         s.id,
		UserID:     s.userID,
		CreatedAt:  s.createdAt,
		State:      s.agg.State(),
		Payload:    s.payload,
		HasPayload: s.hasPayload,
		IP:         s.ip,
		Device:     cloneDevice(s.device),
		Keystrokes: append([]antifraud.Keystroke(nil), s.keystrokes...),
		Screen:     s.screen,
	}
	if s.auth != nil {
		a := *s.auth
		snap.Auth = &a
	}
	if s.biometric != nil {
		b := *s.biometric
		snap.Biometric = &b
	}
	if s.behavior != nil {
		snap.Behavior = make(map[string]float64, len(s.behavior))
		for k, v := range s.behavior {
			snap.Behavior[k] = v
		}
	}
	return snap
}

func cloneDevice(d antifraud.DeviceAttributes) antifraud.DeviceAttributes {
	d.Plugins = append([]string(nil), d.Plugins...)
	d.Fonts = append([]string(nil), d.Fonts...)
	return d
}

func parseResolution(s string) (telemetry.Screen, bool) {
	var w, h int
	if _, err := fmt.Sscanf(strings.ToLower(strings.TrimSpace(s)), "%dx%d", &w, &h); err != nil {
		return telemetry.Screen{}, false
	}
	if w <= 0 || h <= 0 {
		return telemetry.Screen{}, false
	}
	return telemetry.Screen{Width: w, Height: h}, true
}

// ----------------------------------------------------------------------------
// Registry
// ----------------------------------------------------------------------------

// Registry owns every session known to the process.
type Registry struct {
	sessions sync.Map // id -> *Session
	screen   telemetry.Screen
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithScreen sets the default screen dimensions for heatmaps.
func WithScreen(sc telemetry.Screen) Option {
	return func(r *Registry) { r.screen = sc }
}

// WithClock overrides the time source for new sessions.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		screen: telemetry.Screen{Width: 1920, Height: 1080},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new session for userID and starts its aggregator.
func (r *Registry) Create(userID string) *Session {
	s := &Session{
		id:        uuid.NewString(),
		userID:    userID,
		createdAt: r.now(),
		agg:       telemetry.NewAggregator(telemetry.WithClock(r.now)),
		screen:    r.screen,
	}
	s.agg.Start()
	r.sessions.Store(s.id, s)
	return s
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*Session), nil
}

// Terminate closes a session's event log. The session stays readable for
// export until Remove.
func (r *Registry) Terminate(id string) (*Session, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	s.agg.Terminate()
	return s, nil
}

// Remove forgets a session entirely.
func (r *Registry) Remove(id string) {
	r.sessions.Delete(id)
}

// Active returns non-terminated sessions, oldest first.
func (r *Registry) Active() []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if s.agg.State() != telemetry.StateTerminated {
			out = append(out, s)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Route appends an event to the session's log. It satisfies
// telemetry.Router.
func (r *Registry) Route(sessionID string, e telemetry.Event) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	if err := s.agg.Record(e); err != nil {
		if errors.Is(err, telemetry.ErrTerminated) {
			return ErrTerminated
		}
		return err
	}
	return nil
}

// Inspect reports the session's device. Agent-reported information wins;
// otherwise the type is inferred from the user agent. It satisfies
// providers.DeviceInspector.
func (r *Registry) Inspect(_ context.Context, sessionID string) (providers.DeviceInfo, error) {
	s, err := r.Get(sessionID)
	if err != nil {
		return providers.DeviceInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.reported != nil {
		info := *s.reported
		if info.PublicIP == "" {
			info.PublicIP = s.ip
		}
		return info, nil
	}
	if s.device.UserAgent == "" {
		return providers.DeviceInfo{}, providers.ErrNotFound
	}
	return providers.DeviceInfo{
		DeviceType: deviceTypeFromUA(s.device.UserAgent),
		PublicIP:   s.ip,
		OS:         s.device.Platform,
	}, nil
}

func deviceTypeFromUA(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case strings.Contains(ua, "headless"):
		return "container"
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "android"), strings.Contains(ua, "iphone"):
		return "mobile"
	default:
		return "desktop"
	}
}
