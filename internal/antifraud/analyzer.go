package antifraud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/trustscore/internal/rules"
)

// Request is the raw material for one analysis pass.
type Request struct {
	IP         string             `json:"ip_address"`
	Device     DeviceAttributes   `json:"device"`
	Keystrokes []Keystroke        `json:"typing_events,omitempty"`
	Behavior   map[string]float64 `json:"behavior_metrics,omitempty"`
}

// Profile is the analyzer's view of a session after one pass.
type Profile struct {
	SessionID           string             `json:"sessionId"`
	Fingerprint         string             `json:"deviceFingerprint"`
	BrowserFingerprint  string             `json:"browserFingerprint"`
	ScreenResolution    string             `json:"screenResolution,omitempty"`
	KnownDevice         bool               `json:"knownDevice"`
	Typing              *TypingPattern     `json:"typingPatterns,omitempty"`
	IPAnalysis          RapidIPResult      `json:"ipAnalysis"`
	IPHistory           []IPObservation    `json:"ipChanges"`
	BlacklistMatches    []string           `json:"blacklistMatches"`
	BehavioralAnomalies []string           `json:"behavioralAnomalies"`
	DeviceWarnings      []string           `json:"deviceInconsistencies"`
	Baseline            map[string]float64 `json:"baseline"`
	Level               rules.Level        `json:"riskLevel"`
	Factors             []string           `json:"factors"`
	AnalyzedAt          time.Time          `json:"analyzedAt"`
}

// sessionState is mutated only under its own lock.
type sessionState struct {
	mu       sync.Mutex
	baseline *Baseline
}

// Analyzer keeps per-session baselines and IP history plus the shared
// blacklist and the set of fingerprints seen so far.
type Analyzer struct {
	blacklist *Blacklist
	history   IPHistory
	logger    *slog.Logger
	now       func() time.Time

	sessions sync.Map // sessionID -> *sessionState
	known    sync.Map // fingerprint -> first sessionID
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithIPHistory replaces the in-memory history.
func WithIPHistory(h IPHistory) AnalyzerOption {
	return func(a *Analyzer) { a.history = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) AnalyzerOption {
	return func(a *Analyzer) { a.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) AnalyzerOption {
	return func(a *Analyzer) { a.now = now }
}

// NewAnalyzer creates an analyzer sharing the given blacklist.
func NewAnalyzer(blacklist *Blacklist, opts ...AnalyzerOption) *Analyzer {
	if blacklist == nil {
		blacklist = NewBlacklist()
	}
	a := &Analyzer{
		blacklist: blacklist,
		history:   NewMemoryIPHistory(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Blacklist returns the shared blacklist.
func (a *Analyzer) Blacklist() *Blacklist {
	return a.blacklist
}

func (a *Analyzer) state(sessionID string) *sessionState {
	v, _ := a.sessions.LoadOrStore(sessionID, &sessionState{baseline: NewBaseline()})
	return v.(*sessionState)
}

// Analyze runs every check for a session and folds the behaviour metrics
// into its baseline. IP history failures degrade to the current address
// only.
func (a *Analyzer) Analyze(ctx context.Context, sessionID string, req Request) Profile {
	st := a.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := a.now()
	p := Profile{
		SessionID:          sessionID,
		Fingerprint:        Fingerprint(req.Device),
		BrowserFingerprint: BrowserFingerprint(req.Device),
		ScreenResolution:   req.Device.ScreenResolution,
		AnalyzedAt:         now,
	}

	if first, loaded := a.known.LoadOrStore(p.Fingerprint, sessionID); loaded {
		p.KnownDevice = first.(string) != sessionID
	}

	p.Typing = TypingCadence(req.Keystrokes)

	var history []IPObservation
	if req.IP != "" {
		var err error
		history, err = a.history.Since(ctx, sessionID, now.Add(-ipWindow))
		if err != nil {
			a.logger.Warn("ip history unavailable", "session", sessionID, "error", err)
			history = nil
		}
		if err := a.history.Add(ctx, sessionID, IPObservation{IP: req.IP, At: now}); err != nil {
			a.logger.Warn("failed to record ip observation", "session", sessionID, "error", err)
		}
	}
	p.IPHistory = history
	p.IPAnalysis = RapidIPChange(req.IP, history, now)

	p.BlacklistMatches = a.blacklist.Check(req.IP, req.Device.UserAgent, p.Fingerprint)
	p.DeviceWarnings = userAgentWarnings(req.Device.UserAgent)

	metrics := make(map[string]float64, len(req.Behavior)+3)
	for k, v := range req.Behavior {
		metrics[k] = v
	}
	for k, v := range p.Typing.Metrics() {
		if _, ok := metrics[k]; !ok {
			metrics[k] = v
		}
	}
	p.BehavioralAnomalies = st.baseline.Observe(metrics)
	p.Baseline = st.baseline.Values()

	p.Level, p.Factors = classify(p)
	return p
}

// Forget discards all per-session state.
func (a *Analyzer) Forget(ctx context.Context, sessionID string) {
	a.sessions.Delete(sessionID)
	if err := a.history.Forget(ctx, sessionID); err != nil {
		a.logger.Warn("failed to forget ip history", "session", sessionID, "error", err)
	}
}

// IPReport returns the rapid-change view of a session without recording a
// new observation.
func (a *Analyzer) IPReport(ctx context.Context, sessionID, current string) (RapidIPResult, []IPObservation, error) {
	return a.IPReportAt(ctx, sessionID, current, a.now())
}

// IPReportAt is IPReport evaluated at a fixed instant.
func (a *Analyzer) IPReportAt(ctx context.Context, sessionID, current string, now time.Time) (RapidIPResult, []IPObservation, error) {
	history, err := a.history.Since(ctx, sessionID, now.Add(-ipWindow))
	if err != nil {
		return RapidIPResult{}, nil, err
	}
	return RapidIPChange(current, history, now), history, nil
}

func classify(p Profile) (rules.Level, []string) {
	level := p.IPAnalysis.Level
	factors := []string{}

	if len(p.BlacklistMatches) > 0 {
		level = rules.LevelHigh
		factors = append(factors, p.BlacklistMatches...)
	}
	if p.IPAnalysis.Rapid {
		factors = append(factors, fmt.Sprintf("rapid IP changes: %d unique IPs in the last hour", p.IPAnalysis.UniqueIPs))
	}
	if len(p.DeviceWarnings) > 0 {
		level = rules.MaxLevel(level, rules.LevelMedium)
		factors = append(factors, p.DeviceWarnings...)
	}
	factors = append(factors, p.BehavioralAnomalies...)
	return level, factors
}

var automationAgents = []string{"bot", "crawler", "spider", "curl", "wget", "python", "headless"}

// userAgentWarnings flags user agents of automation tools. Only the first
// matching pattern is reported.
func userAgentWarnings(ua string) []string {
	lower := strings.ToLower(ua)
	for _, pattern := range automationAgents {
		if strings.Contains(lower, pattern) {
			return []string{fmt.Sprintf("automation user agent: %s", pattern)}
		}
	}
	return nil
}
