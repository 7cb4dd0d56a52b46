package risk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/trustscore/internal/antifraud"
	"github.com/mbd888/trustscore/internal/explain"
	"github.com/mbd888/trustscore/internal/features"
	"github.com/mbd888/trustscore/internal/idgen"
	"github.com/mbd888/trustscore/internal/logging"
	"github.com/mbd888/trustscore/internal/metrics"
	"github.com/mbd888/trustscore/internal/providers"
	"github.com/mbd888/trustscore/internal/rules"
	"github.com/mbd888/trustscore/internal/session"
	"github.com/mbd888/trustscore/internal/syncutil"
	"github.com/mbd888/trustscore/internal/telemetry"
	"github.com/mbd888/trustscore/internal/traces"
)

// Publisher receives every recorded assessment.
type Publisher interface {
	BroadcastAssessment(sessionID string, level rules.Level, hardBlock bool, data interface{})
}

// Orchestrator runs scoring ticks. It owns no session state of its own
// besides the last observed event count per session.
type Orchestrator struct {
	sessions    *session.Registry
	analyzer    *antifraud.Analyzer
	engine      *rules.Engine
	store       Store
	geo         providers.GeoLocator
	devices     providers.DeviceInspector
	biometrics  providers.BiometricProvider
	publisher   Publisher
	homeCountry string
	topK        int
	logger      *slog.Logger
	now         func() time.Time

	lastCount sync.Map // sessionID -> int
	ticks     syncutil.ShardedMutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGeoLocator sets the geolocation provider.
func WithGeoLocator(g providers.GeoLocator) Option {
	return func(o *Orchestrator) { o.geo = g }
}

// WithDeviceInspector sets the device inspector.
func WithDeviceInspector(d providers.DeviceInspector) Option {
	return func(o *Orchestrator) { o.devices = d }
}

// WithBiometricProvider sets the biometric provider. Without one, the
// scores in the session payload are used as reported.
func WithBiometricProvider(b providers.BiometricProvider) Option {
	return func(o *Orchestrator) { o.biometrics = b }
}

// WithPublisher sets the assessment broadcaster.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithEngine replaces the default rule engine.
func WithEngine(e *rules.Engine) Option {
	return func(o *Orchestrator) { o.engine = e }
}

// WithHomeCountry sets the expected origin country.
func WithHomeCountry(code string) Option {
	return func(o *Orchestrator) { o.homeCountry = code }
}

// WithTopK sets how many reasons are ranked.
func WithTopK(k int) Option {
	return func(o *Orchestrator) { o.topK = k }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator. The default engine runs the
// default hard rules plus the weighted and point scorers.
func NewOrchestrator(sessions *session.Registry, analyzer *antifraud.Analyzer, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions:    sessions,
		analyzer:    analyzer,
		store:       store,
		homeCountry: rules.DefaultHomeCountry,
		topK:        explain.DefaultTopK,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.engine == nil {
		o.engine = rules.NewEngine().WithScorers(
			rules.NewWeightedScorer(),
			rules.NewPointScorer(o.homeCountry),
		)
	}
	return o
}

// Store returns the assessment store.
func (o *Orchestrator) Store() Store {
	return o.store
}

// Forget drops per-session scoring state.
func (o *Orchestrator) Forget(ctx context.Context, sessionID string) {
	o.lastCount.Delete(sessionID)
	o.analyzer.Forget(ctx, sessionID)
}

// Tick scores one session and records the assessment. Provider failures
// degrade the result; an unknown or terminated session is an error. A
// store failure is logged and the assessment is still returned.
func (o *Orchestrator) Tick(ctx context.Context, sessionID string) (*Assessment, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "risk.Tick", traces.SessionID(sessionID))
	defer span.End()

	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		metrics.ScoreTicksTotal.WithLabelValues("error").Inc()
		traces.Fail(span, err)
		return nil, err
	}
	// The loop and on-demand assessments may race; baseline updates and
	// history order need one tick per session at a time.
	unlock := o.ticks.Lock(sessionID)
	defer unlock()

	if sess.Aggregator().State() == telemetry.StateTerminated {
		metrics.ScoreTicksTotal.WithLabelValues("terminated").Inc()
		return nil, session.ErrTerminated
	}

	ctx = logging.WithSessionID(logging.WithLogger(ctx, o.logger), sessionID)
	log := logging.L(ctx)

	snap := sess.Snapshot()
	summary := sess.Aggregator().Summary()
	o.checkMonotonic(log, sessionID, summary.TotalEvents)

	var degraded []string
	degrade := func(provider string, err error) {
		degraded = append(degraded, provider)
		metrics.ProviderFailuresTotal.WithLabelValues(provider).Inc()
		log.Warn("provider degraded", "provider", provider, "error", err)
	}

	// Device first: an agent-reported public address stands in for a
	// missing client IP.
	var device providers.DeviceInfo
	if o.devices != nil {
		d, err := o.devices.Inspect(ctx, sessionID)
		switch {
		case err == nil:
			device = d
		case !errors.Is(err, providers.ErrNotFound):
			degrade(providers.NameDevice, err)
		}
	}
	ip := snap.IP
	if ip == "" {
		ip = device.PublicIP
	}

	point := rules.PointInput{
		IP:              ip,
		SessionID:       sessionID,
		Activity:        summary.ActivityLevel,
		DurationSeconds: summary.DurationSeconds,
		DeviceType:      device.DeviceType,
	}
	if snap.Auth != nil {
		point.ConsecutiveFailures = snap.Auth.ConsecutiveFailures
	}

	var geo providers.GeoInfo
	if o.geo != nil && ip != "" {
		g, err := o.geo.Locate(ctx, ip)
		switch {
		case providers.IsNoData(err):
			// Unknown or private address: geo rules are skipped.
			log.Debug("no geolocation for address", "ip", ip)
		case err != nil:
			degrade(providers.NameGeolocation, err)
		default:
			geo = g
			point.GeoAvailable = true
			point.CountryCode = g.CountryCode
			point.Proxy = g.IsProxy
			point.VPN = g.IsVPN
		}
	}

	payload := snap.Payload
	if snap.Biometric != nil {
		payload.Biometrics = features.BiometricSignals{
			FaceMatchScore: snap.Biometric.FaceMatch,
			LivenessScore:  snap.Biometric.Liveness,
		}
	}
	biometricDown := false
	if o.biometrics != nil {
		b, err := o.biometrics.Scores(ctx, sessionID)
		switch {
		case err == nil:
			payload.Biometrics = features.BiometricSignals{FaceMatchScore: b.FaceMatch, LivenessScore: b.Liveness}
		case !errors.Is(err, providers.ErrNotFound):
			biometricDown = true
			degrade(providers.NameBiometric, err)
		}
	}

	profile := o.analyzer.Analyze(ctx, sessionID, antifraud.Request{
		IP:         ip,
		Device:     snap.Device,
		Keystrokes: snap.Keystrokes,
		Behavior:   behaviorMetrics(snap.Behavior, summary),
	})

	payload = enrichPayload(payload, summary, profile, geo, device)
	set := features.Extract(payload)
	if biometricDown {
		set = set.Without(features.GroupBiometrics)
	}

	ev := o.engine.Evaluate(rules.Input{Features: set, Context: point})
	weighted, _ := ev.Result(rules.StrategyWeighted)
	reasons := explain.TopReasons(weighted.Contributions, o.topK)

	a := Merge(Signals{Evaluation: ev, Profile: profile, Reasons: reasons, Degraded: degraded})
	a.ID = idgen.WithPrefix("risk_")
	a.SessionID = sessionID
	a.EventCount = summary.TotalEvents
	a.EvaluatedAt = o.now()

	if o.store != nil {
		if err := o.store.Record(ctx, &a); err != nil {
			log.Error("failed to record assessment", "error", err)
		}
	}
	if o.publisher != nil {
		o.publisher.BroadcastAssessment(sessionID, a.Level, ev.HardRuleTriggered, &a)
	}

	metrics.ScoreTicksTotal.WithLabelValues("ok").Inc()
	metrics.ScoreTickDuration.Observe(time.Since(start).Seconds())
	metrics.AssessmentsTotal.WithLabelValues(string(a.Level)).Inc()
	metrics.AssessmentScores.Observe(a.Score)
	if ev.HardRuleTriggered {
		metrics.HardBlocksTotal.WithLabelValues(ev.HardRuleCode).Inc()
	}
	span.SetAttributes(traces.RiskLevel(string(a.Level)), traces.EventCount(a.EventCount), traces.Degraded(degraded))

	log.Debug("session scored",
		"level", a.Level,
		"score", a.Score,
		"weighted", a.WeightedScore,
		"factors", len(a.Factors),
		"degraded", degraded,
	)
	return &a, nil
}

// checkMonotonic asserts that the event log only grows between ticks.
func (o *Orchestrator) checkMonotonic(log *slog.Logger, sessionID string, count int) {
	prev, loaded := o.lastCount.Swap(sessionID, count)
	if loaded && prev.(int) > count {
		log.Error("event log shrank between ticks", "previous", prev, "current", count)
	}
}

// behaviorMetrics merges client-reported metrics with per-minute rates
// derived from the event log. Reported values win.
func behaviorMetrics(reported map[string]float64, s telemetry.Summary) map[string]float64 {
	out := map[string]float64{
		"click_rate":  s.EventsPerMinute[telemetry.KindClick],
		"key_rate":    s.EventsPerMinute[telemetry.KindKey],
		"scroll_rate": s.EventsPerMinute[telemetry.KindScroll],
		"move_rate":   s.EventsPerMinute[telemetry.KindMove],
	}
	for k, v := range reported {
		out[k] = v
	}
	return out
}

// enrichPayload fills signals the client did not report from what the
// service observed itself. Reported true flags are never cleared.
func enrichPayload(p features.Payload, s telemetry.Summary, profile antifraud.Profile, geo providers.GeoInfo, device providers.DeviceInfo) features.Payload {
	if p.Behavior.SessionTimeS == 0 {
		p.Behavior.SessionTimeS = s.DurationSeconds
	}
	if profile.KnownDevice {
		p.Device.SeenBefore = true
	}
	if rules.IsSuspectDevice(device.DeviceType) {
		p.Device.Emulator = true
	}
	if geo.IsProxy || geo.IsVPN {
		p.Geo.Proxy = true
	}
	return p
}
