// Package export writes one self-contained JSON document per session: the
// device and network snapshot, an IP report, the activity summary and
// heatmap, the full event log and the latest risk assessment.
//
// Exports only read snapshots, so they may run concurrently with scoring
// and be repeated. A terminated session with no new assessments exports
// to byte-identical documents.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/trustscore/internal/antifraud"
	"github.com/mbd888/trustscore/internal/metrics"
	"github.com/mbd888/trustscore/internal/providers"
	"github.com/mbd888/trustscore/internal/risk"
	"github.com/mbd888/trustscore/internal/session"
	"github.com/mbd888/trustscore/internal/syncutil"
	"github.com/mbd888/trustscore/internal/telemetry"
	"github.com/mbd888/trustscore/internal/traces"
)

var (
	ErrSessionNotFound = errors.New("export: session not found")
	ErrWriteFailed     = errors.New("export: no sink accepted the export")
)

// Metadata identifies the exported session.
type Metadata struct {
	SessionID       string           `json:"sessionId"`
	UserID          string           `json:"userId,omitempty"`
	State           string           `json:"state"`
	CreatedAt       time.Time        `json:"createdAt"`
	TerminatedAt    *time.Time       `json:"terminatedAt,omitempty"`
	SessionDuration float64          `json:"sessionDuration"`
	TotalEvents     int              `json:"totalEvents"`
	Screen          telemetry.Screen `json:"screenInfo"`
	Minimal         bool             `json:"minimal,omitempty"`
}

// DeviceSnapshot is the device and environment part of an export.
type DeviceSnapshot struct {
	Attributes         antifraud.DeviceAttributes `json:"attributes"`
	Fingerprint        string                     `json:"deviceFingerprint"`
	BrowserFingerprint string                     `json:"browserFingerprint"`
	Environment        *providers.DeviceInfo      `json:"environment,omitempty"`
}

// IPReport combines geolocation, rapid IP change analysis and the last
// authentication attempt.
type IPReport struct {
	IPAddress      string                    `json:"ipAddress"`
	PrivateAddress bool                      `json:"privateAddress"`
	Geolocation    *providers.GeoInfo        `json:"geolocation,omitempty"`
	GeoError       string                    `json:"geolocationError,omitempty"`
	Analysis       antifraud.RapidIPResult   `json:"ipAnalysis"`
	Changes        []antifraud.IPObservation `json:"ipChanges"`
	HistoryError   string                    `json:"ipHistoryError,omitempty"`
	Auth           *session.AuthRecord       `json:"authAttempt,omitempty"`
}

// Event is the export form of a telemetry event.
type Event struct {
	EventID         string              `json:"event_id"`
	Type            telemetry.Kind      `json:"type"`
	Timestamp       time.Time           `json:"timestamp"`
	Position        *telemetry.Position `json:"position"`
	Key             string              `json:"key,omitempty"`
	Button          string              `json:"button,omitempty"`
	ScrollDirection string              `json:"scroll_direction,omitempty"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
}

// SessionExport is the exported document. Enrichment sections are absent
// from a minimal export.
type SessionExport struct {
	Metadata Metadata           `json:"metadata"`
	Device   *DeviceSnapshot    `json:"device,omitempty"`
	IPReport *IPReport          `json:"ipReport,omitempty"`
	Summary  telemetry.Summary  `json:"summary"`
	Heatmap  *telemetry.Heatmap `json:"heatmap,omitempty"`
	Events   []Event            `json:"events"`
	Risk     *risk.Assessment   `json:"risk,omitempty"`
}

// Minimal returns the base record only: metadata, summary and events.
func (e *SessionExport) Minimal() *SessionExport {
	m := &SessionExport{
		Metadata: e.Metadata,
		Summary:  e.Summary,
		Events:   e.Events,
	}
	m.Metadata.Minimal = true
	return m
}

// Sink persists an encoded export. Writes for the same session replace
// the previous document.
type Sink interface {
	Name() string
	Write(ctx context.Context, sessionID string, doc []byte) error
}

// SinkResult reports what one sink stored.
type SinkResult struct {
	Sink    string `json:"sink"`
	Minimal bool   `json:"minimal"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of Export.
type Result struct {
	Export *SessionExport `json:"export"`
	Sinks  []SinkResult   `json:"sinks"`
}

// Assessor scores a session on demand.
type Assessor interface {
	Tick(ctx context.Context, sessionID string) (*risk.Assessment, error)
}

// Exporter builds and writes session exports.
type Exporter struct {
	sessions    *session.Registry
	analyzer    *antifraud.Analyzer
	assessments risk.Store
	assessor    Assessor
	geo         providers.GeoLocator
	devices     providers.DeviceInspector
	sinks       []Sink
	writes      *syncutil.ContextShardedMutex
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithAssessments sets where the risk block is read from.
func WithAssessments(s risk.Store) Option {
	return func(e *Exporter) { e.assessments = s }
}

// WithAssessor scores active sessions that have no recorded assessment.
func WithAssessor(a Assessor) Option {
	return func(e *Exporter) { e.assessor = a }
}

// WithGeoLocator enables geolocation in the IP report.
func WithGeoLocator(g providers.GeoLocator) Option {
	return func(e *Exporter) { e.geo = g }
}

// WithDeviceInspector enables the environment section of the device snapshot.
func WithDeviceInspector(d providers.DeviceInspector) Option {
	return func(e *Exporter) { e.devices = d }
}

// WithSinks adds destinations.
func WithSinks(sinks ...Sink) Option {
	return func(e *Exporter) { e.sinks = append(e.sinks, sinks...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) { e.logger = l }
}

// WithClock overrides the time source for active sessions.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// NewExporter creates an exporter.
func NewExporter(sessions *session.Registry, analyzer *antifraud.Analyzer, opts ...Option) *Exporter {
	e := &Exporter{
		sessions: sessions,
		analyzer: analyzer,
		writes:   syncutil.NewContextShardedMutex(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sinks returns the configured sink names.
func (e *Exporter) Sinks() []string {
	names := make([]string, len(e.sinks))
	for i, s := range e.sinks {
		names[i] = s.Name()
	}
	return names
}

// Build assembles the export document without writing it. Enrichment
// failures are recorded in the document rather than returned.
func (e *Exporter) Build(ctx context.Context, sessionID string) (*SessionExport, error) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return e.build(ctx, sess), nil
}

// Export builds the document and writes it to every sink. A sink that
// rejects the full document gets the minimal one instead. An error is
// returned only when the session is unknown or no sink stored anything.
func (e *Exporter) Export(ctx context.Context, sessionID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "export.Export", traces.SessionID(sessionID))
	defer span.End()

	// One writer per session so a minimal fallback never lands after a
	// newer full document.
	unlock, err := e.writes.LockContext(ctx, sessionID)
	if err != nil {
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to acquire export lock: %w", err)
	}
	defer unlock()

	doc, err := e.Build(ctx, sessionID)
	if err != nil {
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		traces.Fail(span, err)
		return nil, err
	}

	res := &Result{Export: doc, Sinks: make([]SinkResult, 0, len(e.sinks))}
	if len(e.sinks) == 0 {
		metrics.ExportsTotal.WithLabelValues("ok").Inc()
		return res, nil
	}

	full, fullErr := json.MarshalIndent(doc, "", "  ")
	minimal, minErr := json.MarshalIndent(doc.Minimal(), "", "  ")
	if minErr != nil {
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		traces.Fail(span, minErr)
		return nil, fmt.Errorf("failed to encode minimal export: %w", minErr)
	}
	if fullErr != nil {
		e.logger.Warn("full export not encodable, falling back", "session", sessionID, "error", fullErr)
	}

	stored, fellBack := 0, false
	for _, sink := range e.sinks {
		r := SinkResult{Sink: sink.Name()}
		var werr error
		if fullErr == nil {
			werr = sink.Write(ctx, sessionID, full)
		}
		if fullErr != nil || werr != nil {
			if werr != nil {
				e.logger.Warn("export sink rejected full document", "session", sessionID, "sink", sink.Name(), "error", werr)
			}
			r.Minimal = true
			fellBack = true
			werr = sink.Write(ctx, sessionID, minimal)
		}
		if werr != nil {
			r.Error = werr.Error()
			e.logger.Error("export sink failed", "session", sessionID, "sink", sink.Name(), "error", werr)
		} else {
			stored++
		}
		res.Sinks = append(res.Sinks, r)
	}

	switch {
	case stored == 0:
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		traces.Fail(span, ErrWriteFailed)
		return res, ErrWriteFailed
	case fellBack:
		metrics.ExportsTotal.WithLabelValues("fallback").Inc()
	default:
		metrics.ExportsTotal.WithLabelValues("ok").Inc()
	}
	return res, nil
}

func (e *Exporter) build(ctx context.Context, sess *session.Session) *SessionExport {
	agg := sess.Aggregator()
	snap := sess.Snapshot()
	summary := agg.Summary()
	events := agg.Events()

	meta := Metadata{
		SessionID:       snap.ID,
		UserID:          snap.UserID,
		State:           snap.State.String(),
		CreatedAt:       snap.CreatedAt,
		SessionDuration: summary.DurationSeconds,
		TotalEvents:     len(events),
		Screen:          snap.Screen,
	}
	// A frozen session is reported as of its termination so repeated
	// exports agree.
	asOf := e.now()
	if ended := agg.EndedAt(); !ended.IsZero() {
		meta.TerminatedAt = &ended
		asOf = ended
	}

	doc := &SessionExport{
		Metadata: meta,
		Device:   e.device(ctx, snap),
		IPReport: e.ipReport(ctx, snap, asOf),
		Summary:  summary,
		Events:   exportEvents(events),
		Risk:     e.latestAssessment(ctx, snap),
	}
	if hm, err := agg.Heatmap(snap.Screen); err == nil {
		doc.Heatmap = &hm
	}
	return doc
}

func (e *Exporter) device(ctx context.Context, snap session.Snapshot) *DeviceSnapshot {
	d := &DeviceSnapshot{
		Attributes:         snap.Device,
		Fingerprint:        antifraud.Fingerprint(snap.Device),
		BrowserFingerprint: antifraud.BrowserFingerprint(snap.Device),
	}
	if e.devices != nil {
		if info, err := e.devices.Inspect(ctx, snap.ID); err == nil {
			d.Environment = &info
		}
	}
	return d
}

func (e *Exporter) ipReport(ctx context.Context, snap session.Snapshot, asOf time.Time) *IPReport {
	r := &IPReport{
		IPAddress:      snap.IP,
		PrivateAddress: snap.IP != "" && providers.IsPrivateIP(snap.IP),
		Changes:        []antifraud.IPObservation{},
		Auth:           snap.Auth,
	}

	if e.geo != nil && snap.IP != "" {
		geo, err := e.geo.Locate(ctx, snap.IP)
		if err != nil {
			r.GeoError = err.Error()
		} else {
			r.Geolocation = &geo
		}
	}

	if e.analyzer != nil {
		analysis, history, err := e.analyzer.IPReportAt(ctx, snap.ID, snap.IP, asOf)
		if err != nil {
			r.HistoryError = err.Error()
			r.Analysis = antifraud.RapidIPChange(snap.IP, nil, asOf)
		} else {
			r.Analysis = analysis
			if history != nil {
				r.Changes = history
			}
		}
	}
	return r
}

func (e *Exporter) latestAssessment(ctx context.Context, snap session.Snapshot) *risk.Assessment {
	if e.assessments == nil {
		return nil
	}
	a, err := e.assessments.Latest(ctx, snap.ID)
	if err == nil {
		return a
	}
	if !errors.Is(err, risk.ErrNotFound) {
		e.logger.Warn("failed to load assessment for export", "session", snap.ID, "error", err)
		return nil
	}
	if e.assessor == nil || snap.State == telemetry.StateTerminated {
		return nil
	}
	a, err = e.assessor.Tick(ctx, snap.ID)
	if err != nil {
		e.logger.Warn("failed to assess session for export", "session", snap.ID, "error", err)
		return nil
	}
	return a
}

func exportEvents(events []telemetry.Event) []Event {
	out := make([]Event, len(events))
	for i, ev := range events {
		out[i] = Event{
			EventID:         fmt.Sprintf("event_%d", i),
			Type:            ev.Kind,
			Timestamp:       ev.Timestamp,
			Position:        ev.Position,
			Key:             ev.Key,
			Button:          ev.Button,
			ScrollDirection: ev.ScrollDirection,
			Metadata:        ev.Metadata,
		}
	}
	return out
}
