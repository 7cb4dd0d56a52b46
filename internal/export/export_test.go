package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustscore/internal/antifraud"
	"github.com/mbd888/trustscore/internal/kvstore"
	"github.com/mbd888/trustscore/internal/providers"
	"github.com/mbd888/trustscore/internal/risk"
	"github.com/mbd888/trustscore/internal/rules"
	"github.com/mbd888/trustscore/internal/session"
	"github.com/mbd888/trustscore/internal/telemetry"
)

// captureSink records every document it is given and can be told to
// reject full or all documents.
type captureSink struct {
	mu         sync.Mutex
	name       string
	rejectFull bool
	rejectAll  bool
	docs       [][]byte
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) Write(_ context.Context, _ string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectAll {
		return errors.New("sink offline")
	}
	if s.rejectFull && bytes.Contains(doc, []byte(`"ipReport"`)) {
		return errors.New("document too large")
	}
	s.docs = append(s.docs, append([]byte(nil), doc...))
	return nil
}

func (s *captureSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.docs) == 0 {
		return nil
	}
	return s.docs[len(s.docs)-1]
}

type env struct {
	sessions    *session.Registry
	analyzer    *antifraud.Analyzer
	assessments *risk.MemoryStore
	geo         *providers.StaticGeoLocator
}

func newEnv() *env {
	geo := providers.NewStaticGeoLocator("BR")
	geo.Set("200.147.1.1", providers.GeoInfo{CountryCode: "BR", City: "Sao Paulo"})
	return &env{
		sessions:    session.NewRegistry(),
		analyzer:    antifraud.NewAnalyzer(nil),
		assessments: risk.NewMemoryStore(),
		geo:         geo,
	}
}

func (e *env) exporter(opts ...Option) *Exporter {
	base := []Option{
		WithAssessments(e.assessments),
		WithGeoLocator(e.geo),
		WithDeviceInspector(e.sessions),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return NewExporter(e.sessions, e.analyzer, append(base, opts...)...)
}

func (e *env) populatedSession(t *testing.T) *session.Session {
	t.Helper()
	s := e.sessions.Create("alice")
	s.SetIP("200.147.1.1")
	s.SetAuth(session.AuthRecord{Username: "alice", AuthResult: "success"})
	s.SetDevice(antifraud.DeviceAttributes{UserAgent: "Mozilla/5.0 (Windows NT 10.0)", ScreenResolution: "1000x1000"})

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	events := []telemetry.Event{
		{Kind: telemetry.KindClick, Timestamp: ts, Position: &telemetry.Position{X: 150, Y: 950}, Button: "left"},
		{Kind: telemetry.KindKey, Timestamp: ts.Add(time.Second), Key: "a"},
		{Kind: telemetry.KindScroll, Timestamp: ts.Add(2 * time.Second), ScrollDirection: "down"},
	}
	for _, ev := range events {
		require.NoError(t, e.sessions.Route(s.ID(), ev))
	}
	return s
}

func TestBuild_FullDocument(t *testing.T) {
	e := newEnv()
	s := e.populatedSession(t)
	require.NoError(t, e.assessments.Record(context.Background(), &risk.Assessment{
		ID: "risk_1", SessionID: s.ID(), Level: rules.LevelLow, Factors: []string{},
	}))

	doc, err := e.exporter().Build(context.Background(), s.ID())
	require.NoError(t, err)

	assert.Equal(t, s.ID(), doc.Metadata.SessionID)
	assert.Equal(t, "alice", doc.Metadata.UserID)
	assert.Equal(t, 3, doc.Metadata.TotalEvents)
	assert.Equal(t, telemetry.Screen{Width: 1000, Height: 1000}, doc.Metadata.Screen)
	assert.False(t, doc.Metadata.Minimal)
	assert.Nil(t, doc.Metadata.TerminatedAt)

	require.NotNil(t, doc.Device)
	assert.Equal(t, antifraud.Fingerprint(s.Snapshot().Device), doc.Device.Fingerprint)
	require.NotNil(t, doc.Device.Environment)
	assert.Equal(t, "desktop", doc.Device.Environment.DeviceType)

	require.NotNil(t, doc.IPReport)
	assert.Equal(t, "200.147.1.1", doc.IPReport.IPAddress)
	require.NotNil(t, doc.IPReport.Geolocation)
	assert.Equal(t, "Sao Paulo", doc.IPReport.Geolocation.City)
	require.NotNil(t, doc.IPReport.Auth)
	assert.Equal(t, "alice", doc.IPReport.Auth.Username)
	assert.Equal(t, 1, doc.IPReport.Analysis.UniqueIPs)

	require.Len(t, doc.Events, 3)
	assert.Equal(t, "event_0", doc.Events[0].EventID)
	assert.Equal(t, telemetry.KindClick, doc.Events[0].Type)
	assert.Equal(t, "down", doc.Events[2].ScrollDirection)

	assert.Equal(t, 3, doc.Summary.TotalEvents)
	require.NotNil(t, doc.Heatmap)
	assert.Equal(t, 1, doc.Heatmap.TotalClicks)
	assert.Equal(t, 1, doc.Heatmap.Grid[9][1])

	require.NotNil(t, doc.Risk)
	assert.Equal(t, "risk_1", doc.Risk.ID)
}

func TestBuild_GeoFailureIsRecorded(t *testing.T) {
	e := newEnv()
	s := e.sessions.Create("bob")
	s.SetIP("203.0.113.50")

	doc, err := e.exporter().Build(context.Background(), s.ID())
	require.NoError(t, err)
	require.NotNil(t, doc.IPReport)
	assert.Nil(t, doc.IPReport.Geolocation)
	assert.NotEmpty(t, doc.IPReport.GeoError)
	assert.NotNil(t, doc.IPReport.Changes)
	assert.Nil(t, doc.Risk)
}

func TestBuild_UnknownSession(t *testing.T) {
	_, err := newEnv().exporter().Build(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = newEnv().exporter().Export(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExport_TerminatedIsDeterministic(t *testing.T) {
	e := newEnv()
	s := e.populatedSession(t)
	_, err := e.sessions.Terminate(s.ID())
	require.NoError(t, err)

	sink := &captureSink{name: "capture"}
	x := e.exporter(WithSinks(sink))

	first, err := x.Export(context.Background(), s.ID())
	require.NoError(t, err)
	require.NotNil(t, first.Export.Metadata.TerminatedAt)
	a := sink.last()

	time.Sleep(5 * time.Millisecond)
	_, err = x.Export(context.Background(), s.ID())
	require.NoError(t, err)
	b := sink.last()

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, 3, s.Aggregator().Len(), "export must not touch the event log")
}

func TestExport_FallsBackToMinimal(t *testing.T) {
	e := newEnv()
	s := e.populatedSession(t)

	picky := &captureSink{name: "picky", rejectFull: true}
	happy := &captureSink{name: "happy"}
	res, err := e.exporter(WithSinks(picky, happy)).Export(context.Background(), s.ID())
	require.NoError(t, err)

	require.Len(t, res.Sinks, 2)
	assert.Equal(t, SinkResult{Sink: "picky", Minimal: true}, res.Sinks[0])
	assert.Equal(t, SinkResult{Sink: "happy", Minimal: false}, res.Sinks[1])

	var minimal SessionExport
	require.NoError(t, json.Unmarshal(picky.last(), &minimal))
	assert.True(t, minimal.Metadata.Minimal)
	assert.Len(t, minimal.Events, 3)
	assert.Equal(t, 3, minimal.Summary.TotalEvents)
	assert.Nil(t, minimal.IPReport)
	assert.Nil(t, minimal.Device)

	var full SessionExport
	require.NoError(t, json.Unmarshal(happy.last(), &full))
	assert.NotNil(t, full.IPReport)
}

func TestExport_AllSinksFail(t *testing.T) {
	e := newEnv()
	s := e.populatedSession(t)

	res, err := e.exporter(WithSinks(&captureSink{name: "down", rejectAll: true})).Export(context.Background(), s.ID())
	assert.ErrorIs(t, err, ErrWriteFailed)
	require.NotNil(t, res)
	require.Len(t, res.Sinks, 1)
	assert.True(t, res.Sinks[0].Minimal)
	assert.NotEmpty(t, res.Sinks[0].Error)
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	e := newEnv()
	s := e.populatedSession(t)
	_, err = e.exporter(WithSinks(sink)).Export(context.Background(), s.ID())
	require.NoError(t, err)

	data, err := os.ReadFile(sink.Path(s.ID()))
	require.NoError(t, err)
	var doc SessionExport
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, s.ID(), doc.Metadata.SessionID)

	// Overwrites in place.
	require.NoError(t, sink.Write(context.Background(), s.ID(), []byte(`{}`)))
	data, err = os.ReadFile(sink.Path(s.ID()))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")

	assert.ErrorIs(t, sink.Write(context.Background(), "../escape", []byte(`{}`)), ErrInvalidSessionID)
}

func TestKVSink(t *testing.T) {
	store := kvstore.NewMemoryStore()
	sink := NewKVSink(store, time.Hour)

	e := newEnv()
	s := e.populatedSession(t)
	_, err := e.exporter(WithSinks(sink)).Export(context.Background(), s.ID())
	require.NoError(t, err)

	data, err := sink.Load(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Contains(t, string(data), s.ID())

	keys, err := store.List(context.Background(), KeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{KeyPrefix + s.ID()}, keys)
}

func TestHandler_Export(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := newEnv()
	s := e.populatedSession(t)
	sink := &captureSink{name: "capture"}

	r := gin.New()
	NewHandler(e.exporter(WithSinks(sink))).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+s.ID()+"/export", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var doc SessionExport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Len(t, doc.Events, 3)
	assert.Nil(t, sink.last(), "GET does not write")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+s.ID()+"/export", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, sink.last())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/6f1c2d3e-4a5b-4c6d-8e7f-901234567890/export", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
