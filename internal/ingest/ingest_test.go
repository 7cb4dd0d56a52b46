package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mbd888/trustscore/internal/telemetry"
)

// fakeFetcher serves queued batches, then blocks until ctx is done.
type fakeFetcher struct {
	mu      sync.Mutex
	batches []kgo.Fetches
}

func (f *fakeFetcher) PollFetches(ctx context.Context) kgo.Fetches {
	f.mu.Lock()
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return b
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kgo.Fetches{}
}

func fetchesOf(records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "session-events",
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: records}},
	}}}}
}

type sent struct {
	sessionID string
	event     telemetry.Event
}

type fakeSender struct {
	mu     sync.Mutex
	full   bool
	events []sent
}

func (s *fakeSender) Send(sessionID string, e telemetry.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.events = append(s.events, sent{sessionID, e})
	return true
}

func (s *fakeSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.events...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConsumer_ForwardsRecords(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{batches: []kgo.Fetches{fetchesOf(
		&kgo.Record{Key: []byte("sess-1"), Value: []byte(`{"type":"mouse_click","x":10,"y":20}`), Timestamp: ts},
		&kgo.Record{Value: []byte(`{"sessionId":"sess-2","event":{"kind":"key","key":"a","timestamp":"2025-06-01T12:00:01Z"}}`)},
		&kgo.Record{Key: []byte("sess-1"), Value: []byte(`{"type":"teleport"}`)},
		&kgo.Record{Value: []byte(`{"event":{"kind":"key"}}`)},
		&kgo.Record{Value: []byte(`not json`)},
	)}}
	sender := &fakeSender{}
	c := NewConsumer(fetcher, sender, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Stats().Records == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.False(t, c.Running())

	events := sender.all()
	require.Len(t, events, 2)
	assert.Equal(t, "sess-1", events[0].sessionID)
	assert.Equal(t, telemetry.KindClick, events[0].event.Kind)
	assert.Equal(t, ts, events[0].event.Timestamp, "missing event time falls back to the record time")
	assert.Equal(t, "sess-2", events[1].sessionID)
	assert.Equal(t, "a", events[1].event.Key)

	assert.Equal(t, Stats{Records: 5, Accepted: 2, Malformed: 3}, c.Stats())
}

func TestConsumer_CountsDrops(t *testing.T) {
	fetcher := &fakeFetcher{batches: []kgo.Fetches{fetchesOf(
		&kgo.Record{Key: []byte("sess-1"), Value: []byte(`{"kind":"scroll"}`)},
	)}}
	c := NewConsumer(fetcher, &fakeSender{full: true}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	assert.Eventually(t, func() bool { return c.Stats().Dropped == 1 }, time.Second, 5*time.Millisecond)
}

func TestConsumer_MissingSession(t *testing.T) {
	c := NewConsumer(&fakeFetcher{}, &fakeSender{}, quietLogger())
	err := c.handleRecord(&kgo.Record{Value: []byte(`{"event":{"kind":"key"}}`)})
	assert.ErrorIs(t, err, ErrMissingSession)
}

type fakeSyncer struct {
	records []*kgo.Record
	err     error
}

func (s *fakeSyncer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	s.records = append(s.records, rs...)
	out := make(kgo.ProduceResults, len(rs))
	for i, r := range rs {
		out[i] = kgo.ProduceResult{Record: r, Err: s.err}
	}
	return out
}

func TestProducer_RoundTripsThroughConsumer(t *testing.T) {
	syncer := &fakeSyncer{}
	p := NewProducer(syncer, "session-events")

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), "sess-9",
		telemetry.Event{Kind: telemetry.KindClick, Timestamp: ts, Position: &telemetry.Position{X: 5, Y: 6}},
		telemetry.Event{Kind: telemetry.KindScroll, Timestamp: ts.Add(time.Second), ScrollDirection: "up"},
	)
	require.NoError(t, err)
	require.Len(t, syncer.records, 2)
	assert.Equal(t, []byte("sess-9"), syncer.records[0].Key)
	assert.Equal(t, "session-events", syncer.records[0].Topic)

	sender := &fakeSender{}
	c := NewConsumer(&fakeFetcher{}, sender, quietLogger())
	for _, r := range syncer.records {
		require.NoError(t, c.handleRecord(r))
	}
	events := sender.all()
	require.Len(t, events, 2)
	assert.Equal(t, &telemetry.Position{X: 5, Y: 6}, events[0].event.Position)
	assert.True(t, ts.Equal(events[0].event.Timestamp))
	assert.Equal(t, "up", events[1].event.ScrollDirection)
}

func TestProducer_Error(t *testing.T) {
	p := NewProducer(&fakeSyncer{err: errors.New("broker down")}, "t")
	err := p.Publish(context.Background(), "s", telemetry.Event{Kind: telemetry.KindFocus})
	assert.Error(t, err)
}
