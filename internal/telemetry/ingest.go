package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	DefaultIngestBuffer = 4096
	ingestBatchSize     = 100
	ingestFlushInterval = 50 * time.Millisecond
)

// Router resolves a session and appends an event to its aggregator.
type Router interface {
	Route(sessionID string, e Event) error
}

// envelope is the internal message passed through the channel.
type envelope struct {
	SessionID string
	Event     Event
}

// IngestStats reports ingestion counters.
type IngestStats struct {
	Accepted int64 `json:"accepted"`
	Dropped  int64 `json:"dropped"`
	Rejected int64 `json:"rejected"`
	Queued   int   `json:"queued"`
}

// Ingestor decouples capture producers from aggregation. Any number of
// goroutines may Send; a single Start loop owns delivery to the Router.
type Ingestor struct {
	router   Router
	logger   *slog.Logger
	ch       chan envelope
	stop     chan struct{}
	running  atomic.Bool
	accepted atomic.Int64
	dropped  atomic.Int64
	rejected atomic.Int64
	onBatch  func(delivered, failed int)
}

// IngestOption configures an Ingestor.
type IngestOption func(*Ingestor)

// WithBuffer sets the channel capacity.
func WithBuffer(size int) IngestOption {
	return func(in *Ingestor) {
		if size > 0 {
			in.ch = make(chan envelope, size)
		}
	}
}

// WithBatchHook registers a callback invoked after every flushed batch.
func WithBatchHook(fn func(delivered, failed int)) IngestOption {
	return func(in *Ingestor) { in.onBatch = fn }
}

// NewIngestor creates an ingestor delivering to router.
func NewIngestor(router Router, logger *slog.Logger, opts ...IngestOption) *Ingestor {
	in := &Ingestor{
		router: router,
		logger: logger,
		ch:     make(chan envelope, DefaultIngestBuffer),
		stop:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Send enqueues an event. Non-blocking: returns false and increments the
// dropped counter if the channel is full. Invalid events are rejected.
func (in *Ingestor) Send(sessionID string, e Event) bool {
	if err := e.Validate(); err != nil {
		in.rejected.Add(1)
		return false
	}
	select {
	case in.ch <- envelope{SessionID: sessionID, Event: e.clone()}:
		in.accepted.Add(1)
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

// Stats returns a snapshot of the counters.
func (in *Ingestor) Stats() IngestStats {
	return IngestStats{
		Accepted: in.accepted.Load(),
		Dropped:  in.dropped.Load(),
		Rejected: in.rejected.Load(),
		Queued:   len(in.ch),
	}
}

// Start drains the channel and delivers batches. Call in a goroutine.
func (in *Ingestor) Start(ctx context.Context) {
	in.running.Store(true)
	defer in.running.Store(false)

	ticker := time.NewTicker(ingestFlushInterval)
	defer ticker.Stop()

	buf := make([]envelope, 0, ingestBatchSize)

	for {
		select {
		case <-ctx.Done():
			in.flush(in.drain(buf))
			return
		case <-in.stop:
			in.flush(in.drain(buf))
			return
		case msg := <-in.ch:
			buf = append(buf, msg)
			if len(buf) >= ingestBatchSize {
				in.flush(buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			if len(buf) > 0 {
				in.flush(buf)
				buf = buf[:0]
			}
		}
	}
}

// Stop signals the loop to deliver what is queued and exit.
func (in *Ingestor) Stop() {
	select {
	case in.stop <- struct{}{}:
	default:
	}
}

// Running reports whether the loop is active.
func (in *Ingestor) Running() bool {
	return in.running.Load()
}

// drain moves whatever is still buffered in the channel into buf.
func (in *Ingestor) drain(buf []envelope) []envelope {
	for {
		select {
		case msg := <-in.ch:
			buf = append(buf, msg)
		default:
			return buf
		}
	}
}

func (in *Ingestor) flush(buf []envelope) {
	if len(buf) == 0 {
		return
	}
	in.safeFlush(buf)
}

func (in *Ingestor) safeFlush(buf []envelope) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("panic in ingest flush", "panic", fmt.Sprint(r))
		}
	}()

	var failed int
	for _, msg := range buf {
		if err := in.router.Route(msg.SessionID, msg.Event); err != nil {
			failed++
			in.logger.Debug("event not routed", "session", msg.SessionID, "kind", msg.Event.Kind, "error", err)
		}
	}
	if failed > 0 {
		in.logger.Warn("ingest batch had undeliverable events", "failed", failed, "count", len(buf))
	}
	if in.onBatch != nil {
		in.onBatch(len(buf)-failed, failed)
	}
}
