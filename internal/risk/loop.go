package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/trustscore/internal/metrics"
	"github.com/mbd888/trustscore/internal/session"
)

// DefaultInterval is the scoring period.
const DefaultInterval = time.Second

// Loop periodically scores every active session.
type Loop struct {
	orch     *Orchestrator
	sessions *session.Registry
	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
	ticks    atomic.Int64
}

// NewLoop creates a scoring loop. A non-positive interval uses
// DefaultInterval.
func NewLoop(orch *Orchestrator, sessions *session.Registry, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		orch:     orch,
		sessions: sessions,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the loop is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Ticks returns how many rounds have completed.
func (l *Loop) Ticks() int64 {
	return l.ticks.Load()
}

// Start runs scoring rounds until ctx is done or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.round(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (l *Loop) Stop() {
	select {
	case l.stop <- struct{}{}:
	default:
	}
}

// round scores each active session once. A round never outlives the
// interval, so a slow provider cannot stack rounds up.
func (l *Loop) round(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, l.interval)
	defer cancel()

	active := l.sessions.Active()
	metrics.ActiveSessions.Set(float64(len(active)))
	for _, s := range active {
		if ctx.Err() != nil {
			metrics.ScoreTicksTotal.WithLabelValues("skipped").Add(1)
			continue
		}
		l.safeTick(ctx, s.ID())
	}
	l.ticks.Add(1)
}

func (l *Loop) safeTick(ctx context.Context, sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ScoreTicksTotal.WithLabelValues("panic").Inc()
			l.logger.Error("panic in scoring tick", "session", sessionID, "panic", fmt.Sprint(r))
		}
	}()
	_, err := l.orch.Tick(ctx, sessionID)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrTerminated), errors.Is(err, session.ErrNotFound):
		// Ended since the round listed it.
	default:
		l.logger.Warn("scoring tick failed", "session", sessionID, "error", err)
	}
}
