// Package health runs named subsystem checks for the /health endpoints.
//
// Required checks (assessment store, KV store, database) make the service
// unhealthy when they fail. Optional checks (provider circuits, Kafka
// consumer) only mark it degraded: scoring continues with lower confidence.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/trustscore/internal/circuitbreaker"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Report is the aggregate result of CheckAll.
type Report struct {
	Healthy  bool     `json:"healthy"`
	Degraded bool     `json:"degraded"`
	Checks   []Status `json:"checks"`
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	optional bool
	check    Checker
}

// NewRegistry creates a registry whose checks each get timeout to answer.
// A zero timeout means 2s.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a required health checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, false, check)
}

// RegisterOptional adds a checker whose failure only degrades the service.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(name, true, check)
}

func (r *Registry) add(name string, optional bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, optional: optional, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers in registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	rep := Report{Healthy: true, Checks: make([]Status, len(checkers))}
	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		st := nc.check(cctx)
		cancel()

		st.Name = nc.name
		st.Optional = nc.optional
		rep.Checks[i] = st
		if st.Healthy {
			continue
		}
		if nc.optional {
			rep.Degraded = true
		} else {
			rep.Healthy = false
		}
	}
	return rep
}

// Ping adapts an error-returning probe (db.PingContext, a store's Health).
func Ping(probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Breaker reports unhealthy while any provider circuit is open.
func Breaker(b *circuitbreaker.Breaker) Checker {
	return func(context.Context) Status {
		var open []string
		for _, st := range b.Snapshot() {
			if st.State == circuitbreaker.StateOpen.String() {
				open = append(open, st.Key)
			}
		}
		if len(open) == 0 {
			return Status{Healthy: true}
		}
		sort.Strings(open)
		return Status{Healthy: false, Detail: fmt.Sprintf("open circuits: %s", strings.Join(open, ", "))}
	}
}

// Flag reports the result of a boolean probe such as a worker's Running.
func Flag(ok func() bool, detail string) Checker {
	return func(context.Context) Status {
		if ok() {
			return Status{Healthy: true}
		}
		return Status{Healthy: false, Detail: detail}
	}
}
