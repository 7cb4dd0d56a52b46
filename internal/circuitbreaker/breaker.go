// Package circuitbreaker guards calls to external signal providers with a
// per-provider closed, open and half-open breaker. An open breaker fails
// fast so a scoring tick never waits on a provider that is known to be down.
package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrOpen is returned by Execute when the breaker rejects the call.
var ErrOpen = errors.New("circuitbreaker: open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected until the cool-down ends
	StateHalfOpen              // one probe is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state    State
	failures int
	rejected int64
	openedAt time.Time
	lastErr  string
}

// Breaker keeps one circuit per provider name.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	neutral      func(error) bool
	onTransition func(key string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithNeutralErrors marks errors that are answers about the input, such as
// "no data for this key". The provider responded, so they count as success.
func WithNeutralErrors(fn func(error) bool) Option {
	return func(b *Breaker) { b.neutral = fn }
}

// New creates a breaker that opens after threshold consecutive failures
// and admits a probe once cooldown has passed.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		neutral:   func(error) bool { return false },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnTransition sets a callback run after every state change, outside the
// breaker's lock.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cool-down has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c := b.circuits[key]
	if c == nil {
		b.mu.Unlock()
		return true
	}

	allowed := true
	var fire func()
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			fire = b.setState(c, key, StateHalfOpen)
		} else {
			allowed = false
		}
	case StateHalfOpen:
		allowed = false
	}
	if !allowed {
		c.rejected++
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c := b.circuits[key]
	if c == nil {
		b.mu.Unlock()
		return
	}
	c.failures = 0
	fire := b.setState(c, key, StateClosed)
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// RecordFailure counts a failure. A failed probe reopens the circuit.
func (b *Breaker) RecordFailure(key string, err error) {
	b.mu.Lock()
	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if err != nil {
		c.lastErr = err.Error()
	}

	var fire func()
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		fire = b.setState(c, key, StateOpen)
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// release ends a half-open probe that produced no verdict so the next
// call can probe again.
func (b *Breaker) release(key string) {
	b.mu.Lock()
	c := b.circuits[key]
	var fire func()
	if c != nil && c.state == StateHalfOpen {
		fire = b.setState(c, key, StateOpen)
		// Keep the original cool-down elapsed so the next Allow probes.
		c.openedAt = b.now().Add(-b.cooldown)
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Execute runs fn if the circuit allows it and records the outcome.
// Cancellation by the caller and neutral errors are not counted; a
// deadline is, since a slow provider is an unhealthy one.
func (b *Breaker) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess(key)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		b.release(key)
	case b.neutral(err):
		b.RecordSuccess(key)
	default:
		b.RecordFailure(key, err)
	}
	return err
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// Status is a provider's breaker state for health and admin reporting.
type Status struct {
	Key       string     `json:"key"`
	State     string     `json:"state"`
	Failures  int        `json:"failures"`
	Rejected  int64      `json:"rejected"`
	LastError string     `json:"lastError,omitempty"`
	RetryAt   *time.Time `json:"retryAt,omitempty"` // set while open
}

// Snapshot returns every tracked key sorted by name.
func (b *Breaker) Snapshot() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Status, 0, len(b.circuits))
	for key, c := range b.circuits {
		st := Status{
			Key:       key,
			State:     c.state.String(),
			Failures:  c.failures,
			Rejected:  c.rejected,
			LastError: c.lastErr,
		}
		if c.state == StateOpen {
			at := c.openedAt.Add(b.cooldown)
			st.RetryAt = &at
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// setState changes c's state and returns the callback to run once b.mu is
// released, or nil. Caller must hold b.mu.
func (b *Breaker) setState(c *circuit, key string, to State) func() {
	from := c.state
	if from == to {
		return nil
	}
	c.state = to
	if fn := b.onTransition; fn != nil {
		return func() { fn(key, from, to) }
	}
	return nil
}
