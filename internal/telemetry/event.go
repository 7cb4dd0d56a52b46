// Package telemetry aggregates per-session interaction events into live
// statistics: per-kind counts and rates, click hotspots, activity level and
// a click heatmap.
//
// Events reach an Aggregator through an Ingestor, a bounded channel drained
// by a single consumer goroutine, so appends for a session are serialized.
// Readers work on snapshot copies and may run concurrently with appends.
package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the interaction that produced an event.
type Kind string

const (
	KindClick  Kind = "click"
	KindMove   Kind = "move"
	KindKey    Kind = "key"
	KindScroll Kind = "scroll"
	KindDrag   Kind = "drag"
	KindFocus  Kind = "focus"
)

// Kinds lists every event kind in canonical order.
var Kinds = []Kind{KindClick, KindMove, KindKey, KindScroll, KindDrag, KindFocus}

var (
	ErrUnknownKind   = errors.New("telemetry: unknown event kind")
	ErrTerminated    = errors.New("telemetry: session terminated")
	ErrInvalidScreen = errors.New("telemetry: screen dimensions must be positive")
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindClick, KindMove, KindKey, KindScroll, KindDrag, KindFocus:
		return true
	default:
		return false
	}
}

// ParseKind converts a wire tag into a Kind. Capture clients historically
// send "mouse_click", "key_press" and similar; those aliases are accepted.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "click", "mouse_click":
		return KindClick, nil
	case "move", "mouse_move":
		return KindMove, nil
	case "key", "key_press", "keypress":
		return KindKey, nil
	case "scroll", "mouse_scroll":
		return KindScroll, nil
	case "drag", "mouse_drag":
		return KindDrag, nil
	case "focus", "window_focus":
		return KindFocus, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Position is a screen coordinate in pixels.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Event is a single interaction record. It is treated as immutable once
// recorded; the aggregator stores and hands out copies.
type Event struct {
	Kind            Kind           `json:"kind"`
	Timestamp       time.Time      `json:"timestamp"`
	Position        *Position      `json:"position,omitempty"`
	Key             string         `json:"key,omitempty"`
	Button          string         `json:"button,omitempty"`
	ScrollDirection string         `json:"scrollDirection,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Validate checks the event kind and that clicks carry a position.
func (e *Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.Kind == KindClick && e.Position == nil {
		return errors.New("telemetry: click event requires a position")
	}
	return nil
}

// clone returns a deep copy so callers cannot mutate recorded state.
func (e Event) clone() Event {
	if e.Position != nil {
		p := *e.Position
		e.Position = &p
	}
	if e.Metadata != nil {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}
