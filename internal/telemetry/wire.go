package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

var ErrMalformedEvent = errors.New("telemetry: malformed event")

// maxUnixSeconds is 9999-12-31T23:59:59Z; numeric timestamps outside
// [0, maxUnixSeconds] are rejected before conversion.
const maxUnixSeconds = 253402300799

// wireEvent accepts the canonical shape and the flat shape capture agents
// send: {"type": "mouse_click", "x": 10, "y": 20, "timestamp": 1700000000.5}.
type wireEvent struct {
	Kind            string          `json:"kind"`
	Type            string          `json:"type"`
	Timestamp       json.RawMessage `json:"timestamp"`
	Position        *Position       `json:"position"`
	X               *float64        `json:"x"`
	Y               *float64        `json:"y"`
	Key             string          `json:"key"`
	Button          string          `json:"button"`
	ScrollDirection string          `json:"scrollDirection"`
	Direction       string          `json:"direction"`
	Metadata        map[string]any  `json:"metadata"`
}

// DecodeEvent parses one wire event. A missing timestamp becomes now;
// numeric timestamps are unix seconds.
func DecodeEvent(data []byte, now time.Time) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	tag := w.Kind
	if tag == "" {
		tag = w.Type
	}
	kind, err := ParseKind(tag)
	if err != nil {
		return Event{}, err
	}

	ts, err := parseTimestamp(w.Timestamp, now)
	if err != nil {
		return Event{}, err
	}

	e := Event{
		Kind:            kind,
		Timestamp:       ts,
		Position:        w.Position,
		Key:             w.Key,
		Button:          w.Button,
		ScrollDirection: w.ScrollDirection,
		Metadata:        w.Metadata,
	}
	if e.Position == nil && w.X != nil && w.Y != nil {
		e.Position = &Position{X: *w.X, Y: *w.Y}
	}
	if e.ScrollDirection == "" {
		e.ScrollDirection = w.Direction
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// DecodeEvents parses a JSON array of wire events. Malformed entries are
// skipped and reported by index.
func DecodeEvents(data []byte, now time.Time) ([]Event, map[int]error, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	events := make([]Event, 0, len(raw))
	var bad map[int]error
	for i, r := range raw {
		e, err := DecodeEvent(r, now)
		if err != nil {
			if bad == nil {
				bad = make(map[int]error)
			}
			bad[i] = err
			continue
		}
		events = append(events, e)
	}
	return events, bad, nil
}

func parseTimestamp(raw json.RawMessage, now time.Time) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return now, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedEvent, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		raw = []byte(s)
	}
	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsNaN(secs) || secs < 0 || secs > maxUnixSeconds {
		return time.Time{}, fmt.Errorf("%w: timestamp %s", ErrMalformedEvent, raw)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}
