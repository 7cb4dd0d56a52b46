package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"
)

// State is the aggregator lifecycle: Created -> Active -> Terminated.
type State int

const (
	StateCreated State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	hotspotCell  = 100
	maxHotspots  = 5
	heatmapCells = 10
)

// Hotspot is a 100x100 screen cell and its click count. X and Y are the
// cell's top-left corner.
type Hotspot struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Count int `json:"count"`
}

// Summary is derived on demand from the event log and never stored.
type Summary struct {
	SessionStart    time.Time        `json:"sessionStart"`
	DurationSeconds float64          `json:"durationSeconds"`
	TotalEvents     int              `json:"totalEvents"`
	TotalClicks     int              `json:"totalClicks"`
	TotalKeypresses int              `json:"totalKeypresses"`
	EventCounts     map[Kind]int     `json:"eventCounts"`
	EventsPerMinute map[Kind]float64 `json:"eventsPerMinute"`
	Hotspots        []Hotspot        `json:"hotspots"`
	ActivityLevel   ActivityLevel    `json:"activityLevel"`
}

// EmptySummary is the sentinel returned before any activity.
func EmptySummary() Summary {
	return Summary{
		EventCounts:     map[Kind]int{},
		EventsPerMinute: map[Kind]float64{},
		Hotspots:        []Hotspot{},
		ActivityLevel:   ActivityNone,
	}
}

// Screen is the capture device's display size in pixels.
type Screen struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Heatmap is a 10x10 grid of click counts, indexed [row][col] where row
// follows the y axis.
type Heatmap struct {
	Grid        [heatmapCells][heatmapCells]int `json:"grid"`
	TotalClicks int                             `json:"totalClicks"`
	Screen      Screen                          `json:"screen"`
}

// Aggregator is the per-session append-only event log.
type Aggregator struct {
	mu     sync.RWMutex
	events []Event
	start  time.Time
	end    time.Time
	state  State
	now    func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the wall clock used for start marker and duration.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator in the Created state.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start sets the start marker and moves Created to Active. It is a no-op
// in any other state.
func (a *Aggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activateLocked()
}

func (a *Aggregator) activateLocked() {
	if a.state == StateCreated {
		a.state = StateActive
		a.start = a.now()
	}
}

// Record appends an event. The first record activates the aggregator.
// Timestamp ordering is not validated.
func (a *Aggregator) Record(e Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateTerminated {
		return ErrTerminated
	}
	a.activateLocked()
	a.events = append(a.events, e.clone())
	return nil
}

// Terminate freezes the log and the session duration. Further records
// fail with ErrTerminated.
func (a *Aggregator) Terminate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateTerminated {
		a.state = StateTerminated
		a.end = a.now()
	}
}

// State returns the current lifecycle state.
func (a *Aggregator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// EndedAt returns the termination instant, or the zero time while the log
// is still open.
func (a *Aggregator) EndedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.end
}

// Len returns the number of recorded events.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.events)
}

// Events returns a copy of the log in arrival order.
func (a *Aggregator) Events() []Event {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Event, len(a.events))
	for i, e := range a.events {
		out[i] = e.clone()
	}
	return out
}

// snapshot returns the event slice header and start marker. Events are
// never mutated in place, so the shared backing array is safe to read.
func (a *Aggregator) snapshot() ([]Event, time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.events[:len(a.events):len(a.events)], a.start
}

// elapsed is the time since start, measured to the termination instant
// once the log is frozen.
func (a *Aggregator) elapsed(start time.Time) time.Duration {
	a.mu.RLock()
	end := a.end
	a.mu.RUnlock()
	if end.IsZero() {
		end = a.now()
	}
	return end.Sub(start)
}

// Summary computes live statistics. Before any activity it returns
// EmptySummary.
func (a *Aggregator) Summary() Summary {
	events, start := a.snapshot()
	if len(events) == 0 || start.IsZero() {
		return EmptySummary()
	}

	s := EmptySummary()
	s.SessionStart = start
	s.TotalEvents = len(events)

	duration := a.elapsed(start).Seconds()
	if duration < 0 {
		duration = 0
	}
	s.DurationSeconds = duration

	for _, e := range events {
		s.EventCounts[e.Kind]++
	}
	s.TotalClicks = s.EventCounts[KindClick]
	s.TotalKeypresses = s.EventCounts[KindKey]

	for kind, count := range s.EventCounts {
		if duration > 0 {
			s.EventsPerMinute[kind] = float64(count) / duration * 60
		} else {
			s.EventsPerMinute[kind] = 0
		}
	}

	s.Hotspots = hotspots(events)
	s.ActivityLevel = ActivityLevelFor(s.EventsPerMinute)
	return s
}

func cellOrigin(v float64) int {
	return int(math.Floor(v/hotspotCell)) * hotspotCell
}

// hotspots buckets clicks into 100x100 cells and returns the top five by
// count. Ties keep the order in which cells were first clicked.
func hotspots(events []Event) []Hotspot {
	type cell struct{ x, y int }
	index := make(map[cell]int)
	var cells []Hotspot

	for _, e := range events {
		if e.Kind != KindClick || e.Position == nil {
			continue
		}
		c := cell{cellOrigin(e.Position.X), cellOrigin(e.Position.Y)}
		if i, ok := index[c]; ok {
			cells[i].Count++
			continue
		}
		index[c] = len(cells)
		cells = append(cells, Hotspot{X: c.x, Y: c.y, Count: 1})
	}

	sort.SliceStable(cells, func(i, j int) bool {
		return cells[i].Count > cells[j].Count
	})
	if len(cells) > maxHotspots {
		cells = cells[:maxHotspots]
	}
	if cells == nil {
		cells = []Hotspot{}
	}
	return cells
}

// Heatmap maps every positioned click onto a 10x10 grid of the screen.
func (a *Aggregator) Heatmap(screen Screen) (Heatmap, error) {
	if screen.Width <= 0 || screen.Height <= 0 {
		return Heatmap{}, ErrInvalidScreen
	}
	events, _ := a.snapshot()

	hm := Heatmap{Screen: screen}
	for _, e := range events {
		if e.Kind != KindClick || e.Position == nil {
			continue
		}
		col := gridIndex(e.Position.X / float64(screen.Width))
		row := gridIndex(e.Position.Y / float64(screen.Height))
		hm.Grid[row][col]++
		hm.TotalClicks++
	}
	return hm, nil
}

func gridIndex(pct float64) int {
	i := int(math.Floor(pct * heatmapCells))
	if i < 0 {
		return 0
	}
	if i > heatmapCells-1 {
		return heatmapCells - 1
	}
	return i
}
