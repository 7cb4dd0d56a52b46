package antifraud

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/trustscore/internal/rules"
)

const (
	ipWindow        = time.Hour
	rapidIPLimit    = 3
	rapidIPHighMark = 5
)

// IPObservation records that a session was seen from an address.
type IPObservation struct {
	IP string    `json:"ip"`
	At time.Time `json:"timestamp"`
}

// RapidIPResult is the outcome of RapidIPChange.
type RapidIPResult struct {
	Rapid     bool        `json:"rapidIpChanges"`
	UniqueIPs int         `json:"uniqueIpsLastHour"`
	IPs       []string    `json:"ipList"`
	Level     rules.Level `json:"riskLevel"`
}

// RapidIPChange counts distinct addresses seen in the last hour, including
// current. More than three is rapid; more than five is high risk.
func RapidIPChange(current string, history []IPObservation, now time.Time) RapidIPResult {
	cutoff := now.Add(-ipWindow)
	seen := make(map[string]struct{})
	for _, obs := range history {
		if obs.At.After(cutoff) {
			seen[obs.IP] = struct{}{}
		}
	}
	if current != "" {
		seen[current] = struct{}{}
	}

	ips := make([]string, 0, len(seen))
	for ip := range seen {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	res := RapidIPResult{
		Rapid:     len(ips) > rapidIPLimit,
		UniqueIPs: len(ips),
		IPs:       ips,
		Level:     rules.LevelLow,
	}
	switch {
	case len(ips) > rapidIPHighMark:
		res.Level = rules.LevelHigh
	case res.Rapid:
		res.Level = rules.LevelMedium
	}
	return res
}

// IPHistory stores address observations per session.
type IPHistory interface {
	Add(ctx context.Context, sessionID string, obs IPObservation) error
	Since(ctx context.Context, sessionID string, since time.Time) ([]IPObservation, error)
	Forget(ctx context.Context, sessionID string) error
}

// MemoryIPHistory is an in-memory IPHistory. Observations older than the
// window are pruned on write.
type MemoryIPHistory struct {
	mu   sync.RWMutex
	byID map[string][]IPObservation
}

// NewMemoryIPHistory creates an empty history.
func NewMemoryIPHistory() *MemoryIPHistory {
	return &MemoryIPHistory{byID: make(map[string][]IPObservation)}
}

func (h *MemoryIPHistory) Add(_ context.Context, sessionID string, obs IPObservation) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := obs.At.Add(-ipWindow)
	kept := h.byID[sessionID][:0]
	for _, o := range h.byID[sessionID] {
		if o.At.After(cutoff) {
			kept = append(kept, o)
		}
	}
	h.byID[sessionID] = append(kept, obs)
	return nil
}

func (h *MemoryIPHistory) Since(_ context.Context, sessionID string, since time.Time) ([]IPObservation, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []IPObservation
	for _, o := range h.byID[sessionID] {
		if o.At.After(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (h *MemoryIPHistory) Forget(_ context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byID, sessionID)
	return nil
}
