package antifraud

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ListKind selects one of the blacklists.
type ListKind string

const (
	ListIPs          ListKind = "ips"
	ListUserAgents   ListKind = "user_agents"
	ListFingerprints ListKind = "fingerprints"
)

var ErrUnknownList = errors.New("antifraud: unknown blacklist")

// ParseListKind validates a list name.
func ParseListKind(s string) (ListKind, error) {
	switch ListKind(s) {
	case ListIPs, ListUserAgents, ListFingerprints:
		return ListKind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownList, s)
}

// Blacklist holds three independent exact-match sets. It is shared across
// sessions and read far more often than written.
type Blacklist struct {
	mu    sync.RWMutex
	lists map[ListKind]map[string]struct{}
}

// NewBlacklist creates empty lists.
func NewBlacklist() *Blacklist {
	return &Blacklist{lists: map[ListKind]map[string]struct{}{
		ListIPs:          {},
		ListUserAgents:   {},
		ListFingerprints: {},
	}}
}

// Add inserts values into a list.
func (b *Blacklist) Add(kind ListKind, values ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.lists[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownList, kind)
	}
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return nil
}

// Remove deletes a value from a list and reports whether it was present.
func (b *Blacklist) Remove(kind ListKind, value string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.lists[kind]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownList, kind)
	}
	_, present := set[value]
	delete(set, value)
	return present, nil
}

// Check returns a description for every list the inputs appear in.
func (b *Blacklist) Check(ip, userAgent, fingerprint string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matches := []string{}
	if _, ok := b.lists[ListIPs][ip]; ok && ip != "" {
		matches = append(matches, fmt.Sprintf("IP %s is on the malicious IP blacklist", ip))
	}
	if _, ok := b.lists[ListUserAgents][userAgent]; ok && userAgent != "" {
		matches = append(matches, "suspicious user agent detected")
	}
	if _, ok := b.lists[ListFingerprints][fingerprint]; ok && fingerprint != "" {
		matches = append(matches, "blocked device fingerprint")
	}
	return matches
}

// Snapshot returns sorted copies of every list.
func (b *Blacklist) Snapshot() map[ListKind][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[ListKind][]string, len(b.lists))
	for kind, set := range b.lists {
		values := make([]string, 0, len(set))
		for v := range set {
			values = append(values, v)
		}
		sort.Strings(values)
		out[kind] = values
	}
	return out
}
