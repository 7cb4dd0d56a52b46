package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

var (
	ErrBadProviderURL  = errors.New("invalid provider URL")
	ErrBlockedProvider = errors.New("provider address not allowed")
)

// blockedHosts are names that reach internal infrastructure regardless of
// what they resolve to from this host.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata":                 true,
	"metadata.google.internal": true,
}

// cgnat is shared address space (RFC 6598), reachable only inside a carrier
// or cluster network.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// lookupHost is swapped in tests.
var lookupHost = func(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// ValidateProviderURL checks an outbound endpoint (the geolocation API or
// the export webhook) at startup. The scheme must be http or https. Unless
// allowPrivate is set, hosts that are or resolve to non-public addresses
// are rejected.
func ValidateProviderURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadProviderURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrBadProviderURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBadProviderURL)
	}
	if allowPrivate {
		return nil
	}

	if blockedHosts[strings.ToLower(host)] {
		return fmt.Errorf("%w: host %q", ErrBlockedProvider, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resolved, err := lookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrBadProviderURL, host)
	}
	for _, s := range resolved {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, s, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback", ErrBlockedProvider)
	case addr.IsPrivate(), cgnat.Contains(addr):
		return fmt.Errorf("%w: private", ErrBlockedProvider)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local", ErrBlockedProvider)
	case addr.IsUnspecified(), addr.IsMulticast():
		return fmt.Errorf("%w: not unicast", ErrBlockedProvider)
	}
	return nil
}
