// Package providers defines the external signal collaborators consulted
// during scoring: geolocation, device inspection and biometric matching.
// Every call goes through a Guard so a slow or failing provider degrades
// one contribution instead of stalling the tick.
package providers

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/mbd888/trustscore/internal/circuitbreaker"
	"github.com/mbd888/trustscore/internal/retry"
)

// Provider keys used for breaker state, metrics and degradation reports.
const (
	NameGeolocation = "geolocation"
	NameDevice      = "device"
	NameBiometric   = "biometric"
)

var (
	ErrNotFound    = errors.New("providers: no data")
	ErrInvalidIP   = errors.New("providers: invalid ip address")
	ErrUnavailable = errors.New("providers: provider unavailable")
)

// IsNoData reports whether err is an answer about the input rather than a
// provider fault. Such errors must not trip a circuit.
func IsNoData(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidIP)
}

// GeoInfo is the geolocation provider's answer for an address.
type GeoInfo struct {
	IP          string  `json:"ip"`
	CountryCode string  `json:"countryCode"`
	Country     string  `json:"country,omitempty"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	ISP         string  `json:"isp,omitempty"`
	Latitude    float64 `json:"lat,omitempty"`
	Longitude   float64 `json:"lon,omitempty"`
	IsProxy     bool    `json:"isProxy"`
	IsVPN       bool    `json:"isVpn"`
}

// GeoLocator resolves an IP address to a location.
type GeoLocator interface {
	Locate(ctx context.Context, ip string) (GeoInfo, error)
}

// DeviceInfo describes the environment a session runs in.
type DeviceInfo struct {
	DeviceType string `json:"deviceType"` // desktop, mobile, container, vm
	PublicIP   string `json:"publicIp,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	OS         string `json:"os,omitempty"`
}

// DeviceInspector reports the environment of a session.
type DeviceInspector interface {
	Inspect(ctx context.Context, sessionID string) (DeviceInfo, error)
}

// BiometricScores are match and liveness scores in [0, 1].
type BiometricScores struct {
	FaceMatch float64 `json:"face_match_score"`
	Liveness  float64 `json:"liveness_score"`
}

// BiometricProvider returns the latest biometric verification for a
// session.
type BiometricProvider interface {
	Scores(ctx context.Context, sessionID string) (BiometricScores, error)
}

// Guard applies a timeout, retries and a circuit breaker to provider calls.
type Guard struct {
	breaker   *circuitbreaker.Breaker
	policy    retry.Policy
	timeout   time.Duration
	onFailure func(provider string, err error)
	onRetry   func(provider string, attempt int, err error)
}

// NewGuard creates a guard. A nil breaker disables fail-fast.
func NewGuard(breaker *circuitbreaker.Breaker, policy retry.Policy, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Guard{breaker: breaker, policy: policy, timeout: timeout}
}

// OnFailure registers a callback for failed calls (for metrics).
func (g *Guard) OnFailure(fn func(provider string, err error)) {
	g.onFailure = fn
}

// OnRetry registers a callback for each retried call (for metrics).
func (g *Guard) OnRetry(fn func(provider string, attempt int, err error)) {
	g.onRetry = fn
}

// Call runs fn for provider under the guard's policies.
func (g *Guard) Call(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	policy := g.policy
	if g.onRetry != nil {
		policy.OnRetry = func(n int, err error, _ time.Duration) { g.onRetry(provider, n, err) }
	}
	attempt := func(ctx context.Context) error {
		return retry.Do(ctx, policy, func(ctx context.Context) error {
			// Asking again will not change a no-data answer.
			err := fn(ctx)
			if IsNoData(err) {
				return retry.Permanent(err)
			}
			return err
		})
	}

	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(ctx, provider, attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil && g.onFailure != nil {
		g.onFailure(provider, err)
	}
	return err
}

// Breaker exposes the underlying breaker for health reporting.
func (g *Guard) Breaker() *circuitbreaker.Breaker {
	return g.breaker
}

// GuardedGeoLocator wraps a GeoLocator with a Guard.
type GuardedGeoLocator struct {
	inner GeoLocator
	guard *Guard
}

// NewGuardedGeoLocator wraps inner.
func NewGuardedGeoLocator(inner GeoLocator, guard *Guard) *GuardedGeoLocator {
	return &GuardedGeoLocator{inner: inner, guard: guard}
}

func (g *GuardedGeoLocator) Locate(ctx context.Context, ip string) (GeoInfo, error) {
	var info GeoInfo
	err := g.guard.Call(ctx, NameGeolocation, func(ctx context.Context) error {
		var err error
		info, err = g.inner.Locate(ctx, ip)
		return err
	})
	return info, err
}

// GuardedBiometricProvider wraps a BiometricProvider with a Guard.
type GuardedBiometricProvider struct {
	inner BiometricProvider
	guard *Guard
}

// NewGuardedBiometricProvider wraps inner.
func NewGuardedBiometricProvider(inner BiometricProvider, guard *Guard) *GuardedBiometricProvider {
	return &GuardedBiometricProvider{inner: inner, guard: guard}
}

func (g *GuardedBiometricProvider) Scores(ctx context.Context, sessionID string) (BiometricScores, error) {
	var scores BiometricScores
	err := g.guard.Call(ctx, NameBiometric, func(ctx context.Context) error {
		var err error
		scores, err = g.inner.Scores(ctx, sessionID)
		return err
	})
	return scores, err
}

// IsPrivateIP reports loopback, private and link-local addresses, which
// geolocation services cannot resolve.
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified()
}
