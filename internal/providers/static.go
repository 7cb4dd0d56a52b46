package providers

import (
	"context"
	"sync"
)

// StaticGeoLocator answers from a fixed table. Private addresses resolve
// to the home country. Used in development and tests.
type StaticGeoLocator struct {
	mu          sync.RWMutex
	byIP        map[string]GeoInfo
	homeCountry string
}

// NewStaticGeoLocator creates a locator that resolves unknown public
// addresses to ErrNotFound.
func NewStaticGeoLocator(homeCountry string) *StaticGeoLocator {
	return &StaticGeoLocator{byIP: make(map[string]GeoInfo), homeCountry: homeCountry}
}

// Set registers an answer for ip.
func (s *StaticGeoLocator) Set(ip string, info GeoInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.IP = ip
	s.byIP[ip] = info
}

func (s *StaticGeoLocator) Locate(_ context.Context, ip string) (GeoInfo, error) {
	s.mu.RLock()
	info, ok := s.byIP[ip]
	s.mu.RUnlock()
	if ok {
		return info, nil
	}
	if IsPrivateIP(ip) {
		return GeoInfo{IP: ip, CountryCode: s.homeCountry}, nil
	}
	return GeoInfo{}, ErrNotFound
}

// StaticBiometricProvider returns preset scores per session.
type StaticBiometricProvider struct {
	mu     sync.RWMutex
	scores map[string]BiometricScores
}

// NewStaticBiometricProvider creates an empty provider.
func NewStaticBiometricProvider() *StaticBiometricProvider {
	return &StaticBiometricProvider{scores: make(map[string]BiometricScores)}
}

// Set records scores for a session.
func (s *StaticBiometricProvider) Set(sessionID string, scores BiometricScores) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[sessionID] = scores
}

func (s *StaticBiometricProvider) Scores(_ context.Context, sessionID string) (BiometricScores, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scores, ok := s.scores[sessionID]
	if !ok {
		return BiometricScores{}, ErrNotFound
	}
	return scores, nil
}

// GeoFunc adapts a function to GeoLocator.
type GeoFunc func(ctx context.Context, ip string) (GeoInfo, error)

func (f GeoFunc) Locate(ctx context.Context, ip string) (GeoInfo, error) { return f(ctx, ip) }

// BiometricFunc adapts a function to BiometricProvider.
type BiometricFunc func(ctx context.Context, sessionID string) (BiometricScores, error)

func (f BiometricFunc) Scores(ctx context.Context, sessionID string) (BiometricScores, error) {
	return f(ctx, sessionID)
}

// DeviceFunc adapts a function to DeviceInspector.
type DeviceFunc func(ctx context.Context, sessionID string) (DeviceInfo, error)

func (f DeviceFunc) Inspect(ctx context.Context, sessionID string) (DeviceInfo, error) {
	return f(ctx, sessionID)
}
