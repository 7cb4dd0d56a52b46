package rules

import (
	"fmt"
	"strings"

	"github.com/mbd888/trustscore/internal/telemetry"
)

// StrategyPoint names the additive point scorer.
const StrategyPoint = "point"

// DefaultHomeCountry is the country sessions are expected to originate from.
const DefaultHomeCountry = "BR"

// Point deltas, applied in declaration order.
const (
	pointsForeignCountry = 50
	pointsProxy          = 40
	pointsVeryHigh       = 30
	pointsIdle           = 20
	pointsPerFailure     = 10
	pointsSuspectDevice  = 25

	idleAfterSeconds = 300

	pointsHigh   = 100
	pointsMedium = 50
)

// Factor strings emitted by the point scorer.
const (
	FactorForeignCountry = "access from outside home country"
	FactorProxy          = "proxy or VPN detected"
	FactorVeryHigh       = "very high activity (clicks/keys)"
	FactorIdle           = "long session without activity"
)

// PointInput is the session context scored by PointScore.
type PointInput struct {
	IP                  string
	SessionID           string
	GeoAvailable        bool
	CountryCode         string
	Proxy               bool
	VPN                 bool
	Activity            telemetry.ActivityLevel
	DurationSeconds     float64
	ConsecutiveFailures int
	DeviceType          string
}

// PointScore adds a fixed delta for each condition that holds. Geo rules
// are skipped when geolocation is unavailable. Only one of the two
// activity rules can fire.
func PointScore(in PointInput, homeCountry string) Result {
	var score float64
	factors := []string{}

	if in.GeoAvailable {
		if !strings.EqualFold(in.CountryCode, homeCountry) {
			score += pointsForeignCountry
			factors = append(factors, FactorForeignCountry)
		}
		if in.Proxy || in.VPN {
			score += pointsProxy
			factors = append(factors, FactorProxy)
		}
	}

	if in.Activity == telemetry.ActivityVeryHigh {
		score += pointsVeryHigh
		factors = append(factors, FactorVeryHigh)
	} else if in.Activity == telemetry.ActivityNone && in.DurationSeconds > idleAfterSeconds {
		score += pointsIdle
		factors = append(factors, FactorIdle)
	}

	if in.ConsecutiveFailures > 0 {
		score += float64(pointsPerFailure * in.ConsecutiveFailures)
		factors = append(factors, fmt.Sprintf("%d consecutive authentication failures", in.ConsecutiveFailures))
	}

	if IsSuspectDevice(in.DeviceType) {
		score += pointsSuspectDevice
		factors = append(factors, fmt.Sprintf("suspicious device (%s)", in.DeviceType))
	}

	return Result{
		Strategy: StrategyPoint,
		Score:    score,
		Level:    PointLevel(score),
		Factors:  factors,
	}
}

// PointLevel maps a point score onto a level.
func PointLevel(score float64) Level {
	switch {
	case score >= pointsHigh:
		return LevelHigh
	case score >= pointsMedium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// IsSuspectDevice reports whether the device type is virtualized.
func IsSuspectDevice(deviceType string) bool {
	switch strings.ToLower(deviceType) {
	case "container", "vm":
		return true
	default:
		return false
	}
}

// PointScorer adapts PointScore to the Scorer interface.
type PointScorer struct {
	HomeCountry string
}

// NewPointScorer creates a scorer for the given home country.
func NewPointScorer(homeCountry string) *PointScorer {
	if homeCountry == "" {
		homeCountry = DefaultHomeCountry
	}
	return &PointScorer{HomeCountry: homeCountry}
}

func (s *PointScorer) Name() string { return StrategyPoint }

func (s *PointScorer) Score(in Input) Result {
	return PointScore(in.Context, s.HomeCountry)
}
