package rules

import (
	"math"

	"github.com/mbd888/trustscore/internal/features"
)

// StrategyWeighted names the weighted-sum scorer.
const StrategyWeighted = "weighted"

// Confidence below this floor still counts at the floor.
const minConfidence = 0.1

// Default weighted thresholds on the raw score.
const (
	DefaultWeightedMedium = -0.3
	DefaultWeightedHigh   = -1.0
)

// DefaultWeights are per-feature weights for the weighted sum.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		features.DeviceTrust:          0.35,
		features.EmulatorFlag:         0.50,
		features.VelocityDeviceSwitch: 0.25,
		features.DwellTime:            0.25,
		features.ScrollNatural:        0.20,
		features.ClickBurst:           0.35,
		features.IPDistance:           0.30,
		features.ProxyFlag:            0.45,
		features.GeoVelocity:          0.25,
		features.FaceMatch:            0.60,
		features.Liveness:             0.55,
	}
}

// Contribution is one feature's share of the weighted score.
type Contribution struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// WeightedSum computes value*weight*max(confidence, 0.1) per feature in set
// order. Features without a weight contribute 0.
func WeightedSum(set features.Set, weights map[string]float64) (float64, []Contribution) {
	var raw float64
	all := set.All()
	contributions := make([]Contribution, 0, len(all))
	for _, f := range all {
		c := f.Value * weights[f.Name] * math.Max(f.Confidence, minConfidence)
		contributions = append(contributions, Contribution{Name: f.Name, Value: c})
		raw += c
	}
	return raw, contributions
}

// WeightedScorer maps the raw weighted sum onto a level. Lower is riskier.
type WeightedScorer struct {
	Weights         map[string]float64
	MediumThreshold float64 // raw below this is medium
	HighThreshold   float64 // raw at or below this is high
}

// NewWeightedScorer creates a scorer with DefaultWeights and default
// thresholds.
func NewWeightedScorer() *WeightedScorer {
	return &WeightedScorer{
		Weights:         DefaultWeights(),
		MediumThreshold: DefaultWeightedMedium,
		HighThreshold:   DefaultWeightedHigh,
	}
}

func (s *WeightedScorer) Name() string { return StrategyWeighted }

func (s *WeightedScorer) Score(in Input) Result {
	raw, contributions := WeightedSum(in.Features, s.Weights)

	level := LevelLow
	switch {
	case raw <= s.HighThreshold:
		level = LevelHigh
	case raw < s.MediumThreshold:
		level = LevelMedium
	}

	return Result{
		Strategy:      StrategyWeighted,
		Score:         raw,
		Level:         level,
		Factors:       []string{},
		Contributions: contributions,
	}
}
