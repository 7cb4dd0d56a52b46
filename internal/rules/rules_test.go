package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustscore/internal/features"
	"github.com/mbd888/trustscore/internal/telemetry"
)

func setWith(emulator, proxy float64) features.Set {
	return features.Set{Groups: []features.Group{
		{Name: features.GroupDevice, Values: []features.Value{features.NewValue(features.EmulatorFlag, emulator, 1)}},
		{Name: features.GroupGeo, Values: []features.Value{features.NewValue(features.ProxyFlag, proxy, 1)}},
	}}
}

func TestHardRules_EmulatorProxy(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name      string
		emulator  float64
		proxy     float64
		triggered bool
	}{
		{"both flagged", -0.7, -0.6, true},
		{"emulator only", -0.7, 0, false},
		{"proxy only", 0, -0.6, false},
		{"emulator at boundary", -0.5, -0.6, false},
		{"proxy at boundary", -0.7, -0.5, false},
		{"both at boundary", -0.5, -0.5, false},
		{"just past boundary", -0.5000001, -0.5000001, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, code := engine.HardRules(setWith(tt.emulator, tt.proxy))
			assert.Equal(t, tt.triggered, ok)
			if tt.triggered {
				assert.Equal(t, CodeEmulatorProxy, code)
			} else {
				assert.Empty(t, code)
			}
		})
	}
}

func TestHardRules_FromExtractedPayload(t *testing.T) {
	set := features.Extract(features.Payload{
		Device: features.DeviceSignals{Emulator: true},
		Geo:    features.GeoSignals{Proxy: true},
	})
	ok, code := NewEngine().HardRules(set)
	assert.True(t, ok)
	assert.Equal(t, CodeEmulatorProxy, code)
}

func TestHardRules_MissingFeature(t *testing.T) {
	ok, _ := NewEngine().HardRules(features.Set{})
	assert.False(t, ok)
}

func TestWeightedSum(t *testing.T) {
	set := features.Set{Groups: []features.Group{{
		Name: "g",
		Values: []features.Value{
			features.NewValue("a", 0.5, 1),
			features.NewValue("b", -1, 0.02), // confidence floored at 0.1
			features.NewValue("c", 1, 1),     // no weight
		},
	}}}
	raw, contributions := WeightedSum(set, map[string]float64{"a": 0.4, "b": 2})

	require.Len(t, contributions, 3)
	assert.InDelta(t, 0.2, contributions[0].Value, 1e-12)
	assert.InDelta(t, -0.2, contributions[1].Value, 1e-12)
	assert.Equal(t, 0.0, contributions[2].Value)
	assert.InDelta(t, 0.0, raw, 1e-12)
	assert.Equal(t, []string{"a", "b", "c"}, []string{contributions[0].Name, contributions[1].Name, contributions[2].Name})
}

func TestWeightedSum_Linear(t *testing.T) {
	set := features.Extract(features.Payload{
		Device:     features.DeviceSignals{SeenBefore: true, Switches24h: 2},
		Behavior:   features.BehaviorSignals{SessionTimeS: 12, AvgScrollSpeed: 900, ClickBurst: 3},
		Geo:        features.GeoSignals{IPDistanceHomeKm: 1500, GeoVelocity: 100},
		Biometrics: features.BiometricSignals{FaceMatchScore: 0.8, LivenessScore: 0.7},
	})
	weights := DefaultWeights()
	base, _ := WeightedSum(set, weights)

	for _, c := range []float64{0, 0.5, 2, -3, 10} {
		scaled := make(map[string]float64, len(weights))
		for k, w := range weights {
			scaled[k] = w * c
		}
		got, _ := WeightedSum(set, scaled)
		assert.InDelta(t, base*c, got, 1e-9, "c=%v", c)
	}
}

func TestWeightedScorer_Levels(t *testing.T) {
	scorer := NewWeightedScorer()

	trusted := features.Extract(features.Payload{
		Device:     features.DeviceSignals{SeenBefore: true},
		Behavior:   features.BehaviorSignals{SessionTimeS: 60, AvgScrollSpeed: 1500},
		Biometrics: features.BiometricSignals{FaceMatchScore: 0.95, LivenessScore: 0.95},
	})
	r := scorer.Score(Input{Features: trusted})
	assert.Equal(t, StrategyWeighted, r.Strategy)
	assert.Equal(t, LevelLow, r.Level)
	assert.Greater(t, r.Score, 0.0)

	hostile := features.Extract(features.Payload{
		Device:   features.DeviceSignals{Emulator: true, Switches24h: 10},
		Behavior: features.BehaviorSignals{ClickBurst: 10},
		Geo:      features.GeoSignals{IPDistanceHomeKm: 9000, Proxy: true, GeoVelocity: 2000},
	})
	r = scorer.Score(Input{Features: hostile})
	assert.Equal(t, LevelHigh, r.Level)
	assert.LessOrEqual(t, r.Score, DefaultWeightedHigh)
}

func TestWeightedScorer_Thresholds(t *testing.T) {
	scorer := &WeightedScorer{Weights: map[string]float64{"x": 1}, MediumThreshold: -0.3, HighThreshold: -1}
	score := func(v float64) Level {
		set := features.Set{Groups: []features.Group{{Name: "g", Values: []features.Value{features.NewValue("x", v, 1)}}}}
		return scorer.Score(Input{Features: set}).Level
	}
	assert.Equal(t, LevelLow, score(-0.3))
	assert.Equal(t, LevelMedium, score(-0.31))
	assert.Equal(t, LevelHigh, score(-1))
}

func TestPointScore_Clean(t *testing.T) {
	r := PointScore(PointInput{
		GeoAvailable:        true,
		CountryCode:         "BR",
		Activity:            telemetry.ActivityLow,
		ConsecutiveFailures: 0,
		DeviceType:          "desktop",
	}, "BR")

	assert.Equal(t, 0.0, r.Score)
	assert.Equal(t, LevelLow, r.Level)
	assert.Empty(t, r.Factors)
}

func TestPointScore_AllSignals(t *testing.T) {
	r := PointScore(PointInput{
		GeoAvailable:        true,
		CountryCode:         "US",
		Proxy:               true,
		Activity:            telemetry.ActivityVeryHigh,
		DurationSeconds:     900,
		ConsecutiveFailures: 2,
		DeviceType:          "vm",
	}, "BR")

	assert.Equal(t, 165.0, r.Score)
	assert.Equal(t, LevelHigh, r.Level)
	assert.Equal(t, []string{
		FactorForeignCountry,
		FactorProxy,
		FactorVeryHigh,
		"2 consecutive authentication failures",
		"suspicious device (vm)",
	}, r.Factors)
}

func TestPointScore_IdleSession(t *testing.T) {
	r := PointScore(PointInput{GeoAvailable: true, CountryCode: "br", Activity: telemetry.ActivityNone, DurationSeconds: 301}, "BR")
	assert.Equal(t, 20.0, r.Score)
	assert.Equal(t, []string{FactorIdle}, r.Factors)

	r = PointScore(PointInput{GeoAvailable: true, CountryCode: "BR", Activity: telemetry.ActivityNone, DurationSeconds: 300}, "BR")
	assert.Equal(t, 0.0, r.Score)
}

func TestPointScore_GeoUnavailable(t *testing.T) {
	r := PointScore(PointInput{CountryCode: "", VPN: true, DeviceType: "container"}, "BR")
	assert.Equal(t, 25.0, r.Score)
	assert.Equal(t, LevelLow, r.Level)
}

func TestPointLevel(t *testing.T) {
	assert.Equal(t, LevelLow, PointLevel(49))
	assert.Equal(t, LevelMedium, PointLevel(50))
	assert.Equal(t, LevelMedium, PointLevel(99))
	assert.Equal(t, LevelHigh, PointLevel(100))
}

func TestEngine_EvaluateRunsAllStages(t *testing.T) {
	engine := NewEngine().WithScorers(NewWeightedScorer(), NewPointScorer(""))
	set := features.Extract(features.Payload{
		Device: features.DeviceSignals{Emulator: true},
		Geo:    features.GeoSignals{Proxy: true},
	})

	ev := engine.Evaluate(Input{Features: set, Context: PointInput{GeoAvailable: true, CountryCode: "BR"}})

	assert.True(t, ev.HardRuleTriggered)
	assert.Equal(t, CodeEmulatorProxy, ev.HardRuleCode)
	require.Len(t, ev.Results, 2, "hard rule does not suppress scoring")

	w, ok := ev.Result(StrategyWeighted)
	require.True(t, ok)
	assert.Len(t, w.Contributions, 11)

	p, ok := ev.Result(StrategyPoint)
	require.True(t, ok)
	assert.Equal(t, 0.0, p.Score)
}

func TestMaxLevel(t *testing.T) {
	assert.Equal(t, LevelLow, MaxLevel())
	assert.Equal(t, LevelMedium, MaxLevel(LevelLow, LevelMedium))
	assert.Equal(t, LevelHigh, MaxLevel(LevelMedium, LevelHigh, LevelLow))
}
