package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustscore/internal/antifraud"
	"github.com/mbd888/trustscore/internal/explain"
	"github.com/mbd888/trustscore/internal/pagination"
	"github.com/mbd888/trustscore/internal/rules"
)

func evaluation(hard string, point rules.Result, weighted rules.Result) rules.Evaluation {
	point.Strategy = rules.StrategyPoint
	weighted.Strategy = rules.StrategyWeighted
	return rules.Evaluation{
		HardRuleTriggered: hard != "",
		HardRuleCode:      hard,
		Results:           []rules.Result{weighted, point},
	}
}

func TestMerge_Empty(t *testing.T) {
	a := Merge(Signals{})

	assert.Equal(t, rules.LevelLow, a.Level)
	assert.Equal(t, DecisionAllow, a.Decision)
	assert.NotNil(t, a.Factors)
	assert.Empty(t, a.Factors)
	assert.NotNil(t, a.TopReasons)
	assert.Equal(t, 1.0, a.Confidence)
	require.NotEmpty(t, a.Recommendations)
}

func TestMerge_FactorOrder(t *testing.T) {
	ev := evaluation(rules.CodeEmulatorProxy,
		rules.Result{Score: 90, Level: rules.LevelMedium, Factors: []string{rules.FactorForeignCountry, rules.FactorProxy}},
		rules.Result{Score: -0.4, Level: rules.LevelMedium},
	)
	profile := antifraud.Profile{
		Level:   rules.LevelMedium,
		Factors: []string{"rapid IP change", rules.FactorProxy},
	}
	reasons := []explain.Reason{
		{Code: "EMULATOR_FLAG", Value: -0.25},
		{Code: "DWELL_TIME", Value: 0.1},
		{Code: "PROXY_FLAG", Value: -0.2},
	}

	a := Merge(Signals{Evaluation: ev, Profile: profile, Reasons: reasons})

	assert.Equal(t, []string{
		rules.CodeEmulatorProxy,
		rules.FactorForeignCountry,
		rules.FactorProxy,
		"rapid IP change",
		"EMULATOR_FLAG",
		"PROXY_FLAG",
	}, a.Factors)
	assert.Equal(t, rules.CodeEmulatorProxy, a.HardRuleCode)
	assert.Equal(t, reasons, a.TopReasons)
}

func TestMerge_Levels(t *testing.T) {
	tests := []struct {
		name      string
		hard      string
		point     rules.Level
		weighted  rules.Level
		fraud     rules.Level
		blacklist []string
		want      rules.Level
	}{
		{"all low", "", rules.LevelLow, rules.LevelLow, rules.LevelLow, nil, rules.LevelLow},
		{"point medium", "", rules.LevelMedium, rules.LevelLow, rules.LevelLow, nil, rules.LevelMedium},
		{"weighted high", "", rules.LevelLow, rules.LevelHigh, rules.LevelMedium, nil, rules.LevelHigh},
		{"fraud medium", "", rules.LevelLow, rules.LevelLow, rules.LevelMedium, nil, rules.LevelMedium},
		{"hard rule forces high", rules.CodeEmulatorProxy, rules.LevelLow, rules.LevelLow, rules.LevelLow, nil, rules.LevelHigh},
		{"blacklist forces high", "", rules.LevelLow, rules.LevelLow, rules.LevelLow, []string{"ip:1.2.3.4"}, rules.LevelHigh},
		{"missing levels are low", "", "", "", "", nil, rules.LevelLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := evaluation(tt.hard, rules.Result{Level: tt.point}, rules.Result{Level: tt.weighted})
			a := Merge(Signals{
				Evaluation: ev,
				Profile:    antifraud.Profile{Level: tt.fraud, BlacklistMatches: tt.blacklist},
			})
			assert.Equal(t, tt.want, a.Level)
			assert.Equal(t, DecisionFor(tt.want), a.Decision)
			assert.NotEmpty(t, a.PointLevel)
			assert.NotEmpty(t, a.WeightedLevel)
			assert.NotEmpty(t, a.FraudLevel)
		})
	}
}

func TestMerge_LevelNeverBelowInputs(t *testing.T) {
	levels := []rules.Level{rules.LevelLow, rules.LevelMedium, rules.LevelHigh}
	for _, p := range levels {
		for _, w := range levels {
			for _, f := range levels {
				a := Merge(Signals{
					Evaluation: evaluation("", rules.Result{Level: p}, rules.Result{Level: w}),
					Profile:    antifraud.Profile{Level: f},
				})
				assert.GreaterOrEqual(t, a.Level.Rank(), p.Rank())
				assert.GreaterOrEqual(t, a.Level.Rank(), w.Rank())
				assert.GreaterOrEqual(t, a.Level.Rank(), f.Rank())
				assert.Equal(t, rules.MaxLevel(p, w, f), a.Level)
			}
		}
	}
}

func TestMerge_ScoreAndWeighted(t *testing.T) {
	a := Merge(Signals{Evaluation: evaluation("",
		rules.Result{Score: 70, Level: rules.LevelMedium},
		rules.Result{Score: -1.2, Level: rules.LevelHigh},
	)})
	assert.Equal(t, 70.0, a.Score)
	assert.Equal(t, -1.2, a.WeightedScore)
	assert.Equal(t, rules.LevelHigh, a.Level)
}

func TestMerge_Degraded(t *testing.T) {
	a := Merge(Signals{Degraded: []string{"geolocation", "biometric"}})
	assert.Equal(t, []string{"geolocation", "biometric"}, a.Degraded)
	assert.Equal(t, 0.5, a.Confidence)
	assert.Contains(t, a.Recommendations, "re-evaluate when geolocation, biometric recovers")
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 1.0, Confidence(0))
	assert.Equal(t, 0.75, Confidence(1))
	assert.Equal(t, 0.5, Confidence(2))
	assert.Equal(t, 0.25, Confidence(3))
	assert.Equal(t, 0.25, Confidence(10))
}

func TestDecisionFor(t *testing.T) {
	assert.Equal(t, DecisionAllow, DecisionFor(rules.LevelLow))
	assert.Equal(t, DecisionChallenge, DecisionFor(rules.LevelMedium))
	assert.Equal(t, DecisionBlock, DecisionFor(rules.LevelHigh))
	assert.Equal(t, DecisionAllow, DecisionFor(""))
}

func TestRecommendations(t *testing.T) {
	recs := Recommendations(rules.LevelHigh, []string{
		rules.CodeEmulatorProxy,
		rules.FactorForeignCountry,
		rules.FactorProxy,
		"3 consecutive authentication failures",
		"suspicious device (vm)",
		rules.FactorProxy,
	}, nil)

	assert.Equal(t, []string{
		"block the session and require re-authentication",
		"deny access from emulated devices behind anonymizing networks",
		"confirm recent travel with the account owner",
		"verify the network origin of the session",
		"lock the account after further failed attempts",
		"require a trusted device",
	}, recs)

	assert.Equal(t, []string{"allow and keep monitoring"}, Recommendations(rules.LevelLow, nil, nil))
	assert.Equal(t, "challenge with step-up verification", Recommendations(rules.LevelMedium, nil, nil)[0])
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	_, err := store.Latest(ctx, "sess")
	assert.ErrorIs(t, err, ErrNotFound)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, &Assessment{
			ID:          "risk_" + string(rune('a'+i)),
			SessionID:   "sess",
			Level:       rules.LevelLow,
			Factors:     []string{"f"},
			EvaluatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	latest, err := store.Latest(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, "risk_c", latest.ID)

	list, err := store.ListBySession(ctx, "sess", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "risk_c", list[0].ID)
	assert.Equal(t, "risk_b", list[1].ID)

	all, err := store.ListBySession(ctx, "sess", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// Returned values are copies.
	latest.Factors[0] = "mutated"
	again, _ := store.Latest(ctx, "sess")
	assert.Equal(t, "f", again.Factors[0])

	empty, err := store.ListBySession(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_ListBySessionPage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, &Assessment{
			ID:          "risk_" + string(rune('a'+i)),
			SessionID:   "sess",
			Level:       rules.LevelLow,
			EvaluatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	first, err := store.ListBySessionPage(ctx, "sess", 2, nil)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "risk_e", first[0].ID)
	assert.Equal(t, "risk_d", first[1].ID)

	cursor := &pagination.Cursor{At: first[1].EvaluatedAt, ID: first[1].ID}
	second, err := store.ListBySessionPage(ctx, "sess", 10, cursor)
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, "risk_c", second[0].ID)
	assert.Equal(t, "risk_a", second[2].ID)
}
