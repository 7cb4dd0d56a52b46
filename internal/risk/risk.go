// Package risk produces session risk assessments.
//
// Each scoring tick combines four independent signals: the hard-rule
// override, the additive point score over session context, the weighted
// feature score, and the anti-fraud profile. They are merged
// deterministically into one Assessment: factors are unioned in a fixed
// order and the level is the most severe of the inputs.
package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/trustscore/internal/antifraud"
	"github.com/mbd888/trustscore/internal/explain"
	"github.com/mbd888/trustscore/internal/pagination"
	"github.com/mbd888/trustscore/internal/rules"
	"github.com/mbd888/trustscore/internal/session"
)

var ErrNotFound = errors.New("risk: assessment not found")

// Decision is the action a trust decision point should take.
type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionChallenge Decision = "challenge"
	DecisionBlock     Decision = "block"
)

// DecisionFor maps a level to its decision.
func DecisionFor(level rules.Level) Decision {
	switch level {
	case rules.LevelHigh:
		return DecisionBlock
	case rules.LevelMedium:
		return DecisionChallenge
	default:
		return DecisionAllow
	}
}

// AuthRecord is the authentication outcome attached to a session.
type AuthRecord = session.AuthRecord

// Assessment is the result of one scoring tick. Assessments are never
// mutated after they are recorded.
type Assessment struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"sessionId"`
	Score           float64          `json:"score"`
	Level           rules.Level      `json:"riskLevel"`
	Decision        Decision         `json:"decision"`
	Factors         []string         `json:"riskFactors"`
	Recommendations []string         `json:"recommendations"`
	HardRuleCode    string           `json:"hardRuleCode,omitempty"`
	WeightedScore   float64          `json:"weightedScore"`
	WeightedLevel   rules.Level      `json:"weightedLevel"`
	PointLevel      rules.Level      `json:"pointLevel"`
	FraudLevel      rules.Level      `json:"fraudLevel"`
	TopReasons      []explain.Reason `json:"topReasons"`
	Degraded        []string         `json:"degraded,omitempty"`
	Confidence      float64          `json:"confidence"`
	EventCount      int              `json:"eventCount"`
	EvaluatedAt     time.Time        `json:"evaluatedAt"`
}

// Store persists assessments for audit and history.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*Assessment, error)
	// ListBySessionPage lists assessments strictly older than cursor, newest
	// first. A nil cursor starts from the latest.
	ListBySessionPage(ctx context.Context, sessionID string, limit int, cursor *pagination.Cursor) ([]*Assessment, error)
	Latest(ctx context.Context, sessionID string) (*Assessment, error)
}

// ----------------------------------------------------------------------------
// Merge
// ----------------------------------------------------------------------------

// Signals are the independently computed inputs to Merge.
type Signals struct {
	Evaluation rules.Evaluation
	Profile    antifraud.Profile
	Reasons    []explain.Reason
	Degraded   []string
}

// Merge combines signals into an assessment body (no ID or timestamp).
//
// Factors: hard rule code, point factors, anti-fraud factors, then the
// codes of negative weighted reasons, deduplicated by first occurrence.
// Level: max of point, weighted and anti-fraud levels, forced high by a
// hard rule or a blacklist match. Score is the point score.
func Merge(s Signals) Assessment {
	point, _ := s.Evaluation.Result(rules.StrategyPoint)
	weighted, _ := s.Evaluation.Result(rules.StrategyWeighted)

	var factors []string
	seen := make(map[string]bool)
	add := func(f string) {
		if f == "" || seen[f] {
			return
		}
		seen[f] = true
		factors = append(factors, f)
	}

	add(s.Evaluation.HardRuleCode)
	for _, f := range point.Factors {
		add(f)
	}
	for _, f := range s.Profile.Factors {
		add(f)
	}
	for _, r := range explain.Negative(s.Reasons) {
		add(r.Code)
	}
	if factors == nil {
		factors = []string{}
	}

	pointLevel := levelOrLow(point.Level)
	weightedLevel := levelOrLow(weighted.Level)
	fraudLevel := levelOrLow(s.Profile.Level)

	level := rules.MaxLevel(pointLevel, weightedLevel, fraudLevel)
	if s.Evaluation.HardRuleTriggered || len(s.Profile.BlacklistMatches) > 0 {
		level = rules.LevelHigh
	}

	score := point.Score
	if score < 0 {
		score = 0
	}

	reasons := s.Reasons
	if reasons == nil {
		reasons = []explain.Reason{}
	}

	return Assessment{
		Score:           score,
		Level:           level,
		Decision:        DecisionFor(level),
		Factors:         factors,
		Recommendations: Recommendations(level, factors, s.Degraded),
		HardRuleCode:    s.Evaluation.HardRuleCode,
		WeightedScore:   weighted.Score,
		WeightedLevel:   weightedLevel,
		PointLevel:      pointLevel,
		FraudLevel:      fraudLevel,
		TopReasons:      reasons,
		Degraded:        append([]string(nil), s.Degraded...),
		Confidence:      Confidence(len(s.Degraded)),
	}
}

func levelOrLow(l rules.Level) rules.Level {
	if l == "" {
		return rules.LevelLow
	}
	return l
}

// Confidence drops by a quarter per degraded provider, floored at 0.25.
func Confidence(degraded int) float64 {
	c := 1 - 0.25*float64(degraded)
	if c < 0.25 {
		return 0.25
	}
	return c
}

// Recommendations derives operator actions from the level and factors.
// The first entry always reflects the level.
func Recommendations(level rules.Level, factors, degraded []string) []string {
	var out []string
	switch level {
	case rules.LevelHigh:
		out = append(out, "block the session and require re-authentication")
	case rules.LevelMedium:
		out = append(out, "challenge with step-up verification")
	default:
		out = append(out, "allow and keep monitoring")
	}

	add := func(r string) {
		for _, x := range out {
			if x == r {
				return
			}
		}
		out = append(out, r)
	}

	for _, f := range factors {
		lf := strings.ToLower(f)
		switch {
		case f == rules.CodeEmulatorProxy:
			add("deny access from emulated devices behind anonymizing networks")
		case f == rules.FactorForeignCountry:
			add("confirm recent travel with the account owner")
		case f == rules.FactorProxy || strings.Contains(lf, "proxy"):
			add("verify the network origin of the session")
		case f == rules.FactorVeryHigh, strings.HasPrefix(lf, "automation user agent"):
			add("check for scripted interaction")
		case f == rules.FactorIdle:
			add("expire the idle session")
		case strings.Contains(lf, "authentication failures"):
			add("lock the account after further failed attempts")
		case strings.HasPrefix(lf, "suspicious device"):
			add("require a trusted device")
		case strings.Contains(lf, "blacklist"), strings.Contains(lf, "blocked device"), strings.Contains(lf, "suspicious user agent"):
			add("review the blacklist match before allowing access")
		case strings.Contains(lf, "ip change"):
			add("bind the session to a single network address")
		case strings.HasPrefix(lf, "anomaly in"):
			add("compare behaviour with the user's history")
		}
	}

	if len(degraded) > 0 {
		add(fmt.Sprintf("re-evaluate when %s recovers", strings.Join(degraded, ", ")))
	}
	return out
}
