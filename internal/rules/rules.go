// Package rules scores a session in two stages. Hard rules are
// deterministic overrides evaluated first. Scorers then produce a risk
// level independently: a weighted sum over normalized features and an
// additive point heuristic over session context. A hard-rule trigger does
// not suppress scoring; both results are returned for the caller to merge.
package rules

import (
	"github.com/mbd888/trustscore/internal/features"
)

// Level is a coarse risk category.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Rank orders levels so they can be compared.
func (l Level) Rank() int {
	switch l {
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	default:
		return 0
	}
}

// MaxLevel returns the most severe of the given levels.
func MaxLevel(levels ...Level) Level {
	out := LevelLow
	for _, l := range levels {
		if l.Rank() > out.Rank() {
			out = l
		}
	}
	return out
}

// Input carries everything a scorer may need for one evaluation.
type Input struct {
	Features features.Set
	Context  PointInput
}

// Result is a scorer's output.
type Result struct {
	Strategy      string         `json:"strategy"`
	Score         float64        `json:"score"`
	Level         Level          `json:"level"`
	Factors       []string       `json:"factors"`
	Contributions []Contribution `json:"contributions,omitempty"`
}

// Scorer is a pluggable scoring strategy.
type Scorer interface {
	Name() string
	Score(in Input) Result
}

// Evaluation is the combined output of the hard-rule stage and every scorer.
type Evaluation struct {
	HardRuleTriggered bool     `json:"hardRuleTriggered"`
	HardRuleCode      string   `json:"hardRuleCode,omitempty"`
	Results           []Result `json:"results"`
}

// Result returns the named strategy's result.
func (e Evaluation) Result(strategy string) (Result, bool) {
	for _, r := range e.Results {
		if r.Strategy == strategy {
			return r, true
		}
	}
	return Result{}, false
}

// Engine runs hard rules then all scorers.
type Engine struct {
	hard    []HardRule
	scorers []Scorer
}

// NewEngine creates an engine. With no arguments it uses DefaultHardRules
// and no scorers; add scorers with WithScorers.
func NewEngine(hard ...HardRule) *Engine {
	if len(hard) == 0 {
		hard = DefaultHardRules()
	}
	return &Engine{hard: hard}
}

// WithScorers appends scoring strategies.
func (e *Engine) WithScorers(scorers ...Scorer) *Engine {
	e.scorers = append(e.scorers, scorers...)
	return e
}

// HardRules returns the first triggered hard rule.
func (e *Engine) HardRules(set features.Set) (bool, string) {
	for _, r := range e.hard {
		if ok, code := r.Evaluate(set); ok {
			return true, code
		}
	}
	return false, ""
}

// Evaluate runs every stage. Scorers always run.
func (e *Engine) Evaluate(in Input) Evaluation {
	var ev Evaluation
	ev.HardRuleTriggered, ev.HardRuleCode = e.HardRules(in.Features)
	for _, s := range e.scorers {
		ev.Results = append(ev.Results, s.Score(in))
	}
	return ev
}
