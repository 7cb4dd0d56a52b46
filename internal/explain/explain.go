// Package explain ranks weighted-score contributions into reason codes.
package explain

import (
	"math"
	"sort"
	"strings"

	"github.com/mbd888/trustscore/internal/rules"
)

// DefaultTopK is used when k is not positive.
const DefaultTopK = 5

// Reason is a ranked contribution.
type Reason struct {
	Code  string  `json:"code"`
	Value float64 `json:"value"`
}

// TopReasons orders contributions by absolute value, largest first, keeping
// input order on ties, and returns at most k upper-cased reason codes with
// values rounded to four decimals.
func TopReasons(contributions []rules.Contribution, k int) []Reason {
	if k <= 0 {
		k = DefaultTopK
	}

	ranked := make([]rules.Contribution, len(contributions))
	copy(ranked, contributions)
	sort.SliceStable(ranked, func(i, j int) bool {
		return math.Abs(ranked[i].Value) > math.Abs(ranked[j].Value)
	})

	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]Reason, len(ranked))
	for i, c := range ranked {
		out[i] = Reason{Code: strings.ToUpper(c.Name), Value: round4(c.Value)}
	}
	return out
}

// Negative returns the subset of reasons that pushed the score toward risk.
func Negative(reasons []Reason) []Reason {
	var out []Reason
	for _, r := range reasons {
		if r.Value < 0 {
			out = append(out, r)
		}
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
