package antifraud

import (
	"fmt"
	"math"
	"sort"
)

const (
	emaAlpha         = 0.1
	anomalyDeviation = 0.5
)

// Baseline is a per-session exponential moving average of behavioural
// metrics. It is not safe for concurrent use; the Analyzer serializes
// access per session.
type Baseline struct {
	values map[string]float64
}

// NewBaseline creates an unseeded baseline.
func NewBaseline() *Baseline {
	return &Baseline{values: make(map[string]float64)}
}

// Seeded reports whether any observation has been recorded.
func (b *Baseline) Seeded() bool {
	return len(b.values) > 0
}

// Values returns a copy of the current averages.
func (b *Baseline) Values() map[string]float64 {
	out := make(map[string]float64, len(b.values))
	for k, v := range b.values {
		out[k] = v
	}
	return out
}

// Observe compares current against the baseline and folds it in. The
// first non-empty observation seeds the baseline and reports nothing.
// Anomalies are returned in metric name order.
func (b *Baseline) Observe(current map[string]float64) []string {
	anomalies := []string{}
	if len(current) == 0 {
		return anomalies
	}
	if !b.Seeded() {
		for k, v := range current {
			b.values[k] = v
		}
		return anomalies
	}

	metrics := make([]string, 0, len(current))
	for k := range current {
		metrics = append(metrics, k)
	}
	sort.Strings(metrics)

	for _, metric := range metrics {
		cur := current[metric]
		base, ok := b.values[metric]
		if !ok || base <= 0 {
			continue
		}
		deviation := math.Abs(cur-base) / base
		if deviation > anomalyDeviation {
			anomalies = append(anomalies, fmt.Sprintf("anomaly in %s: deviation of %.1f%%", metric, deviation*100))
		}
	}

	for _, metric := range metrics {
		cur := current[metric]
		if base, ok := b.values[metric]; ok {
			b.values[metric] = (1-emaAlpha)*base + emaAlpha*cur
		} else {
			b.values[metric] = cur
		}
	}
	return anomalies
}
