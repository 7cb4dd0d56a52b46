package antifraud

import "math"

// rhythmEpsilon replaces a zero interval deviation.
const rhythmEpsilon = 0.001

// Keystroke is one key press. Times are in seconds.
type Keystroke struct {
	Key       string  `json:"key,omitempty"`
	Timestamp float64 `json:"timestamp"`
	KeyDown   float64 `json:"key_down_time"`
	KeyUp     float64 `json:"key_up_time"`
}

// TypingPattern summarizes keystroke timing.
type TypingPattern struct {
	Samples        int     `json:"samples"`
	AvgKeyInterval float64 `json:"avgKeyInterval"`
	StdKeyInterval float64 `json:"stdKeyInterval"`
	TypingRhythm   float64 `json:"typingRhythm"`
	AvgDwellTime   float64 `json:"avgDwellTime"`
	StdDwellTime   float64 `json:"stdDwellTime"`
}

// Metrics flattens the pattern for baseline tracking. Only populated
// measures are included.
func (p *TypingPattern) Metrics() map[string]float64 {
	if p == nil {
		return nil
	}
	m := map[string]float64{}
	if p.Samples > 1 {
		m["avg_key_interval"] = p.AvgKeyInterval
		m["typing_rhythm"] = p.TypingRhythm
	}
	if p.AvgDwellTime > 0 {
		m["avg_dwell_time"] = p.AvgDwellTime
	}
	return m
}

// TypingCadence computes inter-key intervals from consecutive timestamps
// and dwell times from key down/up pairs. Non-positive dwell times are
// ignored. Returns nil for no keystrokes.
func TypingCadence(keys []Keystroke) *TypingPattern {
	if len(keys) == 0 {
		return nil
	}

	var intervals, dwells []float64
	for i, k := range keys {
		if i > 0 {
			intervals = append(intervals, k.Timestamp-keys[i-1].Timestamp)
		}
		if d := k.KeyUp - k.KeyDown; d > 0 {
			dwells = append(dwells, d)
		}
	}

	p := &TypingPattern{Samples: len(keys)}
	if len(intervals) > 0 {
		p.AvgKeyInterval = mean(intervals)
		p.StdKeyInterval = sampleStdDev(intervals)
		p.TypingRhythm = p.AvgKeyInterval / math.Max(p.StdKeyInterval, rhythmEpsilon)
	}
	if len(dwells) > 0 {
		p.AvgDwellTime = mean(dwells)
		p.StdDwellTime = sampleStdDev(dwells)
	}
	return p
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleStdDev uses n-1 and returns 0 for fewer than two values.
func sampleStdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
