package telemetry

// ActivityLevel is a categorical label for total events per minute.
type ActivityLevel string

const (
	ActivityNone     ActivityLevel = "None"
	ActivityLow      ActivityLevel = "Low"
	ActivityModerate ActivityLevel = "Moderate"
	ActivityHigh     ActivityLevel = "High"
	ActivityVeryHigh ActivityLevel = "VeryHigh"
)

// Lower bounds are exclusive: exactly 100 events/min is High.
const (
	veryHighThreshold = 100
	highThreshold     = 50
	moderateThreshold = 20
	lowThreshold      = 5
)

// ActivityLevelFor classifies the sum of per-kind rates.
func ActivityLevelFor(rates map[Kind]float64) ActivityLevel {
	var total float64
	for _, r := range rates {
		total += r
	}
	return activityLevelForTotal(total)
}

func activityLevelForTotal(total float64) ActivityLevel {
	switch {
	case total > veryHighThreshold:
		return ActivityVeryHigh
	case total > highThreshold:
		return ActivityHigh
	case total > moderateThreshold:
		return ActivityModerate
	case total > lowThreshold:
		return ActivityLow
	default:
		return ActivityNone
	}
}
