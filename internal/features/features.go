// Package features normalizes raw session signals into bounded feature
// values in [-1, 1]. Positive values indicate trust, negative values risk.
//
// Extraction is stateless and never fails: absent signals take their zero
// value, which every formula maps to a defined default.
package features

import "math"

// Group names, in scoring order.
const (
	GroupDevice     = "device"
	GroupBehavior   = "behavior"
	GroupGeo        = "geo"
	GroupBiometrics = "biometrics"
)

// Feature names.
const (
	DeviceTrust          = "device_trust"
	EmulatorFlag         = "emulator_flag"
	VelocityDeviceSwitch = "velocity_device_switch"
	DwellTime            = "dwell_time"
	ScrollNatural        = "scroll_natural"
	ClickBurst           = "click_burst"
	IPDistance           = "ip_distance"
	ProxyFlag            = "proxy_flag"
	GeoVelocity          = "geo_velocity"
	FaceMatch            = "face_match"
	Liveness             = "liveness"
)

// BiometricConfidence is the fixed confidence attached to provider scores.
const BiometricConfidence = 0.9

// Value is one normalized feature.
type Value struct {
	Name       string         `json:"name"`
	Value      float64        `json:"value"`
	Confidence float64        `json:"confidence"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// NewValue builds a feature with value clamped to [-1, 1] and confidence
// clamped to [0, 1].
func NewValue(name string, value, confidence float64) Value {
	return Value{
		Name:       name,
		Value:      Clamp(value, -1, 1),
		Confidence: Clamp(confidence, 0, 1),
	}
}

// Clamp bounds v to [lo, hi]. NaN maps to 0 clamped into range.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		v = 0
	}
	return math.Max(lo, math.Min(hi, v))
}

// Group is an ordered set of uniquely named features.
type Group struct {
	Name   string  `json:"name"`
	Values []Value `json:"values"`
}

// Get returns the named feature.
func (g Group) Get(name string) (Value, bool) {
	for _, v := range g.Values {
		if v.Name == name {
			return v, true
		}
	}
	return Value{}, false
}

// put appends v or replaces an existing feature of the same name.
func (g *Group) put(v Value) {
	for i := range g.Values {
		if g.Values[i].Name == v.Name {
			g.Values[i] = v
			return
		}
	}
	g.Values = append(g.Values, v)
}

// Set holds the four feature groups in scoring order.
type Set struct {
	Groups []Group `json:"groups"`
}

// Group returns the named group.
func (s Set) Group(name string) (Group, bool) {
	for _, g := range s.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// Get looks a feature up across all groups.
func (s Set) Get(name string) (Value, bool) {
	for _, g := range s.Groups {
		if v, ok := g.Get(name); ok {
			return v, true
		}
	}
	return Value{}, false
}

// All returns every feature in group order then declaration order.
func (s Set) All() []Value {
	var out []Value
	for _, g := range s.Groups {
		out = append(out, g.Values...)
	}
	return out
}

// Without returns a copy of s with the named group removed.
func (s Set) Without(group string) Set {
	out := Set{Groups: make([]Group, 0, len(s.Groups))}
	for _, g := range s.Groups {
		if g.Name == group {
			continue
		}
		out.Groups = append(out.Groups, g)
	}
	return out
}
