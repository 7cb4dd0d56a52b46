package features

import "math"

// DeviceSignals describes the device the session runs on.
type DeviceSignals struct {
	SeenBefore  bool `json:"seen_before"`
	Emulator    bool `json:"emulator"`
	Switches24h int  `json:"switches_24h"`
}

// BehaviorSignals are coarse interaction statistics.
type BehaviorSignals struct {
	SessionTimeS   float64 `json:"session_time_s"`
	AvgScrollSpeed float64 `json:"avg_scroll_speed"`
	ClickBurst     int     `json:"click_burst"`
}

// GeoSignals describe network location relative to the user's home.
type GeoSignals struct {
	IPDistanceHomeKm float64 `json:"ip_distance_home_km"`
	Proxy            bool    `json:"proxy"`
	GeoVelocity      float64 `json:"geo_velocity"`
}

// BiometricSignals are provider scores in [0, 1].
type BiometricSignals struct {
	FaceMatchScore float64 `json:"face_match_score"`
	LivenessScore  float64 `json:"liveness_score"`
}

// Payload is the signal document consumed by Extract. Every field is
// optional.
type Payload struct {
	Device     DeviceSignals    `json:"device"`
	Behavior   BehaviorSignals  `json:"behavior"`
	Geo        GeoSignals       `json:"geo"`
	Biometrics BiometricSignals `json:"biometrics"`
}

// Extract normalizes a payload into a feature set.
func Extract(p Payload) Set {
	return Set{Groups: []Group{
		Device(p.Device),
		Behavior(p.Behavior),
		Geo(p.Geo),
		Biometrics(p.Biometrics),
	}}
}

// Device extracts device_trust, emulator_flag and velocity_device_switch.
func Device(d DeviceSignals) Group {
	g := Group{Name: GroupDevice}

	trust := -0.1
	if d.SeenBefore {
		trust = 0.5
	}
	g.put(NewValue(DeviceTrust, trust, 1))

	emu := 0.0
	if d.Emulator {
		emu = -0.7
	}
	g.put(NewValue(EmulatorFlag, emu, 1))

	switches := math.Max(float64(d.Switches24h), 0)
	g.put(NewValue(VelocityDeviceSwitch, -math.Min(switches*0.15, 1.0), 1))
	return g
}

// Behavior extracts dwell_time, scroll_natural and click_burst.
func Behavior(b BehaviorSignals) Group {
	g := Group{Name: GroupBehavior}
	g.put(NewValue(DwellTime, math.Min(b.SessionTimeS/30, 1.0)-0.1, 1))
	g.put(NewValue(ScrollNatural, math.Min(b.AvgScrollSpeed/2000, 1.0)-0.1, 1))

	burst := math.Max(float64(b.ClickBurst), 0)
	g.put(NewValue(ClickBurst, -math.Min(burst*0.2, 1.0), 1))
	return g
}

// Geo extracts ip_distance, proxy_flag and geo_velocity.
func Geo(s GeoSignals) Group {
	g := Group{Name: GroupGeo}
	g.put(NewValue(IPDistance, -math.Min(math.Max(s.IPDistanceHomeKm, 0)/2000, 1.0), 1))

	proxy := 0.0
	if s.Proxy {
		proxy = -0.6
	}
	g.put(NewValue(ProxyFlag, proxy, 1))
	g.put(NewValue(GeoVelocity, -math.Min(math.Max(s.GeoVelocity, 0)/800, 1.0), 1))
	return g
}

// Biometrics maps provider scores from [0, 1] onto [-1, 1].
func Biometrics(b BiometricSignals) Group {
	g := Group{Name: GroupBiometrics}
	g.put(NewValue(FaceMatch, (b.FaceMatchScore-0.5)*2, BiometricConfidence))
	g.put(NewValue(Liveness, (b.LivenessScore-0.5)*2, BiometricConfidence))
	return g
}
