// Package antifraud derives fraud indicators for a session: device and
// browser fingerprints, typing cadence, rapid IP changes, blacklist matches
// and drift from a per-session behavioural baseline.
package antifraud

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// fingerprintLen is the number of hex characters kept from the digest.
const fingerprintLen = 16

// DeviceAttributes are the client-reported properties that identify a
// device. Fonts only feed the browser fingerprint.
type DeviceAttributes struct {
	UserAgent        string   `json:"user_agent"`
	ScreenResolution string   `json:"screen_resolution"`
	Timezone         string   `json:"timezone"`
	Language         string   `json:"language"`
	Plugins          []string `json:"plugins"`
	Platform         string   `json:"platform"`
	ColorDepth       int      `json:"color_depth"`
	PixelRatio       float64  `json:"pixel_ratio"`
	Fonts            []string `json:"fonts,omitempty"`
}

var deviceKeys = []string{
	"user_agent", "screen_resolution", "timezone", "language",
	"plugins", "platform", "color_depth", "pixel_ratio",
}

var browserKeys = []string{"user_agent", "language", "timezone", "plugins", "fonts"}

// Fingerprint hashes the canonical form of the device attributes.
func Fingerprint(d DeviceAttributes) string {
	return FingerprintMap(d.toMap())
}

// BrowserFingerprint hashes user agent, language, timezone, plugins and
// fonts.
func BrowserFingerprint(d DeviceAttributes) string {
	return hashFields(d.toMap(), browserKeys)
}

// FingerprintMap hashes loosely typed attributes. Only the device keys are
// considered; key order in m does not matter.
func FingerprintMap(m map[string]any) string {
	return hashFields(m, deviceKeys)
}

func (d DeviceAttributes) toMap() map[string]any {
	m := map[string]any{
		"user_agent":        d.UserAgent,
		"screen_resolution": d.ScreenResolution,
		"timezone":          d.Timezone,
		"language":          d.Language,
		"plugins":           stringsToAny(d.Plugins),
		"platform":          d.Platform,
		"color_depth":       d.ColorDepth,
		"pixel_ratio":       d.PixelRatio,
		"fonts":             stringsToAny(d.Fonts),
	}
	return m
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// hashFields selects keys from m, sorts list values, and hashes the
// sorted-key JSON encoding. Absent keys hash as empty strings, absent
// lists as empty lists.
func hashFields(m map[string]any, keys []string) string {
	canonical := make(map[string]any, len(keys))
	for _, k := range keys {
		v, ok := m[k]
		switch {
		case k == "plugins" || k == "fonts":
			canonical[k] = sortedList(v)
		case !ok || v == nil:
			canonical[k] = ""
		default:
			canonical[k] = v
		}
	}

	// encoding/json writes map keys in sorted order.
	b, err := json.Marshal(canonical)
	if err != nil {
		return "unknown"
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

func sortedList(v any) []string {
	var out []string
	switch list := v.(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	if out == nil {
		return []string{}
	}
	sort.Strings(out)
	return out
}
