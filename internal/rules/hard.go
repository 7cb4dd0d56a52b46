package rules

import "github.com/mbd888/trustscore/internal/features"

// CodeEmulatorProxy blocks sessions that are both emulated and proxied.
const CodeEmulatorProxy = "HARD_BLOCK_EMULATOR_PROXY"

// HardRule is a deterministic override.
type HardRule interface {
	Name() string
	Evaluate(set features.Set) (bool, string)
}

// DefaultHardRules returns the built-in hard rules.
func DefaultHardRules() []HardRule {
	return []HardRule{&EmulatorProxyRule{}}
}

// ---------------------------------------------------------------------------
// EmulatorProxyRule: emulator behind a proxy
// ---------------------------------------------------------------------------

const emulatorProxyCutoff = -0.5

type EmulatorProxyRule struct{}

func (r *EmulatorProxyRule) Name() string { return "emulator_proxy" }

// Evaluate triggers only when both flags are strictly below the cutoff.
func (r *EmulatorProxyRule) Evaluate(set features.Set) (bool, string) {
	emu, ok := set.Get(features.EmulatorFlag)
	if !ok {
		return false, ""
	}
	proxy, ok := set.Get(features.ProxyFlag)
	if !ok {
		return false, ""
	}
	if emu.Value < emulatorProxyCutoff && proxy.Value < emulatorProxyCutoff {
		return true, CodeEmulatorProxy
	}
	return false, ""
}
