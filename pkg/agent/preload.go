package agent

import (
	"context"
	"fmt"
)

// PreloadGateResult reports why a preload was or was not started
// (§4.6.5).
type PreloadGateResult struct {
	Allowed bool
	Reason  string // human-readable; empty when Allowed
}

// EvaluatePreloadGates checks the device conditions once, at the start of
// a background preload, against the agent's configured thresholds. It
// does not re-check mid-download.
func (a *Agent) EvaluatePreloadGates(ctx context.Context) PreloadGateResult {
	cond := a.cfg.Bridge.DeviceConditions(ctx)

	if a.cfg.WifiOnly && !cond.OnWifi {
		return PreloadGateResult{Allowed: false, Reason: "preload requires Wi-Fi but device is not on Wi-Fi"}
	}
	if cond.BatteryPercent < a.cfg.MinBatteryPercent {
		return PreloadGateResult{Allowed: false, Reason: fmt.Sprintf(
			"battery at %d%% is below the minimum %d%% required for preload", cond.BatteryPercent, a.cfg.MinBatteryPercent)}
	}
	if a.cfg.RespectLowPowerMode && cond.LowPowerMode {
		return PreloadGateResult{Allowed: false, Reason: "device is in low-power mode"}
	}
	return PreloadGateResult{Allowed: true}
}

// Preload downloads and installs an update in the background, subject to
// the device-condition gates in §4.6.5. If the gates fail, Preload is a
// no-op and returns the gate's reason as an error-free result — this is
// not a failure, merely a deferral.
func (a *Agent) Preload(ctx context.Context, info UpdateInfo, fetch func(ctx context.Context) ([]byte, error)) (PreloadGateResult, error) {
	gate := a.EvaluatePreloadGates(ctx)
	if !gate.Allowed {
		return gate, nil
	}

	data, err := fetch(ctx)
	if err != nil {
		return gate, err
	}
	return gate, a.Download(ctx, info, data, InstallOnNextLaunch)
}
