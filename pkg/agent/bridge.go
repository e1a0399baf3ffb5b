package agent

import "context"

// PlatformBridge abstracts the host-platform operations the agent needs
// but cannot perform itself: writing bundle files, restarting the app,
// and reading the native app's own version identity. A real SDK wires
// this to iOS/Android/React-Native host APIs; tests use a fake.
type PlatformBridge interface {
	// SaveBundle atomically persists data under the given version key in
	// the platform's bundle directory, per §4.6.2 step 3 (temp file then
	// rename, with cleanup of the temp file on any error before rename).
	SaveBundle(ctx context.Context, version string, data []byte) error

	// RemoveBundle deletes a previously saved version, used by bundle
	// validation fallback (§4.6.1 step 4) and by preload cleanup.
	RemoveBundle(ctx context.Context, version string) error

	// ReadBundle returns the bytes of a previously saved version, used to
	// recompute its hash for validation.
	ReadBundle(ctx context.Context, version string) ([]byte, error)

	// RestartApp restarts the host application, used for install_mode =
	// immediate (§4.6.2 step 4).
	RestartApp(ctx context.Context)

	// CurrentAppVersion returns the native app's current identity, used
	// by the Version Guard (§4.6.1 step 2).
	CurrentAppVersion(ctx context.Context) (appVersion, buildNumber string)

	// DeviceConditions returns the current device state consulted by
	// preload gating (§4.6.5).
	DeviceConditions(ctx context.Context) DeviceConditions
}

// DeviceConditions is the subset of device state the preload gate
// evaluates (§4.6.5).
type DeviceConditions struct {
	OnWifi         bool
	BatteryPercent int
	LowPowerMode   bool
}
