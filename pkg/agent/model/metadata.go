// Package model defines the on-device Metadata record (spec §3) shared by
// the agent and storage packages. It is split out from the top-level
// agent package solely so storage implementations can depend on the
// record type without importing the agent package itself.
package model

import "time"

// VerificationState tracks whether the app has confirmed the current
// bundle is healthy (§4.6.1 step 5, §4.6.3).
type VerificationState struct {
	AppReady     bool       `json:"app_ready"`
	HealthPassed bool       `json:"health_passed"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
}

// AppVersionInfo is the native app identity the Version Guard compares
// against the platform bridge on every launch (§4.6.1 step 2).
type AppVersionInfo struct {
	AppVersion  string    `json:"app_version"`
	BuildNumber string    `json:"build_number"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Metadata is the single semantic record persisted atomically on the
// device (§3's "Metadata stored on the device"). The Storage
// implementation is responsible for atomic whole-record read/write; the
// Agent never partially updates a persisted copy.
type Metadata struct {
	DeviceID    string `json:"device_id"`
	AccessToken string `json:"access_token,omitempty"`

	CurrentVersion     string `json:"current_version,omitempty"`
	CurrentVersionHash string `json:"current_version_hash,omitempty"`
	PreviousVersion    string `json:"previous_version,omitempty"`
	PendingVersion     string `json:"pending_version,omitempty"`
	PendingUpdateFlag  bool   `json:"pending_update_flag"`

	CrashCount    int        `json:"crash_count"`
	LastCrashTime *time.Time `json:"last_crash_time,omitempty"`

	VerificationState VerificationState `json:"verification_state"`
	AppVersionInfo    *AppVersionInfo   `json:"app_version_info,omitempty"`

	// BundleHashes maps an installed version to the hex-SHA256 recorded at
	// install time (§4.6.2 step 3); consulted by bundle validation
	// (§4.6.1 step 4).
	BundleHashes map[string]string `json:"bundle_hashes"`
}

// DefaultMetadata returns the zero-value record for a freshly generated
// device ID, used whenever persisted state is absent or fails validation
// (§4.6.1 step 1).
func DefaultMetadata(deviceID string) *Metadata {
	return &Metadata{
		DeviceID:     deviceID,
		BundleHashes: map[string]string{},
	}
}

// Validate reports whether m satisfies the schema invariants of §4.6.1
// step 1: non-empty device_id, crash_count in [0,100]. A corrupt record
// (failed JSON decode) never reaches Validate — the Storage layer returns
// that as a load error, which the Agent also treats as "reset to
// defaults".
func (m *Metadata) Validate() bool {
	if m == nil {
		return false
	}
	if m.DeviceID == "" {
		return false
	}
	if m.CrashCount < 0 || m.CrashCount > 100 {
		return false
	}
	return true
}
