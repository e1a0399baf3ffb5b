// Package models holds the shared entity types described in spec §3.
// Repositories decode storage rows into these types; every other component
// operates on them rather than on raw rows.
package models

import "time"

// App is a top-level namespace for channels and releases (§3).
type App struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Channel groups devices under one deployment track ("production",
// "staging", ...), with at most one active release.
type Channel struct {
	ID                string    `json:"id"`
	AppID             string    `json:"appId"`
	Name              string    `json:"name"`
	IsDefault         bool      `json:"isDefault"`
	ActiveReleaseID   *string   `json:"activeReleaseId,omitempty"`
	RolloutPercentage int       `json:"rolloutPercentage"`
	TargetingRules    []Rule    `json:"targetingRules,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Rule is one ordered entry of a channel's targeting rule list (§4.1).
type Rule struct {
	Platforms     []string `json:"platforms,omitempty"`
	MinAppVersion string   `json:"minAppVersion,omitempty"`
	MaxAppVersion string   `json:"maxAppVersion,omitempty"`
	MinOSVersion  string   `json:"minOsVersion,omitempty"`
}

// ReleaseStatus is the release's position in the lifecycle FSM (§4.3).
type ReleaseStatus string

const (
	ReleaseStatusPending     ReleaseStatus = "pending"
	ReleaseStatusProcessing  ReleaseStatus = "processing"
	ReleaseStatusActive      ReleaseStatus = "active"
	ReleaseStatusSuperseded  ReleaseStatus = "superseded"
	ReleaseStatusRolledBack  ReleaseStatus = "rolled_back"
	ReleaseStatusRejected    ReleaseStatus = "rejected"
)

// Release is one uploaded bundle version targeted at a channel.
//
// RolloutPercentage gates this specific release's gradual rollout (§4.5
// step 6: "Apply Rollout Selector with (release.rollout_percentage,
// release.id, device.id)"), independent of any other release on the same
// channel. It defaults to 100 (fully rolled out) so releases created
// without an explicit percentage behave as before this field existed.
type Release struct {
	ID                string        `json:"id"`
	AppID             string        `json:"appId"`
	ChannelID         string        `json:"channelId"`
	BundleVersion     string        `json:"bundleVersion"`
	BundleURL         string        `json:"bundleUrl"`
	BundleSize        int64         `json:"bundleSize"`
	BundleHash        string        `json:"bundleHash"`
	ReleaseNotes      string        `json:"releaseNotes,omitempty"`
	Status            ReleaseStatus `json:"status"`
	RejectReason      string        `json:"rejectReason,omitempty"`
	TargetingRules    []Rule        `json:"targetingRules,omitempty"`
	RolloutPercentage int           `json:"rolloutPercentage"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
	ActivatedAt       *time.Time    `json:"activatedAt,omitempty"`
}

// Device is the server's materialized view of a device. The server never
// mutates device-owned fields directly (§3) — it only records what the
// device last reported.
type Device struct {
	ID                string     `json:"id"`
	AppID             string     `json:"appId"`
	Platform          string     `json:"platform"`
	AppVersion        string     `json:"appVersion"`
	OSVersion         string     `json:"osVersion"`
	CurrentBundleID   *string    `json:"currentBundleId,omitempty"`
	LastSeenAt        time.Time  `json:"lastSeenAt"`
	FirstSeenAt       time.Time  `json:"firstSeenAt"`
}

// HealthReport records a single device-reported failure for a release.
// Healthy devices never produce a HealthReport (§4.6.3's zero-network-calls
// invariant) — only failures are ever reported.
type HealthReport struct {
	ID            string    `json:"id"`
	ReleaseID     string    `json:"releaseId"`
	DeviceID      string    `json:"deviceId"`
	MissingEvents []string  `json:"missingEvents"`
	ReportedAt    time.Time `json:"reportedAt"`
}

// RollbackReason classifies why a release was rolled back (§3, §4.4).
type RollbackReason string

const (
	RollbackReasonCrashDetected RollbackReason = "crash_detected"
	RollbackReasonHealthTimeout RollbackReason = "health_timeout"
	RollbackReasonManual        RollbackReason = "manual"
	RollbackReasonNativeUpdate  RollbackReason = "native_update"
)

// RollbackRecord is an audit entry for an automatic or manual rollback.
// Detail carries free-form human context (e.g. the measured failure rate,
// or an operator's note); Reason stays one of the fixed enum values so
// rollback history can be queried/aggregated by cause.
type RollbackRecord struct {
	ID          string          `json:"id"`
	ReleaseID   string          `json:"releaseId"`
	Reason      RollbackReason  `json:"reason"`
	Detail      string          `json:"detail,omitempty"`
	Automatic   bool            `json:"automatic"`
	TriggeredAt time.Time       `json:"triggeredAt"`
}

// HealthConfig tunes the Health Aggregator's auto-rollback trigger for one
// app. Defaults (§4.4) apply fail-open when unset.
type HealthConfig struct {
	AppID            string        `json:"appId"`
	WindowDuration   time.Duration `json:"windowDuration"`
	MinSample        int           `json:"minSample"`
	FailureThreshold float64       `json:"failureThreshold"`
	DedupWindow      time.Duration `json:"dedupWindow"`
	SweepInterval    time.Duration `json:"sweepInterval"`
}

// DefaultHealthConfig returns the fail-open defaults named in §4.4.
func DefaultHealthConfig(appID string) HealthConfig {
	return HealthConfig{
		AppID:            appID,
		WindowDuration:   15 * time.Minute,
		MinSample:        50,
		FailureThreshold: 0.05,
		DedupWindow:      10 * time.Minute,
		SweepInterval:    10 * time.Second,
	}
}
