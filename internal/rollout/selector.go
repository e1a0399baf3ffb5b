// Package rollout implements the Rollout Selector (spec §4.2): deterministic
// percentage-based bucketing of a device into a release's rollout. No
// third-party library implements this exact bucketing scheme, so it is
// built directly on crypto/sha256 per the spec's formula (see DESIGN.md).
package rollout

import (
	"crypto/sha256"
	"encoding/binary"
)

// InRollout reports whether deviceID falls within the first percent% of
// the deterministic bucket space for releaseID.
//
// bucket = big-endian uint32(SHA-256(deviceID + ":" + releaseID)[0:4]) % 100
//
// percent <= 0 never matches, percent >= 100 always matches, regardless of
// the computed bucket — this keeps the 0%/100% edges exact even though the
// hash distribution is only approximately uniform.
func InRollout(deviceID, releaseID string, percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	return bucket(deviceID, releaseID) < uint32(percent)
}

// bucket returns the device's deterministic position in [0, 100) for a
// given release. Exposed for callers (e.g. analytics) that want the raw
// bucket rather than a threshold comparison.
func bucket(deviceID, releaseID string) uint32 {
	sum := sha256.Sum256([]byte(deviceID + ":" + releaseID))
	return binary.BigEndian.Uint32(sum[0:4]) % 100
}

// Bucket exposes the deterministic [0, 100) bucket for a device/release
// pair.
func Bucket(deviceID, releaseID string) uint32 {
	return bucket(deviceID, releaseID)
}
