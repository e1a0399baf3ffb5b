// Package targeting implements the Targeting Evaluator (spec §4.1): a pure
// function from (device descriptor, ordered rule list) to a match/no-match
// verdict. It has no dependency on the database or the network so it is
// trivially unit-testable, mirroring how the teacher keeps
// internal/fleet/deployment.go's status predicates dependency-free.
package targeting

import "bundlenudge.sh/internal/models"

// Device is the minimal descriptor the evaluator needs. Callers build it
// from models.Device plus the in-flight request.
type Device struct {
	Platform   string
	AppVersion string
	OSVersion  string
}

// Matches reports whether d satisfies every rule in the ordered list.
// An empty rule list matches everything. Rules are evaluated in order and
// evaluation short-circuits on the first failing rule (§4.1).
func Matches(d Device, rules []models.Rule) bool {
	for _, rule := range rules {
		if !matchesRule(d, rule) {
			return false
		}
	}
	return true
}

func matchesRule(d Device, rule models.Rule) bool {
	if len(rule.Platforms) > 0 && !platformInSet(d.Platform, rule.Platforms) {
		return false
	}
	if !VersionAtLeast(d.AppVersion, rule.MinAppVersion) {
		return false
	}
	if !VersionAtMost(d.AppVersion, rule.MaxAppVersion) {
		return false
	}
	if !VersionAtLeast(d.OSVersion, rule.MinOSVersion) {
		return false
	}
	return true
}

func platformInSet(platform string, set []string) bool {
	for _, p := range set {
		if p == platform {
			return true
		}
	}
	return false
}
