package targeting

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bundlenudge.sh/internal/models"
)

func TestMatches_EmptyRules(t *testing.T) {
	assert.True(t, Matches(Device{Platform: "ios", AppVersion: "1.0.0"}, nil))
}

func TestMatches_Platform(t *testing.T) {
	rules := []models.Rule{{Platforms: []string{"ios"}}}
	assert.True(t, Matches(Device{Platform: "ios"}, rules))
	assert.False(t, Matches(Device{Platform: "android"}, rules))
}

func TestMatches_AppVersionRange(t *testing.T) {
	rules := []models.Rule{{MinAppVersion: "1.2.0", MaxAppVersion: "1.9.0"}}
	assert.True(t, Matches(Device{AppVersion: "1.2.0"}, rules))
	assert.True(t, Matches(Device{AppVersion: "1.5.3"}, rules))
	assert.False(t, Matches(Device{AppVersion: "1.1.9"}, rules))
	assert.False(t, Matches(Device{AppVersion: "2.0.0"}, rules))
}

func TestMatches_MinOSVersion(t *testing.T) {
	rules := []models.Rule{{MinOSVersion: "16.0"}}
	assert.True(t, Matches(Device{OSVersion: "16.4"}, rules))
	assert.False(t, Matches(Device{OSVersion: "15.9"}, rules))
}

func TestCompareVersions_NonNumericFallback(t *testing.T) {
	assert.Equal(t, 0, compareVersions("1.2", "1.2.0"))
	assert.Equal(t, -1, compareVersions("1.2.0-alpha", "1.2.0-beta"))
	assert.True(t, compareVersions("1.10.0", "1.9.0") > 0)
}
