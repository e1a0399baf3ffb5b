package resolution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundlenudge.sh/internal/ids"
	"bundlenudge.sh/internal/models"
	"bundlenudge.sh/internal/repository"
)

type fakeChannels struct {
	byID   map[string]*models.Channel
	byName map[string]*models.Channel // key: appID+"/"+name
	byApp  map[string]*models.Channel // default channel per app
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{byID: map[string]*models.Channel{}, byName: map[string]*models.Channel{}, byApp: map[string]*models.Channel{}}
}

func (f *fakeChannels) add(ch *models.Channel) {
	f.byID[ch.ID] = ch
	f.byName[ch.AppID+"/"+ch.Name] = ch
	if ch.IsDefault {
		f.byApp[ch.AppID] = ch
	}
}

func (f *fakeChannels) Get(_ context.Context, id string) (*models.Channel, error) {
	if ch, ok := f.byID[id]; ok {
		return ch, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeChannels) GetByAppAndName(_ context.Context, appID, name string) (*models.Channel, error) {
	if ch, ok := f.byName[appID+"/"+name]; ok {
		return ch, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeChannels) GetDefault(_ context.Context, appID string) (*models.Channel, error) {
	if ch, ok := f.byApp[appID]; ok {
		return ch, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeChannels) Create(_ context.Context, ch *models.Channel) error { f.add(ch); return nil }
func (f *fakeChannels) SetRolloutPercentage(_ context.Context, id string, pct int) error {
	f.byID[id].RolloutPercentage = pct
	return nil
}
func (f *fakeChannels) SetTargetingRules(_ context.Context, id string, rules []models.Rule) error {
	f.byID[id].TargetingRules = rules
	return nil
}
func (f *fakeChannels) CompareAndSwapActiveRelease(_ context.Context, channelID string, expectedPrev *string, newReleaseID string) error {
	f.byID[channelID].ActiveReleaseID = &newReleaseID
	return nil
}
func (f *fakeChannels) ClearActiveRelease(_ context.Context, channelID string, expectedCurrent string) error {
	f.byID[channelID].ActiveReleaseID = nil
	return nil
}

type fakeReleases struct {
	byID map[string]*models.Release
}

func newFakeReleases() *fakeReleases { return &fakeReleases{byID: map[string]*models.Release{}} }

func (f *fakeReleases) add(rel *models.Release) { f.byID[rel.ID] = rel }

func (f *fakeReleases) Get(_ context.Context, id string) (*models.Release, error) {
	if rel, ok := f.byID[id]; ok {
		return rel, nil
	}
	return nil, repository.ErrNotFound
}
func (f *fakeReleases) Create(_ context.Context, rel *models.Release) error { f.add(rel); return nil }
func (f *fakeReleases) UpdateStatus(_ context.Context, id string, from, to models.ReleaseStatus) error {
	f.byID[id].Status = to
	return nil
}
func (f *fakeReleases) ListByChannel(_ context.Context, channelID string, status models.ReleaseStatus) ([]*models.Release, error) {
	return nil, nil
}
func (f *fakeReleases) ListActiveByApp(_ context.Context, appID string) ([]*models.Release, error) {
	return nil, nil
}
func (f *fakeReleases) AcquireLease(_ context.Context, releaseID, ownerID string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeReleases) ReleaseLease(_ context.Context, releaseID, ownerID string) error { return nil }
func (f *fakeReleases) ListPendingWithoutLease(_ context.Context, limit int) ([]*models.Release, error) {
	return nil, nil
}
func (f *fakeReleases) LatestSuperseded(_ context.Context, channelID string) (*models.Release, error) {
	return nil, repository.ErrNotFound
}

type fakeDevices struct {
	byID map[string]*models.Device
}

func newFakeDevices() *fakeDevices { return &fakeDevices{byID: map[string]*models.Device{}} }

func (f *fakeDevices) Get(_ context.Context, id string) (*models.Device, error) {
	if d, ok := f.byID[id]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}
func (f *fakeDevices) Upsert(_ context.Context, d *models.Device) error {
	f.byID[d.ID] = d
	return nil
}
func (f *fakeDevices) SetCurrentBundle(_ context.Context, deviceID, bundleID string) (bool, error) {
	d, ok := f.byID[deviceID]
	if !ok {
		return false, nil
	}
	if d.CurrentBundleID != nil && *d.CurrentBundleID == bundleID {
		return false, nil
	}
	d.CurrentBundleID = &bundleID
	return true, nil
}
func (f *fakeDevices) CountActiveSince(_ context.Context, appID string, since time.Time) (int, error) {
	return len(f.byID), nil
}

type fakeEventSink struct {
	calls int
}

func (f *fakeEventSink) EnqueueCheck(CheckRequest, string) { f.calls++ }

func newTestService(t *testing.T, channels *fakeChannels, releases *fakeReleases, devices *fakeDevices) *Service {
	t.Helper()
	svc, err := NewService(channels, releases, devices, nil, &fakeEventSink{}, ids.SystemClock{}, Config{})
	require.NoError(t, err)
	return svc
}

func TestCheck_NoActiveRelease(t *testing.T) {
	channels := newFakeChannels()
	channels.add(&models.Channel{ID: "ch1", AppID: "app1", Name: "production", IsDefault: true})
	svc := newTestService(t, channels, newFakeReleases(), newFakeDevices())

	out, err := svc.Check(context.Background(), CheckRequest{AppID: "app1", DeviceID: "dev1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, out.Kind)
}

func TestCheck_NoChannelFound(t *testing.T) {
	svc := newTestService(t, newFakeChannels(), newFakeReleases(), newFakeDevices())
	out, err := svc.Check(context.Background(), CheckRequest{AppID: "nope", DeviceID: "dev1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, out.Kind)
}

func TestCheck_DeviceAlreadyCurrent(t *testing.T) {
	channels := newFakeChannels()
	releaseID := "rel1"
	channels.add(&models.Channel{ID: "ch1", AppID: "app1", Name: "production", IsDefault: true, ActiveReleaseID: &releaseID, RolloutPercentage: 100})
	releases := newFakeReleases()
	releases.add(&models.Release{ID: releaseID, AppID: "app1", ChannelID: "ch1", BundleVersion: "2.0.0", BundleHash: "abc123", RolloutPercentage: 100})

	svc := newTestService(t, channels, releases, newFakeDevices())
	out, err := svc.Check(context.Background(), CheckRequest{AppID: "app1", DeviceID: "dev1", CurrentBundleHash: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, out.Kind)
}

func TestCheck_UpdateAvailable(t *testing.T) {
	channels := newFakeChannels()
	releaseID := "rel1"
	channels.add(&models.Channel{ID: "ch1", AppID: "app1", Name: "production", IsDefault: true, ActiveReleaseID: &releaseID, RolloutPercentage: 100})
	releases := newFakeReleases()
	releases.add(&models.Release{ID: releaseID, AppID: "app1", ChannelID: "ch1", BundleVersion: "2.0.0", BundleURL: "https://cdn/b.zip", BundleHash: "abc123", BundleSize: 1024, RolloutPercentage: 100})

	svc := newTestService(t, channels, releases, newFakeDevices())
	out, err := svc.Check(context.Background(), CheckRequest{AppID: "app1", DeviceID: "dev1", CurrentBundleHash: "old"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdateAvailable, out.Kind)
	assert.Equal(t, "2.0.0", out.Version)
	assert.Equal(t, "abc123", out.BundleHash)
	assert.Equal(t, int64(1024), out.BundleSize)
	assert.Equal(t, releaseID, out.ReleaseID)
}

func TestCheck_ExcludedByRollout(t *testing.T) {
	channels := newFakeChannels()
	releaseID := "rel1"
	channels.add(&models.Channel{ID: "ch1", AppID: "app1", Name: "production", IsDefault: true, ActiveReleaseID: &releaseID})
	releases := newFakeReleases()
	releases.add(&models.Release{ID: releaseID, AppID: "app1", ChannelID: "ch1", BundleVersion: "2.0.0", BundleHash: "abc123", RolloutPercentage: 0})

	svc := newTestService(t, channels, releases, newFakeDevices())
	out, err := svc.Check(context.Background(), CheckRequest{AppID: "app1", DeviceID: "dev1", CurrentBundleHash: "old"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, out.Kind)
}

func TestCheck_RequiresStoreUpdate(t *testing.T) {
	channels := newFakeChannels()
	releaseID := "rel1"
	channels.add(&models.Channel{ID: "ch1", AppID: "app1", Name: "production", IsDefault: true, ActiveReleaseID: &releaseID, RolloutPercentage: 100})
	releases := newFakeReleases()
	releases.add(&models.Release{
		ID: releaseID, AppID: "app1", ChannelID: "ch1", BundleVersion: "2.0.0", BundleHash: "abc123",
		TargetingRules: []models.Rule{{MinAppVersion: "3.0.0"}}, RolloutPercentage: 100,
	})

	svc := newTestService(t, channels, releases, newFakeDevices())
	out, err := svc.Check(context.Background(), CheckRequest{AppID: "app1", DeviceID: "dev1", AppVersion: "2.5.0", CurrentBundleHash: "old"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequiresStoreUpdate, out.Kind)
	assert.NotEmpty(t, out.Message)
}

func TestCheck_IneligibleOtherReasonIsNoUpdate(t *testing.T) {
	channels := newFakeChannels()
	releaseID := "rel1"
	channels.add(&models.Channel{ID: "ch1", AppID: "app1", Name: "production", IsDefault: true, ActiveReleaseID: &releaseID, RolloutPercentage: 100})
	releases := newFakeReleases()
	releases.add(&models.Release{
		ID: releaseID, AppID: "app1", ChannelID: "ch1", BundleVersion: "2.0.0", BundleHash: "abc123",
		TargetingRules: []models.Rule{{Platforms: []string{"android"}}}, RolloutPercentage: 100,
	})

	svc := newTestService(t, channels, releases, newFakeDevices())
	out, err := svc.Check(context.Background(), CheckRequest{AppID: "app1", DeviceID: "dev1", Platform: "ios", CurrentBundleHash: "old"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, out.Kind)
}

func TestCheck_ChannelHintSelectsNonDefaultChannel(t *testing.T) {
	channels := newFakeChannels()
	releaseID := "rel-staging"
	channels.add(&models.Channel{ID: "ch-default", AppID: "app1", Name: "production", IsDefault: true})
	channels.add(&models.Channel{ID: "ch-staging", AppID: "app1", Name: "staging", ActiveReleaseID: &releaseID, RolloutPercentage: 100})
	releases := newFakeReleases()
	releases.add(&models.Release{ID: releaseID, AppID: "app1", ChannelID: "ch-staging", BundleVersion: "3.0.0", BundleHash: "zzz", RolloutPercentage: 100})

	svc := newTestService(t, channels, releases, newFakeDevices())
	out, err := svc.Check(context.Background(), CheckRequest{AppID: "app1", DeviceID: "dev1", ChannelHint: "staging", CurrentBundleHash: "old"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdateAvailable, out.Kind)
	assert.Equal(t, "3.0.0", out.Version)
}

func TestCheck_InvalidInput(t *testing.T) {
	svc := newTestService(t, newFakeChannels(), newFakeReleases(), newFakeDevices())
	_, err := svc.Check(context.Background(), CheckRequest{})
	require.Error(t, err)
}

func TestCheck_EmitsTelemetryEvent(t *testing.T) {
	channels := newFakeChannels()
	channels.add(&models.Channel{ID: "ch1", AppID: "app1", Name: "production", IsDefault: true})
	sink := &fakeEventSink{}
	svc, err := NewService(channels, newFakeReleases(), newFakeDevices(), nil, sink, ids.SystemClock{}, Config{})
	require.NoError(t, err)

	_, err = svc.Check(context.Background(), CheckRequest{AppID: "app1", DeviceID: "dev1"})
	require.NoError(t, err)
	assert.Equal(t, 1, sink.calls)
}

func TestInvalidateChannel_BypassesCache(t *testing.T) {
	channels := newFakeChannels()
	channels.add(&models.Channel{ID: "ch1", AppID: "app1", Name: "production", IsDefault: true, RolloutPercentage: 0})
	svc := newTestService(t, channels, newFakeReleases(), newFakeDevices())

	ctx := context.Background()
	_, err := svc.Check(ctx, CheckRequest{AppID: "app1", DeviceID: "dev1"})
	require.NoError(t, err)

	releaseID := "rel1"
	channels.byID["ch1"].ActiveReleaseID = &releaseID // mutate underlying row directly, cache still stale

	svc.InvalidateChannel(ctx, "app1", "")

	releases := newFakeReleases()
	releases.add(&models.Release{ID: releaseID, AppID: "app1", ChannelID: "ch1", BundleVersion: "2.0.0", BundleHash: "abc", RolloutPercentage: 100})
	svc.releases = releases

	out, err := svc.Check(ctx, CheckRequest{AppID: "app1", DeviceID: "dev1", CurrentBundleHash: "old"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdateAvailable, out.Kind)
}
