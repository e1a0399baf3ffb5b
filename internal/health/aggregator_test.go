package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bundlenudge.sh/internal/ids"
	"bundlenudge.sh/internal/models"
)

type timedEvent struct {
	at time.Time
}

type fakeHealthReports struct {
	mu         sync.Mutex
	seen       map[string]bool // releaseID|deviceID
	activation map[string][]timedEvent
	failure    map[string][]timedEvent
	rollbacks  []models.RollbackRecord
	countsErr  error // returned by WindowCounts when set
}

func newFakeHealthReports() *fakeHealthReports {
	return &fakeHealthReports{
		seen:       map[string]bool{},
		activation: map[string][]timedEvent{},
		failure:    map[string][]timedEvent{},
	}
}

func (f *fakeHealthReports) InsertIfNotDuplicate(_ context.Context, report models.HealthReport, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := report.ReleaseID + "|" + report.DeviceID
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeHealthReports) RecordActivation(_ context.Context, releaseID string, eventTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activation[releaseID] = append(f.activation[releaseID], timedEvent{at: eventTime})
	return nil
}

func (f *fakeHealthReports) RecordFailure(_ context.Context, releaseID string, eventTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failure[releaseID] = append(f.failure[releaseID], timedEvent{at: eventTime})
	return nil
}

func (f *fakeHealthReports) WindowCounts(_ context.Context, releaseID string, cutoff time.Time) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countsErr != nil {
		return 0, 0, f.countsErr
	}
	count := func(events []timedEvent) int {
		n := 0
		for _, e := range events {
			if !e.at.Before(cutoff) {
				n++
			}
		}
		return n
	}
	return count(f.activation[releaseID]), count(f.failure[releaseID]), nil
}

func (f *fakeHealthReports) InsertRollbackRecord(_ context.Context, rec models.RollbackRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, rec)
	return nil
}

type fakeHealthConfigs struct {
	cfg *models.HealthConfig
}

func (f *fakeHealthConfigs) Get(_ context.Context, appID string) (*models.HealthConfig, error) {
	if f.cfg != nil {
		return f.cfg, nil
	}
	cfg := models.DefaultHealthConfig(appID)
	return &cfg, nil
}

func (f *fakeHealthConfigs) Upsert(_ context.Context, cfg models.HealthConfig) error {
	f.cfg = &cfg
	return nil
}

type fakeTrigger struct {
	mu       sync.Mutex
	rolled   []string
	returnFn func(releaseID string) error
}

func (f *fakeTrigger) Rollback(_ context.Context, releaseID string, _ models.RollbackReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.returnFn != nil {
		if err := f.returnFn(releaseID); err != nil {
			return err
		}
	}
	f.rolled = append(f.rolled, releaseID)
	return nil
}

func testConfig() *models.HealthConfig {
	return &models.HealthConfig{
		AppID:            "app-1",
		WindowDuration:   time.Hour,
		MinSample:        10,
		FailureThreshold: 0.1,
		DedupWindow:      time.Minute,
		SweepInterval:    time.Second,
	}
}

func TestSweepTriggersRollbackOverThreshold(t *testing.T) {
	reports := newFakeHealthReports()
	configs := &fakeHealthConfigs{cfg: testConfig()}
	trigger := &fakeTrigger{}
	clock := &ids.FixedClock{}

	a := NewAggregator(reports, configs, nil, trigger, clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = a.RecordActivation(ctx, "app-1", "rel-1")
	}
	for i := 0; i < 5; i++ {
		_ = a.ReportFailure(ctx, "app-1", models.HealthReport{ReleaseID: "rel-1", DeviceID: deviceName(i)})
	}

	a.Sweep(ctx, "app-1", []string{"rel-1"})

	if len(trigger.rolled) != 1 || trigger.rolled[0] != "rel-1" {
		t.Errorf("expected rel-1 to be rolled back, got %v", trigger.rolled)
	}
	if len(reports.rollbacks) != 1 {
		t.Errorf("expected one rollback record persisted, got %d", len(reports.rollbacks))
	}
}

func TestSweepSkipsBelowMinSample(t *testing.T) {
	reports := newFakeHealthReports()
	configs := &fakeHealthConfigs{cfg: testConfig()}
	trigger := &fakeTrigger{}
	clock := &ids.FixedClock{}

	a := NewAggregator(reports, configs, nil, trigger, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = a.RecordActivation(ctx, "app-1", "rel-1")
	}
	_ = a.ReportFailure(ctx, "app-1", models.HealthReport{ReleaseID: "rel-1", DeviceID: "dev-0"})
	_ = a.ReportFailure(ctx, "app-1", models.HealthReport{ReleaseID: "rel-1", DeviceID: "dev-1"})
	_ = a.ReportFailure(ctx, "app-1", models.HealthReport{ReleaseID: "rel-1", DeviceID: "dev-2"})

	a.Sweep(ctx, "app-1", []string{"rel-1"})

	if len(trigger.rolled) != 0 {
		t.Errorf("expected no rollback below MinSample, got %v", trigger.rolled)
	}
}

func TestSweepSkipsBelowFailureThreshold(t *testing.T) {
	reports := newFakeHealthReports()
	configs := &fakeHealthConfigs{cfg: testConfig()}
	trigger := &fakeTrigger{}
	clock := &ids.FixedClock{}

	a := NewAggregator(reports, configs, nil, trigger, clock)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_ = a.RecordActivation(ctx, "app-1", "rel-1")
	}
	_ = a.ReportFailure(ctx, "app-1", models.HealthReport{ReleaseID: "rel-1", DeviceID: "dev-0"})

	a.Sweep(ctx, "app-1", []string{"rel-1"})

	if len(trigger.rolled) != 0 {
		t.Errorf("expected no rollback below failure threshold, got %v", trigger.rolled)
	}
}

func TestReportFailureDedupesWithinWindow(t *testing.T) {
	reports := newFakeHealthReports()
	configs := &fakeHealthConfigs{cfg: testConfig()}
	a := NewAggregator(reports, configs, nil, &fakeTrigger{}, &ids.FixedClock{})
	ctx := context.Background()

	report := models.HealthReport{ReleaseID: "rel-1", DeviceID: "dev-0"}
	if err := a.ReportFailure(ctx, "app-1", report); err != nil {
		t.Fatalf("first report: %v", err)
	}
	if err := a.ReportFailure(ctx, "app-1", report); err != nil {
		t.Fatalf("duplicate report: %v", err)
	}

	if len(reports.failure["rel-1"]) != 1 {
		t.Errorf("expected duplicate report to not double-count, got %d", len(reports.failure["rel-1"]))
	}
}

func TestSweepFailOpenOnWindowCountsError(t *testing.T) {
	// rel-1 has counters that would cross the threshold (5 failures out of
	// 10 activations), but WindowCounts fails: the sweep skips the release
	// instead of rolling it back.
	reports := newFakeHealthReports()
	configs := &fakeHealthConfigs{cfg: testConfig()}
	trigger := &fakeTrigger{}
	a := NewAggregator(reports, configs, nil, trigger, &ids.FixedClock{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = a.RecordActivation(ctx, "app-1", "rel-1")
	}
	for i := 0; i < 5; i++ {
		_ = a.ReportFailure(ctx, "app-1", models.HealthReport{ReleaseID: "rel-1", DeviceID: deviceName(i)})
	}
	reports.countsErr = errors.New("backend down")

	a.Sweep(ctx, "app-1", []string{"rel-1"})

	if len(trigger.rolled) != 0 {
		t.Errorf("expected no rollback when window counts fail, got %v", trigger.rolled)
	}
}

func deviceName(i int) string {
	return "dev-" + string(rune('a'+i))
}
