package agent

import (
	"context"
	"fmt"

	"bundlenudge.sh/pkg/agent/model"
)

// persist writes md through the Storage layer. Per §4.6.1 step 1, write
// errors here are fatal to initialization; callers outside Start treat a
// persist failure as "the mutation did not durably happen" and may retry.
func (a *Agent) persist(ctx context.Context, md *model.Metadata) error {
	return a.cfg.Storage.Save(ctx, md)
}

// InstallMode controls when a downloaded update takes effect.
type InstallMode int

const (
	// InstallOnNextLaunch is the default: pending_update_flag is set and
	// the bundle takes effect the next time Start runs.
	InstallOnNextLaunch InstallMode = iota
	// InstallImmediate calls the bridge's RestartApp right after install.
	InstallImmediate
)

// Download implements §4.6.2: fetches, verifies, and installs an update,
// then arms the pending-version flag (or restarts immediately).
func (a *Agent) Download(ctx context.Context, info UpdateInfo, data []byte, mode InstallMode) error {
	sum := hashBytes(data)
	if sum != info.BundleHash {
		return fmt.Errorf("invalid bundle: hash mismatch for version %s", info.Version)
	}

	if err := a.cfg.Bridge.SaveBundle(ctx, info.Version, data); err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}

	a.mu.Lock()
	md := a.md
	if md == nil {
		a.mu.Unlock()
		return fmt.Errorf("agent not started")
	}
	md.BundleHashes[info.Version] = sum
	md.PendingVersion = info.Version
	md.PendingUpdateFlag = true
	a.mu.Unlock()

	if err := a.persist(ctx, md); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}

	a.cfg.Reporter.Telemetry(ctx, "update_downloaded", map[string]any{
		"release_id": info.ReleaseID,
		"version":    info.Version,
	})

	if mode == InstallImmediate {
		a.applyPendingAndRestart(ctx)
	}
	return nil
}

// applyPendingAndRestart promotes pending_version to current_version and
// restarts the app, used by InstallImmediate.
func (a *Agent) applyPendingAndRestart(ctx context.Context) {
	a.mu.Lock()
	md := a.md
	if md == nil || !md.PendingUpdateFlag {
		a.mu.Unlock()
		return
	}
	md.PreviousVersion = md.CurrentVersion
	md.CurrentVersion = md.PendingVersion
	md.CurrentVersionHash = md.BundleHashes[md.PendingVersion]
	md.PendingVersion = ""
	md.PendingUpdateFlag = false
	a.mu.Unlock()

	_ = a.persist(ctx, md)
	a.cfg.Bridge.RestartApp(ctx)
}

// ReportCrash implements the §4.6.4 local-and-immediate rollback: it is
// invoked when the host detects its own prior launch crashed inside the
// verification window (rather than relying solely on next-launch
// detection in §4.6.1 step 3). It swaps version pointers synchronously
// and queues a rollback record for the next network opportunity via
// fire-and-forget telemetry.
func (a *Agent) ReportCrash(ctx context.Context, releaseID string) {
	a.mu.Lock()
	md := a.md
	if md == nil || md.PreviousVersion == "" {
		a.mu.Unlock()
		return
	}
	rolledBackFrom := md.CurrentVersion
	md.CurrentVersion = md.PreviousVersion
	md.PreviousVersion = ""
	md.PendingVersion = ""
	md.PendingUpdateFlag = false
	md.CrashCount = 0
	md.LastCrashTime = nil
	a.mu.Unlock()

	_ = a.persist(ctx, md)

	a.cfg.Reporter.Telemetry(ctx, "rollback", map[string]any{
		"release_id":   releaseID,
		"from_version": rolledBackFrom,
		"to_version":   md.CurrentVersion,
	})

	a.cfg.Bridge.RestartApp(ctx)
}
