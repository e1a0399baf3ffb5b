package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bundlenudge.sh/pkg/agent/health"
	"bundlenudge.sh/pkg/agent/model"
	"bundlenudge.sh/pkg/agent/storage"
)

// Config configures a single Agent instance. There is no package-level
// singleton: callers construct and own an Agent explicitly, per the
// host app's own lifecycle.
type Config struct {
	AppID    string
	Platform string

	Storage  storage.Storage
	Bridge   PlatformBridge
	Reporter Reporter

	// HealthWindow is the verification window passed to health.Config;
	// zero uses health.DefaultWindow.
	HealthWindow time.Duration
	// HealthFailURL is the absolute URL the health monitor posts failures
	// to, e.g. baseURL + "/v1/health/failure".
	HealthFailURL string

	// InstallVerificationWindow is the §4.6.1 step 5 timer (default 60s).
	InstallVerificationWindow time.Duration

	// AutoCheck disables the optional step 7 auto-check when false.
	AutoCheck bool

	// Preload gating defaults (§4.6.5).
	WifiOnly            bool
	MinBatteryPercent   int
	RespectLowPowerMode bool

	// Callbacks, all optional.
	OnNativeUpdateDetected func()
	OnValidationFailed     func(version string)
}

// DefaultConfig returns a Config with the spec's documented defaults
// (§4.6.1 step 5's 60s window, §4.6.5's preload gates) pre-filled. Callers
// set Storage/Bridge/Reporter and override any of the rest before passing
// it to New.
func DefaultConfig(appID, platform string) Config {
	return Config{
		AppID:                     appID,
		Platform:                  platform,
		HealthWindow:              health.DefaultWindow,
		InstallVerificationWindow: 60 * time.Second,
		AutoCheck:                 true,
		WifiOnly:                  true,
		MinBatteryPercent:         20,
		RespectLowPowerMode:       true,
	}
}

// withDefaults fills in the spec's documented duration defaults for
// zero-valued fields, without mutating the caller's Config. Boolean/
// percentage defaults (§4.6.5) are only applied via DefaultConfig, since
// a bare Config{} cannot distinguish "explicitly false" from "unset".
func (c Config) withDefaults() Config {
	if c.InstallVerificationWindow <= 0 {
		c.InstallVerificationWindow = 60 * time.Second
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = health.DefaultWindow
	}
	return c
}

// Agent is the single-threaded, cooperative device-side controller
// (§4.6). It is driven by the host's own event loop: Start is called once
// at app launch, and ReportHealthEvent/CheckForUpdate/Download/Preload are
// called as the host app reacts to its own lifecycle events. Besides the
// health monitor's verification-window goroutine, Start launches one
// goroutine for the startup update check when auto-check is enabled, and
// arming install verification starts a time.AfterFunc timer.
type Agent struct {
	cfg Config

	mu  sync.Mutex
	md  *model.Metadata
	mon *health.Monitor

	installTimer *time.Timer
}

// New constructs an Agent. It does not touch storage or the network;
// call Start to run the §4.6.1 startup sequence.
func New(cfg Config) *Agent {
	return &Agent{
		cfg: cfg.withDefaults(),
		mon: health.NewMonitor(nil),
	}
}

// Metadata returns a copy of the agent's current in-memory record, for
// host apps that want to display version/crash state.
func (a *Agent) Metadata() model.Metadata {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.md
}

// Start runs the §4.6.1 startup sequence to completion and returns the
// metadata in effect once it finishes (post rollback/native-update
// handling). Step 6 (registration) and step 7 (optional auto-check) make
// network calls and may return a non-fatal error — the agent remains
// usable even if registration fails, retried on a later Start.
func (a *Agent) Start(ctx context.Context) error {
	md, err := a.loadOrReset(ctx)
	if err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}

	nativeUpdateDetected := a.checkVersionGuard(ctx, md)
	if !nativeUpdateDetected {
		a.checkCrashRecovery(md)
	}

	if !nativeUpdateDetected {
		a.validateCurrentBundle(ctx, md)
	}

	if md.PreviousVersion != "" {
		a.armInstallVerification(md)
	}

	a.mu.Lock()
	a.md = md
	a.mu.Unlock()

	if err := a.persist(ctx, md); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}

	if md.AccessToken == "" {
		if err := a.register(ctx, md); err != nil {
			return fmt.Errorf("register device: %w", err)
		}
	}

	if a.cfg.AutoCheck {
		go a.autoCheck(ctx)
	}

	return nil
}

// loadOrReset implements §4.6.1 step 1.
func (a *Agent) loadOrReset(ctx context.Context) (*model.Metadata, error) {
	md, err := a.cfg.Storage.Load(ctx)
	if err != nil {
		// Both "no record" and arbitrary read errors fall through to
		// defaults (§4.6.1 step 1); only write errors are fatal.
		return model.DefaultMetadata(newDeviceID()), nil
	}
	if !md.Validate() {
		return model.DefaultMetadata(newDeviceID()), nil
	}
	if md.BundleHashes == nil {
		md.BundleHashes = map[string]string{}
	}
	return md, nil
}

// checkVersionGuard implements §4.6.1 step 2. Returns true if a native
// update was detected (in which case step 4 is skipped this launch).
func (a *Agent) checkVersionGuard(ctx context.Context, md *model.Metadata) bool {
	appVersion, buildNumber := a.cfg.Bridge.CurrentAppVersion(ctx)

	changed := md.AppVersionInfo == nil ||
		md.AppVersionInfo.AppVersion != appVersion ||
		md.AppVersionInfo.BuildNumber != buildNumber
	if !changed {
		return false
	}

	md.BundleHashes = map[string]string{}
	md.CurrentVersion = ""
	md.CurrentVersionHash = ""
	md.PreviousVersion = ""
	md.PendingVersion = ""
	md.PendingUpdateFlag = false
	md.CrashCount = 0
	md.LastCrashTime = nil
	md.AppVersionInfo = &model.AppVersionInfo{AppVersion: appVersion, BuildNumber: buildNumber, RecordedAt: time.Now()}

	if a.cfg.OnNativeUpdateDetected != nil {
		a.cfg.OnNativeUpdateDetected()
	}
	return true
}

// checkCrashRecovery implements §4.6.1 step 3.
func (a *Agent) checkCrashRecovery(md *model.Metadata) {
	if md.PreviousVersion == "" || md.CrashCount <= 0 {
		return
	}
	md.CrashCount++
	md.CurrentVersion = md.PreviousVersion
	md.PreviousVersion = ""
	md.PendingVersion = ""
	md.PendingUpdateFlag = false
	md.CrashCount = 0
	md.LastCrashTime = nil
}

// validateCurrentBundle implements §4.6.1 step 4.
func (a *Agent) validateCurrentBundle(ctx context.Context, md *model.Metadata) {
	if md.CurrentVersion == "" {
		return
	}
	storedHash, hasHash := md.BundleHashes[md.CurrentVersion]
	if !hasHash {
		return // legacy bundle with no recorded hash is accepted
	}

	data, err := a.cfg.Bridge.ReadBundle(ctx, md.CurrentVersion)
	if err != nil {
		return
	}
	if hashBytes(data) == storedHash {
		return
	}

	failedVersion := md.CurrentVersion
	delete(md.BundleHashes, md.CurrentVersion)
	_ = a.cfg.Bridge.RemoveBundle(ctx, md.CurrentVersion)
	md.CurrentVersion = ""
	md.CurrentVersionHash = ""
	if a.cfg.OnValidationFailed != nil {
		a.cfg.OnValidationFailed(failedVersion)
	}
}

// armInstallVerification implements §4.6.1 step 5: the 60s window after
// which an un-crashed launch is considered verified.
func (a *Agent) armInstallVerification(md *model.Metadata) {
	a.mu.Lock()
	if a.installTimer != nil {
		a.installTimer.Stop()
	}
	a.installTimer = time.AfterFunc(a.cfg.InstallVerificationWindow, func() {
		a.NotifyAppReady(context.Background())
	})
	a.mu.Unlock()
}

// NotifyAppReady clears previous_version once the app confirms it is
// running healthily, either via the install-verification timer or an
// explicit host-app call. Safe to call more than once.
func (a *Agent) NotifyAppReady(ctx context.Context) {
	a.mu.Lock()
	if a.installTimer != nil {
		a.installTimer.Stop()
		a.installTimer = nil
	}
	md := a.md
	if md == nil || md.PreviousVersion == "" {
		a.mu.Unlock()
		return
	}
	md.PreviousVersion = ""
	md.VerificationState.AppReady = true
	verifiedAt := time.Now()
	md.VerificationState.VerifiedAt = &verifiedAt
	a.mu.Unlock()

	_ = a.persist(ctx, md)
}

// register implements §4.6.1 step 6.
func (a *Agent) register(ctx context.Context, md *model.Metadata) error {
	token, err := a.cfg.Reporter.Register(ctx, a.cfg.AppID, md.DeviceID)
	if err != nil {
		return err
	}
	md.AccessToken = token
	return a.persist(ctx, md)
}

// autoCheck implements §4.6.1 step 7, run off the startup hot path.
func (a *Agent) autoCheck(ctx context.Context) {
	_, _ = a.CheckForUpdate(ctx)
}

// CheckForUpdate calls C7's check operation and returns its normalized
// result (§4.5). Callers decide whether and when to Download the result.
func (a *Agent) CheckForUpdate(ctx context.Context) (*CheckResult, error) {
	a.mu.Lock()
	md := a.md
	a.mu.Unlock()
	if md == nil {
		return nil, fmt.Errorf("agent not started")
	}

	return a.cfg.Reporter.Check(ctx, CheckParams{
		AppID:                a.cfg.AppID,
		DeviceID:             md.DeviceID,
		Platform:             a.cfg.Platform,
		AppVersion:           versionOrEmpty(md.AppVersionInfo),
		CurrentBundleVersion: md.CurrentVersion,
		AccessToken:          md.AccessToken,
	})
}

func versionOrEmpty(v *model.AppVersionInfo) string {
	if v == nil {
		return ""
	}
	return v.AppVersion
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newDeviceID() string {
	return uuid.NewString()
}
