// Package resolution implements the Update Resolution Service (spec §4.5):
// the single latency-critical request path that answers "does this device
// need an update". It is grounded on the teacher's fleetd/device/service.go
// request-handling shape and internal/server/handlers.go's device lookup
// pattern, generalized from fleet-command resolution to release resolution.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bundlenudge.sh/internal/ferrors"
	"bundlenudge.sh/internal/ids"
	"bundlenudge.sh/internal/models"
	"bundlenudge.sh/internal/repository"
	"bundlenudge.sh/internal/rollout"
	"bundlenudge.sh/internal/targeting"
)

// Outcome is the tagged result of Check, matching spec §4.5's three-way
// return: NoUpdate, UpdateAvailable, RequiresStoreUpdate.
type Outcome struct {
	Kind OutcomeKind

	// Populated when Kind == OutcomeUpdateAvailable.
	Version      string
	BundleURL    string
	BundleSize   int64
	BundleHash   string
	ReleaseID    string
	ReleaseNotes string

	// Populated when Kind == OutcomeRequiresStoreUpdate.
	Message string
}

type OutcomeKind int

const (
	OutcomeNoUpdate OutcomeKind = iota
	OutcomeUpdateAvailable
	OutcomeRequiresStoreUpdate
)

var noUpdate = Outcome{Kind: OutcomeNoUpdate}

// CheckRequest is the input to Check, the Go-native shape of spec §4.5's
// check(app_id, device_id, platform, app_version, current_bundle_version,
// channel_hint?). CurrentBundleHash is the wire contract's
// currentBundleVersion field (§6): the hash of the bundle presently
// installed, not a semantic version.
type CheckRequest struct {
	AppID             string
	DeviceID          string
	Platform          string
	AppVersion        string
	OSVersion         string
	CurrentBundleHash string
	ChannelHint       string
}

// EventSink accepts the asynchronous "check" telemetry event of §4.5's
// observability side effect. The hot path never blocks on it; a nil sink is
// a valid no-op default.
type EventSink interface {
	EnqueueCheck(req CheckRequest, resolvedReleaseID string)
}

// ActivationRecorder is the minimal surface the Health Aggregator exposes
// for counting a device as having activated a release (§4.4: "activations
// is the count of devices that successfully moved to this release as
// observed via /updates/check"). Satisfied by *health.Aggregator.
type ActivationRecorder interface {
	RecordActivation(ctx context.Context, appID, releaseID string) error
}

// Service resolves update checks against the channel/release/device
// repositories. Only the channel lookup is cached (§4.5 step 2's
// best-effort channel cache); the active release is read from the release
// repository on every check.
type Service struct {
	channels   repository.ChannelRepository
	releases   repository.ReleaseRepository
	devices    repository.DeviceRepository
	activation ActivationRecorder
	cache      channelCache
	events     EventSink
	clock      ids.Clock
	logger     *slog.Logger
}

// Config tunes the Service's cache behavior. CacheTTL defaults to
// DefaultCacheTTL (5s) and CacheSize to a reasonable in-memory bound. When
// RedisAddr is set, CacheSize is ignored and each Redis key expires after
// CacheTTL.
type Config struct {
	CacheTTL   time.Duration
	CacheSize  int
	RedisAddr  string
}

// NewService builds a Service. When cfg.RedisAddr is set, the channel cache
// is Redis-backed so every C7 replica observes the same cache window;
// otherwise it falls back to an in-process expirable LRU, mirroring the
// teacher's Valkey-or-in-memory rate limiter fallback
// (internal/middleware/ratelimit_valkey.go vs ratelimit.go).
func NewService(channels repository.ChannelRepository, releases repository.ReleaseRepository, devices repository.DeviceRepository, activation ActivationRecorder, events EventSink, clock ids.Clock, cfg Config) (*Service, error) {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	var cache channelCache
	if cfg.RedisAddr != "" {
		client, err := NewRedisClient(cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("resolution service: %w", err)
		}
		cache = newRedisChannelCache(client, ttl)
	} else {
		cache = newInMemoryChannelCache(ttl, cfg.CacheSize)
	}

	if events == nil {
		events = noopEventSink{}
	}
	if clock == nil {
		clock = ids.SystemClock{}
	}

	return &Service{
		channels:   channels,
		releases:   releases,
		devices:    devices,
		activation: activation,
		cache:      cache,
		events:     events,
		clock:      clock,
		logger:     slog.Default().With("component", "resolution-service"),
	}, nil
}

type noopEventSink struct{}

func (noopEventSink) EnqueueCheck(CheckRequest, string) {}

// Check runs the §4.5 algorithm. It never returns ferrors.CodeInternal for
// state-machine-handled conditions (no channel, no active release,
// ineligible device) — those degrade to NoUpdate per §7's "hot path never
// raises INTERNAL_ERROR" rule. It DOES return an error for malformed input
// or genuine persistence failure resolving the channel, so the HTTP layer
// can distinguish "device is current" from "we couldn't even look".
func (s *Service) Check(ctx context.Context, req CheckRequest) (Outcome, error) {
	if req.AppID == "" || req.DeviceID == "" {
		return Outcome{}, ferrors.New(ferrors.CodeInvalidInput, "appId and deviceId are required")
	}

	resolvedReleaseID := "none"
	outcome, err := s.check(ctx, req)
	if err == nil && outcome.Kind == OutcomeUpdateAvailable {
		resolvedReleaseID = outcome.ReleaseID
	}
	s.events.EnqueueCheck(req, resolvedReleaseID)
	return outcome, err
}

func (s *Service) check(ctx context.Context, req CheckRequest) (Outcome, error) {
	// Step 2: resolve (app, channel), best-effort cached.
	channel, err := s.resolveChannel(ctx, req.AppID, req.ChannelHint)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return noUpdate, nil
		}
		return Outcome{}, ferrors.Wrap(err, ferrors.CodeInternal, "resolve channel")
	}

	// Step 3: no active release -> NoUpdate.
	if channel.ActiveReleaseID == nil {
		return noUpdate, nil
	}

	rel, err := s.releases.Get(ctx, *channel.ActiveReleaseID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return noUpdate, nil
		}
		return Outcome{}, ferrors.Wrap(err, ferrors.CodeInternal, "load active release")
	}

	// Step 4: device already on this bundle. This is also the point at
	// which the Health Aggregator observes the device as having
	// successfully activated the release (§4.4).
	if req.CurrentBundleHash != "" && req.CurrentBundleHash == rel.BundleHash {
		s.observeActivation(ctx, req, rel)
		return noUpdate, nil
	}

	// Step 5: targeting evaluation.
	device := targeting.Device{Platform: req.Platform, AppVersion: req.AppVersion, OSVersion: req.OSVersion}
	if !targeting.Matches(device, rel.TargetingRules) {
		if belowMinimumAppVersion(device, rel.TargetingRules) {
			return Outcome{
				Kind:    OutcomeRequiresStoreUpdate,
				Message: fmt.Sprintf("this app version is no longer supported by release %s; update from the app store", rel.BundleVersion),
			}, nil
		}
		return noUpdate, nil
	}

	// Step 6: rollout selection — gated by the release's own percentage,
	// not the channel's, so multiple releases on one channel can each
	// gradually roll out independently.
	if !rollout.InRollout(req.DeviceID, rel.ID, rel.RolloutPercentage) {
		return noUpdate, nil
	}

	// Step 7: update available.
	return Outcome{
		Kind:         OutcomeUpdateAvailable,
		Version:      rel.BundleVersion,
		BundleURL:    rel.BundleURL,
		BundleSize:   rel.BundleSize,
		BundleHash:   rel.BundleHash,
		ReleaseID:    rel.ID,
		ReleaseNotes: rel.ReleaseNotes,
	}, nil
}

// belowMinimumAppVersion distinguishes the two distinct "ineligible"
// reasons §4.5 step 5 calls out: an app version floor specifically implies
// the device needs a native update, while every other rule failure (max
// version, OS version, platform) is silently a NoUpdate.
func belowMinimumAppVersion(d targeting.Device, rules []models.Rule) bool {
	for _, rule := range rules {
		if rule.MinAppVersion != "" && !targeting.VersionAtLeast(d.AppVersion, rule.MinAppVersion) {
			return true
		}
	}
	return false
}

// resolveChannel implements §4.5 step 2's cache-then-repository lookup.
// Cache misses and errors always fall through to the repository; the cache
// is never a source of truth.
func (s *Service) resolveChannel(ctx context.Context, appID, channelHint string) (*models.Channel, error) {
	cacheKeyName := channelHint
	if cacheKeyName == "" {
		cacheKeyName = "__default__"
	}
	key := channelCacheKey(appID, cacheKeyName)

	if ch, ok := s.cache.Get(ctx, key); ok {
		return ch, nil
	}

	var ch *models.Channel
	var err error
	if channelHint != "" {
		ch, err = s.channels.GetByAppAndName(ctx, appID, channelHint)
	} else {
		ch, err = s.channels.GetDefault(ctx, appID)
	}
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, key, ch)
	return ch, nil
}

// InvalidateChannel bypasses the cache for (appID, channelName), used by
// write paths (rollout percentage change, targeting rule change, release
// activation) so an operator's change is visible on the very next check
// rather than waiting out CacheTTL (§4.5 step 2).
func (s *Service) InvalidateChannel(ctx context.Context, appID, channelName string) {
	name := channelName
	if name == "" {
		name = "__default__"
	}
	s.cache.Invalidate(ctx, channelCacheKey(appID, name))
}

// observeActivation upserts the device's materialized view and bumps the
// Health Aggregator's per-release activation counter. Both are best-effort:
// a failure here must never turn a NoUpdate response into an error, since
// the device already has everything it needs.
func (s *Service) observeActivation(ctx context.Context, req CheckRequest, rel *models.Release) {
	d := &models.Device{
		ID:         req.DeviceID,
		AppID:      req.AppID,
		Platform:   req.Platform,
		AppVersion: req.AppVersion,
		OSVersion:  req.OSVersion,
		LastSeenAt: s.clock.Now(),
	}
	if err := s.devices.Upsert(ctx, d); err != nil {
		s.logger.Warn("device upsert failed (fail-open)", "device_id", req.DeviceID, "error", err)
	}

	changed, err := s.devices.SetCurrentBundle(ctx, req.DeviceID, rel.ID)
	if err != nil {
		s.logger.Warn("set current bundle failed (fail-open)", "device_id", req.DeviceID, "error", err)
		return
	}
	if !changed {
		return // device was already on this release; it was counted on the transition poll
	}

	if s.activation == nil {
		return
	}
	if err := s.activation.RecordActivation(ctx, req.AppID, rel.ID); err != nil {
		s.logger.Warn("activation record failed (fail-open)", "release_id", rel.ID, "error", err)
	}
}
