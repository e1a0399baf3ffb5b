package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bundlenudge.sh/internal/config"
	"bundlenudge.sh/internal/health"
	"bundlenudge.sh/internal/ids"
	"bundlenudge.sh/internal/middleware"
	"bundlenudge.sh/internal/models"
	"bundlenudge.sh/internal/resolution"
	"bundlenudge.sh/internal/security"
	"bundlenudge.sh/internal/telemetry"
	"bundlenudge.sh/internal/testutil"
)

// newTestServer builds a Server against a freshly migrated sqlite database,
// skipping config.Load's environment/network concerns (JWT_SECRET env,
// Redis) so handler tests can run standalone.
func newTestServer(t *testing.T) (*Server, *testutil.Stack) {
	t.Helper()

	stack := testutil.SetupStack(t)
	clock := ids.SystemClock{}

	events, err := telemetry.NewQueue(telemetry.Config{BufferSize: 64, Workers: 1}, telemetry.NewLoggingSink())
	require.NoError(t, err)
	t.Cleanup(events.Close)

	aggregator := health.NewAggregator(stack.HealthRp, stack.HealthCf, stack.Releases, stack.Processor, clock)

	resolver, err := resolution.NewService(stack.Channels, stack.Releases, stack.Devices, aggregator, events, clock, resolution.Config{})
	require.NoError(t, err)

	jwt, err := security.NewJWTManager(&security.JWTConfig{SigningKey: []byte("test-signing-key")})
	require.NoError(t, err)

	urlSigner, err := security.NewEphemeralURLSigner()
	require.NoError(t, err)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1000}, zap.NewNop())
	t.Cleanup(limiter.Stop)

	s := &Server{
		cfg: &config.Config{
			Auth: config.AuthConfig{JWTSecret: "test-signing-key"},
		},
		db:         stack.DB,
		router:     mux.NewRouter(),
		apps:       stack.Apps,
		channels:   stack.Channels,
		releases:   stack.Releases,
		devices:    stack.Devices,
		healthRp:   stack.HealthRp,
		healthCf:   stack.HealthCf,
		resolver:   resolver,
		aggregator: aggregator,
		processor:  stack.Processor,
		jwt:        jwt,
		urlSigner:  urlSigner,
		limiter:    limiter,
		events:     events,
		logger:     slog.Default().With("component", "server-test"),
	}
	s.routes()
	return s, stack
}

func newCtx() context.Context { return context.Background() }

func seedApp(t *testing.T, stack *testutil.Stack, ctx context.Context) *models.App {
	t.Helper()
	app := &models.App{ID: ids.NewAppID(), Name: "seed-app", CreatedAt: time.Now()}
	require.NoError(t, stack.Apps.Create(ctx, app))
	return app
}

func seedChannel(t *testing.T, stack *testutil.Stack, ctx context.Context, appID string, rolloutPct int) *models.Channel {
	t.Helper()
	now := time.Now()
	ch := &models.Channel{
		ID:                ids.NewChannelID(),
		AppID:             appID,
		Name:              "production",
		IsDefault:         true,
		RolloutPercentage: rolloutPct,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, stack.Channels.Create(ctx, ch))
	return ch
}

func seedActiveRelease(t *testing.T, stack *testutil.Stack, ctx context.Context, appID, channelID, version string) *models.Release {
	t.Helper()
	now := time.Now()
	rel := &models.Release{
		ID:            ids.NewReleaseID(),
		AppID:         appID,
		ChannelID:     channelID,
		BundleVersion: version,
		BundleURL:     "https://cdn.example.com/bundles/" + version + ".js",
		BundleSize:    1024,
		BundleHash:    "deadbeef",
		Status:        models.ReleaseStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, stack.Releases.Create(ctx, rel))
	require.NoError(t, stack.Releases.UpdateStatus(ctx, rel.ID, models.ReleaseStatusPending, models.ReleaseStatusActive))
	require.NoError(t, stack.Channels.CompareAndSwapActiveRelease(ctx, channelID, nil, rel.ID))
	return rel
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDeviceRegisterUnknownApp(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.router, http.MethodPost, "/v1/devices/register", deviceRegisterRequest{
		AppID: "does-not-exist", Platform: "ios",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceRegisterAndUpdateCheckRoundTrip(t *testing.T) {
	s, stack := newTestServer(t)
	ctx := newCtx()

	app := seedApp(t, stack, ctx)
	ch := seedChannel(t, stack, ctx, app.ID, 100)
	seedActiveRelease(t, stack, ctx, app.ID, ch.ID, "1.1.0")

	rec := doJSON(t, s.router, http.MethodPost, "/v1/devices/register", deviceRegisterRequest{
		AppID: app.ID, Platform: "ios", AppVersion: "1.0.0", OSVersion: "17.0",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var registerResp deviceRegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &registerResp))
	require.NotEmpty(t, registerResp.DeviceID)

	rec = doJSON(t, s.router, http.MethodPost, "/v1/updates/check", updateCheckRequest{
		AppID:      app.ID,
		DeviceID:   registerResp.DeviceID,
		Platform:   "ios",
		AppVersion: "1.0.0",
		OSVersion:  "17.0",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var checkResp updateCheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checkResp))
	require.True(t, checkResp.UpdateAvailable)
	require.NotNil(t, checkResp.Release)
	require.Equal(t, "1.1.0", checkResp.Release.Version)
	// the bundle URL comes back signed, not the raw stored URL.
	require.Contains(t, checkResp.Release.BundleURL, "sig=")
}

func TestHealthConfigGetDefaultsWhenUnset(t *testing.T) {
	s, stack := newTestServer(t)
	ctx := newCtx()
	app := seedApp(t, stack, ctx)

	rec := doJSON(t, s.router, http.MethodGet, "/v1/apps/"+app.ID+"/health-config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRolloutUpdateRejectsOutOfRangePercentage(t *testing.T) {
	s, stack := newTestServer(t)
	ctx := newCtx()
	app := seedApp(t, stack, ctx)
	ch := seedChannel(t, stack, ctx, app.ID, 0)

	rec := doJSON(t, s.router, http.MethodPut, "/v1/apps/"+app.ID+"/channels/"+ch.Name+"/rollout", rolloutUpdateRequest{
		Percentage: 150,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
