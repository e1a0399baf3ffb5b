// Package server wires the C9 control-plane adapters: a plain JSON HTTP API
// implementing spec §6's wire contract over the repository, resolution,
// health and release-lifecycle packages. It is grounded on the teacher's
// internal/server/server.go request/response shape (middleware stacking,
// graceful shutdown, health probes) generalized from fleetd's Connect-RPC +
// SSE + dashboard surface down to the device-facing and operator-facing
// endpoints BundleNudge actually needs.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"bundlenudge.sh/internal/config"
	"bundlenudge.sh/internal/database"
	"bundlenudge.sh/internal/health"
	"bundlenudge.sh/internal/ids"
	"bundlenudge.sh/internal/metrics"
	"bundlenudge.sh/internal/middleware"
	"bundlenudge.sh/internal/release"
	"bundlenudge.sh/internal/repository"
	"bundlenudge.sh/internal/resolution"
	"bundlenudge.sh/internal/security"
	"bundlenudge.sh/internal/telemetry"
	"bundlenudge.sh/internal/tracing"
)

// Server hosts the C9 HTTP API: device-facing endpoints (§6) plus the
// operator-facing release/channel/health management surface the control
// plane needs to drive C5/C6.
type Server struct {
	cfg    *config.Config
	db     *database.DB
	router *mux.Router
	http   *http.Server

	apps     repository.AppRepository
	channels repository.ChannelRepository
	releases repository.ReleaseRepository
	devices  repository.DeviceRepository
	healthRp repository.HealthReportRepository
	healthCf repository.HealthConfigRepository

	resolver   *resolution.Service
	aggregator *health.Aggregator
	processor  *release.Processor
	jwt        *security.JWTManager
	urlSigner  *security.URLSigner
	limiter    *middleware.RateLimiter
	events     *telemetry.Queue

	logger          *slog.Logger
	tracingShutdown func()
}

// New wires every repository and domain service against cfg.Database and
// returns a Server ready for Start.
func New(cfg *config.Config) (*Server, error) {
	dbCfg := database.DefaultConfig(cfg.Database.Driver)
	dbCfg.DSN = cfg.Database.URL
	dbCfg.MaxOpenConns = cfg.Database.MaxConnections
	dbCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime

	db, err := database.New(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	apps := repository.NewAppRepository(db)
	channels := repository.NewChannelRepository(db)
	releases := repository.NewReleaseRepository(db)
	devices := repository.NewDeviceRepository(db)
	healthRp := repository.NewHealthReportRepository(db)
	healthCf := repository.NewHealthConfigRepository(db)

	clock := ids.SystemClock{}

	processor := release.NewProcessor(releases, channels, hostOwnerID())
	aggregator := health.NewAggregator(healthRp, healthCf, releases, processor, clock)

	events, err := telemetry.NewQueue(telemetry.DefaultConfig(), telemetry.NewLoggingSink())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build telemetry queue: %w", err)
	}

	resolver, err := resolution.NewService(channels, releases, devices, aggregator, events, clock, resolution.Config{
		CacheTTL:  cfg.Resolution.CacheTTL,
		CacheSize: cfg.Resolution.CacheSize,
		RedisAddr: cfg.Resolution.RedisAddr,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build resolution service: %w", err)
	}

	jwt, err := security.NewJWTManager(&security.JWTConfig{
		SigningKey: []byte(cfg.Auth.JWTSecret),
		Issuer:     cfg.Auth.JWTIssuer,
		AccessTTL:  cfg.Auth.DeviceTokenTTL,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build jwt manager: %w", err)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.ToMiddlewareConfig(), zap.NewNop())

	urlSigner, err := security.NewEphemeralURLSigner()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build bundle url signer: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		db:         db,
		router:     mux.NewRouter(),
		apps:       apps,
		channels:   channels,
		releases:   releases,
		devices:    devices,
		healthRp:   healthRp,
		healthCf:   healthCf,
		resolver:   resolver,
		aggregator: aggregator,
		processor:  processor,
		jwt:        jwt,
		urlSigner:  urlSigner,
		limiter:    limiter,
		events:     events,
		logger:     slog.Default().With("component", "server"),
	}

	s.routes()
	return s, nil
}

func hostOwnerID() string {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("bundlenudge-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// routes registers every handler on the router. The middleware stack is
// applied separately, by handler().
func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleHealthLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleHealthReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/devices/register", s.handleDeviceRegister).Methods(http.MethodPost)
	v1.HandleFunc("/updates/check", s.handleUpdateCheck).Methods(http.MethodPost)
	v1.HandleFunc("/health/failure", s.handleHealthFailure).Methods(http.MethodPost)
	v1.HandleFunc("/apps/{appId}/health-config", s.handleHealthConfigGet).Methods(http.MethodGet)
	v1.HandleFunc("/apps/{appId}/health-config", s.handleHealthConfigPut).Methods(http.MethodPut)
	v1.HandleFunc("/telemetry", s.handleTelemetry).Methods(http.MethodPost)
	v1.HandleFunc("/telemetry/batch", s.handleTelemetryBatch).Methods(http.MethodPost)
	v1.HandleFunc("/telemetry/crash", s.handleTelemetryCrash).Methods(http.MethodPost)

	v1.HandleFunc("/apps", s.handleAppCreate).Methods(http.MethodPost)
	v1.HandleFunc("/apps/{appId}/channels", s.handleChannelCreate).Methods(http.MethodPost)
	v1.HandleFunc("/apps/{appId}/channels/{channelName}/rollout", s.handleRolloutUpdate).Methods(http.MethodPut)
	v1.HandleFunc("/apps/{appId}/channels/{channelName}/targeting", s.handleTargetingUpdate).Methods(http.MethodPut)
	v1.HandleFunc("/apps/{appId}/releases", s.handleReleaseCreate).Methods(http.MethodPost)
	v1.HandleFunc("/releases/{releaseId}/rollback", s.handleReleaseRollback).Methods(http.MethodPost)
	v1.HandleFunc("/releases/{releaseId}/rollout", s.handleReleaseRolloutUpdate).Methods(http.MethodPut)
}

// handler returns the fully wrapped http.Handler, outermost first: request
// ID, logging, CORS, recovery, metrics, device-token auth, per-device rate
// limiting, then global rate limiting (§6, §7).
func (s *Server) handler() (http.Handler, error) {
	var h http.Handler = s.router

	h = s.limiter.Middleware(h)
	h = s.limiter.DeviceRateLimiter(h)

	authMiddleware, err := middleware.NewAuthMiddleware(middleware.AuthConfig{
		JWTSecretKey: s.cfg.Auth.JWTSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("build auth middleware: %w", err)
	}
	h = authMiddleware(h)

	h = middleware.NewMetricsMiddleware("bundlenudge")(h)
	h = middleware.RecoveryMiddleware(s.logger)(h)

	corsCfg := middleware.DefaultCORSConfig()
	if len(s.cfg.API.CORSAllowedOrigins) > 0 {
		corsCfg.AllowedOrigins = s.cfg.API.CORSAllowedOrigins
	}
	h = middleware.CORSMiddleware(corsCfg)(h)

	h = middleware.NewLoggingMiddleware()(h)
	h = middleware.RequestIDMiddleware(h)

	return h, nil
}

// Start runs the HTTP listener and the background release processor /
// health sweep loops until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Tracing != nil {
		_, shutdown, err := tracing.Initialize(s.cfg.Tracing)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.tracingShutdown = shutdown
		}
	}

	handler, err := s.handler()
	if err != nil {
		return err
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           handler,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
	}

	go s.runProcessorLoop(ctx)
	go s.runHealthSweepLoops(ctx)
	go s.collectSystemMetrics(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting bundlenudge server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// runProcessorLoop ticks the release processor (§4.3) on a short interval;
// each tick is cheap (a single ListPendingWithoutLease query) when there is
// nothing to advance.
func (s *Server) runProcessorLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.processor.Tick(ctx, 20); err != nil {
				s.logger.Warn("release processor tick failed", "error", err)
			}
		}
	}
}

// runHealthSweepLoops starts one Aggregator.RunSweepLoop per app (§4.4),
// discovering new apps on a slower poll so a freshly created app picks up
// sweeping without a server restart.
func (s *Server) runHealthSweepLoops(ctx context.Context) {
	started := make(map[string]bool)
	discover := func() {
		apps, err := s.apps.List(ctx)
		if err != nil {
			s.logger.Warn("health sweep: list apps failed", "error", err)
			return
		}
		for _, app := range apps {
			if started[app.ID] {
				continue
			}
			started[app.ID] = true
			appID := app.ID
			go s.aggregator.RunSweepLoop(ctx, appID, s.cfg.Health.SweepInterval, func(ctx context.Context) ([]string, error) {
				releases, err := s.releases.ListActiveByApp(ctx, appID)
				if err != nil {
					return nil, err
				}
				ids := make([]string, len(releases))
				for i, rel := range releases {
					ids[i] = rel.ID
				}
				return ids, nil
			})
		}
	}

	discover()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			discover()
		}
	}
}

// Shutdown gracefully stops the HTTP listener, the rate limiter's cleanup
// goroutine, and closes the database.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down bundlenudge server")

	if s.tracingShutdown != nil {
		s.tracingShutdown()
	}

	s.limiter.Stop()
	s.events.Close()

	var httpErr error
	if s.http != nil {
		httpErr = s.http.Shutdown(ctx)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("failed to close database", "error", err)
		}
	}
	return httpErr
}

// Run starts the server and blocks until SIGINT/SIGTERM.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		s.logger.Info("received shutdown signal")
		cancel()
	}()

	return s.Start(ctx)
}

func (s *Server) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SystemUptime.WithLabelValues("bundlenudge").Set(time.Since(startTime).Seconds())

			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			metrics.SystemMemoryUsage.WithLabelValues("bundlenudge", "alloc").Set(float64(m.Alloc))
			metrics.SystemMemoryUsage.WithLabelValues("bundlenudge", "heap").Set(float64(m.HeapAlloc))
			metrics.SystemMemoryUsage.WithLabelValues("bundlenudge", "sys").Set(float64(m.Sys))
			metrics.SystemGoroutines.WithLabelValues("bundlenudge").Set(float64(runtime.NumGoroutine()))

			if s.db != nil {
				dbMetrics := s.db.GetMetrics()
				metrics.DBConnectionsActive.WithLabelValues("bundlenudge").Set(float64(dbMetrics.ConnectionsOpen))
			}
		}
	}
}
