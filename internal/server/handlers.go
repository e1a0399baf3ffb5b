package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"bundlenudge.sh/internal/ferrors"
	"bundlenudge.sh/internal/ids"
	"bundlenudge.sh/internal/middleware"
	"bundlenudge.sh/internal/models"
	"bundlenudge.sh/internal/repository"
	"bundlenudge.sh/internal/resolution"
	"bundlenudge.sh/internal/tracing"
)

// bundleURLTTL is how long a signed bundle download URL remains valid
// (§6: "bundleUrl is signed or otherwise gated for a short TTL").
const bundleURLTTL = 5 * time.Minute

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a BundleError as the standard JSON error body (§7),
// tagging it with the request ID so operators can correlate client reports
// with server logs.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	berr, ok := err.(*ferrors.BundleError)
	if !ok {
		berr = ferrors.Wrap(err, ferrors.CodeInternal, "unexpected error")
	}
	berr = berr.WithRequestID(middleware.GetRequestID(r.Context()))

	status := http.StatusInternalServerError
	switch berr.Code {
	case ferrors.CodeNotFound:
		status = http.StatusNotFound
	case ferrors.CodeInvalidInput, ferrors.CodeVersionMismatch:
		status = http.StatusBadRequest
	case ferrors.CodeInvalidToken, ferrors.CodeTokenExpired:
		status = http.StatusUnauthorized
	case ferrors.CodeInvalidBundle:
		status = http.StatusUnprocessableEntity
	case ferrors.CodeRateLimited:
		status = http.StatusTooManyRequests
	case ferrors.CodeConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, berr)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return ferrors.Wrap(err, ferrors.CodeInvalidInput, "malformed request body")
	}
	return nil
}

// ---- health probes ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "healthy"
	if err := s.db.Ping(); err != nil {
		dbStatus = "unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "bundlenudge",
		"timestamp": time.Now().Unix(),
		"checks": map[string]any{
			"database": dbStatus,
		},
	})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now().Unix()})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready", "error": err.Error(), "timestamp": time.Now().Unix(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "timestamp": time.Now().Unix()})
}

// ---- device-facing endpoints (§6) ----

// deviceRegisterRequest is the wire shape of POST /v1/devices/register.
type deviceRegisterRequest struct {
	AppID      string `json:"appId"`
	Platform   string `json:"platform"`
	AppVersion string `json:"appVersion"`
	OSVersion  string `json:"osVersion"`
}

type deviceRegisterResponse struct {
	DeviceID  string    `json:"deviceId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleDeviceRegister mints a new device identity and a bearer token for
// it (§6): the only unauthenticated write path besides the update check.
func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	var req deviceRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.AppID == "" || req.Platform == "" {
		writeError(w, r, ferrors.New(ferrors.CodeInvalidInput, "appId and platform are required"))
		return
	}

	if _, err := s.apps.Get(r.Context(), req.AppID); err != nil {
		if err == repository.ErrNotFound {
			writeError(w, r, ferrors.New(ferrors.CodeNotFound, "unknown app"))
			return
		}
		writeError(w, r, ferrors.Wrap(err, ferrors.CodeInternal, "load app"))
		return
	}

	deviceID := ids.NewDeviceID()
	device := &models.Device{
		ID:         deviceID,
		AppID:      req.AppID,
		Platform:   req.Platform,
		AppVersion: req.AppVersion,
		OSVersion:  req.OSVersion,
		LastSeenAt: time.Now(),
	}
	if err := s.devices.Upsert(r.Context(), device); err != nil {
		writeError(w, r, ferrors.Wrap(err, ferrors.CodeInternal, "register device"))
		return
	}

	token, expiresAt, err := s.jwt.GenerateDeviceToken(deviceID, req.AppID, "", req.Platform)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, deviceRegisterResponse{
		DeviceID:  deviceID,
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// updateCheckRequest is the wire shape of POST /v1/updates/check (§6).
// CurrentBundleVersion is, despite its name, the hash of the bundle
// currently installed on the device (§4.5).
type updateCheckRequest struct {
	AppID                 string `json:"appId"`
	DeviceID              string `json:"deviceId"`
	Platform              string `json:"platform"`
	AppVersion            string `json:"appVersion"`
	OSVersion             string `json:"osVersion"`
	CurrentBundleVersion  string `json:"currentBundleVersion"`
	ChannelHint           string `json:"channelHint"`
}

type releasePayload struct {
	Version      string `json:"version"`
	BundleURL    string `json:"bundleUrl"`
	BundleSize   int64  `json:"bundleSize"`
	BundleHash   string `json:"bundleHash"`
	ReleaseID    string `json:"releaseId"`
	ReleaseNotes string `json:"releaseNotes,omitempty"`
}

type updateCheckResponse struct {
	UpdateAvailable     bool            `json:"updateAvailable"`
	Release             *releasePayload `json:"release,omitempty"`
	RequiresStoreUpdate bool            `json:"requiresStoreUpdate,omitempty"`
	Message             string          `json:"message,omitempty"`
}

// handleUpdateCheck is the latency-critical C7 entry point. It is allowed
// unauthenticated (§1, §6) but subject to the stricter device rate limit.
func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "resolution.Check")
	defer span.End()

	var req updateCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	tracing.AddEvent(ctx, "update_check.request",
		attribute.String("app_id", req.AppID),
		attribute.String("device_id", req.DeviceID),
		attribute.String("platform", req.Platform))

	outcome, err := s.resolver.Check(ctx, resolution.CheckRequest{
		AppID:             req.AppID,
		DeviceID:          req.DeviceID,
		Platform:          req.Platform,
		AppVersion:        req.AppVersion,
		OSVersion:         req.OSVersion,
		CurrentBundleHash: req.CurrentBundleVersion,
		ChannelHint:       req.ChannelHint,
	})
	if err != nil {
		tracing.SetStatusError(ctx, err.Error())
		writeError(w, r, err)
		return
	}
	tracing.SetStatusOK(ctx)

	switch outcome.Kind {
	case resolution.OutcomeUpdateAvailable:
		bundleURL := outcome.BundleURL
		if signed, err := s.urlSigner.SignURL(bundleURL, bundleURLTTL); err == nil {
			bundleURL = signed
		} else {
			s.logger.Warn("sign bundle url failed, returning unsigned url", "error", err)
		}

		writeJSON(w, http.StatusOK, updateCheckResponse{
			UpdateAvailable: true,
			Release: &releasePayload{
				Version:      outcome.Version,
				BundleURL:    bundleURL,
				BundleSize:   outcome.BundleSize,
				BundleHash:   outcome.BundleHash,
				ReleaseID:    outcome.ReleaseID,
				ReleaseNotes: outcome.ReleaseNotes,
			},
		})
	case resolution.OutcomeRequiresStoreUpdate:
		writeJSON(w, http.StatusOK, updateCheckResponse{
			UpdateAvailable:     false,
			RequiresStoreUpdate: true,
			Message:             outcome.Message,
		})
	default:
		writeJSON(w, http.StatusOK, updateCheckResponse{UpdateAvailable: false})
	}
}

// healthFailureRequest is the wire shape of POST /v1/health/failure (§4.4,
// §4.6.3): a device reports that a release failed to come healthy.
type healthFailureRequest struct {
	ReleaseID     string   `json:"releaseId"`
	DeviceID      string   `json:"deviceId"`
	MissingEvents []string `json:"missingEvents"`
}

func (s *Server) handleHealthFailure(w http.ResponseWriter, r *http.Request) {
	claims, authenticated := middleware.GetClaims(r.Context())

	var req healthFailureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ReleaseID == "" || req.DeviceID == "" {
		writeError(w, r, ferrors.New(ferrors.CodeInvalidInput, "releaseId and deviceId are required"))
		return
	}

	appID := ""
	if authenticated {
		appID = claims.AppID
	} else {
		rel, err := s.releases.Get(r.Context(), req.ReleaseID)
		if err == nil {
			appID = rel.AppID
		}
	}

	report := models.HealthReport{
		ID:            ids.NewHealthReportID(),
		ReleaseID:     req.ReleaseID,
		DeviceID:      req.DeviceID,
		MissingEvents: req.MissingEvents,
		ReportedAt:    time.Now(),
	}
	if err := s.aggregator.ReportFailure(r.Context(), appID, report); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealthConfigGet(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appId"]
	cfg, err := s.healthCf.Get(r.Context(), appID)
	if err != nil {
		if err == repository.ErrNotFound {
			def := models.DefaultHealthConfig(appID)
			writeJSON(w, http.StatusOK, def)
			return
		}
		writeError(w, r, ferrors.Wrap(err, ferrors.CodeInternal, "load health config"))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleHealthConfigPut(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appId"]
	var cfg models.HealthConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	cfg.AppID = appID
	if err := s.healthCf.Upsert(r.Context(), cfg); err != nil {
		writeError(w, r, ferrors.Wrap(err, ferrors.CodeInternal, "save health config"))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ---- telemetry ingestion (fire-and-forget, §9) ----

type telemetryEnvelope struct {
	AppID     string         `json:"appId"`
	DeviceID  string         `json:"deviceId"`
	ReleaseID string         `json:"releaseId,omitempty"`
	Payload   map[string]any `json:"payload"`
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var body telemetryEnvelope
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	s.events.EnqueueTelemetry(body.AppID, body.DeviceID, body.Payload)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTelemetryBatch(w http.ResponseWriter, r *http.Request) {
	var body []telemetryEnvelope
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	for _, ev := range body {
		s.events.EnqueueTelemetry(ev.AppID, ev.DeviceID, ev.Payload)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTelemetryCrash(w http.ResponseWriter, r *http.Request) {
	var body telemetryEnvelope
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	s.events.EnqueueCrash(body.AppID, body.DeviceID, body.ReleaseID, body.Payload)
	w.WriteHeader(http.StatusAccepted)
}

// ---- operator-facing management endpoints ----

type appCreateRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAppCreate(w http.ResponseWriter, r *http.Request) {
	var req appCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, ferrors.New(ferrors.CodeInvalidInput, "name is required"))
		return
	}
	app := &models.App{ID: ids.NewAppID(), Name: req.Name, CreatedAt: time.Now()}
	if err := s.apps.Create(r.Context(), app); err != nil {
		writeError(w, r, ferrors.Wrap(err, ferrors.CodeInternal, "create app"))
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

type channelCreateRequest struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

func (s *Server) handleChannelCreate(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appId"]
	var req channelCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, ferrors.New(ferrors.CodeInvalidInput, "name is required"))
		return
	}
	now := time.Now()
	ch := &models.Channel{
		ID:        ids.NewChannelID(),
		AppID:     appID,
		Name:      req.Name,
		IsDefault: req.IsDefault,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.channels.Create(r.Context(), ch); err != nil {
		writeError(w, r, ferrors.Wrap(err, ferrors.CodeInternal, "create channel"))
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

type rolloutUpdateRequest struct {
	Percentage int `json:"percentage"`
}

func (s *Server) handleRolloutUpdate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	appID, channelName := vars["appId"], vars["channelName"]

	var req rolloutUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Percentage < 0 || req.Percentage > 100 {
		writeError(w, r, ferrors.New(ferrors.CodeInvalidInput, "percentage must be between 0 and 100"))
		return
	}

	ch, err := s.channels.GetByAppAndName(r.Context(), appID, channelName)
	if err != nil {
		writeError(w, r, mapRepoErr(err, "load channel"))
		return
	}
	if err := s.channels.SetRolloutPercentage(r.Context(), ch.ID, req.Percentage); err != nil {
		writeError(w, r, ferrors.Wrap(err, ferrors.CodeInternal, "update rollout percentage"))
		return
	}
	s.resolver.InvalidateChannel(r.Context(), appID, channelName)
	w.WriteHeader(http.StatusNoContent)
}

// handleReleaseRolloutUpdate adjusts one release's own gradual-rollout gate
// (§4.5 step 6). handleRolloutUpdate instead sets the channel's
// rollout_percentage column, which the update check does not read.
func (s *Server) handleReleaseRolloutUpdate(w http.ResponseWriter, r *http.Request) {
	releaseID := mux.Vars(r)["releaseId"]

	var req rolloutUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Percentage < 0 || req.Percentage > 100 {
		writeError(w, r, ferrors.New(ferrors.CodeInvalidInput, "percentage must be between 0 and 100"))
		return
	}

	rel, err := s.releases.Get(r.Context(), releaseID)
	if err != nil {
		writeError(w, r, mapRepoErr(err, "load release"))
		return
	}
	if err := s.releases.SetRolloutPercentage(r.Context(), releaseID, req.Percentage); err != nil {
		writeError(w, r, ferrors.Wrap(err, ferrors.CodeInternal, "update release rollout percentage"))
		return
	}
	if ch, err := s.channels.Get(r.Context(), rel.ChannelID); err == nil {
		s.resolver.InvalidateChannel(r.Context(), rel.AppID, ch.Name)
	}
	w.WriteHeader(http.StatusNoContent)
}

type targetingUpdateRequest struct {
	Rules []models.Rule `json:"rules"`
}

func (s *Server) handleTargetingUpdate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	appID, channelName := vars["appId"], vars["channelName"]

	var req targetingUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ch, err := s.channels.GetByAppAndName(r.Context(), appID, channelName)
	if err != nil {
		writeError(w, r, mapRepoErr(err, "load channel"))
		return
	}
	if err := s.channels.SetTargetingRules(r.Context(), ch.ID, req.Rules); err != nil {
		writeError(w, r, ferrors.Wrap(err, ferrors.CodeInternal, "update targeting rules"))
		return
	}
	s.resolver.InvalidateChannel(r.Context(), appID, channelName)
	w.WriteHeader(http.StatusNoContent)
}

type releaseCreateRequest struct {
	ChannelName       string        `json:"channelName"`
	BundleVersion     string        `json:"bundleVersion"`
	BundleURL         string        `json:"bundleUrl"`
	BundleSize        int64         `json:"bundleSize"`
	BundleHash        string        `json:"bundleHash"`
	ReleaseNotes      string        `json:"releaseNotes,omitempty"`
	TargetingRules    []models.Rule `json:"targetingRules,omitempty"`
	RolloutPercentage int           `json:"rolloutPercentage,omitempty"`
}

// handleReleaseCreate enqueues a new release in the pending state; the
// background Processor (§4.3) advances it to active on its own schedule.
func (s *Server) handleReleaseCreate(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appId"]
	var req releaseCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.BundleVersion == "" || req.BundleURL == "" || req.BundleHash == "" {
		writeError(w, r, ferrors.New(ferrors.CodeInvalidInput, "bundleVersion, bundleUrl and bundleHash are required"))
		return
	}
	if req.RolloutPercentage < 0 || req.RolloutPercentage > 100 {
		writeError(w, r, ferrors.New(ferrors.CodeInvalidInput, "rolloutPercentage must be between 0 and 100"))
		return
	}
	rolloutPct := req.RolloutPercentage
	if rolloutPct == 0 {
		rolloutPct = 100 // unset defaults to fully rolled out
	}

	ch, err := s.channels.GetByAppAndName(r.Context(), appID, req.ChannelName)
	if err != nil {
		writeError(w, r, mapRepoErr(err, "load channel"))
		return
	}

	now := time.Now()
	rel := &models.Release{
		ID:                ids.NewReleaseID(),
		AppID:             appID,
		ChannelID:         ch.ID,
		BundleVersion:     req.BundleVersion,
		BundleURL:         req.BundleURL,
		BundleSize:        req.BundleSize,
		BundleHash:        req.BundleHash,
		ReleaseNotes:      req.ReleaseNotes,
		Status:            models.ReleaseStatusPending,
		TargetingRules:    req.TargetingRules,
		RolloutPercentage: rolloutPct,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.releases.Create(r.Context(), rel); err != nil {
		writeError(w, r, ferrors.Wrap(err, ferrors.CodeInternal, "create release"))
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

type releaseRollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReleaseRollback(w http.ResponseWriter, r *http.Request) {
	releaseID := mux.Vars(r)["releaseId"]
	var req releaseRollbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.processor.Rollback(r.Context(), releaseID, models.RollbackReasonManual); err != nil {
		writeError(w, r, mapRepoErr(err, "rollback release"))
		return
	}
	s.logger.Info("manual rollback requested", "release_id", releaseID, "operator_reason", req.Reason)
	w.WriteHeader(http.StatusNoContent)
}

func mapRepoErr(err error, msg string) error {
	if err == repository.ErrNotFound {
		return ferrors.New(ferrors.CodeNotFound, msg)
	}
	if err == repository.ErrConflict {
		return ferrors.Wrap(err, ferrors.CodeConflict, msg)
	}
	return ferrors.Wrap(err, ferrors.CodeInternal, msg)
}
