package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// UpdateInfo describes a release the control plane has offered the
// device (§4.6.2's input).
type UpdateInfo struct {
	Version      string `json:"version"`
	BundleURL    string `json:"bundleUrl"`
	BundleSize   int64  `json:"bundleSize"`
	BundleHash   string `json:"bundleHash"`
	ReleaseID    string `json:"releaseId"`
	ReleaseNotes string `json:"releaseNotes,omitempty"`
}

// CheckResult is the normalized form of the three outcomes C7's check
// operation can return (spec §4.5).
type CheckResult struct {
	Kind              string // "no_update", "update_available", "requires_store_update"
	Update            *UpdateInfo
	StoreUpdateReason string
}

// Reporter is the HTTP client the agent uses to talk to the control
// plane: registration, the update check, and fire-and-forget telemetry.
// Health-failure reporting is the health.Monitor's own concern (it POSTs
// directly, per §4.6.3) and is not part of this interface.
type Reporter interface {
	Register(ctx context.Context, appID, deviceID string) (accessToken string, err error)
	Check(ctx context.Context, req CheckParams) (*CheckResult, error)
	Telemetry(ctx context.Context, event string, payload map[string]any)
}

// CheckParams mirrors the wire parameters of C7's check operation
// (spec §4.5).
type CheckParams struct {
	AppID                string
	DeviceID             string
	Platform             string
	AppVersion           string
	CurrentBundleVersion string
	ChannelHint          string
	AccessToken          string
}

// HTTPReporter is the default Reporter, grounded on the teacher's
// internal/agent/device/agent.go registration/check client but trimmed to
// the three operations the on-device SDK actually issues.
type HTTPReporter struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPReporter returns a Reporter pointed at baseURL (e.g.
// "https://updates.example.com").
func NewHTTPReporter(baseURL string, client *http.Client) *HTTPReporter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPReporter{BaseURL: baseURL, Client: client}
}

func (r *HTTPReporter) Register(ctx context.Context, appID, deviceID string) (string, error) {
	body := map[string]string{"appId": appID, "deviceId": deviceID}
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := r.doJSON(ctx, http.MethodPost, "/v1/devices/register", "", body, &out); err != nil {
		return "", fmt.Errorf("register device: %w", err)
	}
	return out.AccessToken, nil
}

func (r *HTTPReporter) Check(ctx context.Context, p CheckParams) (*CheckResult, error) {
	q := fmt.Sprintf(
		"/v1/apps/%s/check?deviceId=%s&platform=%s&appVersion=%s&currentBundleVersion=%s&channelHint=%s",
		p.AppID, p.DeviceID, p.Platform, p.AppVersion, p.CurrentBundleVersion, p.ChannelHint)

	var out struct {
		Kind              string      `json:"kind"`
		Update            *UpdateInfo `json:"update,omitempty"`
		StoreUpdateReason string      `json:"message,omitempty"`
	}
	if err := r.doJSON(ctx, http.MethodGet, q, p.AccessToken, nil, &out); err != nil {
		return nil, fmt.Errorf("check for update: %w", err)
	}
	return &CheckResult{Kind: out.Kind, Update: out.Update, StoreUpdateReason: out.StoreUpdateReason}, nil
}

// Telemetry is fire-and-forget: spec §4.6.2 step 5 and §4.6.4 require
// silent failure, so errors are dropped rather than returned.
func (r *HTTPReporter) Telemetry(ctx context.Context, event string, payload map[string]any) {
	body := map[string]any{"event": event, "payload": payload}
	_ = r.doJSON(ctx, http.MethodPost, "/v1/telemetry", "", body, nil)
}

func (r *HTTPReporter) doJSON(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
