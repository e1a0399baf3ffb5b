// Package health implements the device-side health verification protocol
// (spec §4.6.3) — flagged by the specification as the highest-value
// invariant in the entire system: a freshly installed bundle is given a
// bounded window to prove it is alive by reporting a configured set of
// named events, and silence within that window is the device's only
// signal to ask the control plane for a rollback.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Config configures one arming of the monitor.
type Config struct {
	Events  []string      // event names that must all fire before the deadline
	Window  time.Duration // verification window; zero means DefaultWindow
	FailURL string        // absolute URL of the control plane's /v1/health/failure
}

// DefaultWindow is the verification window used when Config.Window is zero.
const DefaultWindow = 30 * time.Second

// FailurePayload is the exact body POSTed to FailURL on timer expiry.
type FailurePayload struct {
	ReleaseID     string   `json:"releaseId"`
	DeviceID      string   `json:"deviceId"`
	MissingEvents []string `json:"missingEvents"`
	AppVersion    string   `json:"appVersion"`
	OSVersion     string   `json:"osVersion"`
}

// Monitor arms and tracks a single verification window at a time. Calling
// Start again while armed cancels the previous window and discards its
// state — only the most recent arming can ever fire.
//
// The healthy path never touches the network: Report simply mutates an
// in-process set and, once it equals the armed event set, the monitor's
// goroutine exits on its own without sending anything.
type Monitor struct {
	client *http.Client

	mu      sync.Mutex
	armed   bool
	events  map[string]bool // armed set
	fired   map[string]bool // received so far
	cancel  context.CancelFunc
	reportC chan string
}

// NewMonitor returns a Monitor that POSTs failures using client (nil builds
// a new http.Client with a 10s timeout).
func NewMonitor(client *http.Client) *Monitor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Monitor{client: client}
}

// arming carries the immutable facts of one verification window, used to
// build the failure payload without holding the mutex across the network
// call.
type arming struct {
	releaseID, deviceID, appVersion, osVersion string
	failURL                                    string
}

// Start arms the monitor for a newly installed release. If the given
// event set is empty, the window is considered trivially satisfied and
// Start returns immediately having made no network call and started no
// timer (§4.6.3: "no-op if events is empty when armed").
func (m *Monitor) Start(ctx context.Context, cfg Config, releaseID, deviceID, appVersion, osVersion string) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}

	if len(cfg.Events) == 0 {
		m.armed = false
		m.events = nil
		m.fired = nil
		m.cancel = nil
		m.mu.Unlock()
		return
	}

	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}

	events := make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		events[e] = true
	}

	runCtx, cancel := context.WithCancel(ctx)
	reportC := make(chan string, len(events))

	m.armed = true
	m.events = events
	m.fired = map[string]bool{}
	m.cancel = cancel
	m.reportC = reportC
	m.mu.Unlock()

	a := arming{
		releaseID:  releaseID,
		deviceID:   deviceID,
		appVersion: appVersion,
		osVersion:  osVersion,
		failURL:    cfg.FailURL,
	}

	go m.run(runCtx, window, events, reportC, a)
}

// Report records that the named event occurred. Unknown names (not part
// of the armed set) and reports received while disarmed are silently
// ignored.
func (m *Monitor) Report(name string) {
	m.mu.Lock()
	armed := m.armed
	reportC := m.reportC
	known := armed && m.events[name]
	m.mu.Unlock()

	if !known {
		return
	}
	select {
	case reportC <- name:
	default:
	}
}

// Stop disarms the monitor without sending a failure report, used when
// the agent itself is shutting down cleanly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.armed = false
	m.events = nil
	m.fired = nil
	m.cancel = nil
}

func (m *Monitor) run(ctx context.Context, window time.Duration, events map[string]bool, reportC chan string, a arming) {
	fired := make(map[string]bool, len(events))
	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case name := <-reportC:
			fired[name] = true
			m.mu.Lock()
			if m.fired != nil {
				m.fired[name] = true
			}
			m.mu.Unlock()

			if len(fired) >= len(events) {
				m.disarmIfCurrent(ctx)
				return
			}

		case <-timer.C:
			missing := missingEvents(events, fired)
			m.disarmIfCurrent(ctx)
			m.reportFailure(a, missing)
			return
		}
	}
}

// disarmIfCurrent clears armed state only if this goroutine's context is
// still the live one — a subsequent Start call already replaced it and
// cleared state itself, so this becomes a no-op.
func (m *Monitor) disarmIfCurrent(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() == nil {
		m.armed = false
	}
}

func missingEvents(events, fired map[string]bool) []string {
	var out []string
	for e := range events {
		if !fired[e] {
			out = append(out, e)
		}
	}
	return out
}

// reportFailure sends exactly one POST and discards any error or response
// body — the device has no retry budget here; the next app launch's
// crash-recovery path (§4.6.1 step 3) is the backstop if this fails.
func (m *Monitor) reportFailure(a arming, missing []string) {
	if a.failURL == "" {
		return
	}
	payload := FailurePayload{
		ReleaseID:     a.releaseID,
		DeviceID:      a.deviceID,
		MissingEvents: missing,
		AppVersion:    a.appVersion,
		OSVersion:     a.osVersion,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}

	req, err := http.NewRequest(http.MethodPost, a.failURL, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
