package agent

import (
	"context"

	"bundlenudge.sh/pkg/agent/health"
)

// StartHealthMonitoring arms the health verification protocol for a newly
// active release (§4.6.3). events is the set of names the release's
// health config requires before the device is considered verified.
func (a *Agent) StartHealthMonitoring(ctx context.Context, releaseID string, events []string) {
	a.mu.Lock()
	md := a.md
	a.mu.Unlock()
	if md == nil {
		return
	}

	a.mon.Start(ctx, health.Config{
		Events:  events,
		Window:  a.cfg.HealthWindow,
		FailURL: a.cfg.HealthFailURL,
	}, releaseID, md.DeviceID, versionOrEmpty(md.AppVersionInfo), a.cfg.Platform)
}

// ReportHealthEvent notifies the armed health monitor that a named event
// occurred. A no-op if the monitor is disarmed or the name is unknown.
func (a *Agent) ReportHealthEvent(name string) {
	a.mon.Report(name)
}

// StopHealthMonitoring disarms the monitor without reporting failure,
// used on clean app shutdown.
func (a *Agent) StopHealthMonitoring() {
	a.mon.Stop()
}
