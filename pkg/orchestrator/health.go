package orchestrator

import (
	"context"
	"fmt"
	"time"

	"crew/pkg/protocol"
)

// healthLoop probes every running agent on the configured interval. The loop
// never blocks a lifecycle call: when a role's lock is contended the probe
// is skipped for that tick.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkAll(ctx)
		}
	}
}

func (o *Orchestrator) checkAll(ctx context.Context) {
	recs, err := o.reg.List(ctx)
	if err != nil {
		return
	}
	for _, rec := range recs {
		if rec.Status != protocol.AgentRunning && rec.Status != protocol.AgentUnhealthy {
			continue
		}
		if rec.PID == 0 {
			continue
		}
		o.checkOne(ctx, rec)
	}
}

// checkOne runs a single health probe for one agent and applies the
// unhealthy / auto-restart / degraded policy on failure.
func (o *Orchestrator) checkOne(ctx context.Context, rec Record) {
	lk := o.lockFor(rec.Role)
	if !lk.TryLock() {
		return
	}
	defer lk.Unlock()

	if o.probeOnce(ctx, rec) {
		_ = o.reg.Heartbeat(ctx, rec.Role)
		if rec.Status == protocol.AgentUnhealthy {
			_ = o.reg.SetStatus(ctx, rec.Role, protocol.AgentRunning)
			o.logEvent(ctx, "agent_recovered", rec.Role, "", "")
		}
		return
	}

	fails, err := o.reg.HealthFailure(ctx, rec.Role)
	if err != nil || fails < o.cfg.MaxHealthFails {
		return
	}

	if rec.Status != protocol.AgentUnhealthy {
		_ = o.reg.SetStatus(ctx, rec.Role, protocol.AgentUnhealthy)
		o.logEvent(ctx, "agent_unhealthy", rec.Role, "", fmt.Sprintf("failures=%d", fails))
	}

	if rec.Restarts >= o.cfg.MaxRestarts {
		_ = o.reg.SetStatus(ctx, rec.Role, protocol.AgentDegraded)
		o.logEvent(ctx, "agent_degraded", rec.Role, "", fmt.Sprintf("restarts=%d", rec.Restarts))
		return
	}

	o.autoRestart(ctx, rec)
}

// autoRestart recycles an unhealthy agent's process. Unlike a manual
// restart, the restart counter is incremented, not reset, so the budget
// counts from the operator's last intervention.
func (o *Orchestrator) autoRestart(ctx context.Context, rec Record) {
	n, err := o.reg.AddRestart(ctx, rec.Role)
	if err != nil {
		return
	}
	o.logEvent(ctx, "agent_autorestart", rec.Role, "", fmt.Sprintf("attempt=%d", n))

	_ = o.procs.Kill(rec.Role, rec.PID)
	_ = o.reg.SetPID(ctx, rec.Role, 0, protocol.AgentStopped)
	if err := o.startLocked(ctx, rec.Role); err != nil {
		o.logEvent(ctx, "agent_restart_failed", rec.Role, "", err.Error())
	}
}
