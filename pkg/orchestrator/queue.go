package orchestrator

import (
	"context"
	"errors"
	"time"

	"crew/pkg/protocol"
)

// queueLoop periodically drains role queues to agents that can take work.
// The pump is the safety net; CreateTask and Requeue also try an immediate
// dispatch.
func (o *Orchestrator) queueLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.QueueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pumpAll(ctx)
		}
	}
}

func (o *Orchestrator) pumpAll(ctx context.Context) {
	recs, err := o.reg.List(ctx)
	if err != nil {
		return
	}
	for _, rec := range recs {
		if rec.Status != protocol.AgentRunning {
			continue
		}
		o.tryDispatch(ctx, rec.Role)
	}
}

// tryDispatch hands the head of a role's queue to its agent if the agent is
// running and can take it. Returns the dispatched task id, or empty when nothing
// moved. A lost race against the agent (busy after all) leaves the task
// queued for the next pump pass.
func (o *Orchestrator) tryDispatch(ctx context.Context, role string) string {
	rec, err := o.reg.Get(ctx, role)
	if err != nil || rec.Status != protocol.AgentRunning || rec.PID == 0 {
		return ""
	}
	task, err := o.tasks.NextQueued(ctx, role)
	if err != nil || task == nil {
		return ""
	}

	client := o.clientFor(role, rec.Port)

	probeCtx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	status, err := client.Status(probeCtx)
	cancel()
	if err != nil {
		return ""
	}
	// Blocked agents get the attempt too: a requeue may have taken the
	// held task back, and the agent only notices when offered work. A
	// genuinely blocked agent answers busy and the task stays queued.
	if status.Phase != protocol.PhaseIdle && status.Phase != protocol.PhaseBlocked {
		return ""
	}

	assignCtx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	_, err = client.Assign(assignCtx, *task)
	cancel()
	if err != nil {
		var busy *protocol.AlreadyBusyError
		if errors.As(err, &busy) {
			return ""
		}
		o.logEvent(ctx, "task_dispatch_failed", role, task.ID, err.Error())
		return ""
	}
	o.logEvent(ctx, "task_dispatched", role, task.ID, task.Title)
	return task.ID
}
