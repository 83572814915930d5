package main

import (
	"context"
	"fmt"

	"crew/pkg/orchestrator"
	"crew/pkg/protocol"
)

// controlAPI is the slice of the daemon control client the CLI verbs use.
// Tests substitute a fake; production resolves a real client from config.
type controlAPI interface {
	Status(ctx context.Context) (protocol.ControlStatus, error)
	Agents(ctx context.Context) ([]protocol.AgentSummary, error)
	CreateAgent(ctx context.Context, req protocol.CreateAgentRequest) (protocol.AgentSummary, error)
	StartAgent(ctx context.Context, role string) (protocol.AgentSummary, error)
	StopAgent(ctx context.Context, role string) (protocol.AgentSummary, error)
	RestartAgent(ctx context.Context, role string) (protocol.AgentSummary, error)
	RemoveAgent(ctx context.Context, role string) error
	CreateTask(ctx context.Context, req protocol.CreateTaskRequest) (protocol.CreateTaskResponse, error)
	Requeue(ctx context.Context, taskID string) (protocol.Task, error)
	Sync(ctx context.Context) (protocol.SyncResponse, error)
}

// defaultControl builds the production control client from resolved config.
func defaultControl() (controlAPI, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(paths.ConfigPath)
	if err != nil {
		return nil, err
	}
	return orchestrator.NewControlClient(cfg.controlPort()), nil
}

// resolveControl returns the injected client, or the production one.
func resolveControl(client controlAPI) (controlAPI, error) {
	if client != nil {
		return client, nil
	}
	return defaultControl()
}

// daemonDownHint rewrites the bare connection error into an actionable
// operator message.
func daemonDownHint(err error) error {
	return fmt.Errorf("%w; start it with 'crew serve' or 'crew up'", err)
}
