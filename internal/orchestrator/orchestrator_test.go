package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/runner"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/workspace"
)

// stubChannel is a no-op Channel sufficient to let a WorkspaceRunner start
// and stop without a real transport.
type stubChannel struct{}

func (stubChannel) Subscribe(on runner.InboundFunc) error                       { return nil }
func (stubChannel) SendMessage(ctx context.Context, sessionKey, content string) error { return nil }
func (stubChannel) SendFile(ctx context.Context, sessionKey, path, caption string) error {
	return nil
}
func (stubChannel) Close() error { return nil }

// stubInvoker is never actually invoked in these tests; only Start/Stop are
// exercised.
type stubInvoker struct{}

func (stubInvoker) Invoke(ctx context.Context, req agent.InvokeRequest) (*agent.InvokeResult, error) {
	return &agent.InvokeResult{Text: "", FinishedReason: agent.FinishedComplete}, nil
}

func mustWorkspaceDir(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "AGENT.md"), []byte("# agent"), 0644); err != nil {
		t.Fatal(err)
	}
}

func defaultFactory() RunnerFactory {
	return func(ws workspace.Workspace) (*runner.WorkspaceRunner, error) {
		return runner.New(runner.Config{
			Workspace:      ws,
			Channel:        stubChannel{},
			InvokerFactory: func(store.SessionStore) agent.Invoker { return stubInvoker{} },
		}), nil
	}
}

func TestStart_StartsEveryDiscoveredWorkspace(t *testing.T) {
	root := t.TempDir()
	mustWorkspaceDir(t, root, "acme")
	mustWorkspaceDir(t, root, "beta")

	o := New(root, nil, defaultFactory())
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	running := o.RunningWorkspaces()
	if len(running) != 2 || running[0] != "acme" || running[1] != "beta" {
		t.Fatalf("RunningWorkspaces = %v, want [acme beta]", running)
	}
}

func TestStart_SkipsDisabledWorkspaces(t *testing.T) {
	root := t.TempDir()
	mustWorkspaceDir(t, root, "acme")
	mustWorkspaceDir(t, root, "beta")

	cfgs := []config.WorkspaceConfig{
		{Name: "beta", Enabled: false},
	}
	o := New(root, cfgs, defaultFactory())
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	if o.Running("beta") {
		t.Fatal("beta should not be running: disabled by config")
	}
	if !o.Running("acme") {
		t.Fatal("acme should be running")
	}
}

func TestStart_IsolatesPerWorkspaceFailures(t *testing.T) {
	root := t.TempDir()
	mustWorkspaceDir(t, root, "acme")
	mustWorkspaceDir(t, root, "broken")

	factory := func(ws workspace.Workspace) (*runner.WorkspaceRunner, error) {
		if ws.Name == "broken" {
			return nil, fmt.Errorf("simulated factory failure")
		}
		return runner.New(runner.Config{
			Workspace:      ws,
			Channel:        stubChannel{},
			InvokerFactory: func(store.SessionStore) agent.Invoker { return stubInvoker{} },
		}), nil
	}

	o := New(root, nil, factory)
	err := o.Start()
	if err == nil {
		t.Fatal("expected Start to report the broken workspace's failure")
	}
	defer o.Stop()

	if !o.Running("acme") {
		t.Fatal("acme should still be running despite broken's failure")
	}
	if o.Running("broken") {
		t.Fatal("broken should not be running")
	}
}

func TestStopWorkspace_ThenStartWorkspace(t *testing.T) {
	root := t.TempDir()
	mustWorkspaceDir(t, root, "acme")

	o := New(root, nil, defaultFactory())
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	o.StopWorkspace("acme")
	if o.Running("acme") {
		t.Fatal("acme should no longer be running")
	}

	if err := o.StartWorkspace("acme"); err != nil {
		t.Fatalf("StartWorkspace: %v", err)
	}
	if !o.Running("acme") {
		t.Fatal("acme should be running again")
	}
}

func TestStartWorkspace_AlreadyRunningErrors(t *testing.T) {
	root := t.TempDir()
	mustWorkspaceDir(t, root, "acme")

	o := New(root, nil, defaultFactory())
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	if err := o.StartWorkspace("acme"); err == nil {
		t.Fatal("expected error starting an already-running workspace")
	}
}

func TestRestartWorkspace(t *testing.T) {
	root := t.TempDir()
	mustWorkspaceDir(t, root, "acme")

	o := New(root, nil, defaultFactory())
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	if err := o.RestartWorkspace("acme"); err != nil {
		t.Fatalf("RestartWorkspace: %v", err)
	}
	if !o.Running("acme") {
		t.Fatal("acme should be running after restart")
	}
}

func TestReloadWorkspaceConfig_RestartsRunningWorkspace(t *testing.T) {
	root := t.TempDir()
	mustWorkspaceDir(t, root, "acme")

	o := New(root, nil, defaultFactory())
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	if err := o.ReloadWorkspaceConfig("acme"); err != nil {
		t.Fatalf("ReloadWorkspaceConfig: %v", err)
	}
	if !o.Running("acme") {
		t.Fatal("acme should still be running after config reload")
	}
}

func TestReloadWorkspaceConfig_NotRunningIsNotError(t *testing.T) {
	root := t.TempDir()
	o := New(root, nil, defaultFactory())
	if err := o.ReloadWorkspaceConfig("ghost"); err != nil {
		t.Fatalf("expected no error reloading a workspace that isn't running, got %v", err)
	}
}

func TestStop_StopsConcurrentlyWithoutDeadlock(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d"} {
		mustWorkspaceDir(t, root, name)
	}

	o := New(root, nil, defaultFactory())
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		o.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return in time")
	}

	if len(o.RunningWorkspaces()) != 0 {
		t.Fatal("expected no workspaces running after Stop")
	}
}
