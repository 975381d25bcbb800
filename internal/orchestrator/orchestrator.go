// Package orchestrator implements the Orchestrator (spec §4.9, C11): the
// top-level type that discovers, builds, and supervises one WorkspaceRunner
// per configured workspace.
//
// Grounded near 1:1 on
// _examples/original_source/openpaw/orchestrator.py's OpenPawOrchestrator:
// the same start/stop/start_workspace/stop_workspace/restart_workspace/
// reload_workspace_config/reload_workspace_prompt surface and the same
// discover_workspaces classmethod (delegated here to
// internal/workspace.Discover). Concurrent start/stop with per-runner
// failure isolation replaces asyncio.gather(return_exceptions=True) with a
// goroutine + sync.WaitGroup + indexed error slice.
package orchestrator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/runner"
	"github.com/nextlevelbuilder/goclaw/internal/workspace"
)

// RunnerFactory builds a fresh, not-yet-started WorkspaceRunner for ws. The
// orchestrator never reaches into a runner's dependencies directly — every
// workspace's Channel, AgentInvoker, and tool Catalog are external
// collaborators the caller supplies through this factory.
type RunnerFactory func(ws workspace.Workspace) (*runner.WorkspaceRunner, error)

// Orchestrator is the Orchestrator (spec §4.9, C11). One per process.
type Orchestrator struct {
	root    string
	cfgs    []config.WorkspaceConfig
	factory RunnerFactory

	mu      sync.Mutex
	runners map[string]*runner.WorkspaceRunner
}

// New constructs an Orchestrator. root is the workspaces directory
// (spec §4.9's workspaces_path); cfgs are per-workspace config overrides.
func New(root string, cfgs []config.WorkspaceConfig, factory RunnerFactory) *Orchestrator {
	return &Orchestrator{
		root:    root,
		cfgs:    cfgs,
		factory: factory,
		runners: make(map[string]*runner.WorkspaceRunner),
	}
}

// DiscoverWorkspaces lists every valid workspace directory under root
// (spec §4.9's discover_workspaces classmethod).
func DiscoverWorkspaces(root string) ([]string, error) {
	return workspace.Discover(root)
}

// Start discovers every enabled workspace under root and starts its runner
// concurrently. A workspace that fails to start does not block the others;
// all failures are collected and returned together (spec §4.9: "If any
// workspace runner fails to start").
func (o *Orchestrator) Start() error {
	names, err := workspace.Discover(o.root)
	if err != nil {
		return fmt.Errorf("orchestrator: discover workspaces: %w", err)
	}

	var enabled []workspace.Workspace
	for _, name := range names {
		ws := workspace.Load(o.root, name, o.cfgs)
		if !ws.Enabled {
			continue
		}
		enabled = append(enabled, ws)
	}

	slog.Info("orchestrator: starting workspace runners", "count", len(enabled))

	type result struct {
		name string
		err  error
	}
	results := make([]result, len(enabled))

	var wg sync.WaitGroup
	for i, ws := range enabled {
		wg.Add(1)
		go func(i int, ws workspace.Workspace) {
			defer wg.Done()
			r, err := o.startOne(ws)
			results[i] = result{name: ws.Name, err: err}
			if err == nil {
				o.mu.Lock()
				o.runners[ws.Name] = r
				o.mu.Unlock()
			}
		}(i, ws)
	}
	wg.Wait()

	var failed []string
	for _, res := range results {
		if res.err != nil {
			slog.Error("orchestrator: failed to start workspace", "workspace", res.name, "error", res.err)
			failed = append(failed, res.name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("orchestrator: failed to start %d workspace(s): %v", len(failed), failed)
	}

	slog.Info("orchestrator: all workspace runners started")
	return nil
}

func (o *Orchestrator) startOne(ws workspace.Workspace) (*runner.WorkspaceRunner, error) {
	r, err := o.factory(ws)
	if err != nil {
		return nil, err
	}
	if err := r.Start(); err != nil {
		return nil, err
	}
	return r, nil
}

// Stop stops every running workspace runner concurrently. Per-runner errors
// are logged, never raised — shutdown must complete for every workspace
// regardless of any individual failure (spec §4.9).
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	runners := make(map[string]*runner.WorkspaceRunner, len(o.runners))
	for name, r := range o.runners {
		runners[name] = r
	}
	o.mu.Unlock()

	slog.Info("orchestrator: stopping all workspace runners", "count", len(runners))

	var wg sync.WaitGroup
	for name, r := range runners {
		wg.Add(1)
		go func(name string, r *runner.WorkspaceRunner) {
			defer wg.Done()
			r.Stop()
		}(name, r)
	}
	wg.Wait()

	o.mu.Lock()
	o.runners = make(map[string]*runner.WorkspaceRunner)
	o.mu.Unlock()

	slog.Info("orchestrator: all workspace runners stopped")
}

// StartWorkspace starts a single, not-already-running workspace by name.
func (o *Orchestrator) StartWorkspace(name string) error {
	o.mu.Lock()
	if _, ok := o.runners[name]; ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: workspace %q is already running", name)
	}
	o.mu.Unlock()

	ws := workspace.Load(o.root, name, o.cfgs)
	r, err := o.startOne(ws)
	if err != nil {
		return fmt.Errorf("orchestrator: start workspace %q: %w", name, err)
	}

	o.mu.Lock()
	o.runners[name] = r
	o.mu.Unlock()
	slog.Info("orchestrator: workspace started", "workspace", name)
	return nil
}

// StopWorkspace stops a single running workspace by name. Stopping a
// workspace that isn't running is logged, not an error.
func (o *Orchestrator) StopWorkspace(name string) {
	o.mu.Lock()
	r, ok := o.runners[name]
	if ok {
		delete(o.runners, name)
	}
	o.mu.Unlock()

	if !ok {
		slog.Warn("orchestrator: workspace is not running", "workspace", name)
		return
	}
	r.Stop()
	slog.Info("orchestrator: workspace stopped", "workspace", name)
}

// RestartWorkspace stops then starts a single workspace by name.
func (o *Orchestrator) RestartWorkspace(name string) error {
	slog.Info("orchestrator: restarting workspace", "workspace", name)
	o.StopWorkspace(name)
	if err := o.StartWorkspace(name); err != nil {
		return fmt.Errorf("orchestrator: restart workspace %q: %w", name, err)
	}
	slog.Info("orchestrator: workspace restarted", "workspace", name)
	return nil
}

// ReloadWorkspaceConfig reloads a running workspace's configuration. This
// is a full restart: WorkspaceRunner has no hot config-reload path (spec
// §4.8: "config reload is a full restart").
func (o *Orchestrator) ReloadWorkspaceConfig(name string) error {
	o.mu.Lock()
	_, ok := o.runners[name]
	o.mu.Unlock()
	if !ok {
		slog.Warn("orchestrator: workspace is not running", "workspace", name)
		return nil
	}
	slog.Info("orchestrator: reloading config, triggering restart", "workspace", name)
	return o.RestartWorkspace(name)
}

// ReloadWorkspacePrompt is a no-op beyond logging: prompt files
// (AGENT.md/USER.md/SOUL.md/HEARTBEAT.md) are read fresh on every agent
// invocation (internal/runner.buildSystemPrompt), so no action is required.
func (o *Orchestrator) ReloadWorkspacePrompt(name string) {
	o.mu.Lock()
	_, ok := o.runners[name]
	o.mu.Unlock()
	if !ok {
		slog.Warn("orchestrator: workspace is not running", "workspace", name)
		return
	}
	slog.Info("orchestrator: workspace will reload prompt files on next agent invocation", "workspace", name)
}

// Running reports whether name currently has a live runner.
func (o *Orchestrator) Running(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runners[name]
	return ok
}

// RunningWorkspaces returns the names of every currently running workspace,
// sorted.
func (o *Orchestrator) RunningWorkspaces() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.runners))
	for name := range o.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
