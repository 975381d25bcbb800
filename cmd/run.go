package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/orchestrator"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/runner"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/subagent"
	"github.com/nextlevelbuilder/goclaw/internal/toolcatalog"
	"github.com/nextlevelbuilder/goclaw/internal/workspace"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator and run every enabled workspace",
		Run: func(cmd *cobra.Command, args []string) {
			runOrchestrator()
		},
	}
}

// runOrchestrator loads config, builds the provider registry, and starts an
// Orchestrator over every workspace discovered under cfg.WorkspacesRoot. It
// blocks until SIGINT/SIGTERM, then stops every workspace runner gracefully.
func runOrchestrator() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "goclaw: load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	registry := providers.NewRegistry()
	registerProviders(registry, cfg)

	root := config.ExpandHome(cfg.WorkspacesRoot)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "goclaw: workspaces root %s does not exist\n", root)
		os.Exit(1)
	}

	factory := func(ws workspace.Workspace) (*runner.WorkspaceRunner, error) {
		return buildRunner(ws, cfg, registry)
	}

	o := orchestrator.New(root, cfg.Workspaces, factory)
	if err := o.Start(); err != nil {
		slog.Error("goclaw: one or more workspaces failed to start", "error", err)
	}
	if len(o.RunningWorkspaces()) == 0 {
		fmt.Fprintln(os.Stderr, "goclaw: no workspace is running, exiting")
		os.Exit(1)
	}

	slog.Info("goclaw: running", "workspaces", o.RunningWorkspaces())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("goclaw: shutting down")
	o.Stop()
}

// buildRunner assembles one workspace's full dependency graph: its tool
// catalog, its Channel, and the two AgentInvoker factories (main lane and
// sub-agent lane), all bound to the same providers.Registry and the
// process-wide agent defaults.
func buildRunner(ws workspace.Workspace, cfg *config.Config, registry *providers.Registry) (*runner.WorkspaceRunner, error) {
	defaults := cfg.Agents.Defaults

	provName := defaults.Provider
	model := defaults.Model
	if spec, ok := cfg.Agents.List[ws.Name]; ok {
		if spec.Provider != "" {
			provName = spec.Provider
		}
		if spec.Model != "" {
			model = spec.Model
		}
	}
	prov, err := registry.MustGet(provName)
	if err != nil {
		return nil, fmt.Errorf("workspace %q: %w", ws.Name, err)
	}

	catalog := toolcatalog.New(toolcatalog.Options{
		WorkspacePath:       ws.Path,
		RestrictToWorkspace: defaults.RestrictToWorkspace,
		Registry:            registry,
		WebSearch:           toolcatalog.WebSearchConfigFrom(cfg),
		WebFetch:            toolcatalog.WebFetchConfigFrom(cfg),
	})

	maxIter := defaults.MaxToolIterations

	mainFactory := func(sessions store.SessionStore) agent.Invoker {
		catalog.SetSessionStore(sessions)
		return agent.NewLoop(agent.LoopConfig{
			ID:            "main:" + ws.Name,
			Provider:      prov,
			Model:         model,
			MaxIterations: maxIter,
			Sessions:      sessions,
			Tools:         catalog.Executor(nil),
		})
	}

	subagentFactory := func(toolSpecs []agent.ToolSpec, executor agent.ToolExecutor) agent.Invoker {
		subModel := model
		if cfg.Agents.Defaults.Subagents != nil && cfg.Agents.Defaults.Subagents.Model != "" {
			subModel = cfg.Agents.Defaults.Subagents.Model
		}
		return agent.NewLoop(agent.LoopConfig{
			ID:            "subagent:" + ws.Name,
			Provider:      prov,
			Model:         subModel,
			MaxIterations: maxIter,
			Tools:         executor,
		})
	}

	maxConcurrent := ws.Config.SubagentConcurrency
	if cfg.Agents.Defaults.Subagents != nil && maxConcurrent == 0 {
		maxConcurrent = cfg.Agents.Defaults.Subagents.MaxConcurrent
	}
	if maxConcurrent <= 0 {
		maxConcurrent = subagent.DefaultMaxConcurrent
	}

	return runner.New(runner.Config{
		Workspace:              ws,
		Channel:                newConsoleChannel(ws.Name),
		InvokerFactory:         mainFactory,
		Catalog:                catalog,
		SubagentInvokerFactory: subagentFactory,
		SubagentMaxConcurrent:  maxConcurrent,
	}), nil
}
