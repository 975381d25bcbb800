// Package toolcatalog adapts internal/tools' concrete tool implementations
// into the subagent.Catalog contract (ToolNames/ResolveGroup/Spec/Executor)
// the main lane and sub-agent lane both draw from. Grounded on
// internal/tools/policy.go's toolGroups table for group resolution and on
// cmd/gateway_builtin_tools.go's tool-registration shape for wiring concrete
// tools into a flat name-keyed set.
package toolcatalog

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

// Tool is the shape every concrete tool in internal/tools implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *tools.Result
}

// Catalog is a static, name-keyed set of Tools satisfying subagent.Catalog.
type Catalog struct {
	byName   map[string]Tool
	order    []string
	groups   map[string][]string
	sessions []sessionScoped
}

// sessionScoped is implemented by tools whose behavior depends on the
// workspace's SessionStore (sessions_list, session_status, sessions_history).
type sessionScoped interface {
	SetSessionStore(s store.SessionStore)
}

// Options configures the tools New wires in for a workspace. read_file,
// exec, the session tools and web_fetch are always added; web_search is
// added only when NewWebSearchTool returns a tool for WebSearch, and the
// image tools only when Registry is non-nil.
type Options struct {
	WorkspacePath string
	RestrictToWorkspace bool
	Registry      *providers.Registry
	WebSearch     tools.WebSearchConfig
	WebFetch      tools.WebFetchConfig
}

// New builds the catalog of tools available to this workspace's main lane
// and, after effective-set filtering, its sub-agents.
func New(opts Options) *Catalog {
	c := &Catalog{byName: make(map[string]Tool), groups: make(map[string][]string)}

	c.add(tools.NewReadFileTool(opts.WorkspacePath, opts.RestrictToWorkspace))
	c.add(tools.NewExecTool(opts.WorkspacePath, opts.RestrictToWorkspace))
	c.add(tools.NewSessionsListTool())
	c.add(tools.NewSessionStatusTool())
	c.add(tools.NewSessionsHistoryTool())

	if st := tools.NewWebSearchTool(opts.WebSearch); st != nil {
		c.add(st)
	}
	c.add(tools.NewWebFetchTool(opts.WebFetch))

	if opts.Registry != nil {
		c.add(tools.NewCreateImageTool(opts.Registry))
		c.add(tools.NewReadImageTool(opts.Registry))
	}

	c.groups = map[string][]string{
		"web":      {"web_search", "web_fetch"},
		"fs":       {"read_file"},
		"runtime":  {"exec"},
		"sessions": {"sessions_list", "sessions_history", "session_status"},
	}

	return c
}

// SetSessionStore wires the session-scoped tools' store dependency. Called
// once per workspace after the runner's SessionStore is constructed.
func (c *Catalog) SetSessionStore(s store.SessionStore) {
	for _, t := range c.sessions {
		t.SetSessionStore(s)
	}
}

func (c *Catalog) add(t Tool) {
	if t == nil {
		return
	}
	name := t.Name()
	if _, exists := c.byName[name]; exists {
		slog.Warn("toolcatalog: duplicate tool name, keeping first", "tool", name)
		return
	}
	c.byName[name] = t
	c.order = append(c.order, name)
	if ss, ok := t.(sessionScoped); ok {
		c.sessions = append(c.sessions, ss)
	}
}

// ToolNames returns the catalog's tools in registration order.
func (c *Catalog) ToolNames() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// ResolveGroup expands a named tool group into member tool names.
func (c *Catalog) ResolveGroup(name string) ([]string, bool) {
	members, ok := c.groups[name]
	return members, ok
}

// Spec returns the agent.ToolSpec for a tool name.
func (c *Catalog) Spec(name string) (agent.ToolSpec, bool) {
	t, ok := c.byName[name]
	if !ok {
		return agent.ToolSpec{}, false
	}
	return agent.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}, true
}

// Executor returns an agent.ToolExecutor restricted to the allowed set.
// allowed == nil permits every catalog tool (the main lane's executor in
// cmd/run.go); sub-agent callers pass their resolved effective tool set
// (spec §4.5 step 3).
func (c *Catalog) Executor(allowed map[string]bool) agent.ToolExecutor {
	return &executor{catalog: c, allowed: allowed}
}

type executor struct {
	catalog *Catalog
	allowed map[string]bool
}

func (e *executor) Execute(ctx context.Context, name string, args map[string]interface{}) *tools.Result {
	if e.allowed != nil && !e.allowed[name] {
		return tools.ErrorResult("tool not permitted: " + name)
	}
	t, ok := e.catalog.byName[name]
	if !ok {
		return tools.ErrorResult("unknown tool: " + name)
	}
	return t.Execute(ctx, args)
}

// WebSearchConfigFrom builds a WebSearchConfig from process config.
func WebSearchConfigFrom(cfg *config.Config) tools.WebSearchConfig {
	ddg := cfg.Tools.Web.DuckDuckGo
	return tools.WebSearchConfig{
		BraveAPIKey:     cfg.Tools.Web.Brave.APIKey,
		BraveEnabled:    cfg.Tools.Web.Brave.Enabled,
		BraveMaxResults: cfg.Tools.Web.Brave.MaxResults,
		DDGEnabled:      ddg.Enabled,
		DDGMaxResults:   ddg.MaxResults,
		CacheTTL:        10 * time.Minute,
	}
}

// WebFetchConfigFrom builds a WebFetchConfig from process config.
func WebFetchConfigFrom(cfg *config.Config) tools.WebFetchConfig {
	return tools.WebFetchConfig{
		MaxChars: cfg.Gateway.MaxMessageChars,
		CacheTTL: 10 * time.Minute,
	}
}
