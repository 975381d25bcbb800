// Package workspace implements the Workspace entity and discovery
// (spec §3, §4.9): a directory of agent prompt files plus per-workspace
// config and cron definitions, discovered by scanning a root directory for
// AGENT.md, grounded on openpaw/orchestrator.py's discover_workspaces.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/nextlevelbuilder/goclaw/internal/config"
)

// nameRe matches a valid workspace name: lowercase alnum, dash, underscore.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateName reports whether name is a legal workspace name (spec §7's
// ValidationError: "invalid workspace name").
func ValidateName(name string) bool {
	return nameRe.MatchString(name)
}

// Workspace is one directory under the workspaces root: AGENT.md is
// required, USER.md/SOUL.md/HEARTBEAT.md are optional prompt layers, and
// crons/*.yaml holds this workspace's static CronDefinitions.
type Workspace struct {
	Name    string
	Path    string
	Enabled bool

	Config config.WorkspaceConfig
}

// AgentPromptPath returns the required AGENT.md path.
func (w Workspace) AgentPromptPath() string { return filepath.Join(w.Path, "AGENT.md") }

// UserPromptPath returns the optional USER.md path.
func (w Workspace) UserPromptPath() string { return filepath.Join(w.Path, "USER.md") }

// SoulPromptPath returns the optional SOUL.md path.
func (w Workspace) SoulPromptPath() string { return filepath.Join(w.Path, "SOUL.md") }

// HeartbeatPromptPath returns the optional HEARTBEAT.md path.
func (w Workspace) HeartbeatPromptPath() string { return filepath.Join(w.Path, "HEARTBEAT.md") }

// CronsDir returns the directory this workspace's static cron
// definitions are loaded from (spec §6.4), honoring a configured override.
func (w Workspace) CronsDir() string {
	dir := "crons"
	if w.Config.DefinitionsDir != "" {
		dir = w.Config.DefinitionsDir
	}
	return filepath.Join(w.Path, dir)
}

// DynamicCronStorePath returns the per-workspace file dynamic (scheduled
// and recurring) cron tasks are persisted to (spec §6.4 supplement).
func (w Workspace) DynamicCronStorePath() string {
	store := "state/cron_dynamic.yaml"
	if w.Config.DynamicStore != "" {
		store = w.Config.DynamicStore
	}
	return filepath.Join(w.Path, store)
}

// Validate checks the invariants a WorkspaceRunner requires before start
// (spec §7's "Fatal — unrecoverable state (can't bind filesystem...)").
func (w Workspace) Validate() error {
	if !ValidateName(w.Name) {
		return fmt.Errorf("workspace: invalid name %q", w.Name)
	}
	if _, err := os.Stat(w.AgentPromptPath()); err != nil {
		return fmt.Errorf("workspace %q: AGENT.md missing: %w", w.Name, err)
	}
	return nil
}

// Discover scans root for valid workspace directories: a valid workspace
// is any directory directly under root containing AGENT.md (spec §4.9's
// discover_workspaces; sorted by name, grounded on
// openpaw/orchestrator.py's discover_workspaces classmethod).
func Discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), "AGENT.md")); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Load builds a Workspace for name under root, merging any matching entry
// from cfgs (by Name) over the zero-value default.
func Load(root, name string, cfgs []config.WorkspaceConfig) Workspace {
	w := Workspace{
		Name:    name,
		Path:    filepath.Join(root, name),
		Enabled: true,
	}
	for _, c := range cfgs {
		if c.Name == name {
			w.Config = c
			w.Enabled = c.Enabled
			if c.Path != "" {
				w.Path = c.Path
			}
			break
		}
	}
	return w
}

// LoadAll discovers every valid workspace directory under root and merges
// per-workspace config overrides from cfgs.
func LoadAll(root string, cfgs []config.WorkspaceConfig) ([]Workspace, error) {
	names, err := Discover(root)
	if err != nil {
		return nil, err
	}
	out := make([]Workspace, 0, len(names))
	for _, name := range names {
		out = append(out, Load(root, name, cfgs))
	}
	return out, nil
}
