package subagent

import (
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
)

// ExcludedTools are unconditionally removed from every sub-agent's effective
// tool set, regardless of allowed_tools (spec's SUBAGENT_EXCLUDED_TOOLS
// invariant). A sub-agent that could spawn its own sub-agents, or reach back
// into the parent's queue directly, breaks the bounded-concurrency and
// single-in-flight-invocation guarantees the runner exists to enforce.
var ExcludedTools = map[string]bool{
	"spawn":            true,
	"list_subagents":   true,
	"get_result":       true,
	"cancel":           true,
	"request_followup": true,
	"send_message":     true,
	"send_file":        true,
}

func isExcluded(name string) bool {
	if ExcludedTools[name] {
		return true
	}
	return strings.HasPrefix(name, "schedule_")
}

// Catalog abstracts the tool registry a Runner draws its catalog from: the
// full list of known tools, named-group resolution for allowed_tools/
// denied_tools entries of the form "group:<name>", and the executor used to
// run a call once the effective set has been computed.
type Catalog interface {
	ToolNames() []string
	ResolveGroup(name string) ([]string, bool)
	Spec(name string) (agent.ToolSpec, bool)
	Executor(allowed map[string]bool) agent.ToolExecutor
}

// computeEffectiveTools implements spec §4.5 step 3: start from the full
// catalog, restrict to the union of allowed_tools (if non-null, entries are
// either a bare tool name or "group:<name>"), subtract denied_tools (same
// grammar), then unconditionally strip ExcludedTools. Unknown names in
// either list are logged as warnings, never treated as errors.
func computeEffectiveTools(catalog Catalog, allowed, denied []string) []string {
	expand := func(names []string) map[string]bool {
		out := make(map[string]bool, len(names))
		for _, n := range names {
			if group, ok := strings.CutPrefix(n, "group:"); ok {
				members, found := catalog.ResolveGroup(group)
				if !found {
					slog.Warn("subagent: unknown tool group", "group", group)
					continue
				}
				for _, m := range members {
					out[m] = true
				}
				continue
			}
			if _, found := catalog.Spec(n); !found {
				slog.Warn("subagent: unknown tool name", "tool", n)
			}
			out[n] = true
		}
		return out
	}

	var effective map[string]bool
	if allowed == nil {
		effective = make(map[string]bool)
		for _, n := range catalog.ToolNames() {
			effective[n] = true
		}
	} else {
		effective = expand(allowed)
	}

	for name := range expand(denied) {
		delete(effective, name)
	}
	for name := range effective {
		if isExcluded(name) {
			delete(effective, name)
		}
	}

	out := make([]string, 0, len(effective))
	for _, n := range catalog.ToolNames() {
		if effective[n] {
			out = append(out, n)
		}
	}
	return out
}
