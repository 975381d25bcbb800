package subagent

import (
	"reflect"
	"sort"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
)

type fakeCatalog struct {
	names  []string
	groups map[string][]string
}

func (c *fakeCatalog) ToolNames() []string { return c.names }

func (c *fakeCatalog) ResolveGroup(name string) ([]string, bool) {
	members, ok := c.groups[name]
	return members, ok
}

func (c *fakeCatalog) Spec(name string) (agent.ToolSpec, bool) {
	for _, n := range c.names {
		if n == name {
			return agent.ToolSpec{Name: n}, true
		}
	}
	return agent.ToolSpec{}, false
}

func (c *fakeCatalog) Executor(allowed map[string]bool) agent.ToolExecutor { return nil }

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		names: []string{
			"read_file", "write_file", "web_search", "spawn", "send_message",
			"schedule_once", "list_subagents",
		},
		groups: map[string][]string{
			"fs": {"read_file", "write_file"},
		},
	}
}

func sorted(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

func TestComputeEffectiveTools_NilAllowedUsesFullCatalogMinusExcluded(t *testing.T) {
	catalog := newFakeCatalog()
	got := computeEffectiveTools(catalog, nil, nil)
	want := []string{"read_file", "write_file", "web_search"}
	if !reflect.DeepEqual(sorted(got), sorted(want)) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestComputeEffectiveTools_AllowedRestrictsToUnion(t *testing.T) {
	catalog := newFakeCatalog()
	got := computeEffectiveTools(catalog, []string{"group:fs"}, nil)
	want := []string{"read_file", "write_file"}
	if !reflect.DeepEqual(sorted(got), sorted(want)) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestComputeEffectiveTools_DeniedSubtracts(t *testing.T) {
	catalog := newFakeCatalog()
	got := computeEffectiveTools(catalog, nil, []string{"web_search"})
	want := []string{"read_file", "write_file"}
	if !reflect.DeepEqual(sorted(got), sorted(want)) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestComputeEffectiveTools_ExcludedAlwaysRemovedEvenIfAllowed(t *testing.T) {
	catalog := newFakeCatalog()
	got := computeEffectiveTools(catalog, []string{"spawn", "send_message", "schedule_once", "list_subagents", "read_file"}, nil)
	want := []string{"read_file"}
	if !reflect.DeepEqual(sorted(got), sorted(want)) {
		t.Fatalf("got %v, want %v (excluded tools must never survive)", got, want)
	}
}

func TestComputeEffectiveTools_UnknownGroupLogsWarningNotError(t *testing.T) {
	catalog := newFakeCatalog()
	got := computeEffectiveTools(catalog, []string{"group:nope", "read_file"}, nil)
	want := []string{"read_file"}
	if !reflect.DeepEqual(sorted(got), sorted(want)) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
