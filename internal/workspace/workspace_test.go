package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/config"
)

func TestDiscover_SkipsDirsWithoutAgentMD(t *testing.T) {
	root := t.TempDir()
	mustMkdirWithAgent(t, root, "acme")
	mustMkdirWithAgent(t, root, "beta")
	if err := os.MkdirAll(filepath.Join(root, "no-agent"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "not-a-dir.md"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	names, err := Discover(root)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(names) != 2 || names[0] != "acme" || names[1] != "beta" {
		t.Fatalf("Discover = %v, want [acme beta] sorted", names)
	}
}

func TestDiscover_MissingRootReturnsEmptyNotError(t *testing.T) {
	names, err := Discover(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("expected no error for missing root, got %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("names = %v, want empty", names)
	}
}

func TestValidateName(t *testing.T) {
	cases := map[string]bool{
		"acme":     true,
		"acme-2":   true,
		"acme_ops": true,
		"Acme":     false,
		"":         false,
		"-acme":    false,
	}
	for name, want := range cases {
		if got := ValidateName(name); got != want {
			t.Errorf("ValidateName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestLoadAll_MergesConfigOverride(t *testing.T) {
	root := t.TempDir()
	mustMkdirWithAgent(t, root, "acme")

	cfgs := []config.WorkspaceConfig{
		{Name: "acme", Enabled: false, QueueModeDefault: "steer"},
	}
	workspaces, err := LoadAll(root, cfgs)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(workspaces) != 1 {
		t.Fatalf("got %d workspaces, want 1", len(workspaces))
	}
	w := workspaces[0]
	if w.Enabled {
		t.Fatal("expected override to disable the workspace")
	}
	if w.Config.QueueModeDefault != "steer" {
		t.Fatalf("Config.QueueModeDefault = %q, want steer", w.Config.QueueModeDefault)
	}
}

func TestValidate_RequiresAgentMD(t *testing.T) {
	root := t.TempDir()
	w := Load(root, "missing", nil)
	if err := w.Validate(); err == nil {
		t.Fatal("expected Validate to fail for a workspace with no AGENT.md")
	}

	mustMkdirWithAgent(t, root, "present")
	w2 := Load(root, "present", nil)
	if err := w2.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func mustMkdirWithAgent(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "AGENT.md"), []byte("# agent"), 0644); err != nil {
		t.Fatal(err)
	}
}
