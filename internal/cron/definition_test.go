package cron

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefinitions_ParsesYAMLFilesSkipsMalformed(t *testing.T) {
	dir := t.TempDir()

	good := "name: standup\nschedule: \"0 9 * * *\"\nenabled: true\nprompt: summarize\noutput:\n  channel: telegram\n  chat_id: 5\n"
	if err := os.WriteFile(filepath.Join(dir, "standup.yaml"), []byte(good), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("not: [valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("name: nope"), 0644); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadDefinitions(dir)
	if err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("got %d defs, want 1 (malformed file and non-yaml file should be skipped)", len(defs))
	}
	if defs[0].Name != "standup" || defs[0].Output.ChatID != 5 {
		t.Fatalf("def = %+v", defs[0])
	}
}

func TestLoadDefinitions_MissingDirReturnsEmptyNotError(t *testing.T) {
	defs, err := LoadDefinitions(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("expected no error for a missing crons dir, got %v", err)
	}
	if len(defs) != 0 {
		t.Fatalf("got %d defs, want 0", len(defs))
	}
}
