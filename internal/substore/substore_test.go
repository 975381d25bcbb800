package substore

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCreateAndSaveResult(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "subagents.yaml"), 24)

	req := Request{ID: NewRequestID(), Task: "research X", Label: "R", Status: StatusPending, SessionKey: "telegram:42", TimeoutMin: 1, Notify: true}
	if err := s.Create(req); err != nil {
		t.Fatal(err)
	}

	if ok := s.UpdateStatus(req.ID, StatusRunning, func(r *Request) { now := time.Now().UTC(); r.StartedAt = &now }); !ok {
		t.Fatal("update failed")
	}

	if ok := s.SaveResult(Result{RequestID: req.ID, Output: "done", DurationMS: 100}); !ok {
		t.Fatal("save result failed")
	}

	got, ok := s.Get(req.ID)
	if !ok || got.Status != StatusRunning {
		t.Fatalf("got %+v", got)
	}

	res, ok := s.GetResult(req.ID)
	if !ok || res.Output != "done" {
		t.Fatalf("res = %+v", res)
	}
}

func TestSaveResultTruncates(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "subagents.yaml"), 24)

	req := Request{ID: NewRequestID(), Task: "t", Label: "l", Status: StatusRunning, SessionKey: "telegram:1", TimeoutMin: 1}
	if err := s.Create(req); err != nil {
		t.Fatal(err)
	}

	big := strings.Repeat("x", MaxResultSize+100)
	if ok := s.SaveResult(Result{RequestID: req.ID, Output: big}); !ok {
		t.Fatal("save failed")
	}

	res, _ := s.GetResult(req.ID)
	if !strings.HasSuffix(res.Output, TruncationMarker) {
		t.Fatalf("expected truncation marker, got suffix %q", res.Output[len(res.Output)-30:])
	}
	if len(res.Output) != MaxResultSize+len(TruncationMarker) {
		t.Fatalf("len = %d", len(res.Output))
	}
}

func TestSaveResultRejectsUnknownRequest(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "subagents.yaml"), 24)
	if ok := s.SaveResult(Result{RequestID: "nonexistent", Output: "x"}); ok {
		t.Fatal("expected false for orphan result")
	}
}

func TestCleanupStaleMarksTimeoutAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "subagents.yaml"), 24)

	old := Request{
		ID: NewRequestID(), Task: "t", Label: "l", Status: StatusRunning,
		SessionKey: "telegram:1", TimeoutMin: 1,
		CreatedAt: time.Now().UTC().Add(-2 * time.Minute),
	}
	if err := s.Create(old); err != nil {
		t.Fatal(err)
	}

	removed1 := s.CleanupStale()
	got, _ := s.Get(old.ID)
	if got.Status != StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", got.Status)
	}

	removed2 := s.CleanupStale()
	got2, _ := s.Get(old.ID)
	if got2.Status != got.Status || removed1 != removed2 {
		t.Fatalf("cleanup not idempotent: %v vs %v", got, got2)
	}
}

func TestCleanupStaleDropsOrphanResults(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "subagents.yaml"), 0)

	done := Request{
		ID: NewRequestID(), Task: "t", Label: "l", Status: StatusCompleted,
		SessionKey: "telegram:1", TimeoutMin: 1,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	completedAt := time.Now().UTC().Add(-48 * time.Hour)
	done.CompletedAt = &completedAt
	if err := s.Create(done); err != nil {
		t.Fatal(err)
	}
	s.SaveResult(Result{RequestID: done.ID, Output: "x"})

	s.CleanupStale()

	if _, ok := s.Get(done.ID); ok {
		t.Fatal("expected stale completed request to be pruned")
	}
	if _, ok := s.GetResult(done.ID); ok {
		t.Fatal("expected orphaned result to be pruned")
	}
}
