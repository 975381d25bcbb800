package subagent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/runtimeerr"
	"github.com/nextlevelbuilder/goclaw/internal/substore"
	"github.com/nextlevelbuilder/goclaw/internal/tokenmeter"
)

type scriptedInvoker struct {
	result *agent.InvokeResult
	err    error
	delay  time.Duration
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req agent.InvokeRequest) (*agent.InvokeResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return &agent.InvokeResult{FinishedReason: agent.FinishedTimedOut}, nil
		}
	}
	return s.result, s.err
}

func newTestRunner(t *testing.T, maxConcurrent int, invoker agent.Invoker) (*Runner, *recorderCallback) {
	t.Helper()
	dir := t.TempDir()
	store := substore.New(filepath.Join(dir, "subagents.yaml"), 24)
	meter := tokenmeter.New(filepath.Join(dir, "usage.jsonl"))
	cb := &recorderCallback{}
	catalog := newFakeCatalog()

	r := New(Config{
		Workspace: "test-workspace",
		Store:     store,
		Meter:     meter,
		Catalog:   catalog,
		InvokerFactory: func(specs []agent.ToolSpec, executor agent.ToolExecutor) agent.Invoker {
			return invoker
		},
		ResultCallback: cb.record,
		MaxConcurrent:  maxConcurrent,
	})
	return r, cb
}

type recorderCallback struct {
	mu    sync.Mutex
	calls []struct{ sessionKey, content string }
}

func (c *recorderCallback) record(sessionKey, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, struct{ sessionKey, content string }{sessionKey, content})
}

func (c *recorderCallback) last() (string, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return "", "", false
	}
	last := c.calls[len(c.calls)-1]
	return last.sessionKey, last.content, true
}

func waitForTerminal(t *testing.T, r *Runner, id string) substore.Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		req, ok := r.GetStatus(id)
		if ok && req.Status != substore.StatusPending && req.Status != substore.StatusRunning {
			return req
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("request %s did not reach a terminal status in time", id)
	return substore.Request{}
}

func TestSpawn_SuccessNotifiesWithFullOutputUnder500Chars(t *testing.T) {
	r, cb := newTestRunner(t, 8, &scriptedInvoker{
		result: &agent.InvokeResult{Text: "short answer", FinishedReason: agent.FinishedComplete},
	})

	id, err := r.Spawn(context.Background(), SpawnRequest{
		Task: "do the thing", Label: "researcher", SessionKey: "telegram:42", Notify: true, TimeoutMin: 1,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	req := waitForTerminal(t, r, id)
	if req.Status != substore.StatusCompleted {
		t.Fatalf("status = %s, want completed", req.Status)
	}

	result, ok := r.GetResult(id)
	if !ok || result.Output != "short answer" {
		t.Fatalf("result = %+v, ok=%v", result, ok)
	}

	sessionKey, content, ok := cb.last()
	if !ok {
		t.Fatal("expected a notification callback")
	}
	if sessionKey != "telegram:42" {
		t.Fatalf("sessionKey = %q", sessionKey)
	}
	want := "[SYSTEM] Sub-agent 'researcher' completed.\n\nshort answer"
	if content != want {
		t.Fatalf("content = %q, want %q", content, want)
	}
}

func TestSpawn_SuccessNotifiesWithExcerptOver500Chars(t *testing.T) {
	long := strings.Repeat("x", 500) + strings.Repeat("y", 100)
	r, cb := newTestRunner(t, 8, &scriptedInvoker{
		result: &agent.InvokeResult{Text: long, FinishedReason: agent.FinishedComplete},
	})

	id, err := r.Spawn(context.Background(), SpawnRequest{Task: "t", Label: "worker", SessionKey: "s", Notify: true, TimeoutMin: 1})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitForTerminal(t, r, id)

	_, content, ok := cb.last()
	if !ok {
		t.Fatal("expected a notification callback")
	}
	if !strings.Contains(content, long[:500]) {
		t.Fatalf("content missing 500-char excerpt: %q", content)
	}
	if !strings.Contains(content, "Use get_subagent_result(id=\""+id+"\") to read the full output.") {
		t.Fatalf("content missing pointer to full result: %q", content)
	}
	if strings.Contains(content, long[500:]) {
		t.Fatalf("content should not contain text past the excerpt")
	}
}

func TestSpawn_FailureNotifiesWithErrorFormat(t *testing.T) {
	r, cb := newTestRunner(t, 8, &scriptedInvoker{err: errors.New("boom")})

	id, err := r.Spawn(context.Background(), SpawnRequest{Task: "t", Label: "worker", SessionKey: "s", Notify: true, TimeoutMin: 1})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	req := waitForTerminal(t, r, id)
	if req.Status != substore.StatusFailed {
		t.Fatalf("status = %s, want failed", req.Status)
	}

	_, content, ok := cb.last()
	if !ok {
		t.Fatal("expected a notification callback")
	}
	want := "[SYSTEM] Sub-agent 'worker' failed.\nError: boom"
	if content != want {
		t.Fatalf("content = %q, want %q", content, want)
	}
}

func TestSpawn_CancelledRunContextEndsTimedOutOrCancelled(t *testing.T) {
	r, cb := newTestRunner(t, 8, &scriptedInvoker{delay: 200 * time.Millisecond})

	id, err := r.Spawn(context.Background(), SpawnRequest{
		Task: "t", Label: "slow", SessionKey: "s", Notify: true, TimeoutMin: 1,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// Force the outer deadline to fire almost immediately by cancelling the
	// run directly, simulating the outer timeout path's ctx cancellation.
	r.mu.Lock()
	cancel, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}

	req := waitForTerminal(t, r, id)
	if req.Status != substore.StatusTimedOut && req.Status != substore.StatusCancelled {
		t.Fatalf("status = %s, want timed_out or cancelled", req.Status)
	}
}

func TestSpawn_AtCapacityFailsFastWithoutQueueing(t *testing.T) {
	r, _ := newTestRunner(t, 1, &scriptedInvoker{delay: 300 * time.Millisecond})

	_, err := r.Spawn(context.Background(), SpawnRequest{Task: "t1", Label: "a", SessionKey: "s", TimeoutMin: 1})
	if err != nil {
		t.Fatalf("first spawn: %v", err)
	}

	_, err = r.Spawn(context.Background(), SpawnRequest{Task: "t2", Label: "b", SessionKey: "s", TimeoutMin: 1})
	if !errors.Is(err, runtimeerr.ErrAtCapacity) {
		t.Fatalf("second spawn err = %v, want ErrAtCapacity", err)
	}
}

func TestCancel_TransitionsStoreAndReturnsFalseForUnknownID(t *testing.T) {
	r, _ := newTestRunner(t, 8, &scriptedInvoker{delay: 2 * time.Second})

	id, err := r.Spawn(context.Background(), SpawnRequest{Task: "t", Label: "a", SessionKey: "s", TimeoutMin: 5})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if !r.Cancel(id) {
		t.Fatal("expected Cancel to succeed for an active id")
	}
	if r.Cancel("does-not-exist") {
		t.Fatal("expected Cancel to return false for an unknown id")
	}

	req := waitForTerminal(t, r, id)
	if req.Status != substore.StatusCancelled && req.Status != substore.StatusTimedOut {
		t.Fatalf("status = %s, want cancelled or timed_out", req.Status)
	}
}

func TestShutdown_WaitsForActiveRunsToUnwind(t *testing.T) {
	r, _ := newTestRunner(t, 8, &scriptedInvoker{delay: 50 * time.Millisecond})

	_, err := r.Spawn(context.Background(), SpawnRequest{Task: "t", Label: "a", SessionKey: "s", TimeoutMin: 1})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	r.Shutdown()

	r.mu.Lock()
	remaining := len(r.active)
	r.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("remaining active runs = %d, want 0 after Shutdown", remaining)
	}
}
