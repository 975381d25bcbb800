package command

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store/file"
	"github.com/nextlevelbuilder/goclaw/internal/substore"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in       string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{"/help", "help", "", true},
		{"/queue steer", "queue", "steer", true},
		{"  /New  ", "new", "", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, c := range cases {
		name, args, ok := ParseCommand(c.in)
		if name != c.wantName || args != c.wantArgs || ok != c.wantOK {
			t.Errorf("ParseCommand(%q) = (%q, %q, %v), want (%q, %q, %v)", c.in, name, args, ok, c.wantName, c.wantArgs, c.wantOK)
		}
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	r := NewRouter()
	_, err := r.Dispatch(context.Background(), "nope", Request{})
	if err == nil {
		t.Fatal("expected ErrUnknownCommand")
	}
	if _, ok := err.(*ErrUnknownCommand); !ok {
		t.Fatalf("err type = %T, want *ErrUnknownCommand", err)
	}
}

func TestDefinitions_SkipsHidden(t *testing.T) {
	r := NewRouter()
	r.Register(Definition{Name: "visible"}, func(ctx context.Context, req Request) (Response, error) { return Response{}, nil })
	r.Register(Definition{Name: "secret", Hidden: true}, func(ctx context.Context, req Request) (Response, error) { return Response{}, nil })

	defs := r.Definitions()
	if len(defs) != 1 || defs[0].Name != "visible" {
		t.Fatalf("Definitions() = %+v, want only [visible]", defs)
	}
}

// scriptedInvoker returns a fixed result or error, used to drive /compact.
type scriptedInvoker struct {
	result *agent.InvokeResult
	err    error
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req agent.InvokeRequest) (*agent.InvokeResult, error) {
	return s.result, s.err
}

func newTestDeps(t *testing.T, invoker agent.Invoker) Deps {
	t.Helper()
	store := file.NewFileSessionStore(t.TempDir())
	tasks := substore.NewTaskStore(filepath.Join(t.TempDir(), "tasks.yaml"))
	mode := scheduler.NewModeMachine(scheduler.ModeCollect, 0, func(ctx context.Context, sessionKey, content string) {})
	return Deps{
		Workspace: "acme",
		Model:     "claude-test",
		Sessions:  sessions.NewManager(t.TempDir()),
		Store:     store,
		Tasks:     tasks,
		Mode:      mode,
		Invoker:   invoker,
	}
}

func TestHandleQueue_NormalizesAndRejectsInvalid(t *testing.T) {
	deps := newTestDeps(t, nil)
	r := NewDefaultRouter(deps)

	resp, err := r.Dispatch(context.Background(), "queue", Request{SessionKey: "s1", Args: "STEER"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(resp.Text, "steer") {
		t.Fatalf("resp.Text = %q, want mention of steer", resp.Text)
	}
	if deps.Mode.Mode("s1") != scheduler.ModeSteer {
		t.Fatalf("Mode = %v, want steer", deps.Mode.Mode("s1"))
	}

	resp, err = r.Dispatch(context.Background(), "queue", Request{SessionKey: "s1", Args: "bogus"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(resp.Text, "Usage") {
		t.Fatalf("resp.Text = %q, want usage message for invalid mode", resp.Text)
	}
	if deps.Mode.Mode("s1") != scheduler.ModeSteer {
		t.Fatal("invalid /queue argument must not change the existing mode")
	}
}

func TestHandleNew_RotatesConversationAndTagsOldThread(t *testing.T) {
	deps := newTestDeps(t, nil)
	r := NewDefaultRouter(deps)

	oldThreadID := deps.Sessions.GetThreadID("s1")
	deps.Store.AddMessage(oldThreadID, providers.Message{Role: "user", Content: "hi"})

	resp, err := r.Dispatch(context.Background(), "new", Request{SessionKey: "s1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	newThreadID := deps.Sessions.GetThreadID("s1")
	if newThreadID == oldThreadID {
		t.Fatal("expected /new to rotate to a distinct thread id")
	}
	if !strings.Contains(resp.Text, newThreadID) {
		t.Fatalf("resp.Text = %q, want it to mention %q", resp.Text, newThreadID)
	}
	if got := deps.Store.GetOrCreate(oldThreadID).Label; got != "manual" {
		t.Fatalf("old thread label = %q, want manual", got)
	}
}

func TestHandleStatus_RendersCountsAndConversation(t *testing.T) {
	deps := newTestDeps(t, nil)
	deps.Sessions.Increment("s1")
	deps.Sessions.Increment("s1")
	deps.Tasks.Upsert(substore.Task{ID: "t1", SessionKey: "s1", Status: substore.TaskPending})

	r := NewDefaultRouter(deps)
	resp, err := r.Dispatch(context.Background(), "status", Request{SessionKey: "s1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(resp.Text, "acme") || !strings.Contains(resp.Text, "claude-test") {
		t.Fatalf("resp.Text = %q, want workspace and model", resp.Text)
	}
	if !strings.Contains(resp.Text, "1 pending") {
		t.Fatalf("resp.Text = %q, want 1 pending task", resp.Text)
	}
}

func TestHandleCompact_Success(t *testing.T) {
	invoker := &scriptedInvoker{result: &agent.InvokeResult{Text: "summary of chat", FinishedReason: agent.FinishedComplete}}
	deps := newTestDeps(t, invoker)
	r := NewDefaultRouter(deps)

	oldThreadID := deps.Sessions.GetThreadID("s1")

	resp, err := r.Dispatch(context.Background(), "compact", Request{SessionKey: "s1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if strings.Contains(resp.Text, "Could not generate summary") {
		t.Fatalf("resp.Text = %q, should not report failure on success", resp.Text)
	}

	old := deps.Store.GetOrCreate(oldThreadID)
	if old.Label != "compact" || old.Summary != "summary of chat" {
		t.Fatalf("old thread = %+v, want label=compact summary set", old)
	}

	newThreadID := deps.Sessions.GetThreadID("s1")
	hist := deps.Store.GetHistory(newThreadID)
	if len(hist) != 1 || !strings.HasPrefix(hist[0].Content, "[CONVERSATION COMPACTED]") {
		t.Fatalf("new thread history = %+v, want a single compacted-summary message", hist)
	}
}

func TestHandleCompact_SummarizeFailureStillRotatesWithoutInjection(t *testing.T) {
	invoker := &scriptedInvoker{err: context.DeadlineExceeded}
	deps := newTestDeps(t, invoker)
	r := NewDefaultRouter(deps)

	oldThreadID := deps.Sessions.GetThreadID("s1")

	resp, err := r.Dispatch(context.Background(), "compact", Request{SessionKey: "s1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(resp.Text, "Could not generate summary") {
		t.Fatalf("resp.Text = %q, want failure notice", resp.Text)
	}

	old := deps.Store.GetOrCreate(oldThreadID)
	if old.Label != "compact" {
		t.Fatalf("old thread label = %q, want compact even on summarize failure", old.Label)
	}
	if old.Summary != "" {
		t.Fatalf("old thread summary = %q, want empty on summarize failure", old.Summary)
	}

	newThreadID := deps.Sessions.GetThreadID("s1")
	hist := deps.Store.GetHistory(newThreadID)
	if len(hist) != 0 {
		t.Fatalf("new thread history = %+v, want no injected message on summarize failure", hist)
	}
}

func TestHandleCompact_WaitsForInFlightInvocation(t *testing.T) {
	invoker := &scriptedInvoker{result: &agent.InvokeResult{Text: "done", FinishedReason: agent.FinishedComplete}}
	deps := newTestDeps(t, invoker)
	deps.Mode.Inbound("s1", "hello") // debounce=0 schedules the in-flight transition almost immediately
	time.Sleep(30 * time.Millisecond)
	r := NewDefaultRouter(deps)

	done := make(chan struct{})
	go func() {
		r.Dispatch(context.Background(), "compact", Request{SessionKey: "s1"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected /compact to block while the session has an in-flight invocation")
	case <-time.After(50 * time.Millisecond):
	}

	deps.Mode.Completed("s1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected /compact to proceed once the in-flight invocation completed")
	}
}
