package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/workspace"
)

// fakeChannel is an in-memory Channel: it captures outbound sends and lets
// the test drive inbound delivery directly through deliver.
type fakeChannel struct {
	mu     sync.Mutex
	on     InboundFunc
	sent   []string
	closed bool
}

func (f *fakeChannel) Subscribe(on InboundFunc) error {
	f.mu.Lock()
	f.on = on
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) SendMessage(ctx context.Context, sessionKey, content string) error {
	f.mu.Lock()
	f.sent = append(f.sent, content)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) SendFile(ctx context.Context, sessionKey, path, caption string) error {
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) deliver(msg InboundMessage) {
	f.mu.Lock()
	on := f.on
	f.mu.Unlock()
	on(msg)
}

func (f *fakeChannel) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// scriptedInvoker is a canned agent.Invoker recording every request it saw.
type scriptedInvoker struct {
	mu    sync.Mutex
	calls []agent.InvokeRequest
	text  string
	err   error
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req agent.InvokeRequest) (*agent.InvokeResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &agent.InvokeResult{
		Text:           s.text,
		FinishedReason: agent.FinishedComplete,
		Metrics:        agent.Metrics{InputTokens: 10, OutputTokens: 5, LLMCalls: 1},
	}, nil
}

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedInvoker) requestAt(i int) agent.InvokeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func mustWorkspace(t *testing.T, debounceMS int) workspace.Workspace {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "AGENT.md"), []byte("# agent"), 0644); err != nil {
		t.Fatal(err)
	}
	return workspace.Workspace{
		Name:    "acme",
		Path:    root,
		Enabled: true,
		Config: config.WorkspaceConfig{
			Name:       "acme",
			Enabled:    true,
			DebounceMS: debounceMS,
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStart_DoubleStartErrors(t *testing.T) {
	ws := mustWorkspace(t, 10)
	ch := &fakeChannel{}
	inv := &scriptedInvoker{text: "ok"}
	r := New(Config{Workspace: ws, Channel: ch, InvokerFactory: func(store.SessionStore) agent.Invoker { return inv }})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	if err := r.Start(); err == nil {
		t.Fatal("expected second Start to error")
	}
}

func TestStart_ValidatesWorkspace(t *testing.T) {
	ws := workspace.Workspace{Name: "acme", Path: t.TempDir()} // no AGENT.md present
	r := New(Config{Workspace: ws, Channel: &fakeChannel{}, InvokerFactory: func(store.SessionStore) agent.Invoker { return &scriptedInvoker{} }})
	if err := r.Start(); err == nil {
		t.Fatal("expected Start to fail validation")
	}
	if r.State() != StateCreated {
		t.Fatalf("state = %s, want created", r.State())
	}
}

func TestMainLaneDispatch_EndToEnd(t *testing.T) {
	ws := mustWorkspace(t, 10)
	ch := &fakeChannel{}
	inv := &scriptedInvoker{text: "hello back"}
	r := New(Config{Workspace: ws, Channel: ch, InvokerFactory: func(store.SessionStore) agent.Invoker { return inv }})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	ch.deliver(InboundMessage{SessionKey: "tg:1", Content: "hi there"})

	waitFor(t, time.Second, func() bool { return inv.callCount() == 1 })
	waitFor(t, time.Second, func() bool { return len(ch.messages()) == 1 })

	if got := ch.messages()[0]; got != "hello back" {
		t.Fatalf("sent = %q, want %q", got, "hello back")
	}
	if got := inv.requestAt(0).UserMessage; got != "hi there" {
		t.Fatalf("invoker saw UserMessage = %q", got)
	}
}

func TestHiddenCommand_StartDispatchesDespiteHidden(t *testing.T) {
	ws := mustWorkspace(t, 10)
	ch := &fakeChannel{}
	inv := &scriptedInvoker{text: "should not be called"}
	r := New(Config{Workspace: ws, Channel: ch, InvokerFactory: func(store.SessionStore) agent.Invoker { return inv }})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	ch.deliver(InboundMessage{SessionKey: "tg:1", Content: "/start"})

	waitFor(t, time.Second, func() bool { return len(ch.messages()) == 1 })
	if !strings.Contains(ch.messages()[0], "Welcome to acme") {
		t.Fatalf("got %q, want welcome text", ch.messages()[0])
	}
	if inv.callCount() != 0 {
		t.Fatalf("invoker should not be called for /start, got %d calls", inv.callCount())
	}
}

func TestUnregisteredSlashCommand_FallsThroughToQueue(t *testing.T) {
	ws := mustWorkspace(t, 10)
	ch := &fakeChannel{}
	inv := &scriptedInvoker{text: "handled as a message"}
	r := New(Config{Workspace: ws, Channel: ch, InvokerFactory: func(store.SessionStore) agent.Invoker { return inv }})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	ch.deliver(InboundMessage{SessionKey: "tg:1", Content: "/bogus something"})

	waitFor(t, time.Second, func() bool { return inv.callCount() == 1 })
	waitFor(t, time.Second, func() bool { return len(ch.messages()) == 1 })
	if got := ch.messages()[0]; got != "handled as a message" {
		t.Fatalf("sent = %q", got)
	}
	if got := inv.requestAt(0).UserMessage; got != "/bogus something" {
		t.Fatalf("invoker got UserMessage = %q, want the raw content preserved", got)
	}
}

func TestStop_IdempotentWhenNotRunning(t *testing.T) {
	ws := mustWorkspace(t, 10)
	r := New(Config{Workspace: ws, Channel: &fakeChannel{}, InvokerFactory: func(store.SessionStore) agent.Invoker { return &scriptedInvoker{} }})
	r.Stop() // never started; must not panic or block
	if r.State() != StateCreated {
		t.Fatalf("state = %s, want created", r.State())
	}
}

func TestStop_ClosesChannelAndStopsLanes(t *testing.T) {
	ws := mustWorkspace(t, 10)
	ch := &fakeChannel{}
	r := New(Config{Workspace: ws, Channel: ch, InvokerFactory: func(store.SessionStore) agent.Invoker { return &scriptedInvoker{text: "ok"} }})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
	if !ch.isClosed() {
		t.Fatal("expected channel to be closed on stop")
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", r.State())
	}
}

func TestReload_RestartsWithNewConfig(t *testing.T) {
	ws := mustWorkspace(t, 10)
	ch := &fakeChannel{}
	inv := &scriptedInvoker{text: "ok"}
	r := New(Config{Workspace: ws, Channel: ch, InvokerFactory: func(store.SessionStore) agent.Invoker { return inv }})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	newCfg := ws.Config
	newCfg.QueueModeDefault = "steer"
	if err := r.Reload(&newCfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if r.State() != StateRunning {
		t.Fatalf("state = %s, want running", r.State())
	}
	if r.ws.Config.QueueModeDefault != "steer" {
		t.Fatalf("Config.QueueModeDefault = %q, want steer", r.ws.Config.QueueModeDefault)
	}
}

func TestChunkMessage_RespectsRuneBoundaries(t *testing.T) {
	text := strings.Repeat("日本語", 2000) // multi-byte runes throughout
	chunks := chunkMessage(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	var rebuilt strings.Builder
	for _, c := range chunks {
		if n := len([]rune(c)); n > 100 {
			t.Fatalf("chunk exceeds max rune length: %d", n)
		}
		rebuilt.WriteString(c)
	}
	if rebuilt.String() != text {
		t.Fatal("rebuilt chunks do not match original text")
	}
}

func TestChunkMessage_ShortTextSingleChunk(t *testing.T) {
	chunks := chunkMessage("short", 100)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Fatalf("chunks = %v", chunks)
	}
}
