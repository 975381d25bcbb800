// Package runner implements the WorkspaceRunner (spec §4.8, C10): the glue
// that owns one of each sub-component for a single workspace, subscribes to
// its Channel, and runs the lane dispatch loop.
//
// Grounded on cmd/gateway_cron.go's job-handler wiring pattern for the
// dispatch-loop shape and internal/channels/manager.go's
// StartAll/StopAll lifecycle for the start/stop sequence (spec §4.8).
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/command"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/store/file"
	"github.com/nextlevelbuilder/goclaw/internal/subagent"
	"github.com/nextlevelbuilder/goclaw/internal/substore"
	"github.com/nextlevelbuilder/goclaw/internal/tokenmeter"
	"github.com/nextlevelbuilder/goclaw/internal/workspace"
)

// State is one point of the one-shot created→starting→running→stopping→
// stopped state machine (spec §4.8).
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// defaultStopGrace bounds how long Stop waits for the main lane to drain
// before proceeding regardless (spec §4.8: "default 30s").
const defaultStopGrace = 30 * time.Second

// mainPayload is what a QueueModeMachine dispatch enqueues onto the main
// lane (spec §4.8 step 3: "the merged user message").
type mainPayload struct {
	content string
}

// MainInvokerFactory builds the AgentInvoker backing the main and cron
// lanes, bound to the SessionStore the WorkspaceRunner opened for this
// workspace's state directory. Building the invoker from the same store
// instance the CommandRouter writes through (labels, summaries, injected
// compaction messages) is what keeps /compact and /new visible to the next
// main-lane dispatch instead of racing a second, independently-cached
// FileSessionStore.
type MainInvokerFactory func(sessions store.SessionStore) agent.Invoker

// Config configures a new WorkspaceRunner. Everything here is a dependency
// the spec treats as an external collaborator (Channel, AgentInvoker's
// concrete Provider, the tool catalog) or an already-built sibling
// component (SessionManager, stores, queue).
type Config struct {
	Workspace      workspace.Workspace
	Channel        Channel
	InvokerFactory MainInvokerFactory
	Catalog        subagent.Catalog

	SubagentInvokerFactory subagent.InvokerFactory
	SubagentMaxConcurrent  int

	StopGrace time.Duration
}

// WorkspaceRunner is the WorkspaceRunner (spec §4.8, C10).
type WorkspaceRunner struct {
	name           string
	ws             workspace.Workspace
	channel        Channel
	invokerFactory MainInvokerFactory
	invoker        agent.Invoker
	catalog        subagent.Catalog

	lanes    *scheduler.LaneQueue
	mode     *scheduler.ModeMachine
	sessions *sessions.Manager
	store    store.SessionStore
	tasks    *substore.TaskStore
	substore *substore.Store
	meter    *tokenmeter.Meter
	subagent *subagent.Runner
	cron     *cron.Scheduler
	commands *command.Router

	subagentInvokerFactory subagent.InvokerFactory
	subagentMaxConcurrent  int

	stopGrace time.Duration

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	workersWG sync.WaitGroup
}

// New constructs a WorkspaceRunner in the created state. It performs no I/O.
func New(cfg Config) *WorkspaceRunner {
	grace := cfg.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	return &WorkspaceRunner{
		name:                   cfg.Workspace.Name,
		ws:                     cfg.Workspace,
		channel:                cfg.Channel,
		invokerFactory:         cfg.InvokerFactory,
		catalog:                cfg.Catalog,
		subagentInvokerFactory: cfg.SubagentInvokerFactory,
		subagentMaxConcurrent:  cfg.SubagentMaxConcurrent,
		stopGrace:              grace,
		state:                  StateCreated,
	}
}

// State returns the runner's current lifecycle state.
func (r *WorkspaceRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start validates the workspace, opens its stores, constructs the
// sub-component graph, subscribes to the channel, and spawns lane workers
// (spec §4.8's start sequence). Calling Start twice is an error.
func (r *WorkspaceRunner) Start() error {
	r.mu.Lock()
	if r.state != StateCreated && r.state != StateStopped {
		r.mu.Unlock()
		return fmt.Errorf("runner %q: start called in state %s", r.name, r.state)
	}
	r.state = StateStarting
	r.mu.Unlock()

	if err := r.ws.Validate(); err != nil {
		r.setState(StateCreated)
		return fmt.Errorf("runner %q: %w", r.name, err)
	}

	stateDir := r.ws.Path + "/state"
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		r.setState(StateCreated)
		return fmt.Errorf("runner %q: create state dir: %w", r.name, err)
	}

	r.lanes = scheduler.NewLaneQueue(laneConfigs(r.ws.Config))
	r.sessions = sessions.NewManager(stateDir)
	r.store = file.NewFileSessionStore(stateDir)
	r.tasks = substore.NewTaskStore(stateDir + "/tasks.yaml")
	r.substore = substore.New(stateDir+"/subagents.yaml", 0)
	r.meter = tokenmeter.New(stateDir + "/token_usage.jsonl")
	r.invoker = r.invokerFactory(r.store)

	defaultMode, ok := scheduler.NormalizeMode(r.ws.Config.QueueModeDefault)
	if !ok {
		defaultMode = scheduler.ModeCollect
	}
	debounce := time.Duration(r.ws.Config.DebounceMS) * time.Millisecond
	if debounce <= 0 {
		debounce = 800 * time.Millisecond
	}
	r.mode = scheduler.NewModeMachine(defaultMode, debounce, r.dispatchToMainLane)

	r.subagent = subagent.New(subagent.Config{
		Workspace:      r.name,
		Store:          r.substore,
		Meter:          r.meter,
		Catalog:        r.catalog,
		InvokerFactory: r.subagentInvokerFactory,
		MaxConcurrent:  r.subagentMaxConcurrent,
		ResultCallback: r.deliverSubagentResult,
	})

	r.cron = cron.New(cron.Config{
		Workspace:        r.name,
		Queue:            r.lanes,
		DynamicStorePath: r.ws.DynamicCronStorePath(),
	})
	defs, err := cron.LoadDefinitions(r.ws.CronsDir())
	if err != nil {
		slog.Warn("runner: failed to load cron definitions", "workspace", r.name, "error", err)
	}
	r.cron.Start(defs)

	r.commands = command.NewDefaultRouter(command.Deps{
		Workspace: r.name,
		Model:     modelOf(r.invoker),
		Sessions:  r.sessions,
		Store:     r.store,
		Tasks:     r.tasks,
		Mode:      r.mode,
		Invoker:   r.invoker,
	})

	if err := r.channel.Subscribe(r.onInbound); err != nil {
		r.cron.Stop()
		r.setState(StateCreated)
		return fmt.Errorf("runner %q: subscribe channel: %w", r.name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.spawnLaneWorkers(ctx)

	r.setState(StateRunning)
	slog.Info("runner: started", "workspace", r.name)
	return nil
}

// Stop closes the channel, stops cron, drains the main lane up to the
// configured grace period, stops the lane workers, and shuts down the
// sub-agent runner (spec §4.8's stop sequence). Stop when not running is idempotent. Errors are
// logged, never returned as fatal.
func (r *WorkspaceRunner) Stop() {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	r.state = StateStopping
	r.mu.Unlock()

	if err := r.channel.Close(); err != nil {
		slog.Error("runner: error closing channel", "workspace", r.name, "error", err)
	}
	r.cron.Stop()

	drained := make(chan struct{})
	go func() {
		for r.lanes.Active(scheduler.LaneMain) > 0 || r.lanes.Depth(scheduler.LaneMain) > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(r.stopGrace):
		slog.Warn("runner: stop grace period elapsed with work still in flight", "workspace", r.name)
	}

	if r.cancel != nil {
		r.cancel()
	}
	r.lanes.StopAll()
	r.workersWG.Wait()

	r.subagent.Shutdown()

	r.setState(StateStopped)
	slog.Info("runner: stopped", "workspace", r.name)
}

// Reload applies a configuration change. Per spec §4.8, config reload is a
// full restart; prompt-file reload is a no-op (prompt files are read fresh
// on every dispatch, see buildSystemPrompt).
func (r *WorkspaceRunner) Reload(cfg *config.WorkspaceConfig) error {
	r.Stop()
	if cfg != nil {
		r.ws.Config = *cfg
	}
	return r.Start()
}

func (r *WorkspaceRunner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *WorkspaceRunner) spawnLaneWorkers(ctx context.Context) {
	r.workersWG.Add(2)
	go r.runLaneLoop(ctx, scheduler.LaneMain, r.dispatchMain)
	go r.runLaneLoop(ctx, scheduler.LaneCron, r.dispatchCron)
}

// runLaneLoop is spec §4.8's generic dispatch loop, parameterized by lane
// name and the dispatch function for that lane's payload type. The
// subagent lane has no worker here: SubAgentRunner performs its own
// admission-gated execution independent of LaneQueue (spec: "Dispatch on
// the subagent lane: handled inside SubAgentRunner").
func (r *WorkspaceRunner) runLaneLoop(ctx context.Context, lane string, dispatch func(context.Context, scheduler.LaneItem)) {
	defer r.workersWG.Done()
	for {
		item, err := r.lanes.Take(ctx, lane)
		if err != nil {
			return
		}
		dispatch(ctx, item)
		r.lanes.Release(lane)
	}
}

// dispatchToMainLane is the scheduler.Dispatcher the ModeMachine calls once
// its debounce/mode logic decides a merged message is ready to run.
func (r *WorkspaceRunner) dispatchToMainLane(ctx context.Context, sessionKey, content string) {
	if err := r.lanes.Enqueue(scheduler.LaneMain, scheduler.LaneItem{
		Lane:       scheduler.LaneMain,
		SessionKey: sessionKey,
		Payload:    mainPayload{content: content},
	}); err != nil {
		slog.Error("runner: failed to enqueue main-lane item", "workspace", r.name, "session", sessionKey, "error", err)
		r.mode.Completed(sessionKey)
	}
}

// deliverSubagentResult is the subagent.ResultCallback: a completion notice
// re-enters the parent session as a synthetic inbound message (spec §4.5
// step 7, §9's resolved Open Question on breaking the cyclic reference).
func (r *WorkspaceRunner) deliverSubagentResult(sessionKey, content string) {
	r.mode.Inbound(sessionKey, content)
}

// dispatchMain implements spec §4.8's five-step main-lane dispatch.
func (r *WorkspaceRunner) dispatchMain(ctx context.Context, item scheduler.LaneItem) {
	payload, ok := item.Payload.(mainPayload)
	if !ok {
		slog.Error("runner: unexpected main-lane payload type", "workspace", r.name, "type", fmt.Sprintf("%T", item.Payload))
		r.mode.Completed(item.SessionKey)
		return
	}

	defer r.mode.Completed(item.SessionKey)

	threadID := r.sessions.GetThreadID(item.SessionKey)
	systemPrompt := r.buildSystemPrompt()

	result, err := r.invoker.Invoke(ctx, agent.InvokeRequest{
		SystemPrompt: systemPrompt,
		ThreadID:     threadID,
		UserMessage:  payload.content,
		Tools:        toolSpecsFromCatalog(r.catalog),
	})

	text := "Something went wrong processing that message."
	var metrics agent.Metrics
	if err != nil {
		slog.Error("runner: main invocation failed", "workspace", r.name, "session", item.SessionKey, "error", err)
	} else {
		text = result.Text
		metrics = result.Metrics
	}

	r.sessions.Increment(item.SessionKey)
	r.meter.Record(tokenmeter.Entry{
		Workspace:      r.name,
		InvocationType: tokenmeter.InvocationUser,
		SessionKey:     item.SessionKey,
		InputTokens:    int64(metrics.InputTokens),
		OutputTokens:   int64(metrics.OutputTokens),
		LLMCalls:       metrics.LLMCalls,
		DurationMS:     int64(metrics.DurationMS),
		Model:          metrics.Model,
	})

	r.sendChunked(ctx, item.SessionKey, text)
}

// dispatchCron delivers a cron firing's prompt through the invoker and
// posts the result to the job's configured output route (spec §4.6, §4.8).
func (r *WorkspaceRunner) dispatchCron(ctx context.Context, item scheduler.LaneItem) {
	payload, ok := item.Payload.(cron.Payload)
	if !ok {
		slog.Error("runner: unexpected cron-lane payload type", "workspace", r.name, "type", fmt.Sprintf("%T", item.Payload))
		return
	}

	threadKey := sessions.BuildCronSessionKey(r.name, payload.CronName)
	target := payload.OutputRoute.ChatID
	if target == 0 {
		target = payload.OutputRoute.ChannelID
	}
	outKey := sessions.BuildSessionKey(payload.OutputRoute.Channel, strconv.FormatInt(target, 10))

	result, err := r.invoker.Invoke(ctx, agent.InvokeRequest{
		SystemPrompt: r.buildSystemPrompt(),
		ThreadID:     threadKey,
		UserMessage:  payload.Prompt,
		Tools:        toolSpecsFromCatalog(r.catalog),
	})
	if err != nil {
		slog.Error("runner: cron invocation failed", "workspace", r.name, "job", payload.CronName, "error", err)
		return
	}

	r.meter.Record(tokenmeter.Entry{
		Workspace:      r.name,
		InvocationType: tokenmeter.InvocationCron,
		SessionKey:     threadKey,
		InputTokens:    int64(result.Metrics.InputTokens),
		OutputTokens:   int64(result.Metrics.OutputTokens),
		LLMCalls:       result.Metrics.LLMCalls,
		DurationMS:     int64(result.Metrics.DurationMS),
		Model:          result.Metrics.Model,
	})

	r.sendChunked(ctx, outKey, result.Text)
}

// onInbound is the Channel's InboundFunc: a message whose leading token
// matches a registered command name (spec §6.1's is_command rule) is
// routed directly, serialized against in-flight invocations inside its own
// handler rather than via the lane queue; everything else enters the
// QueueModeMachine. A "/" message that names no registered command is not
// a command at all (is_command is false) and falls through to the queue.
func (r *WorkspaceRunner) onInbound(msg InboundMessage) {
	if name, args, ok := command.ParseCommand(msg.Content); ok {
		go r.handleCommand(context.Background(), name, args, msg.SessionKey, msg.Content)
		return
	}
	r.mode.Inbound(msg.SessionKey, msg.Content)
}

func (r *WorkspaceRunner) handleCommand(ctx context.Context, name, args, sessionKey, rawContent string) {
	resp, err := r.commands.Dispatch(ctx, name, command.Request{
		Workspace:  r.name,
		SessionKey: sessionKey,
		Args:       args,
	})
	if err != nil {
		if _, unknown := err.(*command.ErrUnknownCommand); unknown {
			r.mode.Inbound(sessionKey, rawContent)
			return
		}
		slog.Warn("runner: command dispatch failed", "workspace", r.name, "command", name, "error", err)
		r.sendChunked(ctx, sessionKey, fmt.Sprintf("Error: %v", err))
		return
	}
	r.sendChunked(ctx, sessionKey, resp.Text)
}

func (r *WorkspaceRunner) sendChunked(ctx context.Context, sessionKey, text string) {
	for _, chunk := range chunkMessage(text, maxMessageChunk) {
		if err := r.channel.SendMessage(ctx, sessionKey, chunk); err != nil {
			slog.Error("runner: failed to send message", "workspace", r.name, "session", sessionKey, "error", err)
		}
	}
}

// buildSystemPrompt concatenates the workspace's prompt layers (spec §4.8
// step 2). Missing optional files are skipped; AGENT.md was already
// confirmed present by Validate at Start.
func (r *WorkspaceRunner) buildSystemPrompt() string {
	var b strings.Builder
	for _, path := range []string{r.ws.AgentPromptPath(), r.ws.UserPromptPath(), r.ws.SoulPromptPath(), r.ws.HeartbeatPromptPath()} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.Write(data)
	}
	return b.String()
}

func toolSpecsFromCatalog(catalog subagent.Catalog) []agent.ToolSpec {
	if catalog == nil {
		return nil
	}
	names := catalog.ToolNames()
	specs := make([]agent.ToolSpec, 0, len(names))
	for _, n := range names {
		if spec, ok := catalog.Spec(n); ok {
			specs = append(specs, spec)
		}
	}
	return specs
}

func laneConfigs(cfg config.WorkspaceConfig) map[string]scheduler.LaneConfig {
	defaults := scheduler.DefaultLaneConfigs()
	if cfg.MainConcurrency > 0 {
		defaults[scheduler.LaneMain] = scheduler.LaneConfig{Concurrency: cfg.MainConcurrency, Cap: 20, DropPolicy: scheduler.DropOldest}
	}
	if cfg.SubagentConcurrency > 0 {
		defaults[scheduler.LaneSubagent] = scheduler.LaneConfig{Concurrency: cfg.SubagentConcurrency, Cap: 20, DropPolicy: scheduler.DropOldest}
	}
	if cfg.CronConcurrency > 0 {
		defaults[scheduler.LaneCron] = scheduler.LaneConfig{Concurrency: cfg.CronConcurrency, Cap: 20, DropPolicy: scheduler.DropOldest}
	}
	return defaults
}

func modelOf(inv agent.Invoker) string {
	if m, ok := inv.(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}
