// Package subagent implements the SubAgentRunner (spec §4.5, C7): bounded
// background task execution with its own AgentInvoker per task, persisted
// through internal/substore, and completion notices that re-enter the
// parent session's LaneQueue as a synthetic main-lane message.
//
// Grounded on _examples/original_source/openpaw/subagent/runner.py: the
// spawn/cancel/list_active/list_recent/get_status/get_result/shutdown
// surface, the pending->running->completed|failed|timed_out lifecycle, the
// fail-fast admission check at spawn (the only bound on concurrent runs;
// there is no separate semaphore), and the exact notification wording.
package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/runtimeerr"
	"github.com/nextlevelbuilder/goclaw/internal/substore"
	"github.com/nextlevelbuilder/goclaw/internal/tokenmeter"
)

// DefaultMaxConcurrent is the default admission bound (spec §4.5).
const DefaultMaxConcurrent = 8

// shutdownGrace bounds how long Shutdown waits for in-flight tasks to
// observe cancellation before returning (spec §4.5: "waits up to 5s").
const shutdownGrace = 5 * time.Second

// ResultCallback delivers a sub-agent's completion notice back into the
// parent session. The preferred delivery path (spec §4.5 step 7): the
// runner is constructed with one of these and never reaches into the
// parent's LaneQueue directly, breaking the cyclic reference between
// runner and queue that a thread-local "current session" would otherwise
// require.
type ResultCallback func(sessionKey, content string)

// ChannelSender is the fallback delivery path when no ResultCallback is
// configured: a direct send to the originating channel.
type ChannelSender interface {
	Send(ctx context.Context, sessionKey, content string) error
}

// InvokerFactory builds a fresh Invoker for one sub-agent run, already bound
// to the effective tool set and tool executor computed for that run. Every
// spawn gets its own instance; no conversation state is shared across runs.
type InvokerFactory func(toolSpecs []agent.ToolSpec, executor agent.ToolExecutor) agent.Invoker

// SpawnRequest is the input to Spawn (spec §3's SubAgentRequest, minus
// server-assigned fields).
type SpawnRequest struct {
	Task         string
	Label        string
	SessionKey   string
	TimeoutMin   int
	Notify       bool
	AllowedTools []string
	DeniedTools  []string
}

// Runner is the SubAgentRunner (spec §4.5, C7).
type Runner struct {
	workspace      string
	store          *substore.Store
	meter          *tokenmeter.Meter
	catalog        Catalog
	invokerFactory InvokerFactory
	resultCallback ResultCallback
	fallbackSender ChannelSender
	maxConcurrent  int

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Config configures a new Runner.
type Config struct {
	Workspace      string
	Store          *substore.Store
	Meter          *tokenmeter.Meter
	Catalog        Catalog
	InvokerFactory InvokerFactory
	ResultCallback ResultCallback
	FallbackSender ChannelSender
	MaxConcurrent  int
}

// New constructs a Runner from cfg.
func New(cfg Config) *Runner {
	max := cfg.MaxConcurrent
	if max <= 0 {
		max = DefaultMaxConcurrent
	}
	return &Runner{
		workspace:      cfg.Workspace,
		store:          cfg.Store,
		meter:          cfg.Meter,
		catalog:        cfg.Catalog,
		invokerFactory: cfg.InvokerFactory,
		resultCallback: cfg.ResultCallback,
		fallbackSender: cfg.FallbackSender,
		maxConcurrent:  max,
		active:         make(map[string]context.CancelFunc),
	}
}

// activeCount reports the number of requests currently pending or running.
// Read from the store rather than len(r.active) so a freshly restarted
// Runner sees requests a previous process left running as still occupying
// capacity until CleanupStale marks them stale.
func (r *Runner) activeCount() int {
	return len(r.store.ListActive())
}

// Spawn admits a new sub-agent task. Admission fails fast with a
// CapacityError if active_tasks >= max_concurrent; the runner never queues
// a rejected spawn (spec §4.5).
func (r *Runner) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	r.mu.Lock()
	if r.activeCount() >= r.maxConcurrent {
		r.mu.Unlock()
		return "", runtimeerr.NewCapacityError("subagent", r.maxConcurrent)
	}

	id := substore.NewRequestID()
	runCtx, cancel := context.WithCancel(context.Background())
	r.active[id] = cancel
	r.mu.Unlock()

	timeoutMin := req.TimeoutMin
	if timeoutMin <= 0 {
		timeoutMin = 10
	}
	record := substore.Request{
		ID:           id,
		Task:         req.Task,
		Label:        req.Label,
		Status:       substore.StatusPending,
		SessionKey:   req.SessionKey,
		TimeoutMin:   timeoutMin,
		Notify:       req.Notify,
		AllowedTools: req.AllowedTools,
		DeniedTools:  req.DeniedTools,
	}
	if err := r.store.Create(record); err != nil {
		r.mu.Lock()
		delete(r.active, id)
		r.mu.Unlock()
		cancel()
		return "", fmt.Errorf("subagent: persist request: %w", err)
	}

	go r.execute(runCtx, cancel, record)

	return id, nil
}

// Cancel requests cooperative cancellation of an active sub-agent run.
// Returns false if the id is not currently active.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	r.store.UpdateStatus(id, substore.StatusCancelled, func(req *substore.Request) {
		now := time.Now().UTC()
		req.CompletedAt = &now
	})
	return true
}

// ListActive returns all pending/running requests.
func (r *Runner) ListActive() []substore.Request { return r.store.ListActive() }

// ListRecent returns up to limit requests, most recent first.
func (r *Runner) ListRecent(limit int) []substore.Request { return r.store.ListRecent(limit) }

// GetStatus retrieves a single request's record.
func (r *Runner) GetStatus(id string) (substore.Request, bool) { return r.store.Get(id) }

// GetResult retrieves a completed/failed/timed-out request's result.
func (r *Runner) GetResult(id string) (substore.Result, bool) { return r.store.GetResult(id) }

// Shutdown cancels every active run and waits up to shutdownGrace for them
// to unwind. Best-effort: it does not block forever on a run that ignores
// cancellation.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.active))
	for _, cancel := range r.active {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		remaining := len(r.active)
		r.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// execute runs the 9-step sequence of spec §4.5 for one spawned request.
func (r *Runner) execute(ctx context.Context, cancel context.CancelFunc, req substore.Request) {
	defer func() {
		r.mu.Lock()
		delete(r.active, req.ID)
		r.mu.Unlock()
		cancel()
	}()

	now := time.Now().UTC()
	r.store.UpdateStatus(req.ID, substore.StatusRunning, func(rec *substore.Request) {
		rec.StartedAt = &now
	})

	effectiveNames := computeEffectiveTools(r.catalog, req.AllowedTools, req.DeniedTools)
	allowedSet := make(map[string]bool, len(effectiveNames))
	specs := make([]agent.ToolSpec, 0, len(effectiveNames))
	for _, name := range effectiveNames {
		allowedSet[name] = true
		if spec, ok := r.catalog.Spec(name); ok {
			specs = append(specs, spec)
		}
	}
	executor := r.catalog.Executor(allowedSet)
	invoker := r.invokerFactory(specs, executor)

	deadline := time.Duration(req.TimeoutMin) * time.Minute
	runCtx, runCancel := context.WithTimeout(ctx, deadline)
	defer runCancel()

	start := time.Now()
	result, err := invoker.Invoke(runCtx, agent.InvokeRequest{
		SystemPrompt: buildSubagentSystemPrompt(req.Label),
		ThreadID:     "",
		UserMessage:  req.Task,
		Tools:        specs,
	})
	duration := time.Since(start)

	switch {
	case err == nil && result.FinishedReason == agent.FinishedTimedOut:
		r.finishTimeout(req, duration)
	case err != nil || result.FinishedReason == agent.FinishedFailed:
		errMsg := "sub-agent invocation failed"
		if err != nil {
			errMsg = err.Error()
		}
		r.finishFailure(req, errMsg, duration)
	default:
		r.finishSuccess(req, result, duration)
	}

	if r.meter != nil {
		var metrics agent.Metrics
		if result != nil {
			metrics = result.Metrics
		}
		r.meter.Record(tokenmeter.Entry{
			Workspace:      r.workspace,
			InvocationType: tokenmeter.InvocationSubagent,
			SessionKey:     req.SessionKey,
			InputTokens:    int64(metrics.InputTokens),
			OutputTokens:   int64(metrics.OutputTokens),
			LLMCalls:       metrics.LLMCalls,
			DurationMS:     int64(duration.Milliseconds()),
			Model:          metrics.Model,
		})
	}
}

func (r *Runner) finishSuccess(req substore.Request, result *agent.InvokeResult, duration time.Duration) {
	now := time.Now().UTC()
	r.store.SaveResult(substore.Result{
		RequestID:  req.ID,
		Output:     result.Text,
		TokenCount: result.Metrics.TotalTokens,
		DurationMS: float64(duration.Milliseconds()),
	})
	r.store.UpdateStatus(req.ID, substore.StatusCompleted, func(rec *substore.Request) {
		rec.CompletedAt = &now
	})
	if req.Notify {
		r.notify(req, formatCompletionNotice(req.Label, req.ID, result.Text))
	}
}

func (r *Runner) finishFailure(req substore.Request, errMsg string, duration time.Duration) {
	now := time.Now().UTC()
	r.store.SaveResult(substore.Result{
		RequestID:  req.ID,
		DurationMS: float64(duration.Milliseconds()),
		Error:      errMsg,
	})
	r.store.UpdateStatus(req.ID, substore.StatusFailed, func(rec *substore.Request) {
		rec.CompletedAt = &now
	})
	if req.Notify {
		r.notify(req, formatFailureNotice(req.Label, errMsg))
	}
}

func (r *Runner) finishTimeout(req substore.Request, duration time.Duration) {
	now := time.Now().UTC()
	errMsg := fmt.Sprintf("Sub-agent timed out after %d minutes", req.TimeoutMin)
	r.store.SaveResult(substore.Result{
		RequestID:  req.ID,
		DurationMS: float64(duration.Milliseconds()),
		Error:      errMsg,
	})
	r.store.UpdateStatus(req.ID, substore.StatusTimedOut, func(rec *substore.Request) {
		rec.CompletedAt = &now
	})
	if req.Notify {
		r.notify(req, formatTimeoutNotice(req.Label, req.TimeoutMin))
	}
}

// notify delivers a completion notice via the result callback, falling back
// to a direct channel send if no callback is configured (spec §4.5 step 7).
func (r *Runner) notify(req substore.Request, content string) {
	if r.resultCallback != nil {
		r.resultCallback(req.SessionKey, content)
		return
	}
	if r.fallbackSender != nil {
		if err := r.fallbackSender.Send(context.Background(), req.SessionKey, content); err != nil {
			slog.Warn("subagent: notification delivery failed", "request_id", req.ID, "error", err)
		}
		return
	}
	slog.Warn("subagent: no notification path configured", "request_id", req.ID)
}

// CleanupStale runs the store's stale-request sweep (spec §4.5's "Store
// cleanup" pass, run on init and periodically by the owning WorkspaceRunner).
func (r *Runner) CleanupStale() int { return r.store.CleanupStale() }

func buildSubagentSystemPrompt(label string) string {
	return fmt.Sprintf("You are a sub-agent named %q, running a single bounded task. "+
		"Produce a final answer and stop; you cannot spawn further sub-agents "+
		"or message the user directly.", label)
}
