package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/runtimeerr"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

// FinishedReason is the outcome vocabulary of one AgentInvoker.Invoke call.
type FinishedReason string

const (
	FinishedComplete  FinishedReason = "complete"
	FinishedCancelled FinishedReason = "cancelled"
	FinishedTimedOut  FinishedReason = "timed_out"
	FinishedFailed    FinishedReason = "failed"
)

// ToolSpec is one entry of the invoker's tool list. Order and name are
// stable — the invoker must not reorder or coalesce (spec §4.4).
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolExecutor runs a single tool call by name. internal/subagent and
// internal/runner supply the concrete implementation backed by the tool
// catalog, already filtered to the effective tool set for the caller.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) *tools.Result
}

// Metrics is the per-invocation accounting reported through MetricsSink and
// returned on InvokeResult (spec §4.4: input/output/total tokens, llm_calls,
// duration_ms, model, is_partial).
type Metrics struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	LLMCalls     int
	DurationMS   float64
	Model        string
	IsPartial    bool
}

// InvokeRequest is the sole input shape accepted by Invoker.Invoke.
type InvokeRequest struct {
	SystemPrompt string
	ThreadID     string
	UserMessage  string
	Tools        []ToolSpec
	MetricsSink  func(Metrics)
}

// InvokeResult is the sole output shape returned by Invoker.Invoke.
type InvokeResult struct {
	Text           string
	Metrics        Metrics
	FinishedReason FinishedReason
}

// Invoker is the sole adapter to the model (spec §4.4). Implementations are
// factory-produced: every sub-agent gets a fresh instance with no shared
// conversation state, while a long-lived instance backing the main lane
// carries state only through the thread_id-keyed session store it was
// constructed with.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

// defaultMaxIterations bounds the think-act-observe cycle per invocation.
const defaultMaxIterations = 20

// Loop is the default Invoker: one provider-backed think/act/observe cycle
// with tool execution, history persisted through store.SessionStore keyed by
// thread_id. Adapted from the teacher's agent dispatch loop, narrowed to the
// invoke(...) -> {text, metrics, finished_reason} contract.
type Loop struct {
	id            string
	provider      providers.Provider
	model         string
	maxIterations int
	sessions      store.SessionStore
	tools         ToolExecutor

	activeRuns atomic.Int32
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	ID            string
	Provider      providers.Provider
	Model         string
	MaxIterations int
	Sessions      store.SessionStore // nil for stateless sub-agent invokers
	Tools         ToolExecutor
}

// NewLoop constructs a Loop from cfg.
func NewLoop(cfg LoopConfig) *Loop {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	return &Loop{
		id:            cfg.ID,
		provider:      cfg.Provider,
		model:         cfg.Model,
		maxIterations: maxIter,
		sessions:      cfg.Sessions,
		tools:         cfg.Tools,
	}
}

// ID returns the invoker's identifier (for logging).
func (l *Loop) ID() string { return l.id }

// Model returns the model identifier this Loop calls.
func (l *Loop) Model() string { return l.model }

// IsRunning reports whether this Loop currently has an in-flight invocation.
func (l *Loop) IsRunning() bool { return l.activeRuns.Load() > 0 }

// Invoke runs one think/act/observe cycle to completion, cancellation, or
// timeout. The tools list is used verbatim, in order, as the model's tool
// catalog for every iteration of the cycle.
func (l *Loop) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	start := time.Now()
	messages := l.buildMessages(req)

	var totalUsage providers.Usage
	llmCalls := 0
	finished := FinishedComplete
	var finalContent string
	var pendingMsgs []providers.Message
	pendingMsgs = append(pendingMsgs, providers.Message{Role: "user", Content: req.UserMessage})

	toolDefs := toolDefinitions(req.Tools)

iterationLoop:
	for iteration := 0; iteration < l.maxIterations; iteration++ {
		if cErr := ctx.Err(); cErr != nil {
			finished = classifyContextErr(cErr)
			break
		}

		slog.Debug("agent invoke iteration", "invoker", l.id, "iteration", iteration, "messages", len(messages))

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    l.model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   8192,
				providers.OptTemperature: 0.7,
			},
		}

		resp, err := l.provider.Chat(ctx, chatReq)
		llmCalls++
		if err != nil {
			if cErr := ctx.Err(); cErr != nil {
				finished = classifyContextErr(cErr)
				break
			}
			return nil, runtimeerr.NewInvokerError(l.model, err)
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)
		pendingMsgs = append(pendingMsgs, assistantMsg)

		toolMsgs, execErr := l.runToolCalls(ctx, resp.ToolCalls)
		if execErr != nil {
			finished = classifyContextErr(execErr)
			break iterationLoop
		}
		for _, tm := range toolMsgs {
			messages = append(messages, tm)
			pendingMsgs = append(pendingMsgs, tm)
		}
	}

	finalContent = SanitizeAssistantContent(finalContent)
	if IsSilentReply(finalContent) {
		finalContent = ""
	}

	pendingMsgs = append(pendingMsgs, providers.Message{Role: "assistant", Content: finalContent})

	if l.sessions != nil && req.ThreadID != "" {
		for _, msg := range pendingMsgs {
			l.sessions.AddMessage(req.ThreadID, msg)
		}
		l.sessions.AccumulateTokens(req.ThreadID, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))
		l.sessions.Save(req.ThreadID)
	}

	metrics := Metrics{
		InputTokens:  totalUsage.PromptTokens,
		OutputTokens: totalUsage.CompletionTokens,
		TotalTokens:  totalUsage.TotalTokens,
		LLMCalls:     llmCalls,
		DurationMS:   float64(time.Since(start).Microseconds()) / 1000.0,
		Model:        l.model,
		IsPartial:    finished != FinishedComplete,
	}
	if req.MetricsSink != nil {
		req.MetricsSink(metrics)
	}

	return &InvokeResult{Text: finalContent, Metrics: metrics, FinishedReason: finished}, nil
}

// buildMessages assembles the system prompt, prior history (if a session
// store was configured), and the current user message.
func (l *Loop) buildMessages(req InvokeRequest) []providers.Message {
	messages := make([]providers.Message, 0, 8)
	if req.SystemPrompt != "" {
		messages = append(messages, providers.Message{Role: "system", Content: req.SystemPrompt})
	}
	if l.sessions != nil && req.ThreadID != "" {
		messages = append(messages, l.sessions.GetHistory(req.ThreadID)...)
	}
	messages = append(messages, providers.Message{Role: "user", Content: req.UserMessage})
	return messages
}

// runToolCalls executes one iteration's tool calls: sequentially for a
// single call, concurrently (goroutine-per-call) for several, collected back
// into deterministic message order by original index.
func (l *Loop) runToolCalls(ctx context.Context, calls []providers.ToolCall) ([]providers.Message, error) {
	if len(calls) == 1 {
		tc := calls[0]
		result := l.executeOne(ctx, tc)
		return []providers.Message{{Role: "tool", Content: result.ForLLM, ToolCallID: tc.ID}}, nil
	}

	type indexedResult struct {
		idx    int
		tc     providers.ToolCall
		result *tools.Result
	}

	resultCh := make(chan indexedResult, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			resultCh <- indexedResult{idx: idx, tc: tc, result: l.executeOne(ctx, tc)}
		}(i, tc)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexedResult, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	out := make([]providers.Message, 0, len(collected))
	for _, r := range collected {
		out = append(out, providers.Message{Role: "tool", Content: r.result.ForLLM, ToolCallID: r.tc.ID})
	}
	return out, nil
}

func (l *Loop) executeOne(ctx context.Context, tc providers.ToolCall) *tools.Result {
	if l.tools == nil {
		return tools.ErrorResult(fmt.Sprintf("no tool executor configured: %s", tc.Name))
	}
	argsJSON, _ := json.Marshal(tc.Arguments)
	slog.Info("tool call", "invoker", l.id, "tool", tc.Name, "args_len", len(argsJSON))
	result := l.tools.Execute(ctx, tc.Name, tc.Arguments)
	if result.IsError {
		errMsg := result.ForLLM
		if len(errMsg) > 200 {
			errMsg = errMsg[:200] + "..."
		}
		slog.Warn("tool error", "invoker", l.id, "tool", tc.Name, "error", errMsg)
	}
	return result
}

func toolDefinitions(specs []ToolSpec) []providers.ToolDefinition {
	if len(specs) == 0 {
		return nil
	}
	defs := make([]providers.ToolDefinition, len(specs))
	for i, s := range specs {
		defs[i] = providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		}
	}
	return defs
}

func classifyContextErr(err error) FinishedReason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FinishedTimedOut
	case errors.Is(err, context.Canceled):
		return FinishedCancelled
	default:
		return FinishedFailed
	}
}
