package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/substore"
)

// inFlightPollInterval bounds how often /new and /compact re-check whether
// the session's in-flight invocation has finished (spec §4.7: "must await
// any active invocation on the same session before rotating").
const inFlightPollInterval = 20 * time.Millisecond

// summarizePrompt is the fixed prompt /compact runs against the current
// thread before rotating (spec §4.7).
const summarizePrompt = "Summarize this conversation so far, preserving the details a continuation would need. Reply with only the summary."

// compactedPrefix is injected as the first message of the thread /compact
// rotates into (spec §4.7).
const compactedPrefix = "[CONVERSATION COMPACTED]\n"

// Deps wires a Router's handlers to the workspace's live state.
type Deps struct {
	Workspace string
	Model     string
	Sessions  *sessions.Manager
	Store     store.SessionStore
	Tasks     *substore.TaskStore
	Mode      *scheduler.ModeMachine
	Invoker   agent.Invoker // used only by /compact's summarize call
}

// NewDefaultRouter builds a Router with the exhaustive handler set of
// spec §4.7 wired to deps.
func NewDefaultRouter(deps Deps) *Router {
	r := NewRouter()

	// Hidden and BypassQueue match spec §6.3's command surface table exactly.
	r.Register(Definition{Name: "start", Hidden: true}, deps.handleStart)
	r.Register(Definition{Name: "new", BypassQueue: true}, deps.handleNew)
	r.Register(Definition{Name: "queue", ArgsDescription: "<collect|steer|followup|interrupt>"}, deps.handleQueue)
	r.Register(Definition{Name: "help"}, deps.handleHelp(r))
	r.Register(Definition{Name: "status"}, deps.handleStatus)
	r.Register(Definition{Name: "compact", BypassQueue: true}, deps.handleCompact)

	return r
}

func (d Deps) handleStart(ctx context.Context, req Request) (Response, error) {
	return Response{Text: fmt.Sprintf("Welcome to %s. Send a message to get started, or /help for commands.", d.Workspace)}, nil
}

func (d Deps) awaitIdle(ctx context.Context, sessionKey string) error {
	for d.Mode.InFlight(sessionKey) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(inFlightPollInterval):
		}
	}
	return nil
}

func (d Deps) handleNew(ctx context.Context, req Request) (Response, error) {
	if err := d.awaitIdle(ctx, req.SessionKey); err != nil {
		return Response{}, err
	}

	oldConvID := d.Sessions.NewConversation(req.SessionKey)
	if oldConvID != "" {
		oldThreadID := req.SessionKey + ":" + oldConvID
		d.Store.SetLabel(oldThreadID, "manual")
	}

	newThreadID := d.Sessions.GetThreadID(req.SessionKey)
	return Response{Text: fmt.Sprintf("Started a new conversation (%s).", newThreadID)}, nil
}

func (d Deps) handleQueue(ctx context.Context, req Request) (Response, error) {
	mode, ok := scheduler.NormalizeMode(req.Args)
	if !ok {
		return Response{Text: "Usage: /queue <collect|steer|followup|interrupt>"}, nil
	}
	d.Mode.SetMode(req.SessionKey, mode)
	return Response{Text: fmt.Sprintf("Queue mode set to %s.", mode)}, nil
}

func (d Deps) handleHelp(r *Router) HandlerFunc {
	return func(ctx context.Context, req Request) (Response, error) {
		var b strings.Builder
		b.WriteString("Available commands:\n")
		for _, def := range r.Definitions() {
			b.WriteString("/" + def.Name)
			if def.ArgsDescription != "" {
				b.WriteString(" " + def.ArgsDescription)
			}
			b.WriteString("\n")
		}
		return Response{Text: strings.TrimRight(b.String(), "\n")}, nil
	}
}

func (d Deps) handleStatus(ctx context.Context, req Request) (Response, error) {
	state := d.Sessions.GetState(req.SessionKey)
	convID := ""
	msgCount := 0
	if state != nil {
		convID = state.ConversationID
		msgCount = state.MessageCount
	}

	pending, inProgress, completed := 0, 0, 0
	if d.Tasks != nil {
		pending, inProgress, completed = d.Tasks.Counts(req.SessionKey)
	}

	text := fmt.Sprintf(
		"Workspace: %s\nModel: %s\nConversation: %s\nMessages: %d\nTasks: %d pending, %d in progress, %d completed",
		d.Workspace, d.Model, convID, msgCount, pending, inProgress, completed,
	)
	return Response{Text: text}, nil
}

func (d Deps) handleCompact(ctx context.Context, req Request) (Response, error) {
	if err := d.awaitIdle(ctx, req.SessionKey); err != nil {
		return Response{}, err
	}

	currentThreadID := d.Sessions.GetThreadID(req.SessionKey)

	summary, summaryErr := d.summarize(ctx, currentThreadID)

	oldConvID := d.Sessions.NewConversation(req.SessionKey)
	oldThreadID := req.SessionKey + ":" + oldConvID
	d.Store.SetLabel(oldThreadID, "compact")

	responseText := "Conversation compacted."
	if summaryErr != nil {
		responseText = "Conversation compacted. Could not generate summary."
	} else {
		d.Store.SetSummary(oldThreadID, summary)
		newThreadID := d.Sessions.GetThreadID(req.SessionKey)
		d.Store.AddMessage(newThreadID, providers.Message{Role: "assistant", Content: compactedPrefix + summary})
		d.Store.Save(newThreadID)
	}

	return Response{Text: responseText}, nil
}

func (d Deps) summarize(ctx context.Context, threadID string) (string, error) {
	if d.Invoker == nil {
		return "", fmt.Errorf("command: no invoker configured for /compact")
	}
	result, err := d.Invoker.Invoke(ctx, agent.InvokeRequest{
		ThreadID:    threadID,
		UserMessage: summarizePrompt,
	})
	if err != nil {
		return "", err
	}
	if result.FinishedReason != agent.FinishedComplete || result.Text == "" {
		return "", fmt.Errorf("command: summarize did not complete (reason=%s)", result.FinishedReason)
	}
	return result.Text, nil
}
