package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mode is a per-session queueing-mode value (spec §4.3).
type Mode string

const (
	ModeCollect   Mode = "collect"
	ModeSteer     Mode = "steer"
	ModeFollowup  Mode = "followup"
	ModeInterrupt Mode = "interrupt"
)

// NormalizeMode parses a /queue argument: case-insensitive, with "default"
// and "reset" aliasing to collect (spec §4.7's /queue handler contract).
func NormalizeMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "collect", "default", "reset":
		return ModeCollect, true
	case "steer":
		return ModeSteer, true
	case "followup", "follow-up":
		return ModeFollowup, true
	case "interrupt":
		return ModeInterrupt, true
	default:
		return "", false
	}
}

// Dispatcher is invoked by the ModeMachine whenever it has decided a merged
// user message is ready to run. The runner must call Completed(sessionKey)
// exactly once after the invocation ends (success, failure, or cancellation)
// so the machine can release anything held for steer/follow-up/collect.
type Dispatcher func(ctx context.Context, sessionKey, content string)

type sessionState struct {
	mode             Mode
	debounceOverride time.Duration

	timer   *time.Timer
	buffer  []string
	inFlight bool
	cancel  context.CancelFunc

	hasFollowup   bool
	followupText  string
}

// ModeMachine is the QueueModeMachine (spec §4.3): it decides, per session,
// what happens when a message arrives while a prior one is debouncing or
// in flight, and owns the per-session debounce timer.
type ModeMachine struct {
	mu              sync.Mutex
	defaultMode     Mode
	defaultDebounce time.Duration
	sessions        map[string]*sessionState
	dispatch        Dispatcher
}

// NewModeMachine constructs a ModeMachine. dispatch is called with a fresh,
// cancellable context every time a merged message is ready to invoke.
func NewModeMachine(defaultMode Mode, defaultDebounce time.Duration, dispatch Dispatcher) *ModeMachine {
	if defaultMode == "" {
		defaultMode = ModeCollect
	}
	return &ModeMachine{
		defaultMode:     defaultMode,
		defaultDebounce: defaultDebounce,
		sessions:        make(map[string]*sessionState),
		dispatch:        dispatch,
	}
}

func (m *ModeMachine) stateFor(key string) *sessionState {
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &sessionState{}
	m.sessions[key] = s
	return s
}

// SetMode sets the per-session queue-mode override.
func (m *ModeMachine) SetMode(key string, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateFor(key).mode = mode
}

// Mode returns the effective mode for a session (override, else default).
func (m *ModeMachine) Mode(key string) Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok && s.mode != "" {
		return s.mode
	}
	return m.defaultMode
}

// SetDebounce sets a per-session debounce override.
func (m *ModeMachine) SetDebounce(key string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateFor(key).debounceOverride = d
}

// InFlight reports whether a session currently has a dispatched-but-not-
// completed invocation. Commands use this to decide whether /new and
// /compact must wait (spec §4.3, §4.7).
func (m *ModeMachine) InFlight(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return ok && s.inFlight
}

// Inbound admits one non-command inbound message for a session, applying
// the mode table in spec §4.3.
func (m *ModeMachine) Inbound(key, content string) {
	m.mu.Lock()
	st := m.stateFor(key)
	mode := st.mode
	if mode == "" {
		mode = m.defaultMode
	}

	if st.inFlight {
		switch mode {
		case ModeSteer:
			cancel := st.cancel
			st.buffer = []string{content}
			m.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			return
		case ModeFollowup:
			st.hasFollowup = true
			st.followupText = content
			m.mu.Unlock()
			return
		case ModeInterrupt:
			m.mu.Unlock()
			m.dispatch(context.Background(), key, content)
			return
		default: // collect
			st.buffer = append(st.buffer, content)
			m.mu.Unlock()
			return
		}
	}

	// Not in flight: either idle or debouncing.
	if mode == ModeInterrupt {
		m.mu.Unlock()
		m.dispatch(context.Background(), key, content)
		return
	}

	st.buffer = append(st.buffer, content)
	debounce := st.debounceOverride
	if debounce <= 0 {
		debounce = m.defaultDebounce
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(debounce, func() { m.fire(key) })
	m.mu.Unlock()
}

func (m *ModeMachine) fire(key string) {
	m.mu.Lock()
	st, ok := m.sessions[key]
	if !ok || st.inFlight || len(st.buffer) == 0 {
		m.mu.Unlock()
		return
	}
	merged := strings.Join(st.buffer, "\n")
	st.buffer = nil
	st.timer = nil
	st.inFlight = true
	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	m.mu.Unlock()

	m.dispatch(ctx, key, merged)
}

// Completed must be called by the runner exactly once per dispatched
// invocation. It releases any steer/follow-up/collect content accumulated
// while the invocation ran.
func (m *ModeMachine) Completed(key string) {
	m.mu.Lock()
	st, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.inFlight = false
	st.cancel = nil

	if st.hasFollowup {
		content := st.followupText
		st.followupText = ""
		st.hasFollowup = false
		st.inFlight = true
		ctx, cancel := context.WithCancel(context.Background())
		st.cancel = cancel
		m.mu.Unlock()
		m.dispatch(ctx, key, content)
		return
	}

	if len(st.buffer) > 0 {
		merged := strings.Join(st.buffer, "\n")
		st.buffer = nil
		st.inFlight = true
		ctx, cancel := context.WithCancel(context.Background())
		st.cancel = cancel
		m.mu.Unlock()
		m.dispatch(ctx, key, merged)
		return
	}

	m.mu.Unlock()
}
