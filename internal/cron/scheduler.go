package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
)

// job tracks one static Definition's scheduling state.
type job struct {
	def    Definition
	active bool // false if the schedule failed validation (spec: "inactive, not fatal")
	cancel context.CancelFunc
}

// Scheduler is the CronScheduler (spec §4.6, C8). One per workspace.
type Scheduler struct {
	workspace string
	queue     *scheduler.LaneQueue
	dynamic   *dynamicStore

	mu       sync.Mutex
	jobs     map[string]*job
	dynJobs  map[string]context.CancelFunc
	runCtx   context.Context
	runStop  context.CancelFunc
	running  bool
}

// Config configures a new Scheduler.
type Config struct {
	Workspace        string
	Queue            *scheduler.LaneQueue
	DynamicStorePath string
}

// New constructs a Scheduler. Call Start to load definitions and begin
// firing; Reload to apply a new definition set without restarting.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		workspace: cfg.Workspace,
		queue:     cfg.Queue,
		dynamic:   newDynamicStore(cfg.DynamicStorePath),
		jobs:      make(map[string]*job),
		dynJobs:   make(map[string]context.CancelFunc),
	}
}

// Start loads defs, validates each schedule, and begins firing enabled,
// valid jobs plus any persisted dynamic tasks. Calling Start while already
// running is a no-op.
func (s *Scheduler) Start(defs []Definition) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.runCtx, s.runStop = context.WithCancel(context.Background())
	s.running = true
	s.mu.Unlock()

	s.Reload(defs)
	s.restartDynamicTasks()
}

// Stop cancels every running job and dynamic-task timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	for _, j := range s.jobs {
		if j.cancel != nil {
			j.cancel()
		}
	}
	for _, cancel := range s.dynJobs {
		cancel()
	}
	s.jobs = make(map[string]*job)
	s.dynJobs = make(map[string]context.CancelFunc)
	if s.runStop != nil {
		s.runStop()
	}
	s.running = false
}

// Reload replaces the static definition set, stopping timers for jobs that
// no longer exist and (re)starting timers for the rest (spec §4.6:
// "rebuilds timers on reload").
func (s *Scheduler) Reload(defs []Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.cancel != nil {
			j.cancel()
		}
	}
	s.jobs = make(map[string]*job)

	for _, def := range defs {
		j := &job{def: def}
		if !def.Enabled {
			s.jobs[def.Name] = j
			continue
		}
		if !IsValidSchedule(def.Schedule) {
			slog.Warn("cron: invalid schedule, job inactive", "workspace", s.workspace, "job", def.Name, "schedule", def.Schedule)
			s.jobs[def.Name] = j
			continue
		}
		j.active = true
		ctx, cancel := context.WithCancel(s.runCtx)
		j.cancel = cancel
		s.jobs[def.Name] = j
		go s.runStaticJob(ctx, def)
	}
}

// runStaticJob fires def.Schedule's ticks onto the cron lane until ctx is
// cancelled. Each tick's next occurrence is computed fresh via gronx, so a
// tick missed during downtime is never made up (spec §4.6).
func (s *Scheduler) runStaticJob(ctx context.Context, def Definition) {
	for {
		next, err := gronx.NextTickAfter(def.Schedule, time.Now(), false)
		if err != nil {
			slog.Error("cron: failed to compute next tick", "workspace", s.workspace, "job", def.Name, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.enqueue(Payload{Prompt: def.Prompt, OutputRoute: def.Output, CronName: def.Name})
		}
	}
}

func (s *Scheduler) enqueue(payload Payload) {
	err := s.queue.Enqueue(scheduler.LaneCron, scheduler.LaneItem{
		Lane:       scheduler.LaneCron,
		SessionKey: fmt.Sprintf("cron:%s:%s", s.workspace, payload.CronName),
		Payload:    payload,
	})
	if err != nil {
		slog.Warn("cron: enqueue failed", "workspace", s.workspace, "job", payload.CronName, "error", err)
	}
}

// Trigger manually fires the named job's prompt, with the same semantics
// as a scheduled tick (spec §4.6). Returns false if no job with that name
// is loaded (active or not — a manual trigger does not require the
// schedule itself to be valid).
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.enqueue(Payload{Prompt: j.def.Prompt, OutputRoute: j.def.Output, CronName: j.def.Name})
	return true
}

// ListJobs returns every loaded static job's definition, whether or not its
// schedule is active; IsActive reports the active state.
func (s *Scheduler) ListJobs() []Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Definition, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.def)
	}
	return out
}

// IsActive reports whether name's schedule validated and has a running
// timer (false for disabled or invalid-schedule jobs).
func (s *Scheduler) IsActive(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	return ok && j.active
}

// ScheduleOnce registers a one-off dynamic task firing at runAt
// (spec §10's supplemented DynamicCronTask feature).
func (s *Scheduler) ScheduleOnce(prompt string, runAt time.Time, channel string, chatID int64) (string, error) {
	task := DynamicTask{
		ID:        newDynamicTaskID(),
		Type:      TaskOnce,
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
		RunAt:     runAt,
		NextRun:   runAt,
		Channel:   channel,
		ChatID:    chatID,
	}
	if err := s.dynamic.add(task); err != nil {
		return "", fmt.Errorf("cron: persist dynamic task: %w", err)
	}
	s.startDynamicTask(task)
	return task.ID, nil
}

// ScheduleInterval registers a repeating dynamic task firing every
// intervalSeconds.
func (s *Scheduler) ScheduleInterval(prompt string, intervalSeconds int, channel string, chatID int64) (string, error) {
	now := time.Now().UTC()
	task := DynamicTask{
		ID:              newDynamicTaskID(),
		Type:            TaskInterval,
		Prompt:          prompt,
		CreatedAt:       now,
		IntervalSeconds: intervalSeconds,
		NextRun:         now.Add(time.Duration(intervalSeconds) * time.Second),
		Channel:         channel,
		ChatID:          chatID,
	}
	if err := s.dynamic.add(task); err != nil {
		return "", fmt.Errorf("cron: persist dynamic task: %w", err)
	}
	s.startDynamicTask(task)
	return task.ID, nil
}

// CancelDynamic cancels and removes a dynamic task by id.
func (s *Scheduler) CancelDynamic(id string) bool {
	s.mu.Lock()
	cancel, ok := s.dynJobs[id]
	if ok {
		delete(s.dynJobs, id)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return s.dynamic.remove(id)
}

// ListDynamic returns all persisted dynamic tasks.
func (s *Scheduler) ListDynamic() []DynamicTask { return s.dynamic.list() }

// restartDynamicTasks resumes persisted dynamic tasks on Start. A one-shot
// whose run_at already elapsed while the process was down is dropped, not
// fired late (spec §4.6's at-most-once-per-instant rule extends to dynamic
// tasks). An interval task's phase is reset to now+interval rather than
// catching up missed ticks.
func (s *Scheduler) restartDynamicTasks() {
	now := time.Now().UTC()
	for _, task := range s.dynamic.list() {
		if task.Type == TaskOnce && task.RunAt.Before(now) {
			s.dynamic.remove(task.ID)
			continue
		}
		if task.Type == TaskInterval {
			task.NextRun = now.Add(time.Duration(task.IntervalSeconds) * time.Second)
			s.dynamic.update(task.ID, func(t *DynamicTask) { t.NextRun = task.NextRun })
		}
		s.startDynamicTask(task)
	}
}

func (s *Scheduler) startDynamicTask(task DynamicTask) {
	s.mu.Lock()
	if s.runCtx == nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.runCtx)
	s.dynJobs[task.ID] = cancel
	s.mu.Unlock()

	go s.runDynamicTask(ctx, task)
}

func (s *Scheduler) runDynamicTask(ctx context.Context, task DynamicTask) {
	for {
		wait := time.Until(task.NextRun)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.enqueue(Payload{
			Prompt:      task.Prompt,
			OutputRoute: OutputRoute{Channel: task.Channel, ChatID: task.ChatID},
			CronName:    "dynamic:" + task.ID,
		})

		if task.Type == TaskOnce {
			s.dynamic.remove(task.ID)
			s.mu.Lock()
			delete(s.dynJobs, task.ID)
			s.mu.Unlock()
			return
		}

		task.NextRun = time.Now().Add(time.Duration(task.IntervalSeconds) * time.Second)
		s.dynamic.update(task.ID, func(t *DynamicTask) { t.NextRun = task.NextRun })
	}
}
