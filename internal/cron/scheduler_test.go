package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
)

func newTestQueue() *scheduler.LaneQueue {
	return scheduler.NewLaneQueue(scheduler.DefaultLaneConfigs())
}

func takeCronPayload(t *testing.T, q *scheduler.LaneQueue, timeout time.Duration) Payload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	item, err := q.Take(ctx, scheduler.LaneCron)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	payload, ok := item.Payload.(Payload)
	if !ok {
		t.Fatalf("payload type = %T, want cron.Payload", item.Payload)
	}
	return payload
}

func TestIsValidSchedule(t *testing.T) {
	cases := map[string]bool{
		"0 9 * * *":    true,
		"*/5 * * * *":  true,
		"not a cron":   false,
		"":             false,
	}
	for expr, want := range cases {
		if got := IsValidSchedule(expr); got != want {
			t.Errorf("IsValidSchedule(%q) = %v, want %v", expr, got, want)
		}
	}
}

func TestTrigger_FiresManuallyWithSameSemanticsAsTick(t *testing.T) {
	q := newTestQueue()
	s := New(Config{Workspace: "ws1", Queue: q, DynamicStorePath: filepath.Join(t.TempDir(), "dynamic.yaml")})
	s.Start([]Definition{
		{Name: "daily-standup", Schedule: "0 9 * * *", Enabled: true, Prompt: "summarize standup", Output: OutputRoute{Channel: "telegram", ChatID: 1}},
	})
	defer s.Stop()

	if !s.Trigger("daily-standup") {
		t.Fatal("expected Trigger to find the loaded job")
	}

	payload := takeCronPayload(t, q, time.Second)
	if payload.CronName != "daily-standup" || payload.Prompt != "summarize standup" {
		t.Fatalf("payload = %+v", payload)
	}

	if s.Trigger("does-not-exist") {
		t.Fatal("expected Trigger to return false for an unknown job")
	}
}

func TestReload_InvalidScheduleMarksJobInactiveNotFatal(t *testing.T) {
	q := newTestQueue()
	s := New(Config{Workspace: "ws1", Queue: q, DynamicStorePath: filepath.Join(t.TempDir(), "dynamic.yaml")})
	s.Start([]Definition{
		{Name: "broken", Schedule: "not a cron expr", Enabled: true, Prompt: "p"},
		{Name: "fine", Schedule: "* * * * *", Enabled: true, Prompt: "p2"},
	})
	defer s.Stop()

	if s.IsActive("broken") {
		t.Fatal("expected invalid-schedule job to be inactive")
	}
	if !s.IsActive("fine") {
		t.Fatal("expected valid-schedule job to be active")
	}

	jobs := s.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("ListJobs returned %d entries, want 2 (invalid schedule must not drop the job)", len(jobs))
	}
}

func TestScheduleOnce_FiresAtRunAtThenRemovesItself(t *testing.T) {
	q := newTestQueue()
	s := New(Config{Workspace: "ws1", Queue: q, DynamicStorePath: filepath.Join(t.TempDir(), "dynamic.yaml")})
	s.Start(nil)
	defer s.Stop()

	id, err := s.ScheduleOnce("remind me", time.Now().Add(50*time.Millisecond), "telegram", 7)
	if err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}

	payload := takeCronPayload(t, q, 2*time.Second)
	if payload.CronName != "dynamic:"+id || payload.Prompt != "remind me" {
		t.Fatalf("payload = %+v", payload)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(s.ListDynamic()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected one-shot dynamic task to remove itself after firing")
}

func TestScheduleInterval_FiresRepeatedly(t *testing.T) {
	q := newTestQueue()
	s := New(Config{Workspace: "ws1", Queue: q, DynamicStorePath: filepath.Join(t.TempDir(), "dynamic.yaml")})
	s.Start(nil)
	defer s.Stop()

	id, err := s.ScheduleInterval("tick", 0, "telegram", 1)
	if err != nil {
		t.Fatalf("ScheduleInterval: %v", err)
	}

	first := takeCronPayload(t, q, 2*time.Second)
	second := takeCronPayload(t, q, 2*time.Second)
	if first.CronName != "dynamic:"+id || second.CronName != "dynamic:"+id {
		t.Fatalf("expected two ticks from the same interval task: %+v, %+v", first, second)
	}

	if !s.CancelDynamic(id) {
		t.Fatal("expected CancelDynamic to succeed")
	}
	if s.CancelDynamic(id) {
		t.Fatal("expected second CancelDynamic to return false")
	}
}
