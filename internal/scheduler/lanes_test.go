package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestLaneQueueRespectsConcurrency(t *testing.T) {
	lq := NewLaneQueue(map[string]LaneConfig{
		LaneMain: {Concurrency: 2, Cap: 10, DropPolicy: DropOldest},
	})

	for i := 0; i < 3; i++ {
		if err := lq.Enqueue(LaneMain, LaneItem{Lane: LaneMain, SessionKey: "s"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	ctx := context.Background()
	if _, err := lq.Take(ctx, LaneMain); err != nil {
		t.Fatal(err)
	}
	if _, err := lq.Take(ctx, LaneMain); err != nil {
		t.Fatal(err)
	}
	if lq.Active(LaneMain) != 2 {
		t.Fatalf("active = %d, want 2", lq.Active(LaneMain))
	}

	done := make(chan struct{})
	go func() {
		lq.Take(ctx, LaneMain)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Take returned before a slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	lq.Release(LaneMain)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Take did not unblock after Release")
	}
}

func TestLaneQueueCapDropOldest(t *testing.T) {
	lq := NewLaneQueue(map[string]LaneConfig{
		LaneMain: {Concurrency: 1, Cap: 2, DropPolicy: DropOldest},
	})

	lq.Enqueue(LaneMain, LaneItem{SessionKey: "1"})
	lq.Enqueue(LaneMain, LaneItem{SessionKey: "2"})
	lq.Enqueue(LaneMain, LaneItem{SessionKey: "3"})

	if got := lq.Depth(LaneMain); got != 2 {
		t.Fatalf("depth = %d, want 2", got)
	}

	item, err := lq.Take(context.Background(), LaneMain)
	if err != nil {
		t.Fatal(err)
	}
	if item.SessionKey != "2" {
		t.Fatalf("first remaining item = %q, want %q (oldest dropped)", item.SessionKey, "2")
	}
}

func TestLaneQueueRejectPolicy(t *testing.T) {
	lq := NewLaneQueue(map[string]LaneConfig{
		LaneMain: {Concurrency: 1, Cap: 1, DropPolicy: DropReject},
	})
	if err := lq.Enqueue(LaneMain, LaneItem{SessionKey: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := lq.Enqueue(LaneMain, LaneItem{SessionKey: "2"}); err != ErrFull {
		t.Fatalf("err = %v, want ErrFull", err)
	}
}

func TestModeMachineCollectDebounce(t *testing.T) {
	var got []string
	var mu chan struct{}
	mu = make(chan struct{}, 1)

	mm := NewModeMachine(ModeCollect, 50*time.Millisecond, func(ctx context.Context, key, content string) {
		got = append(got, content)
		mu <- struct{}{}
	})

	mm.Inbound("telegram:1", "hello")
	time.Sleep(20 * time.Millisecond)
	mm.Inbound("telegram:1", "world")

	select {
	case <-mu:
	case <-time.After(time.Second):
		t.Fatal("dispatch never fired")
	}

	if len(got) != 1 || got[0] != "hello\nworld" {
		t.Fatalf("got %v, want single merged message", got)
	}
}

func TestModeMachineSteerCancelsInFlight(t *testing.T) {
	dispatched := make(chan string, 2)
	var mm *ModeMachine
	mm = NewModeMachine(ModeSteer, 10*time.Millisecond, func(ctx context.Context, key, content string) {
		dispatched <- content
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		mm.Completed(key)
	})

	mm.Inbound("telegram:1", "slow")
	first := <-dispatched
	if first != "slow" {
		t.Fatalf("first dispatch = %q", first)
	}

	mm.Inbound("telegram:1", "actually, different")

	second := <-dispatched
	if second != "actually, different" {
		t.Fatalf("second dispatch = %q", second)
	}
}
