package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDoubles(t *testing.T) {
	q := &Queue{backoffBase: time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := q.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestFakeEnqueueConsumePriority(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if _, err := f.Enqueue(ctx, "video-normal", PriorityNormal); err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	if _, err := f.Enqueue(ctx, "video-high", PriorityHigh); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	job, err := f.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if job.VideoID != "video-high" {
		t.Fatalf("expected high-priority job first, got %q", job.VideoID)
	}

	job, err = f.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if job.VideoID != "video-normal" {
		t.Fatalf("expected normal-priority job second, got %q", job.VideoID)
	}

	if _, err := f.Consume(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded on empty queue, got %v", err)
	}
}

func TestFakeProgressAndStatus(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	job, err := f.Enqueue(ctx, "video-1", PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.Consume(ctx); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := f.Progress(ctx, job.ID, 40); err != nil {
		t.Fatalf("progress: %v", err)
	}
	state, pct, err := f.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state != StateProcessing || pct != 40 {
		t.Fatalf("expected processing/40, got %s/%d", state, pct)
	}
	if err := f.Succeed(ctx, job.ID); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	state, pct, err = f.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state != StateSucceeded || pct != 100 {
		t.Fatalf("expected succeeded/100, got %s/%d", state, pct)
	}
}

func TestFakeFailRetriesThenTerminates(t *testing.T) {
	f := NewFake()
	f.maxAttempts = 2
	ctx := context.Background()
	job, err := f.Enqueue(ctx, "video-1", PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err = f.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	terminal, err := f.Fail(ctx, job, errors.New("boom"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if terminal {
		t.Fatal("first failure should not be terminal")
	}
	state, _, err := f.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state != StateRetrying {
		t.Fatalf("expected retrying after first failure, got %s", state)
	}

	job, err = f.Consume(ctx)
	if err != nil {
		t.Fatalf("consume retry: %v", err)
	}
	if job.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", job.Attempt)
	}
	terminal, err = f.Fail(ctx, job, errors.New("boom again"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !terminal {
		t.Fatal("exhausting attempts should report a terminal failure")
	}
	state, _, err = f.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state != StateFailed {
		t.Fatalf("expected terminal failed state, got %s", state)
	}
}

func TestFakeFailTerminalSkipsRetries(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	job, err := f.Enqueue(ctx, "video-1", PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.Consume(ctx); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := f.FailTerminal(ctx, job, errors.New("video row is gone")); err != nil {
		t.Fatalf("fail terminal: %v", err)
	}
	state, _, err := f.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state != StateFailed {
		t.Fatalf("expected failed with no retry, got %s", state)
	}
	if _, err := f.Consume(ctx); err == nil {
		t.Fatal("expected empty queue after a terminal failure")
	}
}

func TestFakeStatsCounts(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	if _, err := f.Enqueue(ctx, "video-1", PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.Enqueue(ctx, "video-2", PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := f.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := f.Succeed(ctx, job.ID); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	stats, err := f.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[StateSucceeded] != 1 {
		t.Errorf("expected 1 succeeded, got %d", stats[StateSucceeded])
	}
	if stats[StateQueued] != 1 {
		t.Errorf("expected 1 still queued, got %d", stats[StateQueued])
	}
}
