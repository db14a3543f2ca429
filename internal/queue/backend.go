package queue

import (
	"context"
	"time"
)

// Backend is the narrow surface the Processing Worker and HTTP handlers
// depend on, satisfied by both the Redis-backed Queue and the in-memory
// Fake used in unit tests -- mirroring the teacher's pattern of testing
// against an in-process stand-in rather than a mocking framework.
type Backend interface {
	Enqueue(ctx context.Context, videoID string, priority Priority) (Job, error)
	Consume(ctx context.Context) (Job, error)
	Progress(ctx context.Context, jobID string, percent int) error
	Succeed(ctx context.Context, jobID string) error
	// Fail reports whether the failure was terminal (retries exhausted) so
	// callers emit user-visible failure signals only when the queue has
	// actually given up on the job.
	Fail(ctx context.Context, job Job, cause error) (terminal bool, err error)
	// FailTerminal fails a job with no retry, for errors retrying cannot fix.
	FailTerminal(ctx context.Context, job Job, cause error) error
	Status(ctx context.Context, jobID string) (State, int, error)
	Stats(ctx context.Context) (map[State]int, error)
}

var _ Backend = (*Queue)(nil)

// StalledRecoverer is satisfied by backends that can detect and requeue a
// job whose worker heartbeat has lapsed, per spec.md 4.5. It is separate
// from Backend because the in-memory Fake used in most unit tests has no
// crash-recovery scenario to exercise.
type StalledRecoverer interface {
	RecoverStalled(ctx context.Context, staleAfter time.Duration) (int, error)
}

var _ StalledRecoverer = (*Queue)(nil)
