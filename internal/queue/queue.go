// Package queue implements the durable job queue the Processing Worker
// consumes from: a Redis-backed FIFO with a high-priority lane, delayed
// retry scheduling, and per-job progress, per spec.md 4.5.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"videovault/internal/observability/metrics"
)

// Priority selects which Redis list a job is pushed onto.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// State is a job's position in the enqueue -> processing -> terminal
// state machine.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateRetrying   State = "retrying"
)

// ErrNotFound is returned by Status when no job with the given id exists.
var ErrNotFound = errors.New("queue: job not found")

// Job is a unit of work: a video id to run through the processing
// pipeline. EnqueuedAt and Attempt are queue-owned bookkeeping.
type Job struct {
	ID         string    `json:"id"`
	VideoID    string    `json:"videoId"`
	Priority   Priority  `json:"priority"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// statusRecord is the hash stored at job:<id>, tracking state independent
// of whatever list/zset currently holds the job.
type statusRecord struct {
	State    State  `json:"state"`
	Progress int    `json:"progress"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error,omitempty"`
}

const (
	keyReadyHigh        = "videovault:queue:ready:high"
	keyReadyNormal      = "videovault:queue:ready:normal"
	keyScheduled        = "videovault:queue:scheduled"
	keyJobPrefix        = "videovault:queue:job:"
	keyStateSet         = "videovault:queue:states"
	keyInFlight         = "videovault:queue:inflight"
	keyInFlightPayloads = "videovault:queue:inflight:payloads"
)

// Config configures a Queue's retry behaviour.
type Config struct {
	Client       *redis.Client
	Logger       *slog.Logger
	MaxAttempts  int
	BackoffBase  time.Duration
	BlockTimeout time.Duration
}

// Queue is a Redis-backed durable job queue.
type Queue struct {
	rdb          *redis.Client
	logger       *slog.Logger
	maxAttempts  int
	backoffBase  time.Duration
	blockTimeout time.Duration
}

// New constructs a Queue from an already-connected redis.Client.
func New(cfg Config) (*Queue, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("queue: redis client is required")
	}
	q := &Queue{
		rdb:          cfg.Client,
		logger:       cfg.Logger,
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffBase,
		blockTimeout: cfg.BlockTimeout,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 5
	}
	if q.backoffBase <= 0 {
		q.backoffBase = 2 * time.Second
	}
	if q.blockTimeout <= 0 {
		q.blockTimeout = 5 * time.Second
	}
	return q, nil
}

// Backoff returns the delay before retry attempt k (1-indexed), per
// spec.md 4.5's backoff_base * 2^(k-1) formula.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(q.backoffBase) * math.Pow(2, float64(attempt-1)))
}

// Enqueue pushes a new job for videoID onto the ready lane matching
// priority and records its initial status.
func (q *Queue) Enqueue(ctx context.Context, videoID string, priority Priority) (Job, error) {
	job := Job{
		ID:         videoID,
		VideoID:    videoID,
		Priority:   priority,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.pushReady(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.setStatus(ctx, job.ID, statusRecord{State: StateQueued, Progress: 0, Attempt: job.Attempt}); err != nil {
		return Job{}, err
	}
	metrics.QueueJobsEnqueuedTotal.WithLabelValues(priorityLabel(priority)).Inc()
	return job, nil
}

func priorityLabel(p Priority) string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

func (q *Queue) pushReady(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	key := keyReadyNormal
	if job.Priority == PriorityHigh {
		key = keyReadyHigh
	}
	return q.rdb.LPush(ctx, key, payload).Err()
}

// Consume blocks until a job is ready (high-priority lane first) or ctx is
// cancelled, promoting any scheduled retries that have come due first.
func (q *Queue) Consume(ctx context.Context) (Job, error) {
	if err := q.promoteDueRetries(ctx); err != nil {
		q.logger.Warn("queue: promote retries failed", "error", err)
	}
	res, err := q.rdb.BRPop(ctx, q.blockTimeout, keyReadyHigh, keyReadyNormal).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, context.DeadlineExceeded
	}
	if err != nil {
		return Job{}, fmt.Errorf("queue: consume: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, fmt.Errorf("queue: decode job: %w", err)
	}
	if err := q.setStatus(ctx, job.ID, statusRecord{State: StateProcessing, Progress: 0, Attempt: job.Attempt}); err != nil {
		return Job{}, err
	}
	if err := q.heartbeat(ctx, job); err != nil {
		q.logger.Warn("queue: record in-flight heartbeat", "error", err, "job_id", job.ID)
	}
	return job, nil
}

// heartbeat records (or renews) job as in-flight, so RecoverStalled can
// detect a worker that died mid-attempt and return the job to the ready
// lane, per spec.md 4.5's "stalled detection" requirement.
func (q *Queue) heartbeat(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal heartbeat job: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, keyInFlightPayloads, job.ID, payload)
	pipe.ZAdd(ctx, keyInFlight, redis.Z{Score: float64(time.Now().Unix()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *Queue) clearInFlight(ctx context.Context, jobID string) {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyInFlight, jobID)
	pipe.HDel(ctx, keyInFlightPayloads, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("queue: clear in-flight marker", "error", err, "job_id", jobID)
	}
}

// RecoverStalled requeues any in-flight job whose heartbeat has not been
// renewed within staleAfter, satisfying spec.md 4.5's stalled-job recovery
// contract. It returns the number of jobs requeued.
func (q *Queue) RecoverStalled(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := float64(time.Now().Add(-staleAfter).Unix())
	staleIDs, err := q.rdb.ZRangeByScore(ctx, keyInFlight, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", cutoff)}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: list stalled jobs: %w", err)
	}
	recovered := 0
	for _, jobID := range staleIDs {
		removed, err := q.rdb.ZRem(ctx, keyInFlight, jobID).Result()
		if err != nil || removed == 0 {
			continue // another recovery pass or the worker itself already cleared it
		}
		raw, err := q.rdb.HGet(ctx, keyInFlightPayloads, jobID).Result()
		q.rdb.HDel(ctx, keyInFlightPayloads, jobID)
		if err != nil {
			q.logger.Error("queue: load stalled job payload", "error", err, "job_id", jobID)
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Error("queue: decode stalled job", "error", err, "job_id", jobID)
			continue
		}
		if err := q.pushReady(ctx, job); err != nil {
			q.logger.Error("queue: requeue stalled job", "error", err, "job_id", jobID)
			continue
		}
		if err := q.setStatus(ctx, job.ID, statusRecord{State: StateQueued, Attempt: job.Attempt}); err != nil {
			q.logger.Warn("queue: reset stalled job status", "error", err, "job_id", jobID)
		}
		metrics.QueueJobsCompletedTotal.WithLabelValues("stalled_recovered").Inc()
		recovered++
	}
	return recovered, nil
}

// Progress updates the percent-complete of an in-flight job, per the
// Processing Worker's five pipeline steps.
func (q *Queue) Progress(ctx context.Context, jobID string, percent int) error {
	rec, err := q.getStatus(ctx, jobID)
	if err != nil {
		return err
	}
	rec.Progress = percent
	rec.State = StateProcessing
	if err := q.rdb.ZAdd(ctx, keyInFlight, redis.Z{Score: float64(time.Now().Unix()), Member: jobID}).Err(); err != nil {
		q.logger.Warn("queue: renew in-flight heartbeat", "error", err, "job_id", jobID)
	}
	return q.setStatus(ctx, jobID, rec)
}

// Succeed marks a job complete.
func (q *Queue) Succeed(ctx context.Context, jobID string) error {
	q.clearInFlight(ctx, jobID)
	metrics.QueueJobsCompletedTotal.WithLabelValues("succeeded").Inc()
	return q.setStatus(ctx, jobID, statusRecord{State: StateSucceeded, Progress: 100})
}

// Fail records a job failure. If the job has attempts remaining it is
// rescheduled after Backoff(attempt+1); otherwise it is marked terminally
// failed. The returned terminal flag tells the caller whether the retry
// policy has given up, so user-visible failure signals fire only once.
func (q *Queue) Fail(ctx context.Context, job Job, cause error) (bool, error) {
	q.clearInFlight(ctx, job.ID)
	attempt := job.Attempt + 1
	if attempt >= q.maxAttempts {
		metrics.QueueJobsCompletedTotal.WithLabelValues("failed").Inc()
		return true, q.setStatus(ctx, job.ID, statusRecord{State: StateFailed, Attempt: attempt, Error: errString(cause)})
	}
	job.Attempt = attempt
	due := time.Now().Add(q.Backoff(attempt))
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("queue: marshal retry job: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, keyScheduled, redis.Z{Score: float64(due.Unix()), Member: payload}).Err(); err != nil {
		return false, fmt.Errorf("queue: schedule retry: %w", err)
	}
	return false, q.setStatus(ctx, job.ID, statusRecord{State: StateRetrying, Attempt: attempt, Error: errString(cause)})
}

// FailTerminal marks a job failed with no retry, regardless of attempts
// remaining, for failures no retry can fix (the video row is gone).
func (q *Queue) FailTerminal(ctx context.Context, job Job, cause error) error {
	q.clearInFlight(ctx, job.ID)
	metrics.QueueJobsCompletedTotal.WithLabelValues("failed").Inc()
	return q.setStatus(ctx, job.ID, statusRecord{State: StateFailed, Attempt: job.Attempt, Error: errString(cause)})
}

func (q *Queue) promoteDueRetries(ctx context.Context) error {
	now := float64(time.Now().Unix())
	due, err := q.rdb.ZRangeByScore(ctx, keyScheduled, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return fmt.Errorf("queue: list due retries: %w", err)
	}
	for _, raw := range due {
		removed, err := q.rdb.ZRem(ctx, keyScheduled, raw).Result()
		if err != nil || removed == 0 {
			continue // another worker claimed it first
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Error("queue: decode retry job", "error", err)
			continue
		}
		if err := q.pushReady(ctx, job); err != nil {
			q.logger.Error("queue: requeue retry job", "error", err, "job_id", job.ID)
		}
	}
	return nil
}

// Status returns the current status record for a job.
func (q *Queue) Status(ctx context.Context, jobID string) (State, int, error) {
	rec, err := q.getStatus(ctx, jobID)
	if err != nil {
		return "", 0, err
	}
	return rec.State, rec.Progress, nil
}

func (q *Queue) setStatus(ctx context.Context, jobID string, rec statusRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: marshal status: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, keyJobPrefix+jobID, payload, 0)
	pipe.HSet(ctx, keyStateSet, jobID, string(rec.State))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: set status: %w", err)
	}
	return nil
}

func (q *Queue) getStatus(ctx context.Context, jobID string) (statusRecord, error) {
	raw, err := q.rdb.Get(ctx, keyJobPrefix+jobID).Result()
	if errors.Is(err, redis.Nil) {
		return statusRecord{}, ErrNotFound
	}
	if err != nil {
		return statusRecord{}, fmt.Errorf("queue: get status: %w", err)
	}
	var rec statusRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return statusRecord{}, fmt.Errorf("queue: decode status: %w", err)
	}
	return rec, nil
}

// Stats returns a count of jobs per state, for the queue/worker
// observability endpoint.
func (q *Queue) Stats(ctx context.Context) (map[State]int, error) {
	all, err := q.rdb.HGetAll(ctx, keyStateSet).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	counts := make(map[State]int)
	for _, raw := range all {
		counts[State(raw)]++
	}
	readyHigh, err := q.rdb.LLen(ctx, keyReadyHigh).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: stats ready high: %w", err)
	}
	readyNormal, err := q.rdb.LLen(ctx, keyReadyNormal).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: stats ready normal: %w", err)
	}
	scheduled, err := q.rdb.ZCard(ctx, keyScheduled).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: stats scheduled: %w", err)
	}
	counts[StateQueued] = int(readyHigh + readyNormal)
	counts[StateRetrying] = int(scheduled)
	for state, count := range counts {
		metrics.QueueDepth.WithLabelValues(string(state)).Set(float64(count))
	}
	return counts, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
