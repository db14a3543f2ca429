package queue

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Fake is an in-memory Backend for unit tests, in the spirit of the
// teacher's testsupport/redisstub in-process stand-in: it implements the
// same interface real callers use instead of mocking individual calls.
type Fake struct {
	mu          sync.Mutex
	high        *list.List
	normal      *list.List
	statuses    map[string]statusRecord
	maxAttempts int
}

// NewFake constructs a ready-to-use in-memory queue.
func NewFake() *Fake {
	return &Fake{
		high:        list.New(),
		normal:      list.New(),
		statuses:    make(map[string]statusRecord),
		maxAttempts: 5,
	}
}

func (f *Fake) Enqueue(_ context.Context, videoID string, priority Priority) (Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := Job{ID: videoID, VideoID: videoID, Priority: priority, EnqueuedAt: time.Now().UTC()}
	if priority == PriorityHigh {
		f.high.PushBack(job)
	} else {
		f.normal.PushBack(job)
	}
	f.statuses[job.ID] = statusRecord{State: StateQueued}
	return job, nil
}

func (f *Fake) Consume(ctx context.Context) (Job, error) {
	f.mu.Lock()
	var el *list.Element
	if el = f.high.Front(); el == nil {
		el = f.normal.Front()
		if el != nil {
			f.normal.Remove(el)
		}
	} else {
		f.high.Remove(el)
	}
	f.mu.Unlock()
	if el == nil {
		return Job{}, context.DeadlineExceeded
	}
	job := el.Value.(Job)
	f.mu.Lock()
	f.statuses[job.ID] = statusRecord{State: StateProcessing, Attempt: job.Attempt}
	f.mu.Unlock()
	return job, nil
}

func (f *Fake) Progress(_ context.Context, jobID string, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.statuses[jobID]
	if !ok {
		return ErrNotFound
	}
	rec.Progress = percent
	rec.State = StateProcessing
	f.statuses[jobID] = rec
	return nil
}

func (f *Fake) Succeed(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[jobID] = statusRecord{State: StateSucceeded, Progress: 100}
	return nil
}

func (f *Fake) Fail(_ context.Context, job Job, cause error) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt := job.Attempt + 1
	if attempt >= f.maxAttempts {
		f.statuses[job.ID] = statusRecord{State: StateFailed, Attempt: attempt, Error: errString(cause)}
		return true, nil
	}
	job.Attempt = attempt
	if job.Priority == PriorityHigh {
		f.high.PushBack(job)
	} else {
		f.normal.PushBack(job)
	}
	f.statuses[job.ID] = statusRecord{State: StateRetrying, Attempt: attempt, Error: errString(cause)}
	return false, nil
}

func (f *Fake) FailTerminal(_ context.Context, job Job, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[job.ID] = statusRecord{State: StateFailed, Attempt: job.Attempt, Error: errString(cause)}
	return nil
}

func (f *Fake) Status(_ context.Context, jobID string) (State, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.statuses[jobID]
	if !ok {
		return "", 0, ErrNotFound
	}
	return rec.State, rec.Progress, nil
}

func (f *Fake) Stats(_ context.Context) (map[State]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[State]int)
	for _, rec := range f.statuses {
		counts[rec.State]++
	}
	return counts, nil
}

var _ Backend = (*Fake)(nil)
