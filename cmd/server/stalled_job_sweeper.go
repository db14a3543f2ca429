package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// stalledRecoverer is the narrow slice of queue.Queue the sweeper needs:
// requeue any job whose worker heartbeat has lapsed, per spec.md 4.5's
// "a job whose worker heartbeat lapses is returned to waiting".
type stalledRecoverer interface {
	RecoverStalled(ctx context.Context, staleAfter time.Duration) (int, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

// startStalledJobSweeper requeues stalled Processing Jobs on a fixed
// interval, until ctx is cancelled or the returned stop function is called.
func startStalledJobSweeper(ctx context.Context, logger *slog.Logger, queue stalledRecoverer, staleAfter, interval time.Duration) func() {
	return startStalledJobSweeperWithTicker(ctx, logger, queue, staleAfter, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startStalledJobSweeperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	queue stalledRecoverer,
	staleAfter, interval time.Duration,
	newTicker tickerFactory,
) func() {
	if queue == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				n, err := queue.RecoverStalled(workerCtx, staleAfter)
				if err != nil {
					if logger != nil {
						logger.Error("failed to recover stalled jobs", "error", err)
					}
					continue
				}
				if n > 0 && logger != nil {
					logger.Info("recovered stalled jobs", "count", n)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
