package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeStalledRecoverer struct {
	calls chan struct{}
	n     int
	err   error
}

func newFakeStalledRecoverer() *fakeStalledRecoverer {
	return &fakeStalledRecoverer{calls: make(chan struct{}, 1)}
}

func (f *fakeStalledRecoverer) RecoverStalled(context.Context, time.Duration) (int, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return f.n, f.err
}

type blockingStalledRecoverer struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingStalledRecoverer() *blockingStalledRecoverer {
	return &blockingStalledRecoverer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (b *blockingStalledRecoverer) RecoverStalled(context.Context, time.Duration) (int, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.release
	return 0, nil
}

func (b *blockingStalledRecoverer) Release() {
	select {
	case <-b.release:
		return
	default:
		close(b.release)
	}
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartStalledJobSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	recoverer := newFakeStalledRecoverer()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startStalledJobSweeperWithTicker(ctx, logger, recoverer, time.Minute, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case <-recoverer.calls:
	case <-time.After(time.Second):
		t.Fatal("expected recovery sweep to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestStalledJobSweeperContinuesAfterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	recoverer := &fakeStalledRecoverer{calls: make(chan struct{}, 2), err: errors.New("redis unavailable")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startStalledJobSweeperWithTicker(ctx, logger, recoverer, time.Minute, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})
	defer stop()

	ticker.Tick()
	select {
	case <-recoverer.calls:
	case <-time.After(time.Second):
		t.Fatal("expected first sweep attempt")
	}

	ticker.Tick()
	select {
	case <-recoverer.calls:
	case <-time.After(time.Second):
		t.Fatal("expected sweeper to keep running after an error")
	}
}

// TestStalledJobSweeperStopWaitsForInFlightSweep verifies stop() joins the
// sweeper goroutine rather than returning while a sweep is still running:
// the goroutine can only observe cancellation between ticks, so stop()
// blocks until the in-flight RecoverStalled call completes.
func TestStalledJobSweeperStopWaitsForInFlightSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	recoverer := newBlockingStalledRecoverer()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startStalledJobSweeperWithTicker(ctx, logger, recoverer, time.Minute, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})

	ticker.Tick()

	select {
	case <-recoverer.started:
	case <-time.After(time.Second):
		t.Fatal("expected sweep to begin")
	}

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("expected stop to wait for the in-flight sweep")
	case <-time.After(50 * time.Millisecond):
	}

	recoverer.Release()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("expected stop to return once the in-flight sweep completed")
	}

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after the sweeper exits")
	}
}
