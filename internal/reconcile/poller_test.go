package reconcile

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingSyncer struct {
	runs atomic.Int32
}

func (s *countingSyncer) SyncNow(context.Context) (Result, error) {
	s.runs.Add(1)
	return Result{}, nil
}

func TestPollerRunsImmediatelyAndOnSchedule(t *testing.T) {
	syncer := &countingSyncer{}
	poller, err := NewPoller(PollerConfig{Inbound: syncer, Interval: time.Second})
	if err != nil {
		t.Fatalf("failed to construct poller: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- poller.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for syncer.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-finished; err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if runs := syncer.runs.Load(); runs < 2 {
		t.Fatalf("expected the initial run and at least one scheduled run, got %d", runs)
	}
}

func TestPollerSyncNowDelegates(t *testing.T) {
	syncer := &countingSyncer{}
	poller, _ := NewPoller(PollerConfig{Inbound: syncer})
	if _, err := poller.SyncNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if syncer.runs.Load() != 1 {
		t.Fatalf("expected one run, got %d", syncer.runs.Load())
	}
}
