package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	opOutboundNew  = "reconcile.outbound.new"
	opOutboundPush = "reconcile.outbound.push"

	// DefaultRetryAttempts is the total number of tries per outbound call.
	DefaultRetryAttempts = 3
	// DefaultRetryInitialDelay is the wait before the second try; it doubles per retry.
	DefaultRetryInitialDelay = 500 * time.Millisecond
)

var errMissingConfirmer = errors.New("confirmer is required")

// OutboundConfig wires the outbound worker.
type OutboundConfig struct {
	Provider          Provider
	Confirmer         Confirmer
	RetryAttempts     int
	RetryInitialDelay time.Duration
	Limiter           *rate.Limiter
	Logger            *zap.Logger
}

// Outbound pushes local effects to the provider. Calls for one event run in
// effect order; calls for different events run concurrently.
type Outbound struct {
	provider     Provider
	confirmer    Confirmer
	attempts     int
	initialDelay time.Duration
	limiter      *rate.Limiter
	logger       *zap.Logger

	sequencer    *sequencer
	correlations *correlations
	inFlight     sync.WaitGroup
}

// NewOutbound validates the configuration and applies retry defaults.
func NewOutbound(cfg OutboundConfig) (*Outbound, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("%s: %w", opOutboundNew, errMissingProvider)
	}
	if cfg.Confirmer == nil {
		return nil, fmt.Errorf("%s: %w", opOutboundNew, errMissingConfirmer)
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	initialDelay := cfg.RetryInitialDelay
	if initialDelay <= 0 {
		initialDelay = DefaultRetryInitialDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Outbound{
		provider:     cfg.Provider,
		confirmer:    cfg.Confirmer,
		attempts:     attempts,
		initialDelay: initialDelay,
		limiter:      cfg.Limiter,
		logger:       logger,
		sequencer:    newSequencer(),
		correlations: newCorrelations(),
	}, nil
}

// Run dispatches effects until the stream closes, then waits for in-flight calls.
func (o *Outbound) Run(ctx context.Context, effects <-chan calendar.Action) error {
	for action := range effects {
		o.Dispatch(ctx, action)
	}
	o.Wait()
	return nil
}

// Dispatch schedules one effect without waiting for it. Effects of system
// provenance are ignored. The call outlives ctx cancellation.
func (o *Outbound) Dispatch(ctx context.Context, action calendar.Action) {
	if action.Source == calendar.SourceSystem {
		return
	}
	eventID := action.EventID()
	if eventID == "" {
		return
	}
	detached := context.WithoutCancel(ctx)
	previous, done := o.sequencer.enqueue(eventID)
	o.inFlight.Add(1)
	go func() {
		defer o.inFlight.Done()
		defer done()
		if previous != nil {
			<-previous
		}
		o.push(detached, action)
	}()
}

// Wait blocks until every dispatched call has finished.
func (o *Outbound) Wait() {
	o.inFlight.Wait()
}

func (o *Outbound) push(ctx context.Context, action calendar.Action) {
	switch action.Type {
	case calendar.ActionAddEvent:
		o.insert(ctx, *action.Event)
	case calendar.ActionUpdateEvent, calendar.ActionMoveEvent:
		remoteID := o.remoteIDFor(*action.After)
		if remoteID == "" {
			return
		}
		_ = o.withRetry(ctx, "patch", action.After.ID, func(callCtx context.Context) error {
			return o.provider.PatchEvent(callCtx, remoteID, *action.After)
		})
	case calendar.ActionDeleteEvent:
		remoteID := o.remoteIDFor(*action.Event)
		if remoteID == "" {
			return
		}
		err := o.withRetry(ctx, "delete", action.Event.ID, func(callCtx context.Context) error {
			return o.provider.DeleteEvent(callCtx, remoteID)
		})
		if err == nil {
			o.correlations.forget(action.Event.ID)
		}
	}
}

func (o *Outbound) insert(ctx context.Context, event calendar.Event) {
	var ref RemoteRef
	err := o.withRetry(ctx, "insert", event.ID, func(callCtx context.Context) error {
		inserted, insertErr := o.provider.InsertEvent(callCtx, event)
		if insertErr != nil {
			return insertErr
		}
		ref = inserted
		return nil
	})
	if err != nil || ref.ID == "" {
		return
	}
	o.correlations.remember(event.ID, ref.ID)
	rule := ref.Recurrence
	if rule == nil {
		rule = event.Recurrence
	}
	if _, confirmErr := o.confirmer.ConfirmRemote(ctx, event.ID, ref.ID, rule); confirmErr != nil {
		o.logger.Error("outbound confirmation failed",
			zap.String("operation", opOutboundPush),
			zap.String("reason", "confirm_failed"),
			zap.String("event_id", event.ID),
			zap.String("remote_id", ref.ID),
			zap.Error(confirmErr))
	}
}

func (o *Outbound) remoteIDFor(event calendar.Event) string {
	if event.GoogleEventID != "" {
		return event.GoogleEventID
	}
	return o.correlations.lookup(event.ID)
}

// withRetry runs call up to the retry budget, doubling the delay between tries.
// Exhausted or permanent failures are logged and returned to the caller, which drops them.
func (o *Outbound) withRetry(ctx context.Context, operation, eventID string, call func(context.Context) error) error {
	started := time.Now()
	delay := o.initialDelay
	var lastErr error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}
		lastErr = call(ctx)
		if lastErr == nil {
			metrics.RecordOutboundCall(operation, "ok", time.Since(started))
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) || attempt == o.attempts {
			break
		}
		metrics.RecordOutboundRetry(operation)
		o.logger.Warn("outbound call failed, retrying",
			zap.String("operation", operation),
			zap.String("event_id", eventID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(lastErr))
		if err := sleepContext(ctx, delay); err != nil {
			lastErr = err
			break
		}
		delay *= 2
	}
	metrics.RecordOutboundCall(operation, "error", time.Since(started))
	o.logger.Error("outbound sync dropped",
		zap.String("operation", opOutboundPush),
		zap.String("reason", operation+"_failed"),
		zap.String("event_id", eventID),
		zap.Int("attempts", o.attempts),
		zap.Error(lastErr))
	return lastErr
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// sequencer chains calls per key: each call waits for the previous call on the same key.
type sequencer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newSequencer() *sequencer {
	return &sequencer{tails: make(map[string]chan struct{})}
}

func (s *sequencer) enqueue(key string) (<-chan struct{}, func()) {
	next := make(chan struct{})
	s.mu.Lock()
	previous := s.tails[key]
	s.tails[key] = next
	s.mu.Unlock()
	done := func() {
		close(next)
		s.mu.Lock()
		if s.tails[key] == next {
			delete(s.tails, key)
		}
		s.mu.Unlock()
	}
	return previous, done
}

// correlations remembers remote identifiers learned from inserts so later
// patches and deletes reach the remote event even when the effect predates confirmation.
type correlations struct {
	mu     sync.RWMutex
	remote map[string]string
}

func newCorrelations() *correlations {
	return &correlations{remote: make(map[string]string)}
}

func (c *correlations) remember(localID, remoteID string) {
	c.mu.Lock()
	c.remote[localID] = remoteID
	c.mu.Unlock()
}

func (c *correlations) lookup(localID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote[localID]
}

func (c *correlations) forget(localID string) {
	c.mu.Lock()
	delete(c.remote, localID)
	c.mu.Unlock()
}
