// Package engine owns the event store, the action log and the checkpoints.
// A single goroutine started by Run applies every mutation in submission order;
// consumers observe effects through typed queues that never block the owner.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when a command is submitted after Run has exited.
	ErrStopped = errors.New("engine: stopped")

	errMissingIDProvider = errors.New("id provider is required")
	errAlreadyRunning    = errors.New("engine: already running")
	noOpLogger           = zap.NewNop()
)

const (
	opEngineNew = "engine.new"
	opExecute   = "engine.execute"

	undoExplanation   = "Undo: revert event change"
	redoExplanation   = "Redo: reapply event change"
	revertExplanation = "Revert: undo AI turn"
)

// Reasons attached to change notices.
const (
	ReasonExecute = "execute"
	ReasonUndo    = "undo"
	ReasonRedo    = "redo"
	ReasonRevert  = "revert"
	ReasonSync    = "sync"
	ReasonConfirm = "confirm"
)

// Config wires the engine collaborators.
type Config struct {
	Events     []calendar.Event
	Clock      func() time.Time
	IDProvider calendar.IDProvider
	Logger     *zap.Logger
}

// ChangeNotice reports the events a single command upserted or deleted.
type ChangeNotice struct {
	Upserted []calendar.Event
	Deleted  []string
	Reason   string
	At       time.Time
}

// Status summarizes the owner state.
type Status struct {
	Events      int  `json:"events"`
	History     int  `json:"history"`
	Redo        int  `json:"redo"`
	Checkpoints int  `json:"checkpoints"`
	CanUndo     bool `json:"canUndo"`
	CanRedo     bool `json:"canRedo"`
}

// Changeset is the outcome of an inbound merge: events to insert and events to overwrite.
type Changeset struct {
	Inserted []calendar.Event
	Updated  []calendar.Event
}

// HasChanges reports whether the changeset touches the store.
func (changeset Changeset) HasChanges() bool {
	return len(changeset.Inserted) > 0 || len(changeset.Updated) > 0
}

// MergeFunc computes a changeset from a snapshot of the store. It runs on the owner goroutine.
type MergeFunc func(local []calendar.Event) Changeset

// RevertResult is the outcome of reverting an AI turn.
type RevertResult struct {
	Checkpoint calendar.Checkpoint `json:"checkpoint"`
	Effects    []calendar.Action   `json:"effects"`
	Dropped    int                 `json:"dropped"`
}

type command struct {
	run   func()
	reply chan struct{}
}

// Engine is the single owner of the calendar state.
type Engine struct {
	commands chan command
	done     chan struct{}
	running  sync.Once

	store       *calendar.Store
	history     *calendar.History
	checkpoints *calendar.Checkpoints

	clock      func() time.Time
	idProvider calendar.IDProvider
	logger     *zap.Logger

	syncEffects *queue[calendar.Action]

	subscribersMu sync.Mutex
	subscribers   []*queue[ChangeNotice]
	stopped       bool
}

// New seeds an engine from persisted events.
func New(cfg Config) (*Engine, error) {
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%s: %w", opEngineNew, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	store := calendar.NewStore(cfg.Events)
	metrics.SetStoreEvents(store.Len())
	return &Engine{
		commands:    make(chan command),
		done:        make(chan struct{}),
		store:       store,
		history:     calendar.NewHistory(),
		checkpoints: calendar.NewCheckpoints(),
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		syncEffects: newQueue[calendar.Action](),
	}, nil
}

// Run processes commands until the context is cancelled, then closes every effect queue.
func (e *Engine) Run(ctx context.Context) error {
	first := false
	e.running.Do(func() { first = true })
	if !first {
		return errAlreadyRunning
	}
	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-e.commands:
			cmd.run()
			close(cmd.reply)
		}
	}
}

func (e *Engine) shutdown() {
	close(e.done)
	e.syncEffects.close()
	e.subscribersMu.Lock()
	e.stopped = true
	for _, subscriber := range e.subscribers {
		subscriber.close()
	}
	e.subscribersMu.Unlock()
}

// SyncEffects streams every action that should reach the remote provider, in apply order.
func (e *Engine) SyncEffects() <-chan calendar.Action {
	return e.syncEffects.out
}

// SubscribeChanges registers a consumer of change notices. The channel closes after Run exits.
func (e *Engine) SubscribeChanges() <-chan ChangeNotice {
	subscriber := newQueue[ChangeNotice]()
	e.subscribersMu.Lock()
	defer e.subscribersMu.Unlock()
	if e.stopped {
		subscriber.close()
		return subscriber.out
	}
	e.subscribers = append(e.subscribers, subscriber)
	return subscriber.out
}

func (e *Engine) submit(ctx context.Context, run func()) error {
	cmd := command{run: run, reply: make(chan struct{})}
	select {
	case e.commands <- cmd:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-cmd.reply
	return nil
}

// Execute validates, applies and logs a user or AI action. ID and timestamp are
// filled when absent and the payload is aligned with the stored event.
func (e *Engine) Execute(ctx context.Context, action calendar.Action) (calendar.Action, error) {
	var applied calendar.Action
	var execErr error
	if err := e.submit(ctx, func() {
		applied, execErr = e.execute(action)
	}); err != nil {
		return calendar.Action{}, err
	}
	return applied, execErr
}

func (e *Engine) execute(action calendar.Action) (calendar.Action, error) {
	prepared, err := e.prepare(action)
	if err != nil {
		return calendar.Action{}, err
	}
	change := e.store.Apply(prepared)
	e.history.Append(prepared)
	e.checkpoints.DiscardSuspended()
	metrics.RecordAction(string(prepared.Type), string(prepared.Source))
	e.emit(prepared)
	e.notify(change, ReasonExecute)
	return prepared.Clone(), nil
}

func (e *Engine) prepare(action calendar.Action) (calendar.Action, error) {
	prepared := action.Clone()
	if prepared.Source == "" {
		prepared.Source = calendar.SourceUser
	}
	if prepared.Type == calendar.ActionAddEvent && prepared.Event != nil && prepared.Event.ID == "" {
		eventID, err := e.idProvider.NewID()
		if err != nil {
			e.logError(opExecute, "id_generation_failed", err)
			return calendar.Action{}, err
		}
		prepared.Event.ID = eventID
	}
	if err := prepared.Validate(); err != nil {
		return calendar.Action{}, err
	}
	if prepared.ID == "" {
		actionID, err := e.idProvider.NewID()
		if err != nil {
			e.logError(opExecute, "id_generation_failed", err)
			return calendar.Action{}, err
		}
		prepared.ID = actionID
	}
	if prepared.Timestamp.IsZero() {
		prepared.Timestamp = e.clock().UTC()
	}

	switch prepared.Type {
	case calendar.ActionAddEvent:
		if prepared.Event.IsInstance {
			return calendar.Action{}, calendar.ErrInstanceEvent
		}
		if e.store.Contains(prepared.Event.ID) {
			return calendar.Action{}, fmt.Errorf("%w: %s", calendar.ErrEventExists, prepared.Event.ID)
		}
		event, err := stamped(*prepared.Event, prepared.Source)
		if err != nil {
			return calendar.Action{}, err
		}
		prepared.Event = &event
	case calendar.ActionDeleteEvent:
		current, found := e.store.Get(prepared.Event.ID)
		if !found {
			return calendar.Action{}, fmt.Errorf("%w: %s", calendar.ErrEventNotFound, prepared.Event.ID)
		}
		prepared.Event = &current
	case calendar.ActionUpdateEvent, calendar.ActionMoveEvent:
		if prepared.After.IsInstance {
			return calendar.Action{}, calendar.ErrInstanceEvent
		}
		current, found := e.store.Get(prepared.After.ID)
		if !found {
			return calendar.Action{}, fmt.Errorf("%w: %s", calendar.ErrEventNotFound, prepared.After.ID)
		}
		after, err := stamped(*prepared.After, prepared.Source)
		if err != nil {
			return calendar.Action{}, err
		}
		if after.GoogleEventID == "" {
			after.GoogleEventID = current.GoogleEventID
		}
		prepared.Before = &current
		prepared.After = &after
	}
	return prepared, nil
}

func stamped(event calendar.Event, source calendar.Source) (calendar.Event, error) {
	event.Meta.Source = source
	return calendar.NewEvent(event)
}

// Undo reverts the most recent logged action. It reports false when the log is empty.
func (e *Engine) Undo(ctx context.Context) (calendar.Action, bool, error) {
	var effect calendar.Action
	var ok bool
	err := e.submit(ctx, func() {
		step, undone := e.history.Undo(e.store)
		if !undone {
			return
		}
		effect, ok = e.restamp(step.Effect, undoExplanation), true
		e.checkpoints.Prune(e.history.Len())
		metrics.RecordAction("UNDO", string(effect.Source))
		e.emit(effect)
		e.notify(step.Change, ReasonUndo)
	})
	return effect, ok, err
}

// Redo reapplies the most recently undone action. It reports false when the redo stack is empty.
func (e *Engine) Redo(ctx context.Context) (calendar.Action, bool, error) {
	var effect calendar.Action
	var ok bool
	err := e.submit(ctx, func() {
		step, redone := e.history.Redo(e.store)
		if !redone {
			return
		}
		effect, ok = e.restamp(step.Effect, redoExplanation), true
		e.checkpoints.Resume(e.history.Actions())
		metrics.RecordAction("REDO", string(effect.Source))
		e.emit(effect)
		e.notify(step.Change, ReasonRedo)
	})
	return effect, ok, err
}

// restamp gives a broadcast effect a fresh identity, user provenance and an explanation.
func (e *Engine) restamp(action calendar.Action, explanation string) calendar.Action {
	stampedAction := action.Clone()
	if actionID, err := e.idProvider.NewID(); err == nil {
		stampedAction.ID = actionID
	} else {
		e.logError(opExecute, "id_generation_failed", err)
	}
	stampedAction.Timestamp = e.clock().UTC()
	stampedAction.Source = calendar.SourceUser
	stampedAction.Explanation = explanation
	return stampedAction
}

// Events returns a snapshot of the stored events.
func (e *Engine) Events(ctx context.Context) ([]calendar.Event, error) {
	var events []calendar.Event
	err := e.submit(ctx, func() {
		events = e.store.List()
	})
	return events, err
}

// Event returns one stored event.
func (e *Engine) Event(ctx context.Context, id string) (calendar.Event, bool, error) {
	var event calendar.Event
	var found bool
	err := e.submit(ctx, func() {
		event, found = e.store.Get(id)
	})
	return event, found, err
}

// History returns a copy of the action log.
func (e *Engine) History(ctx context.Context) ([]calendar.Action, error) {
	var actions []calendar.Action
	err := e.submit(ctx, func() {
		actions = e.history.Actions()
	})
	return actions, err
}

// Status returns counters describing the owner state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var status Status
	err := e.submit(ctx, func() {
		status = Status{
			Events:      e.store.Len(),
			History:     e.history.Len(),
			Redo:        e.history.RedoLen(),
			Checkpoints: e.checkpoints.Len(),
			CanUndo:     e.history.Len() > 0,
			CanRedo:     e.history.RedoLen() > 0,
		}
	})
	return status, err
}

// ScanCheckpoints creates checkpoints for assistant turns with uncovered AI actions.
func (e *Engine) ScanCheckpoints(ctx context.Context, messages []calendar.ChatMessage) ([]calendar.Checkpoint, error) {
	var created []calendar.Checkpoint
	err := e.submit(ctx, func() {
		created = e.checkpoints.Scan(messages, e.history.Actions())
	})
	return created, err
}

// Checkpoints lists the live checkpoints.
func (e *Engine) Checkpoints(ctx context.Context) ([]calendar.Checkpoint, error) {
	var checkpoints []calendar.Checkpoint
	err := e.submit(ctx, func() {
		checkpoints = e.checkpoints.List()
	})
	return checkpoints, err
}

// RevertToCheckpoint undoes an entire AI turn. It reports false for unknown checkpoints.
func (e *Engine) RevertToCheckpoint(ctx context.Context, messageID string) (RevertResult, bool, error) {
	var result RevertResult
	var ok bool
	err := e.submit(ctx, func() {
		revert, reverted := e.checkpoints.RevertTo(messageID, e.history, e.store)
		if !reverted {
			return
		}
		result = RevertResult{Checkpoint: revert.Checkpoint, Dropped: len(revert.Dropped), Effects: make([]calendar.Action, 0, len(revert.Effects))}
		for _, inverse := range revert.Effects {
			effect := e.restamp(inverse, revertExplanation)
			metrics.RecordAction("REVERT", string(effect.Source))
			e.emit(effect)
			result.Effects = append(result.Effects, effect)
		}
		ok = true
		e.notify(revert.Change, ReasonRevert)
	})
	return result, ok, err
}

// Reconcile runs an inbound merge against the current store. Inserted events
// whose identifier is taken and updates to vanished events are dropped.
// Nothing is logged or emitted for outbound sync.
func (e *Engine) Reconcile(ctx context.Context, merge MergeFunc) (Changeset, error) {
	var applied Changeset
	err := e.submit(ctx, func() {
		changeset := merge(e.store.List())
		change := calendar.Change{}
		for _, event := range changeset.Inserted {
			if event.ID == "" || e.store.Contains(event.ID) || !e.store.Put(event) {
				continue
			}
			applied.Inserted = append(applied.Inserted, event)
			change.Upserted = append(change.Upserted, event.ID)
		}
		for _, event := range changeset.Updated {
			if !e.store.Contains(event.ID) || !e.store.Put(event) {
				continue
			}
			applied.Updated = append(applied.Updated, event)
			change.Upserted = append(change.Upserted, event.ID)
		}
		e.notify(change, ReasonSync)
	})
	return applied, err
}

// ConfirmRemote records the remote identifier of a locally created event and
// flips its provenance to system. An inbound copy of the same remote event is removed.
func (e *Engine) ConfirmRemote(ctx context.Context, localID, remoteID string, rule *calendar.Recurrence) (bool, error) {
	var confirmed bool
	err := e.submit(ctx, func() {
		event, found := e.store.Get(localID)
		if !found || remoteID == "" {
			return
		}
		change := calendar.Change{}
		if duplicate, exists := e.store.FindByRemoteID(remoteID); exists && duplicate.ID != localID {
			e.store.Remove(duplicate.ID)
			change.Deleted = append(change.Deleted, duplicate.ID)
		}
		event.GoogleEventID = remoteID
		event.Meta.Source = calendar.SourceSystem
		if rule != nil {
			normalized := rule.Normalized()
			event.Recurrence = &normalized
		}
		e.store.Put(event)
		change.Upserted = append(change.Upserted, localID)
		confirmed = true
		e.notify(change, ReasonConfirm)
	})
	return confirmed, err
}

func (e *Engine) emit(action calendar.Action) {
	e.syncEffects.push(action.Clone())
}

func (e *Engine) notify(change calendar.Change, reason string) {
	metrics.SetStoreEvents(e.store.Len())
	if change.Empty() {
		return
	}
	notice := ChangeNotice{
		Deleted: append([]string(nil), change.Deleted...),
		Reason:  reason,
		At:      e.clock().UTC(),
	}
	for _, id := range change.Upserted {
		if event, found := e.store.Get(id); found {
			notice.Upserted = append(notice.Upserted, event)
		}
	}
	e.subscribersMu.Lock()
	defer e.subscribersMu.Unlock()
	for _, subscriber := range e.subscribers {
		subscriber.push(notice)
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("engine error", attrs...)
}
