package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
)

var fixedNow = time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("id-%03d", s.next), nil
}

func startEngine(t *testing.T, events []calendar.Event) (*Engine, context.CancelFunc) {
	t.Helper()
	eng, err := New(Config{
		Events:     events,
		Clock:      func() time.Time { return fixedNow },
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return eng, cancel
}

func event(id string, hour int) calendar.Event {
	return calendar.Event{
		ID:    id,
		Title: "Event " + id,
		Start: time.Date(2024, time.January, 2, hour, 0, 0, 0, time.UTC),
		End:   time.Date(2024, time.January, 2, hour+1, 0, 0, 0, time.UTC),
	}
}

func receive[T any](t *testing.T, stream <-chan T) T {
	t.Helper()
	select {
	case value, ok := <-stream:
		if !ok {
			t.Fatalf("stream closed unexpectedly")
		}
		return value
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stream value")
	}
	var zero T
	return zero
}

func TestExecuteAddAssignsIdentityAndBroadcasts(t *testing.T) {
	eng, _ := startEngine(t, nil)
	changes := eng.SubscribeChanges()
	ctx := context.Background()

	draft := event("", 10)
	applied, err := eng.Execute(ctx, calendar.NewAddAction(draft, calendar.SourceAI, "created lunch"))
	if err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	if applied.ID == "" || applied.Event.ID == "" {
		t.Fatalf("expected action and event identifiers, got %+v", applied)
	}
	if !applied.Timestamp.Equal(fixedNow) {
		t.Fatalf("expected timestamp from clock, got %s", applied.Timestamp)
	}

	stored, found, err := eng.Event(ctx, applied.Event.ID)
	if err != nil || !found {
		t.Fatalf("expected stored event, found=%v err=%v", found, err)
	}
	if stored.Meta.Source != calendar.SourceAI {
		t.Fatalf("expected ai provenance, got %s", stored.Meta.Source)
	}

	effect := receive(t, eng.SyncEffects())
	if effect.ID != applied.ID || effect.Type != calendar.ActionAddEvent {
		t.Fatalf("unexpected sync effect %+v", effect)
	}
	notice := receive(t, changes)
	if notice.Reason != ReasonExecute || len(notice.Upserted) != 1 || notice.Upserted[0].ID != applied.Event.ID {
		t.Fatalf("unexpected change notice %+v", notice)
	}
}

func TestExecuteRejectsInvalidTargets(t *testing.T) {
	eng, _ := startEngine(t, []calendar.Event{event("existing", 9)})
	ctx := context.Background()

	tests := []struct {
		name     string
		action   calendar.Action
		expected error
	}{
		{name: "update missing", action: calendar.NewUpdateAction(event("missing", 9), event("missing", 10), calendar.SourceUser, ""), expected: calendar.ErrEventNotFound},
		{name: "delete missing", action: calendar.NewDeleteAction(event("missing", 9), calendar.SourceUser, ""), expected: calendar.ErrEventNotFound},
		{name: "add duplicate", action: calendar.NewAddAction(event("existing", 9), calendar.SourceUser, ""), expected: calendar.ErrEventExists},
		{name: "unknown type", action: calendar.Action{Type: "RENAME_EVENT"}, expected: calendar.ErrInvalidAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.Execute(ctx, tt.action); !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
		})
	}

	instance := event("instance", 9)
	instance.IsInstance = true
	if _, err := eng.Execute(ctx, calendar.NewAddAction(instance, calendar.SourceUser, "")); !errors.Is(err, calendar.ErrInstanceEvent) {
		t.Fatalf("expected instance rejection, got %v", err)
	}

	history, _ := eng.History(ctx)
	if len(history) != 0 {
		t.Fatalf("rejected actions must not be logged, got %d", len(history))
	}
}

func TestExecuteUpdateCarriesStoredBeforeAndRemoteID(t *testing.T) {
	existing := event("existing", 9)
	existing.GoogleEventID = "remote-1"
	eng, _ := startEngine(t, []calendar.Event{existing})
	ctx := context.Background()

	after := event("existing", 9)
	after.Title = "Renamed"
	applied, err := eng.Execute(ctx, calendar.NewUpdateAction(calendar.Event{ID: "existing"}, after, calendar.SourceUser, ""))
	if err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	if applied.Before.Title != existing.Title {
		t.Fatalf("before must reflect the stored event, got %q", applied.Before.Title)
	}
	if applied.After.GoogleEventID != "remote-1" {
		t.Fatalf("after must keep the remote correlation, got %q", applied.After.GoogleEventID)
	}
}

func TestUndoRedoBroadcastsUserEffects(t *testing.T) {
	eng, _ := startEngine(t, nil)
	ctx := context.Background()

	applied, err := eng.Execute(ctx, calendar.NewAddAction(event("E1", 10), calendar.SourceAI, ""))
	if err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	receive(t, eng.SyncEffects())

	undoEffect, ok, err := eng.Undo(ctx)
	if err != nil || !ok {
		t.Fatalf("expected undo, ok=%v err=%v", ok, err)
	}
	if undoEffect.Type != calendar.ActionDeleteEvent || undoEffect.Source != calendar.SourceUser || undoEffect.Explanation != undoExplanation {
		t.Fatalf("unexpected undo effect %+v", undoEffect)
	}
	if undoEffect.ID == applied.ID {
		t.Fatalf("undo effect must carry a fresh identifier")
	}
	receive(t, eng.SyncEffects())

	redoEffect, ok, err := eng.Redo(ctx)
	if err != nil || !ok {
		t.Fatalf("expected redo, ok=%v err=%v", ok, err)
	}
	if redoEffect.Type != calendar.ActionAddEvent || redoEffect.Explanation != redoExplanation {
		t.Fatalf("unexpected redo effect %+v", redoEffect)
	}

	events, _ := eng.Events(ctx)
	if len(events) != 1 || events[0].ID != "E1" {
		t.Fatalf("expected E1 restored, got %+v", events)
	}
	history, _ := eng.History(ctx)
	if len(history) != 1 || history[0].ID != applied.ID {
		t.Fatalf("redo must re-log the original action, got %+v", history)
	}

	if _, ok, _ := eng.Redo(ctx); ok {
		t.Fatalf("second redo must be a no-op")
	}
}

func TestUndoOnEmptyHistoryIsNoOp(t *testing.T) {
	eng, _ := startEngine(t, nil)
	if _, ok, err := eng.Undo(context.Background()); ok || err != nil {
		t.Fatalf("expected silent no-op, ok=%v err=%v", ok, err)
	}
}

func TestConfirmRemoteFlipsProvenanceAndDropsInboundDuplicate(t *testing.T) {
	eng, _ := startEngine(t, nil)
	ctx := context.Background()
	applied, _ := eng.Execute(ctx, calendar.NewAddAction(event("local", 10), calendar.SourceUser, ""))

	inbound := event("inbound-copy", 10)
	inbound.GoogleEventID = "remote-7"
	inbound.Meta.Source = calendar.SourceSystem
	if _, err := eng.Reconcile(ctx, func([]calendar.Event) Changeset {
		return Changeset{Inserted: []calendar.Event{inbound}}
	}); err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}

	rule := calendar.Recurrence{Frequency: calendar.FrequencyWeekly}
	confirmed, err := eng.ConfirmRemote(ctx, applied.Event.ID, "remote-7", &rule)
	if err != nil || !confirmed {
		t.Fatalf("expected confirmation, confirmed=%v err=%v", confirmed, err)
	}

	events, _ := eng.Events(ctx)
	if len(events) != 1 {
		t.Fatalf("expected inbound duplicate removed, got %+v", events)
	}
	if events[0].GoogleEventID != "remote-7" || events[0].Meta.Source != calendar.SourceSystem {
		t.Fatalf("unexpected confirmed event %+v", events[0])
	}
	if events[0].Recurrence == nil || events[0].Recurrence.Frequency != calendar.FrequencyWeekly {
		t.Fatalf("expected canonical recurrence to be applied")
	}

	history, _ := eng.History(ctx)
	if len(history) != 1 {
		t.Fatalf("confirmation must not be logged, got %d actions", len(history))
	}
}

func TestReconcileFiltersStaleChanges(t *testing.T) {
	eng, _ := startEngine(t, []calendar.Event{event("existing", 9)})
	ctx := context.Background()

	applied, err := eng.Reconcile(ctx, func(local []calendar.Event) Changeset {
		if len(local) != 1 {
			t.Errorf("merge must observe the current store, got %d events", len(local))
		}
		return Changeset{
			Inserted: []calendar.Event{event("existing", 11), event("fresh", 12)},
			Updated:  []calendar.Event{event("vanished", 13)},
		}
	})
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}
	if len(applied.Inserted) != 1 || applied.Inserted[0].ID != "fresh" || len(applied.Updated) != 0 {
		t.Fatalf("unexpected applied changeset %+v", applied)
	}

	empty, _ := eng.Reconcile(ctx, func([]calendar.Event) Changeset { return Changeset{} })
	if empty.HasChanges() {
		t.Fatalf("empty merge must report no changes")
	}
}

func TestRevertToCheckpointEmitsInverseEffects(t *testing.T) {
	eng, _ := startEngine(t, []calendar.Event{event("manual", 9)})
	ctx := context.Background()

	if _, err := eng.Execute(ctx, calendar.NewAddAction(event("ai-1", 11), calendar.SourceAI, "")); err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	receive(t, eng.SyncEffects())

	created, err := eng.ScanCheckpoints(ctx, []calendar.ChatMessage{
		{ID: "user-1", Role: calendar.RoleUser},
		{ID: "assistant-1", Role: calendar.RoleAssistant, ToolCalls: []calendar.ToolCall{{Name: "createCalendarEvent", Success: true}}},
	})
	if err != nil || len(created) != 1 {
		t.Fatalf("expected one checkpoint, got %d err=%v", len(created), err)
	}

	result, ok, err := eng.RevertToCheckpoint(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("expected revert, ok=%v err=%v", ok, err)
	}
	if len(result.Effects) != 1 || result.Effects[0].Type != calendar.ActionDeleteEvent || result.Effects[0].Explanation != revertExplanation {
		t.Fatalf("unexpected revert effects %+v", result.Effects)
	}
	if effect := receive(t, eng.SyncEffects()); effect.Type != calendar.ActionDeleteEvent {
		t.Fatalf("expected delete sync effect, got %s", effect.Type)
	}

	status, _ := eng.Status(ctx)
	if status.Events != 1 || status.History != 0 || status.Checkpoints != 0 {
		t.Fatalf("unexpected status after revert %+v", status)
	}
	if _, ok, _ := eng.RevertToCheckpoint(ctx, "user-1"); ok {
		t.Fatalf("reverting twice must be a no-op")
	}
}

func TestRedoRestoresCheckpointPrunedByUndo(t *testing.T) {
	eng, _ := startEngine(t, nil)
	ctx := context.Background()

	if _, err := eng.Execute(ctx, calendar.NewAddAction(event("ai-1", 11), calendar.SourceAI, "")); err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	messages := []calendar.ChatMessage{
		{ID: "user-1", Role: calendar.RoleUser},
		{ID: "assistant-1", Role: calendar.RoleAssistant, ToolCalls: []calendar.ToolCall{{Name: "createCalendarEvent", Success: true}}},
	}
	if created, err := eng.ScanCheckpoints(ctx, messages); err != nil || len(created) != 1 {
		t.Fatalf("expected one checkpoint, got %d err=%v", len(created), err)
	}

	if _, ok, err := eng.Undo(ctx); err != nil || !ok {
		t.Fatalf("expected undo, ok=%v err=%v", ok, err)
	}
	if status, _ := eng.Status(ctx); status.Checkpoints != 0 {
		t.Fatalf("expected checkpoint pruned by undo, got %d", status.Checkpoints)
	}

	if _, ok, err := eng.Redo(ctx); err != nil || !ok {
		t.Fatalf("expected redo, ok=%v err=%v", ok, err)
	}
	checkpoints, err := eng.Checkpoints(ctx)
	if err != nil || len(checkpoints) != 1 || checkpoints[0].MessageID != "user-1" {
		t.Fatalf("expected checkpoint restored by redo, got %+v err=%v", checkpoints, err)
	}

	if _, ok, err := eng.RevertToCheckpoint(ctx, "user-1"); err != nil || !ok {
		t.Fatalf("expected revert of redone turn, ok=%v err=%v", ok, err)
	}
	if status, _ := eng.Status(ctx); status.Events != 0 || status.History != 0 {
		t.Fatalf("unexpected status after revert %+v", status)
	}
}

func TestStoppedEngineRejectsCommandsAndClosesQueues(t *testing.T) {
	eng, cancel := startEngine(t, nil)
	changes := eng.SubscribeChanges()
	cancel()

	select {
	case _, ok := <-changes:
		if ok {
			t.Fatalf("expected closed change stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("change stream was not closed")
	}
	if _, err := eng.Events(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, ok := <-eng.SyncEffects(); ok {
		t.Fatalf("expected closed sync stream")
	}
}
