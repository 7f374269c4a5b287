package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/engine"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var fixedClock = func() time.Time { return time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC) }

func newTestRepository(t *testing.T, logger *zap.Logger) *EventRepository {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	repository, err := NewEventRepository(RepositoryConfig{Database: db, Clock: fixedClock, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	return repository
}

func sampleEvent(id string, hour int) calendar.Event {
	return calendar.Event{
		ID:            id,
		Title:         "Event " + id,
		Start:         time.Date(2024, time.March, 4, hour, 0, 0, 0, time.UTC),
		End:           time.Date(2024, time.March, 4, hour+1, 0, 0, 0, time.UTC),
		Color:         calendar.ColorPurple,
		Meta:          calendar.Meta{Source: calendar.SourceAI},
		GoogleEventID: "remote-" + id,
		Recurrence:    &calendar.Recurrence{Frequency: calendar.FrequencyWeekly, Interval: 1, ByDay: []calendar.Weekday{calendar.Monday}},
		Attendees:     []calendar.Person{{Email: "ada@example.com", ResponseStatus: "accepted"}},
	}
}

func TestNewEventRepositoryRequiresDatabase(t *testing.T) {
	_, err := NewEventRepository(RepositoryConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Code() != "events.repository.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestEventRepositorySaveLoadDelete(t *testing.T) {
	repository := newTestRepository(t, nil)
	ctx := context.Background()

	first := sampleEvent("evt-1", 9)
	second := sampleEvent("evt-2", 11)
	if err := repository.SaveEvents(ctx, []calendar.Event{second, first}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := repository.LoadEvents(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "evt-1" || loaded[1].ID != "evt-2" {
		t.Fatalf("unexpected events %+v", loaded)
	}
	if loaded[0].Recurrence == nil || loaded[0].Recurrence.ByDay[0] != calendar.Monday {
		t.Fatalf("recurrence not round-tripped: %+v", loaded[0].Recurrence)
	}
	if !loaded[0].Start.Equal(first.Start) || loaded[0].GoogleEventID != "remote-evt-1" {
		t.Fatalf("unexpected payload %+v", loaded[0])
	}

	first.Title = "Renamed"
	if err := repository.SaveEvents(ctx, []calendar.Event{first}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := repository.DeleteEvents(ctx, []string{"evt-2", "missing"}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	loaded, err = repository.LoadEvents(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Title != "Renamed" {
		t.Fatalf("unexpected events after upsert and delete %+v", loaded)
	}
}

func TestEventRepositorySkipsCorruptRows(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	repository := newTestRepository(t, zap.New(core))
	ctx := context.Background()

	if err := repository.SaveEvents(ctx, []calendar.Event{sampleEvent("evt-1", 9)}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	corrupt := EventRecord{EventID: "evt-bad", PayloadJSON: "{not json", UpdatedAtSeconds: 1}
	if err := repository.db.Create(&corrupt).Error; err != nil {
		t.Fatalf("failed to insert corrupt row: %v", err)
	}

	loaded, err := repository.LoadEvents(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected corrupt row to be skipped, got %d events", len(loaded))
	}
	if logs.FilterField(zap.String("reason", "payload_decode_failed")).Len() != 1 {
		t.Fatalf("expected decode failure to be logged")
	}
}

func TestEventRepositoryConsumeAppliesNotices(t *testing.T) {
	repository := newTestRepository(t, nil)
	notices := make(chan engine.ChangeNotice, 3)
	notices <- engine.ChangeNotice{Upserted: []calendar.Event{sampleEvent("evt-1", 9), sampleEvent("evt-2", 10)}, Reason: engine.ReasonExecute}
	notices <- engine.ChangeNotice{Deleted: []string{"evt-1"}, Reason: engine.ReasonUndo}
	renamed := sampleEvent("evt-2", 10)
	renamed.Title = "Synced title"
	notices <- engine.ChangeNotice{Upserted: []calendar.Event{renamed}, Reason: engine.ReasonSync}
	close(notices)

	if err := repository.Consume(context.Background(), notices); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	loaded, err := repository.LoadEvents(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "evt-2" || loaded[0].Title != "Synced title" {
		t.Fatalf("unexpected persisted state %+v", loaded)
	}
}

func TestEventRepositoryConsumeLetsConfirmedEventTakeOverRemoteID(t *testing.T) {
	repository := newTestRepository(t, nil)
	inboundCopy := sampleEvent("evt-inbound", 9)
	inboundCopy.GoogleEventID = "remote-shared"
	confirmed := sampleEvent("evt-local", 9)
	confirmed.GoogleEventID = "remote-shared"

	notices := make(chan engine.ChangeNotice, 2)
	notices <- engine.ChangeNotice{Upserted: []calendar.Event{inboundCopy}, Reason: engine.ReasonSync}
	notices <- engine.ChangeNotice{Upserted: []calendar.Event{confirmed}, Deleted: []string{"evt-inbound"}, Reason: engine.ReasonConfirm}
	close(notices)

	if err := repository.Consume(context.Background(), notices); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	loaded, err := repository.LoadEvents(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "evt-local" || loaded[0].GoogleEventID != "remote-shared" {
		t.Fatalf("unexpected persisted state %+v", loaded)
	}
}

func TestEventRepositoryPersistsEngineChanges(t *testing.T) {
	repository := newTestRepository(t, nil)
	eng, err := engine.New(engine.Config{IDProvider: calendar.NewUUIDProvider(), Clock: fixedClock})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	notices := eng.SubscribeChanges()
	ctx, cancel := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = eng.Run(ctx)
	}()
	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- repository.Consume(ctx, notices)
	}()

	event := sampleEvent("", 9)
	event.GoogleEventID = ""
	added, err := eng.Execute(ctx, calendar.NewAddAction(event, calendar.SourceUser, ""))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	cancel()
	<-engineDone
	if err := <-consumerDone; err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	loaded, err := repository.LoadEvents(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != added.Event.ID {
		t.Fatalf("expected engine change to be persisted, got %+v", loaded)
	}
}
