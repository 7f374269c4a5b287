package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/engine"
)

var errTransient = errors.New("transient provider failure")

type sequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%d", s.prefix, s.next), nil
}

type providerCall struct {
	Operation string
	RemoteID  string
	EventID   string
	Title     string
}

type fakeProvider struct {
	mu             sync.Mutex
	listing        Listing
	listErr        error
	insertFailures int
	patchFailures  int
	insertDelay    time.Duration
	nextRemote     int
	calls          []providerCall
}

func (p *fakeProvider) ListEvents(context.Context, time.Time) (Listing, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return Listing{}, p.listErr
	}
	events := make([]calendar.Event, len(p.listing.Events))
	for index, event := range p.listing.Events {
		events[index] = event.Clone()
	}
	return Listing{Events: events, Skipped: p.listing.Skipped}, nil
}

func (p *fakeProvider) InsertEvent(_ context.Context, event calendar.Event) (RemoteRef, error) {
	if p.insertDelay > 0 {
		time.Sleep(p.insertDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, providerCall{Operation: "insert", EventID: event.ID, Title: event.Title})
	if p.insertFailures > 0 {
		p.insertFailures--
		return RemoteRef{}, errTransient
	}
	p.nextRemote++
	return RemoteRef{ID: fmt.Sprintf("remote-%d", p.nextRemote)}, nil
}

func (p *fakeProvider) PatchEvent(_ context.Context, remoteID string, event calendar.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, providerCall{Operation: "patch", RemoteID: remoteID, EventID: event.ID, Title: event.Title})
	if p.patchFailures > 0 {
		p.patchFailures--
		return errTransient
	}
	return nil
}

func (p *fakeProvider) DeleteEvent(_ context.Context, remoteID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, providerCall{Operation: "delete", RemoteID: remoteID})
	return nil
}

func (p *fakeProvider) recorded() []providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providerCall(nil), p.calls...)
}

func startEngine(t *testing.T, events []calendar.Event) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.Config{Events: events, IDProvider: &sequenceIDs{prefix: "local"}})
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
	return eng
}

func sampleEvent(id string, hour int) calendar.Event {
	return calendar.Event{
		ID:    id,
		Title: "Event " + id,
		Start: time.Date(2024, time.January, 2, hour, 0, 0, 0, time.UTC),
		End:   time.Date(2024, time.January, 2, hour+1, 0, 0, 0, time.UTC),
		Color: calendar.ColorBlue,
	}
}
