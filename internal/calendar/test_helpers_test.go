package calendar

import (
	"reflect"
	"testing"
	"time"
)

var baseTime = time.Date(2024, time.January, 1, 10, 0, 0, 0, time.UTC)

func mustEvent(t *testing.T, id string, startOffset time.Duration, duration time.Duration) Event {
	t.Helper()
	event, err := NewEvent(Event{
		ID:    id,
		Title: "Event " + id,
		Start: baseTime.Add(startOffset),
		End:   baseTime.Add(startOffset + duration),
	})
	if err != nil {
		t.Fatalf("unexpected event error: %v", err)
	}
	return event
}

func stamp(action Action, id string) Action {
	action.ID = id
	action.Timestamp = baseTime
	if action.Source == "" {
		action.Source = SourceUser
	}
	return action
}

// execute mirrors the engine: apply, then log.
func execute(store *Store, history *History, action Action) {
	store.Apply(action)
	history.Append(action)
}

func assertStoreEquals(t *testing.T, store *Store, expected []Event) {
	t.Helper()
	actual := store.List()
	normalized := make([]Event, 0, len(expected))
	for _, event := range expected {
		normalized = append(normalized, event.Normalized())
	}
	SortEvents(normalized)
	if len(actual) == 0 && len(normalized) == 0 {
		return
	}
	if !reflect.DeepEqual(actual, normalized) {
		t.Fatalf("store mismatch\nwant: %#v\ngot:  %#v", normalized, actual)
	}
}
