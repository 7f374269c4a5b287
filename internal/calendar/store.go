package calendar

import "sort"

// Change lists the identifiers touched by one store mutation.
type Change struct {
	Upserted []string
	Deleted  []string
}

// Empty reports whether the change touched nothing.
func (change Change) Empty() bool {
	return len(change.Upserted) == 0 && len(change.Deleted) == 0
}

// Merge appends another change, keeping the latest outcome per identifier.
func (change Change) Merge(other Change) Change {
	merged := Change{}
	state := make(map[string]bool)
	order := make([]string, 0, len(change.Upserted)+len(change.Deleted)+len(other.Upserted)+len(other.Deleted))
	record := func(id string, upserted bool) {
		if _, seen := state[id]; !seen {
			order = append(order, id)
		}
		state[id] = upserted
	}
	for _, part := range []Change{change, other} {
		for _, id := range part.Upserted {
			record(id, true)
		}
		for _, id := range part.Deleted {
			record(id, false)
		}
	}
	for _, id := range order {
		if state[id] {
			merged.Upserted = append(merged.Upserted, id)
		} else {
			merged.Deleted = append(merged.Deleted, id)
		}
	}
	return merged
}

// Store maps event identifiers to events. It is not safe for concurrent use;
// the engine owns the only instance.
type Store struct {
	events map[string]Event
}

// NewStore seeds a store, skipping transient instances and events without identity.
func NewStore(events []Event) *Store {
	store := &Store{events: make(map[string]Event, len(events))}
	for _, event := range events {
		store.Put(event)
	}
	return store
}

// Len returns the number of stored events.
func (store *Store) Len() int {
	return len(store.events)
}

// Contains reports whether the identifier is stored.
func (store *Store) Contains(id string) bool {
	_, found := store.events[id]
	return found
}

// Get returns a copy of the stored event.
func (store *Store) Get(id string) (Event, bool) {
	event, found := store.events[id]
	if !found {
		return Event{}, false
	}
	return event.Clone(), true
}

// FindByRemoteID returns the event correlated to a remote identifier.
func (store *Store) FindByRemoteID(remoteID string) (Event, bool) {
	if remoteID == "" {
		return Event{}, false
	}
	for _, event := range store.events {
		if event.GoogleEventID == remoteID {
			return event.Clone(), true
		}
	}
	return Event{}, false
}

// List returns copies of all events ordered by start, then identifier.
func (store *Store) List() []Event {
	events := make([]Event, 0, len(store.events))
	for _, event := range store.events {
		events = append(events, event.Clone())
	}
	SortEvents(events)
	return events
}

// Put inserts or replaces an event. Instances and events without identity are refused.
func (store *Store) Put(event Event) bool {
	if event.ID == "" || event.IsInstance {
		return false
	}
	store.events[event.ID] = event.Normalized()
	return true
}

// Remove deletes an event and returns the removed value.
func (store *Store) Remove(id string) (Event, bool) {
	event, found := store.events[id]
	if !found {
		return Event{}, false
	}
	delete(store.events, id)
	return event, true
}

// Apply performs an action's effect. Updates to missing events are dropped silently.
func (store *Store) Apply(action Action) Change {
	switch action.Type {
	case ActionAddEvent:
		if action.Event != nil && store.Put(*action.Event) {
			return Change{Upserted: []string{action.Event.ID}}
		}
	case ActionDeleteEvent:
		if action.Event != nil {
			if _, removed := store.Remove(action.Event.ID); removed {
				return Change{Deleted: []string{action.Event.ID}}
			}
		}
	case ActionUpdateEvent, ActionMoveEvent:
		if action.After != nil && store.Contains(action.After.ID) && store.Put(*action.After) {
			return Change{Upserted: []string{action.After.ID}}
		}
	}
	return Change{}
}

// SortEvents orders events by start, then identifier.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(left, right int) bool {
		if !events[left].Start.Equal(events[right].Start) {
			return events[left].Start.Before(events[right].Start)
		}
		return events[left].ID < events[right].ID
	})
}
