package calendar

import (
	"errors"
	"fmt"
	"time"
)

// ActionType enumerates the mutations recorded in the action log.
type ActionType string

const (
	ActionAddEvent    ActionType = "ADD_EVENT"
	ActionUpdateEvent ActionType = "UPDATE_EVENT"
	ActionDeleteEvent ActionType = "DELETE_EVENT"
	ActionMoveEvent   ActionType = "MOVE_EVENT"
)

var (
	// ErrInvalidAction indicates that an action payload does not match its type.
	ErrInvalidAction = errors.New("calendar: invalid action")
	// ErrEventNotFound indicates that an action targets an event missing from the store.
	ErrEventNotFound = errors.New("calendar: event not found")
	// ErrEventExists indicates that an add targets an identifier already in the store.
	ErrEventExists = errors.New("calendar: event already exists")
	// ErrInstanceEvent indicates an attempt to store a transient recurrence instance.
	ErrInstanceEvent = errors.New("calendar: recurrence instances are not storable")
)

// Action is one immutable entry of the action log.
// Add and delete carry Event; update and move carry Before and After.
type Action struct {
	ID          string     `json:"id"`
	Type        ActionType `json:"type"`
	Timestamp   time.Time  `json:"timestamp"`
	Source      Source     `json:"source"`
	Explanation string     `json:"explanation,omitempty"`
	Event       *Event     `json:"event,omitempty"`
	Before      *Event     `json:"before,omitempty"`
	After       *Event     `json:"after,omitempty"`
}

// NewAddAction builds an ADD_EVENT action.
func NewAddAction(event Event, source Source, explanation string) Action {
	return Action{Type: ActionAddEvent, Source: source, Explanation: explanation, Event: eventPointer(event)}
}

// NewDeleteAction builds a DELETE_EVENT action.
func NewDeleteAction(event Event, source Source, explanation string) Action {
	return Action{Type: ActionDeleteEvent, Source: source, Explanation: explanation, Event: eventPointer(event)}
}

// NewUpdateAction builds an UPDATE_EVENT action.
func NewUpdateAction(before, after Event, source Source, explanation string) Action {
	return Action{Type: ActionUpdateEvent, Source: source, Explanation: explanation, Before: eventPointer(before), After: eventPointer(after)}
}

// NewMoveAction builds a MOVE_EVENT action.
func NewMoveAction(before, after Event, source Source, explanation string) Action {
	return Action{Type: ActionMoveEvent, Source: source, Explanation: explanation, Before: eventPointer(before), After: eventPointer(after)}
}

// Validate checks that the payload is shaped for the action type.
func (action Action) Validate() error {
	switch action.Type {
	case ActionAddEvent, ActionDeleteEvent:
		if action.Event == nil {
			return fmt.Errorf("%w: %s requires event", ErrInvalidAction, action.Type)
		}
		if action.Event.ID == "" {
			return fmt.Errorf("%w: %s event id empty", ErrInvalidAction, action.Type)
		}
	case ActionUpdateEvent, ActionMoveEvent:
		if action.After == nil {
			return fmt.Errorf("%w: %s requires after", ErrInvalidAction, action.Type)
		}
		if action.After.ID == "" {
			return fmt.Errorf("%w: %s event id empty", ErrInvalidAction, action.Type)
		}
		if action.Before != nil && action.Before.ID != action.After.ID {
			return fmt.Errorf("%w: before/after identifiers differ", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAction, action.Type)
	}
	if action.Source != "" && !action.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidAction, action.Source)
	}
	return nil
}

// EventID returns the identifier of the event the action affects.
func (action Action) EventID() string {
	switch action.Type {
	case ActionAddEvent, ActionDeleteEvent:
		if action.Event != nil {
			return action.Event.ID
		}
	case ActionUpdateEvent, ActionMoveEvent:
		if action.After != nil {
			return action.After.ID
		}
	}
	return ""
}

// Inverse returns the action that undoes this one. Metadata is copied unchanged.
func (action Action) Inverse() Action {
	inverse := action.Clone()
	switch action.Type {
	case ActionAddEvent:
		inverse.Type = ActionDeleteEvent
	case ActionDeleteEvent:
		inverse.Type = ActionAddEvent
	case ActionUpdateEvent, ActionMoveEvent:
		inverse.Type = ActionUpdateEvent
		inverse.Before, inverse.After = inverse.After, inverse.Before
	}
	return inverse
}

// Clone returns a deep copy of the action.
func (action Action) Clone() Action {
	cloned := action
	if action.Event != nil {
		cloned.Event = eventPointer(*action.Event)
	}
	if action.Before != nil {
		cloned.Before = eventPointer(*action.Before)
	}
	if action.After != nil {
		cloned.After = eventPointer(*action.After)
	}
	return cloned
}

// refreshed aligns the payload with the stored event so applying it never drops remote correlation.
func (action Action) refreshed(store *Store) Action {
	refreshed := action.Clone()
	current, found := store.Get(action.EventID())
	if !found {
		return refreshed
	}
	switch refreshed.Type {
	case ActionDeleteEvent:
		refreshed.Event = eventPointer(current)
	case ActionUpdateEvent, ActionMoveEvent:
		refreshed.Before = eventPointer(current)
		if refreshed.After.GoogleEventID == "" {
			refreshed.After.GoogleEventID = current.GoogleEventID
		}
	}
	return refreshed
}

func eventPointer(event Event) *Event {
	cloned := event.Clone()
	return &cloned
}
