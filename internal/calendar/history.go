package calendar

// Step describes one undo or redo: the logged action it concerns, the action
// whose effect was applied to the store, and the identifiers it touched.
type Step struct {
	Original Action
	Effect   Action
	Change   Change
}

// History is the append-only action log plus the redo stack.
// The two never share entries: any Append clears the redo stack.
type History struct {
	actions []Action
	redo    []Action
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// Append logs an action and clears the redo stack.
func (history *History) Append(action Action) {
	history.actions = append(history.actions, action.Clone())
	history.redo = nil
}

// Len returns the number of logged actions.
func (history *History) Len() int {
	return len(history.actions)
}

// RedoLen returns the depth of the redo stack.
func (history *History) RedoLen() int {
	return len(history.redo)
}

// Actions returns a copy of the log.
func (history *History) Actions() []Action {
	return cloneActions(history.actions)
}

// Since returns a copy of the log from index onward.
func (history *History) Since(index int) []Action {
	if index < 0 {
		index = 0
	}
	if index >= len(history.actions) {
		return nil
	}
	return cloneActions(history.actions[index:])
}

// Truncate drops every action from index onward and the redo stack, returning the dropped actions.
func (history *History) Truncate(index int) []Action {
	if index < 0 {
		index = 0
	}
	history.redo = nil
	if index >= len(history.actions) {
		return nil
	}
	dropped := cloneActions(history.actions[index:])
	history.actions = history.actions[:index]
	return dropped
}

// Undo pops the last action, applies its inverse to the store and pushes the
// original onto the redo stack. The inverse is not logged.
func (history *History) Undo(store *Store) (Step, bool) {
	if len(history.actions) == 0 {
		return Step{}, false
	}
	last := history.actions[len(history.actions)-1]
	history.actions = history.actions[:len(history.actions)-1]
	history.redo = append(history.redo, last)

	inverse := last.Inverse().refreshed(store)
	change := store.Apply(inverse)
	return Step{Original: last.Clone(), Effect: inverse, Change: change}, true
}

// Redo pops the most recently undone action, re-applies it and logs it again
// without clearing the rest of the redo stack.
func (history *History) Redo(store *Store) (Step, bool) {
	if len(history.redo) == 0 {
		return Step{}, false
	}
	original := history.redo[len(history.redo)-1]
	history.redo = history.redo[:len(history.redo)-1]
	history.actions = append(history.actions, original)

	effect := original.refreshed(store)
	change := store.Apply(effect)
	return Step{Original: original.Clone(), Effect: effect, Change: change}, true
}

func cloneActions(actions []Action) []Action {
	if len(actions) == 0 {
		return nil
	}
	cloned := make([]Action, len(actions))
	for index, action := range actions {
		cloned[index] = action.Clone()
	}
	return cloned
}
