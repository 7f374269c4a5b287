package calendar

import "sort"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall records the outcome of one assistant tool invocation.
type ToolCall struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
}

// ChatMessage is the slice of the chat transcript the checkpoint scan needs.
type ChatMessage struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

func (message ChatMessage) hasSuccessfulToolCall() bool {
	for _, call := range message.ToolCalls {
		if call.Success {
			return true
		}
	}
	return false
}

// Checkpoint binds a chat message to the first log index of the AI actions it produced.
type Checkpoint struct {
	MessageID    string   `json:"messageId"`
	HistoryIndex int      `json:"historyIndex"`
	EventIDs     []string `json:"eventIds"`

	firstActionID string
}

func (checkpoint Checkpoint) clone() Checkpoint {
	cloned := checkpoint
	cloned.EventIDs = append([]string(nil), checkpoint.EventIDs...)
	return cloned
}

// Checkpoints tracks AI turns and the log actions each one already covers.
// An anchor is claimed once; reverting its checkpoint does not free it.
// Checkpoints pruned by an undo are suspended and come back when a redo
// restores their first action.
type Checkpoints struct {
	byMessage map[string]Checkpoint
	suspended map[string]Checkpoint
	anchored  map[string]struct{}
	covered   map[string]struct{}
}

// NewCheckpoints returns an empty checkpoint manager.
func NewCheckpoints() *Checkpoints {
	return &Checkpoints{
		byMessage: make(map[string]Checkpoint),
		suspended: make(map[string]Checkpoint),
		anchored:  make(map[string]struct{}),
		covered:   make(map[string]struct{}),
	}
}

// Scan creates checkpoints for assistant messages with successful tool calls,
// claiming AI actions not covered by an earlier checkpoint. Each checkpoint is
// anchored to the user message preceding the assistant message.
func (checkpoints *Checkpoints) Scan(messages []ChatMessage, log []Action) []Checkpoint {
	created := make([]Checkpoint, 0)
	for index, message := range messages {
		if message.Role != RoleAssistant || !message.hasSuccessfulToolCall() {
			continue
		}
		anchor := precedingUserMessage(messages, index)
		if anchor == "" {
			anchor = message.ID
		}
		if anchor == "" {
			continue
		}
		if _, claimed := checkpoints.anchored[anchor]; claimed {
			continue
		}

		firstIndex := -1
		firstActionID := ""
		eventIDs := make([]string, 0)
		seen := make(map[string]struct{})
		for logIndex, action := range log {
			if action.Source != SourceAI {
				continue
			}
			if _, covered := checkpoints.covered[action.ID]; covered {
				continue
			}
			checkpoints.covered[action.ID] = struct{}{}
			if firstIndex < 0 {
				firstIndex = logIndex
				firstActionID = action.ID
			}
			eventID := action.EventID()
			if eventID == "" {
				continue
			}
			if _, duplicate := seen[eventID]; duplicate {
				continue
			}
			seen[eventID] = struct{}{}
			eventIDs = append(eventIDs, eventID)
		}
		if len(eventIDs) == 0 {
			continue
		}

		checkpoint := Checkpoint{MessageID: anchor, HistoryIndex: firstIndex, EventIDs: eventIDs, firstActionID: firstActionID}
		checkpoints.byMessage[anchor] = checkpoint
		checkpoints.anchored[anchor] = struct{}{}
		created = append(created, checkpoint.clone())
	}
	return created
}

// Get returns the checkpoint anchored to a message.
func (checkpoints *Checkpoints) Get(messageID string) (Checkpoint, bool) {
	checkpoint, found := checkpoints.byMessage[messageID]
	if !found {
		return Checkpoint{}, false
	}
	return checkpoint.clone(), true
}

// List returns all checkpoints ordered by log index.
func (checkpoints *Checkpoints) List() []Checkpoint {
	list := make([]Checkpoint, 0, len(checkpoints.byMessage))
	for _, checkpoint := range checkpoints.byMessage {
		list = append(list, checkpoint.clone())
	}
	sort.Slice(list, func(left, right int) bool {
		if list[left].HistoryIndex != list[right].HistoryIndex {
			return list[left].HistoryIndex < list[right].HistoryIndex
		}
		return list[left].MessageID < list[right].MessageID
	})
	return list
}

// Len returns the number of live checkpoints.
func (checkpoints *Checkpoints) Len() int {
	return len(checkpoints.byMessage)
}

// Remove discards a checkpoint.
func (checkpoints *Checkpoints) Remove(messageID string) {
	delete(checkpoints.byMessage, messageID)
}

// Prune suspends checkpoints whose span starts at or beyond the log length,
// returning the anchors it dropped.
func (checkpoints *Checkpoints) Prune(logLength int) []string {
	dropped := make([]string, 0)
	for messageID, checkpoint := range checkpoints.byMessage {
		if checkpoint.HistoryIndex >= logLength {
			delete(checkpoints.byMessage, messageID)
			checkpoints.suspended[messageID] = checkpoint
			dropped = append(dropped, messageID)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Resume reinstates suspended checkpoints whose first action is back at its
// original log index, returning the anchors it restored.
func (checkpoints *Checkpoints) Resume(log []Action) []string {
	resumed := make([]string, 0)
	for messageID, checkpoint := range checkpoints.suspended {
		if checkpoint.HistoryIndex >= len(log) || log[checkpoint.HistoryIndex].ID != checkpoint.firstActionID {
			continue
		}
		delete(checkpoints.suspended, messageID)
		checkpoints.byMessage[messageID] = checkpoint
		resumed = append(resumed, messageID)
	}
	sort.Strings(resumed)
	return resumed
}

// DiscardSuspended forgets suspended checkpoints once a new action makes redo impossible.
func (checkpoints *Checkpoints) DiscardSuspended() {
	clear(checkpoints.suspended)
}

// Revert is the outcome of reverting to a checkpoint.
type Revert struct {
	Checkpoint Checkpoint
	Effects    []Action
	Dropped    []Action
	Change     Change
}

// RevertTo undoes every action logged from the checkpoint onward, newest first,
// truncates the log to the checkpoint index and discards invalidated checkpoints.
func (checkpoints *Checkpoints) RevertTo(messageID string, history *History, store *Store) (Revert, bool) {
	checkpoint, found := checkpoints.byMessage[messageID]
	if !found {
		return Revert{}, false
	}

	span := history.Since(checkpoint.HistoryIndex)
	result := Revert{Checkpoint: checkpoint.clone(), Effects: make([]Action, 0, len(span))}
	added := make(map[string]struct{})
	for index := len(span) - 1; index >= 0; index-- {
		inverse := span[index].Inverse().refreshed(store)
		result.Change = result.Change.Merge(store.Apply(inverse))
		result.Effects = append(result.Effects, inverse)
		if span[index].Type == ActionAddEvent {
			added[span[index].EventID()] = struct{}{}
		}
	}
	result.Dropped = history.Truncate(checkpoint.HistoryIndex)

	for _, eventID := range checkpoint.EventIDs {
		if _, createdInSpan := added[eventID]; !createdInSpan {
			continue
		}
		if removed, found := store.Remove(eventID); found {
			result.Change = result.Change.Merge(Change{Deleted: []string{eventID}})
			result.Effects = append(result.Effects, NewDeleteAction(removed, SourceAI, ""))
		}
	}

	delete(checkpoints.byMessage, messageID)
	checkpoints.Prune(history.Len())
	checkpoints.DiscardSuspended()
	return result, true
}

func precedingUserMessage(messages []ChatMessage, index int) string {
	for cursor := index - 1; cursor >= 0; cursor-- {
		if messages[cursor].Role == RoleUser {
			return messages[cursor].ID
		}
	}
	return ""
}
