// Package tools implements the calendar operations the chat assistant can call.
// Every successful mutating call appends exactly one AI-sourced action per affected event.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/metrics"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/recurrence"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const opInvoke = "tools.invoke"

var (
	errMissingEngine = errors.New("engine is required")
	noOpLogger       = zap.NewNop()
)

// Engine is the slice of the state owner the tools need.
type Engine interface {
	Execute(ctx context.Context, action calendar.Action) (calendar.Action, error)
	Event(ctx context.Context, id string) (calendar.Event, bool, error)
	Events(ctx context.Context) ([]calendar.Event, error)
}

// Result is the structured answer returned to the chat layer.
type Result struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Event   *calendar.Event  `json:"event,omitempty"`
	Events  []calendar.Event `json:"events,omitempty"`
}

func failure(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

type createEventInput struct {
	Title       string          `json:"title" validate:"required"`
	StartDate   string          `json:"startDate" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	EndDate     string          `json:"endDate" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Description string          `json:"description"`
	Location    string          `json:"location"`
	MeetingLink string          `json:"meetingLink" validate:"omitempty,url"`
	Color       string          `json:"color" validate:"omitempty,oneof=blue green purple red yellow orange gray"`
	Explanation string          `json:"explanation"`
	TimeZone    string          `json:"timeZone" validate:"omitempty,timezone"`
	Recurrence  *recurrenceInput `json:"recurrence,omitempty"`
}

type recurrenceInput struct {
	Frequency string   `json:"frequency" validate:"required,oneof=DAILY WEEKLY MONTHLY YEARLY"`
	Interval  int      `json:"interval" validate:"gte=0"`
	Count     int      `json:"count" validate:"gte=0"`
	EndDate   string   `json:"endDate" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	ByDay     []string `json:"byDay" validate:"dive,oneof=MO TU WE TH FR SA SU"`
}

type updateEventInput struct {
	EventID     string  `json:"eventId" validate:"required"`
	Title       *string `json:"title"`
	StartDate   *string `json:"startDate" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	EndDate     *string `json:"endDate" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Description *string `json:"description"`
	Location    *string `json:"location"`
	MeetingLink *string `json:"meetingLink"`
	Color       *string `json:"color" validate:"omitempty,oneof=blue green purple red yellow orange gray"`
	Explanation string  `json:"explanation"`
}

type deleteEventInput struct {
	EventID     string `json:"eventId" validate:"required"`
	Explanation string `json:"explanation"`
}

type getEventsInput struct {
	StartDate string `json:"startDate" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	EndDate   string `json:"endDate" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
}

type moveInput struct {
	EventID   string `json:"eventId" validate:"required"`
	StartDate string `json:"startDate" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	EndDate   string `json:"endDate" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

type reorganizeInput struct {
	Moves       []moveInput `json:"moves" validate:"required,min=1,dive"`
	Explanation string      `json:"explanation"`
}

// Config wires the toolbox.
type Config struct {
	Engine Engine
	Logger *zap.Logger
}

// Toolbox dispatches tool calls by name.
type Toolbox struct {
	engine   Engine
	validate *validator.Validate
	logger   *zap.Logger
}

// New builds a toolbox over the engine.
func New(cfg Config) (*Toolbox, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("%s: %w", opInvoke, errMissingEngine)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Toolbox{
		engine:   cfg.Engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}, nil
}

// Invoke decodes and validates the arguments, then runs the named tool.
// Validation, not-found and unknown-tool failures are reported in the result.
func (t *Toolbox) Invoke(ctx context.Context, name string, arguments json.RawMessage) Result {
	result := t.invoke(ctx, name, arguments)
	status := "ok"
	if !result.Success {
		status = "failed"
	}
	metrics.RecordToolCall(name, status)
	t.logger.Debug("tool invoked",
		zap.String("tool", name),
		zap.Bool("success", result.Success),
		zap.String("message", result.Message))
	return result
}

func (t *Toolbox) invoke(ctx context.Context, name string, arguments json.RawMessage) Result {
	switch name {
	case NameCreateEvent:
		var input createEventInput
		if result, ok := t.decode(arguments, &input); !ok {
			return result
		}
		input.Recurrence = nil
		return t.createEvent(ctx, input)
	case NameCreateRecurringEvent:
		var input createEventInput
		if result, ok := t.decode(arguments, &input); !ok {
			return result
		}
		if input.Recurrence == nil {
			return failure("recurrence is required")
		}
		return t.createEvent(ctx, input)
	case NameUpdateEvent:
		var input updateEventInput
		if result, ok := t.decode(arguments, &input); !ok {
			return result
		}
		return t.updateEvent(ctx, input)
	case NameDeleteEvent:
		var input deleteEventInput
		if result, ok := t.decode(arguments, &input); !ok {
			return result
		}
		return t.deleteEvent(ctx, input)
	case NameGetEvents:
		var input getEventsInput
		if result, ok := t.decode(arguments, &input); !ok {
			return result
		}
		return t.getEvents(ctx, input)
	case NameReorganizeEvents:
		var input reorganizeInput
		if result, ok := t.decode(arguments, &input); !ok {
			return result
		}
		return t.reorganize(ctx, input)
	default:
		return failure("unknown tool %q", name)
	}
}

func (t *Toolbox) decode(arguments json.RawMessage, target any) (Result, bool) {
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	if err := json.Unmarshal(arguments, target); err != nil {
		return failure("invalid arguments: %v", err), false
	}
	if err := t.validate.Struct(target); err != nil {
		return failure("invalid arguments: %v", err), false
	}
	return Result{}, true
}

func (t *Toolbox) createEvent(ctx context.Context, input createEventInput) Result {
	start, _ := time.Parse(time.RFC3339, input.StartDate)
	end := start.Add(calendar.MinimumDuration)
	if input.EndDate != "" {
		end, _ = time.Parse(time.RFC3339, input.EndDate)
	}
	event := calendar.Event{
		Title:       input.Title,
		Description: input.Description,
		Location:    input.Location,
		MeetingLink: input.MeetingLink,
		Start:       start,
		End:         end,
		Color:       calendar.ParseColor(input.Color),
		TimeZone:    input.TimeZone,
	}
	if input.Recurrence != nil {
		rule := input.Recurrence.toRecurrence()
		event.Recurrence = &rule
	}

	applied, err := t.engine.Execute(ctx, calendar.NewAddAction(event, calendar.SourceAI, input.Explanation))
	if err != nil {
		return t.executionFailure(NameCreateEvent, err)
	}
	created := *applied.Event
	message := fmt.Sprintf("Created %q on %s", created.Title, created.Start.Format(time.RFC1123))
	if created.IsRecurring() {
		message = fmt.Sprintf("Created recurring %q (%s)", created.Title, recurrence.RuleValue(*created.Recurrence))
	}
	return Result{Success: true, Message: message, Event: &created}
}

func (input recurrenceInput) toRecurrence() calendar.Recurrence {
	rule := calendar.Recurrence{
		Frequency: calendar.Frequency(input.Frequency),
		Interval:  input.Interval,
		Count:     input.Count,
	}
	if input.EndDate != "" {
		if endDate, err := time.Parse(time.RFC3339, input.EndDate); err == nil {
			rule.EndDate = &endDate
		}
	}
	for _, code := range input.ByDay {
		rule.ByDay = append(rule.ByDay, calendar.Weekday(code))
	}
	return rule.Normalized()
}

func (t *Toolbox) updateEvent(ctx context.Context, input updateEventInput) Result {
	current, found, err := t.engine.Event(ctx, input.EventID)
	if err != nil {
		return t.executionFailure(NameUpdateEvent, err)
	}
	if !found {
		return failure("event %s not found", input.EventID)
	}

	after := current.Clone()
	timingChanged := false
	if input.StartDate != nil {
		start, _ := time.Parse(time.RFC3339, *input.StartDate)
		duration := after.Duration()
		after.Start = start
		after.End = start.Add(duration)
		timingChanged = true
	}
	if input.EndDate != nil {
		after.End, _ = time.Parse(time.RFC3339, *input.EndDate)
		timingChanged = true
	}
	detailsChanged := false
	detailsChanged = assign(&after.Title, input.Title) || detailsChanged
	detailsChanged = assign(&after.Description, input.Description) || detailsChanged
	detailsChanged = assign(&after.Location, input.Location) || detailsChanged
	detailsChanged = assign(&after.MeetingLink, input.MeetingLink) || detailsChanged
	if input.Color != nil {
		after.Color = calendar.ParseColor(*input.Color)
		detailsChanged = true
	}
	if !timingChanged && !detailsChanged {
		return failure("no changes requested for event %s", input.EventID)
	}

	action := calendar.NewUpdateAction(current, after, calendar.SourceAI, input.Explanation)
	if !detailsChanged {
		action = calendar.NewMoveAction(current, after, calendar.SourceAI, input.Explanation)
	}
	applied, err := t.engine.Execute(ctx, action)
	if err != nil {
		return t.executionFailure(NameUpdateEvent, err)
	}
	updated := *applied.After
	return Result{Success: true, Message: fmt.Sprintf("Updated %q", updated.Title), Event: &updated}
}

func assign(target *string, value *string) bool {
	if value == nil {
		return false
	}
	*target = strings.TrimSpace(*value)
	return true
}

func (t *Toolbox) deleteEvent(ctx context.Context, input deleteEventInput) Result {
	current, found, err := t.engine.Event(ctx, input.EventID)
	if err != nil {
		return t.executionFailure(NameDeleteEvent, err)
	}
	if !found {
		return failure("event %s not found", input.EventID)
	}
	applied, err := t.engine.Execute(ctx, calendar.NewDeleteAction(current, calendar.SourceAI, input.Explanation))
	if err != nil {
		return t.executionFailure(NameDeleteEvent, err)
	}
	deleted := *applied.Event
	return Result{Success: true, Message: fmt.Sprintf("Deleted %q", deleted.Title), Event: &deleted}
}

func (t *Toolbox) getEvents(ctx context.Context, input getEventsInput) Result {
	windowStart, _ := time.Parse(time.RFC3339, input.StartDate)
	windowEnd, _ := time.Parse(time.RFC3339, input.EndDate)
	if windowEnd.Before(windowStart) {
		return failure("endDate precedes startDate")
	}
	events, err := t.engine.Events(ctx)
	if err != nil {
		return t.executionFailure(NameGetEvents, err)
	}
	visible := recurrence.Expand(events, windowStart, windowEnd)
	return Result{Success: true, Message: fmt.Sprintf("Found %d events", len(visible)), Events: visible}
}

func (t *Toolbox) reorganize(ctx context.Context, input reorganizeInput) Result {
	type plannedMove struct {
		current calendar.Event
		after   calendar.Event
	}
	planned := make([]plannedMove, 0, len(input.Moves))
	for _, move := range input.Moves {
		current, found, err := t.engine.Event(ctx, move.EventID)
		if err != nil {
			return t.executionFailure(NameReorganizeEvents, err)
		}
		if !found {
			return failure("event %s not found", move.EventID)
		}
		after := current.Clone()
		after.Start, _ = time.Parse(time.RFC3339, move.StartDate)
		after.End = after.Start.Add(current.Duration())
		if move.EndDate != "" {
			after.End, _ = time.Parse(time.RFC3339, move.EndDate)
		}
		planned = append(planned, plannedMove{current: current, after: after})
	}

	moved := make([]calendar.Event, 0, len(planned))
	for _, move := range planned {
		applied, err := t.engine.Execute(ctx, calendar.NewMoveAction(move.current, move.after, calendar.SourceAI, input.Explanation))
		if err != nil {
			result := t.executionFailure(NameReorganizeEvents, err)
			result.Events = moved
			return result
		}
		moved = append(moved, *applied.After)
	}
	return Result{Success: true, Message: fmt.Sprintf("Moved %d events", len(moved)), Events: moved}
}

func (t *Toolbox) executionFailure(tool string, err error) Result {
	switch {
	case errors.Is(err, calendar.ErrEventNotFound):
		return failure("event not found")
	case errors.Is(err, calendar.ErrInstanceEvent):
		return failure("recurring instances cannot be edited directly; change the series instead")
	case errors.Is(err, calendar.ErrInvalidAction), errors.Is(err, calendar.ErrInvalidEventStart), errors.Is(err, calendar.ErrEventExists):
		return failure("%v", err)
	}
	t.logger.Error("tool execution failed",
		zap.String("operation", opInvoke),
		zap.String("reason", "execute_failed"),
		zap.String("tool", tool),
		zap.Error(err))
	return failure("%s failed: %v", tool, err)
}
