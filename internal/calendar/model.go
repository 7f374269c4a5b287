package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source records the provenance of the most recent write to an event or action.
type Source string

const (
	// SourceUser marks writes made directly by the person using the calendar.
	SourceUser Source = "user"
	// SourceAI marks writes produced by assistant tool calls.
	SourceAI Source = "ai"
	// SourceSystem marks writes produced by remote synchronization.
	SourceSystem Source = "system"
)

// Valid reports whether the source is one of the known provenance values.
func (source Source) Valid() bool {
	switch source {
	case SourceUser, SourceAI, SourceSystem:
		return true
	default:
		return false
	}
}

// Color enumerates the local event palette.
type Color string

const (
	ColorBlue   Color = "blue"
	ColorGreen  Color = "green"
	ColorPurple Color = "purple"
	ColorRed    Color = "red"
	ColorYellow Color = "yellow"
	ColorOrange Color = "orange"
	ColorGray   Color = "gray"
)

// DefaultColor is applied to events created without an explicit color.
const DefaultColor = ColorBlue

// ParseColor maps raw input onto the palette, falling back to DefaultColor.
func ParseColor(rawInput string) Color {
	switch color := Color(strings.ToLower(strings.TrimSpace(rawInput))); color {
	case ColorBlue, ColorGreen, ColorPurple, ColorRed, ColorYellow, ColorOrange, ColorGray:
		return color
	default:
		return DefaultColor
	}
}

// Frequency is the step unit of a recurrence rule.
type Frequency string

const (
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
	FrequencyYearly  Frequency = "YEARLY"
)

// Valid reports whether the frequency is supported.
func (frequency Frequency) Valid() bool {
	switch frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	default:
		return false
	}
}

// Weekday is a two-letter RFC 5545 day code.
type Weekday string

const (
	Monday    Weekday = "MO"
	Tuesday   Weekday = "TU"
	Wednesday Weekday = "WE"
	Thursday  Weekday = "TH"
	Friday    Weekday = "FR"
	Saturday  Weekday = "SA"
	Sunday    Weekday = "SU"
)

var weekdayCodes = map[time.Weekday]Weekday{
	time.Monday:    Monday,
	time.Tuesday:   Tuesday,
	time.Wednesday: Wednesday,
	time.Thursday:  Thursday,
	time.Friday:    Friday,
	time.Saturday:  Saturday,
	time.Sunday:    Sunday,
}

// WeekdayOf returns the day code for a time.Weekday.
func WeekdayOf(day time.Weekday) Weekday {
	return weekdayCodes[day]
}

// Valid reports whether the code names a day of the week.
func (day Weekday) Valid() bool {
	for _, code := range weekdayCodes {
		if code == day {
			return true
		}
	}
	return false
}

// Recurrence describes how a master event repeats. Count and EndDate are mutually exclusive.
type Recurrence struct {
	Frequency Frequency  `json:"frequency"`
	Interval  int        `json:"interval,omitempty"`
	Count     int        `json:"count,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
	ByDay     []Weekday  `json:"byDay,omitempty"`
}

// Normalized applies the interval default and resolves Count over EndDate.
func (rule Recurrence) Normalized() Recurrence {
	normalized := rule.Clone()
	if normalized.Interval < 1 {
		normalized.Interval = 1
	}
	if normalized.Count < 0 {
		normalized.Count = 0
	}
	if normalized.Count > 0 {
		normalized.EndDate = nil
	}
	if normalized.Frequency != FrequencyWeekly {
		normalized.ByDay = nil
	}
	return normalized
}

// Clone returns a deep copy of the rule.
func (rule Recurrence) Clone() Recurrence {
	cloned := rule
	if rule.EndDate != nil {
		endDate := *rule.EndDate
		cloned.EndDate = &endDate
	}
	if rule.ByDay != nil {
		cloned.ByDay = append([]Weekday(nil), rule.ByDay...)
	}
	return cloned
}

// Person is an organizer, creator or attendee. Email is the natural key.
type Person struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
	Optional       bool   `json:"optional,omitempty"`
}

// Meta carries provenance metadata.
type Meta struct {
	Source Source `json:"source"`
}

// Event is a single scheduled item or a recurring master.
type Event struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	Location         string      `json:"location,omitempty"`
	MeetingLink      string      `json:"meetingLink,omitempty"`
	Start            time.Time   `json:"startDate"`
	End              time.Time   `json:"endDate"`
	TimeZone         string      `json:"timeZone,omitempty"`
	Color            Color       `json:"color"`
	Meta             Meta        `json:"meta"`
	GoogleEventID    string      `json:"googleEventId,omitempty"`
	Recurrence       *Recurrence `json:"recurrence,omitempty"`
	Organizer        *Person     `json:"organizer,omitempty"`
	Creator          *Person     `json:"creator,omitempty"`
	Attendees        []Person    `json:"attendees,omitempty"`
	IsInstance       bool        `json:"isInstance,omitempty"`
	RecurringEventID string      `json:"recurringEventId,omitempty"`
}

// MinimumDuration is the length given to events whose end precedes their start.
const MinimumDuration = 30 * time.Minute

var (
	// ErrInvalidEventID indicates that an event identifier is empty.
	ErrInvalidEventID = errors.New("calendar: invalid event id")
	// ErrInvalidEventStart indicates that an event has no start instant.
	ErrInvalidEventStart = errors.New("calendar: invalid event start")
)

// NewEvent validates identity and start, then returns the normalized event.
func NewEvent(event Event) (Event, error) {
	if strings.TrimSpace(event.ID) == "" {
		return Event{}, fmt.Errorf("%w: empty", ErrInvalidEventID)
	}
	if event.Start.IsZero() {
		return Event{}, fmt.Errorf("%w: zero start for %s", ErrInvalidEventStart, event.ID)
	}
	return event.Normalized(), nil
}

// Normalized enforces end >= start, the color palette, a known source and a normalized recurrence.
func (event Event) Normalized() Event {
	normalized := event.Clone()
	normalized.ID = strings.TrimSpace(normalized.ID)
	normalized.Title = strings.TrimSpace(normalized.Title)
	normalized.TimeZone = strings.TrimSpace(normalized.TimeZone)
	if normalized.End.Before(normalized.Start) {
		normalized.End = normalized.Start.Add(MinimumDuration)
	}
	normalized.Color = ParseColor(string(normalized.Color))
	if !normalized.Meta.Source.Valid() {
		normalized.Meta.Source = SourceUser
	}
	if normalized.Recurrence != nil {
		rule := normalized.Recurrence.Normalized()
		normalized.Recurrence = &rule
	}
	return normalized
}

// Zone resolves the IANA time zone the event's wall clock is anchored to.
// Without a loadable TimeZone the start instant's own location is used.
func (event Event) Zone() *time.Location {
	if event.TimeZone != "" {
		if location, err := time.LoadLocation(event.TimeZone); err == nil {
			return location
		}
	}
	return event.Start.Location()
}

// Duration returns End - Start.
func (event Event) Duration() time.Duration {
	return event.End.Sub(event.Start)
}

// IsRecurring reports whether the event is a recurring master.
func (event Event) IsRecurring() bool {
	return event.Recurrence != nil && !event.IsInstance
}

// Clone returns a deep copy so stored values never alias caller-held slices or pointers.
func (event Event) Clone() Event {
	cloned := event
	if event.Recurrence != nil {
		rule := event.Recurrence.Clone()
		cloned.Recurrence = &rule
	}
	if event.Organizer != nil {
		organizer := *event.Organizer
		cloned.Organizer = &organizer
	}
	if event.Creator != nil {
		creator := *event.Creator
		cloned.Creator = &creator
	}
	if event.Attendees != nil {
		cloned.Attendees = append([]Person(nil), event.Attendees...)
	}
	return cloned
}
