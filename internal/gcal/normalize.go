package gcal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/recurrence"
	gcalapi "google.golang.org/api/calendar/v3"
)

const (
	allDayLayout      = "2006-01-02"
	statusCancelled   = "cancelled"
	entryPointVideo   = "video"
	defaultTimeZone   = "UTC"
	localLocationName = "Local"

	// meetingSourceTitle tags event sources written for meeting links.
	meetingSourceTitle = "Meeting link"
)

var (
	// ErrMissingRemoteID indicates a remote item without an identifier.
	ErrMissingRemoteID = errors.New("gcal: remote event id missing")
	// ErrMissingTimes indicates a remote item without a usable start or end.
	ErrMissingTimes = errors.New("gcal: remote event start or end missing")
)

// Normalize converts a provider payload into the strict local event shape.
// The result has no local identifier and system provenance.
func Normalize(item *gcalapi.Event) (calendar.Event, error) {
	if item == nil || strings.TrimSpace(item.Id) == "" {
		return calendar.Event{}, ErrMissingRemoteID
	}
	start, err := parseEventTime(item.Start)
	if err != nil {
		return calendar.Event{}, fmt.Errorf("%w: start of %s: %v", ErrMissingTimes, item.Id, err)
	}
	end, err := parseEventTime(item.End)
	if err != nil {
		return calendar.Event{}, fmt.Errorf("%w: end of %s: %v", ErrMissingTimes, item.Id, err)
	}

	event := calendar.Event{
		TimeZone:      eventTimeZone(item.Start),
		Title:         item.Summary,
		Description:   item.Description,
		Location:      item.Location,
		MeetingLink:   meetingLink(item),
		Start:         start,
		End:           end,
		Color:         ColorFromID(item.ColorId),
		Meta:          calendar.Meta{Source: calendar.SourceSystem},
		GoogleEventID: item.Id,
		Recurrence:    recurrence.ParseRRule(item.Recurrence),
	}
	if item.Organizer != nil && item.Organizer.Email != "" {
		event.Organizer = &calendar.Person{Email: item.Organizer.Email, DisplayName: item.Organizer.DisplayName}
	}
	if item.Creator != nil && item.Creator.Email != "" {
		event.Creator = &calendar.Person{Email: item.Creator.Email, DisplayName: item.Creator.DisplayName}
	}
	for _, attendee := range item.Attendees {
		if attendee == nil || attendee.Email == "" {
			continue
		}
		event.Attendees = append(event.Attendees, calendar.Person{
			Email:          attendee.Email,
			DisplayName:    attendee.DisplayName,
			ResponseStatus: attendee.ResponseStatus,
			Optional:       attendee.Optional,
		})
	}
	return event.Normalized(), nil
}

func parseEventTime(value *gcalapi.EventDateTime) (time.Time, error) {
	if value == nil {
		return time.Time{}, errors.New("absent")
	}
	location := time.UTC
	if value.TimeZone != "" {
		if loaded, err := time.LoadLocation(value.TimeZone); err == nil {
			location = loaded
		}
	}
	if value.DateTime != "" {
		instant, err := time.Parse(time.RFC3339, value.DateTime)
		if err != nil {
			return time.Time{}, err
		}
		if value.TimeZone != "" {
			instant = instant.In(location)
		}
		return instant, nil
	}
	if value.Date != "" {
		return time.ParseInLocation(allDayLayout, value.Date, location)
	}
	return time.Time{}, errors.New("neither dateTime nor date set")
}

// eventTimeZone keeps the start's IANA zone when the provider reports a loadable one.
func eventTimeZone(value *gcalapi.EventDateTime) string {
	if value == nil || value.TimeZone == "" {
		return ""
	}
	if _, err := time.LoadLocation(value.TimeZone); err != nil {
		return ""
	}
	return value.TimeZone
}

func meetingLink(item *gcalapi.Event) string {
	if item.HangoutLink != "" {
		return item.HangoutLink
	}
	if item.ConferenceData != nil {
		for _, entryPoint := range item.ConferenceData.EntryPoints {
			if entryPoint != nil && entryPoint.EntryPointType == entryPointVideo && entryPoint.Uri != "" {
				return entryPoint.Uri
			}
		}
	}
	if item.Source != nil && item.Source.Title == meetingSourceTitle {
		return item.Source.Url
	}
	return ""
}

// EventBody renders a local event as a provider payload for insert and patch.
// Recurring events carry an explicit time zone, which the provider requires.
// A meeting link travels as the event source, the only link field the provider lets clients write.
func EventBody(event calendar.Event) *gcalapi.Event {
	timeZone := event.TimeZone
	if timeZone == "" && event.IsRecurring() {
		timeZone = timeZoneName(event.Start)
	}
	body := &gcalapi.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		Start:       eventDateTime(event.Start, timeZone),
		End:         eventDateTime(event.End, timeZone),
		ColorId:     ColorID(event.Color),
		// Patches must be able to clear text fields.
		ForceSendFields: []string{"Summary", "Description", "Location"},
	}
	if event.MeetingLink != "" {
		body.Source = &gcalapi.EventSource{Title: meetingSourceTitle, Url: event.MeetingLink}
	} else {
		body.NullFields = append(body.NullFields, "Source")
	}
	if event.IsRecurring() {
		body.Recurrence = []string{recurrence.FormatRRule(*event.Recurrence)}
	}
	for _, person := range event.Attendees {
		body.Attendees = append(body.Attendees, &gcalapi.EventAttendee{
			Email:       person.Email,
			DisplayName: person.DisplayName,
			Optional:    person.Optional,
		})
	}
	return body
}

func eventDateTime(instant time.Time, timeZone string) *gcalapi.EventDateTime {
	if timeZone == defaultTimeZone {
		instant = instant.UTC()
	}
	return &gcalapi.EventDateTime{DateTime: instant.Format(time.RFC3339), TimeZone: timeZone}
}

func timeZoneName(instant time.Time) string {
	name := instant.Location().String()
	if name == "" || name == localLocationName {
		return defaultTimeZone
	}
	return name
}
