package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/recurrence"
	ical "github.com/arran4/golang-ical"
)

const icsProductID = "-//MarcoPoloResearchLab//calendar-assistant//EN"

// renderICS serializes events as a read-only VCALENDAR. Masters carry their RRULE;
// expanded instances are exported as standalone VEVENTs.
func renderICS(events []calendar.Event, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(icsProductID)

	for _, event := range events {
		vevent := cal.AddEvent(event.ID)
		vevent.SetDtStampTime(stamp.UTC())
		vevent.SetStartAt(event.Start.UTC())
		vevent.SetEndAt(event.End.UTC())
		vevent.SetSummary(event.Title)
		if event.Description != "" {
			vevent.SetDescription(event.Description)
		}
		if event.Location != "" {
			vevent.SetLocation(event.Location)
		}
		if event.MeetingLink != "" {
			vevent.SetURL(event.MeetingLink)
		}
		if event.Organizer != nil && event.Organizer.Email != "" {
			vevent.SetOrganizer("mailto:" + event.Organizer.Email)
		}
		for _, attendee := range event.Attendees {
			if attendee.Email != "" {
				vevent.AddAttendee("mailto:" + attendee.Email)
			}
		}
		if event.IsRecurring() {
			vevent.AddRrule(recurrence.RuleValue(*event.Recurrence))
		}
	}
	return cal.Serialize()
}
