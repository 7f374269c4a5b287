// Package recurrence materializes recurring masters into transient instances
// for a visible window and maps rules to and from RRULE strings.
package recurrence

import (
	"errors"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
)

// MaxInstancesPerMaster caps the instances produced for one master in one window.
const MaxInstancesPerMaster = 5000

var errUnsupportedFrequency = errors.New("recurrence: unsupported frequency")

var instanceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:calendar-assistant:recurrence-instance"))

// InstanceID derives the stable identifier of the index-th occurrence of a master.
func InstanceID(masterID string, index int) string {
	return uuid.NewSHA1(instanceNamespace, []byte(masterID+"/"+strconv.Itoa(index))).String()
}

// Expand returns the events visible in [windowStart, windowEnd]: single events
// overlapping the window unchanged, and one instance per overlapping occurrence
// of every recurring master. Masters themselves are never returned.
func Expand(events []calendar.Event, windowStart, windowEnd time.Time) []calendar.Event {
	expanded := make([]calendar.Event, 0, len(events))
	if windowEnd.Before(windowStart) {
		return expanded
	}
	for _, event := range events {
		if event.IsInstance {
			continue
		}
		if !event.IsRecurring() {
			if overlaps(event.Start, event.End, windowStart, windowEnd) {
				expanded = append(expanded, event.Clone())
			}
			continue
		}
		expanded = append(expanded, expandMaster(event, windowStart, windowEnd)...)
	}
	calendar.SortEvents(expanded)
	return expanded
}

func expandMaster(master calendar.Event, windowStart, windowEnd time.Time) []calendar.Event {
	instances := make([]calendar.Event, 0)
	rule, err := newRule(master)
	if err != nil {
		return instances
	}
	duration := master.Duration()
	next := rule.Iterator()
	for index := 0; ; index++ {
		occurrence, ok := next()
		if !ok || occurrence.After(windowEnd) {
			break
		}
		end := occurrence.Add(duration)
		if !overlaps(occurrence, end, windowStart, windowEnd) {
			continue
		}
		instances = append(instances, instanceOf(master, index, occurrence, end))
		if len(instances) >= MaxInstancesPerMaster {
			break
		}
	}
	return instances
}

func newRule(master calendar.Event) (*rrule.RRule, error) {
	rule := master.Recurrence.Normalized()
	if !rule.Frequency.Valid() {
		return nil, errUnsupportedFrequency
	}
	// Occurrences keep the master's wall clock in its own zone across DST shifts.
	location := master.Zone()
	option := rrule.ROption{
		Freq:     frequencies[rule.Frequency],
		Interval: rule.Interval,
		Dtstart:  master.Start.In(location),
		Count:    rule.Count,
	}
	if rule.Count == 0 && rule.EndDate != nil {
		option.Until = inclusiveUntil(*rule.EndDate, location)
	}
	for _, code := range rule.ByDay {
		if day, ok := weekdayOption(code); ok {
			option.Byweekday = append(option.Byweekday, day)
		}
	}
	return rrule.NewRRule(option)
}

// inclusiveUntil treats a date-only end date as covering the whole day.
func inclusiveUntil(endDate time.Time, location *time.Location) time.Time {
	utc := endDate.UTC()
	if utc.Hour() == 0 && utc.Minute() == 0 && utc.Second() == 0 && utc.Nanosecond() == 0 {
		return utc.Add(24*time.Hour - time.Second).In(location)
	}
	return endDate.In(location)
}

func instanceOf(master calendar.Event, index int, start, end time.Time) calendar.Event {
	instance := master.Clone()
	instance.ID = InstanceID(master.ID, index)
	instance.Start = start
	instance.End = end
	instance.IsInstance = true
	instance.RecurringEventID = master.ID
	return instance
}

// overlaps reports whether [start, end) touches [windowStart, windowEnd].
// Zero-length events overlap when their instant lies inside the window.
func overlaps(start, end, windowStart, windowEnd time.Time) bool {
	if start.After(windowEnd) {
		return false
	}
	if end.Equal(start) {
		return !start.Before(windowStart)
	}
	return end.After(windowStart)
}
