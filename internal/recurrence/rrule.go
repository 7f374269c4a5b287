package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/teambition/rrule-go"
)

const (
	rrulePrefix  = "RRULE:"
	untilLayout  = "20060102T150405Z"
	freqKeyToken = "FREQ="
)

var frequencies = map[calendar.Frequency]rrule.Frequency{
	calendar.FrequencyDaily:   rrule.DAILY,
	calendar.FrequencyWeekly:  rrule.WEEKLY,
	calendar.FrequencyMonthly: rrule.MONTHLY,
	calendar.FrequencyYearly:  rrule.YEARLY,
}

// rrule-go numbers weekdays from Monday.
var weekdays = []struct {
	code calendar.Weekday
	day  rrule.Weekday
}{
	{calendar.Monday, rrule.MO},
	{calendar.Tuesday, rrule.TU},
	{calendar.Wednesday, rrule.WE},
	{calendar.Thursday, rrule.TH},
	{calendar.Friday, rrule.FR},
	{calendar.Saturday, rrule.SA},
	{calendar.Sunday, rrule.SU},
}

// RuleValue renders the rule as an RRULE value without the "RRULE:" prefix.
// INTERVAL is omitted when 1 and UNTIL only when an end date is set.
func RuleValue(rule calendar.Recurrence) string {
	rule = rule.Normalized()
	parts := []string{fmt.Sprintf("FREQ=%s", rule.Frequency)}
	if rule.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", rule.Interval))
	}
	if rule.EndDate != nil {
		parts = append(parts, fmt.Sprintf("UNTIL=%s", rule.EndDate.UTC().Format(untilLayout)))
	}
	if rule.Count > 0 {
		parts = append(parts, fmt.Sprintf("COUNT=%d", rule.Count))
	}
	if len(rule.ByDay) > 0 {
		codes := make([]string, len(rule.ByDay))
		for index, day := range rule.ByDay {
			codes[index] = string(day)
		}
		parts = append(parts, fmt.Sprintf("BYDAY=%s", strings.Join(codes, ",")))
	}
	return strings.Join(parts, ";")
}

// FormatRRule renders the rule as a single "RRULE:" line.
func FormatRRule(rule calendar.Recurrence) string {
	return rrulePrefix + RuleValue(rule)
}

// ParseRRule maps the first RRULE line of a provider recurrence array onto a rule.
// Unsupported frequencies and malformed values yield nil.
func ParseRRule(lines []string) *calendar.Recurrence {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(trimmed), rrulePrefix) {
			continue
		}
		return parseValue(trimmed[len(rrulePrefix):])
	}
	return nil
}

func parseValue(value string) *calendar.Recurrence {
	value = strings.ToUpper(strings.TrimSpace(value))
	if !strings.Contains(value, freqKeyToken) {
		return nil
	}
	option, err := rrule.StrToROptionInLocation(value, time.UTC)
	if err != nil {
		return nil
	}

	rule := calendar.Recurrence{Interval: option.Interval, Count: option.Count}
	for frequency, mapped := range frequencies {
		if mapped == option.Freq {
			rule.Frequency = frequency
		}
	}
	if rule.Frequency == "" {
		return nil
	}
	if !option.Until.IsZero() {
		until := option.Until.UTC()
		rule.EndDate = &until
	}
	for _, day := range option.Byweekday {
		if code, ok := weekdayCode(day); ok {
			rule.ByDay = append(rule.ByDay, code)
		}
	}
	normalized := rule.Normalized()
	return &normalized
}

func weekdayCode(day rrule.Weekday) (calendar.Weekday, bool) {
	for _, entry := range weekdays {
		if entry.day.Day() == day.Day() {
			return entry.code, true
		}
	}
	return "", false
}

func weekdayOption(code calendar.Weekday) (rrule.Weekday, bool) {
	for _, entry := range weekdays {
		if entry.code == code {
			return entry.day, true
		}
	}
	return rrule.Weekday{}, false
}
