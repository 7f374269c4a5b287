package recurrence

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/stretchr/testify/require"
)

func TestFormatRRule(t *testing.T) {
	until := time.Date(2024, time.March, 1, 17, 30, 0, 0, time.FixedZone("EST", -5*3600))
	tests := []struct {
		name     string
		rule     calendar.Recurrence
		expected string
	}{
		{
			name:     "interval one omitted",
			rule:     calendar.Recurrence{Frequency: calendar.FrequencyDaily, Interval: 1},
			expected: "RRULE:FREQ=DAILY",
		},
		{
			name:     "weekly with count and days",
			rule:     calendar.Recurrence{Frequency: calendar.FrequencyWeekly, Interval: 2, Count: 5, ByDay: []calendar.Weekday{calendar.Monday, calendar.Wednesday}},
			expected: "RRULE:FREQ=WEEKLY;INTERVAL=2;COUNT=5;BYDAY=MO,WE",
		},
		{
			name:     "until rendered in utc",
			rule:     calendar.Recurrence{Frequency: calendar.FrequencyMonthly, EndDate: &until},
			expected: "RRULE:FREQ=MONTHLY;UNTIL=20240301T223000Z",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, FormatRRule(tt.rule))
		})
	}
}

func TestParseRRuleAcceptsBothUntilForms(t *testing.T) {
	dateOnly := ParseRRule([]string{"RRULE:FREQ=DAILY;UNTIL=20240131"})
	require.NotNil(t, dateOnly)
	require.Equal(t, time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC), *dateOnly.EndDate)

	dateTime := ParseRRule([]string{"RRULE:FREQ=DAILY;UNTIL=20240131T120000Z"})
	require.NotNil(t, dateTime)
	require.Equal(t, time.Date(2024, time.January, 31, 12, 0, 0, 0, time.UTC), *dateTime.EndDate)
}

func TestParseRRuleRoundTrip(t *testing.T) {
	rule := calendar.Recurrence{Frequency: calendar.FrequencyWeekly, Interval: 3, Count: 7, ByDay: []calendar.Weekday{calendar.Tuesday, calendar.Friday}}

	parsed := ParseRRule([]string{"EXDATE:20240102T090000Z", FormatRRule(rule)})

	require.NotNil(t, parsed)
	require.Equal(t, rule.Normalized(), *parsed)
}

func TestParseRRuleRejectsMalformedInput(t *testing.T) {
	require.Nil(t, ParseRRule(nil))
	require.Nil(t, ParseRRule([]string{"RRULE:INTERVAL=2"}))
	require.Nil(t, ParseRRule([]string{"RRULE:FREQ=DAILY;UNTIL=yesterday"}))
	require.Nil(t, ParseRRule([]string{"RRULE:FREQ=HOURLY"}))
}
