package tools

import (
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

// Tool names exposed to the chat layer.
const (
	NameCreateEvent          = "createCalendarEvent"
	NameCreateRecurringEvent = "createRecurringEvent"
	NameUpdateEvent          = "updateCalendarEvent"
	NameDeleteEvent          = "deleteCalendarEvent"
	NameGetEvents            = "getCalendarEvents"
	NameReorganizeEvents     = "reorganizeEvents"
)

var colorEnum = []string{"blue", "green", "purple", "red", "yellow", "orange", "gray"}

func stringProperty(description string) jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.String, Description: description}
}

func eventProperties() map[string]jsonschema.Definition {
	return map[string]jsonschema.Definition{
		"title":       stringProperty("Event title"),
		"startDate":   stringProperty("Start instant, RFC 3339"),
		"endDate":     stringProperty("End instant, RFC 3339. Defaults to start plus 30 minutes"),
		"description": stringProperty("Free-form notes"),
		"location":    stringProperty("Where the event takes place"),
		"meetingLink": stringProperty("Video meeting URL"),
		"color":       {Type: jsonschema.String, Enum: colorEnum, Description: "Display color"},
		"explanation": stringProperty("Why the assistant made this change"),
	}
}

func recurrenceDefinition() jsonschema.Definition {
	return jsonschema.Definition{
		Type:        jsonschema.Object,
		Description: "Repetition rule. count and endDate are mutually exclusive",
		Properties: map[string]jsonschema.Definition{
			"frequency": {Type: jsonschema.String, Enum: []string{"DAILY", "WEEKLY", "MONTHLY", "YEARLY"}},
			"interval":  {Type: jsonschema.Integer, Description: "Step multiplier, default 1"},
			"count":     {Type: jsonschema.Integer, Description: "Total number of occurrences"},
			"endDate":   stringProperty("Last day of the series, RFC 3339"),
			"byDay": {
				Type:        jsonschema.Array,
				Description: "Weekdays for weekly rules",
				Items:       &jsonschema.Definition{Type: jsonschema.String, Enum: []string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}},
			},
		},
		Required: []string{"frequency"},
	}
}

func function(name, description string, parameters jsonschema.Definition) openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// Definitions returns the function-calling schema of every calendar tool.
func Definitions() []openai.Tool {
	recurringProperties := eventProperties()
	recurringProperties["recurrence"] = recurrenceDefinition()
	recurringProperties["timeZone"] = stringProperty("IANA time zone the series repeats in, such as Europe/Berlin")

	updateProperties := eventProperties()
	updateProperties["eventId"] = stringProperty("Identifier of the event to change")

	return []openai.Tool{
		function(NameCreateEvent, "Create a single calendar event", jsonschema.Definition{
			Type:       jsonschema.Object,
			Properties: eventProperties(),
			Required:   []string{"title", "startDate"},
		}),
		function(NameCreateRecurringEvent, "Create a repeating calendar event", jsonschema.Definition{
			Type:       jsonschema.Object,
			Properties: recurringProperties,
			Required:   []string{"title", "startDate", "recurrence"},
		}),
		function(NameUpdateEvent, "Change fields of an existing event. Omitted fields are kept", jsonschema.Definition{
			Type:       jsonschema.Object,
			Properties: updateProperties,
			Required:   []string{"eventId"},
		}),
		function(NameDeleteEvent, "Delete an existing event", jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"eventId":     stringProperty("Identifier of the event to delete"),
				"explanation": stringProperty("Why the assistant made this change"),
			},
			Required: []string{"eventId"},
		}),
		function(NameGetEvents, "List events, with recurring series expanded, inside a window", jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"startDate": stringProperty("Window start, RFC 3339"),
				"endDate":   stringProperty("Window end, RFC 3339"),
			},
			Required: []string{"startDate", "endDate"},
		}),
		function(NameReorganizeEvents, "Move several events at once", jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"moves": {
					Type: jsonschema.Array,
					Items: &jsonschema.Definition{
						Type: jsonschema.Object,
						Properties: map[string]jsonschema.Definition{
							"eventId":   stringProperty("Identifier of the event to move"),
							"startDate": stringProperty("New start, RFC 3339"),
							"endDate":   stringProperty("New end, RFC 3339. Defaults to keeping the duration"),
						},
						Required: []string{"eventId", "startDate"},
					},
				},
				"explanation": stringProperty("Why the assistant made this change"),
			},
			Required: []string{"moves"},
		}),
	}
}
