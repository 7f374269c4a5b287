package gcal

import "github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"

// Google exposes eleven event colors; several collapse onto one local color.
var remoteToLocal = map[string]calendar.Color{
	"1":  calendar.ColorPurple,
	"2":  calendar.ColorGreen,
	"3":  calendar.ColorPurple,
	"4":  calendar.ColorRed,
	"5":  calendar.ColorYellow,
	"6":  calendar.ColorOrange,
	"7":  calendar.ColorBlue,
	"8":  calendar.ColorGray,
	"9":  calendar.ColorBlue,
	"10": calendar.ColorGreen,
	"11": calendar.ColorRed,
}

var localToRemote = map[calendar.Color]string{
	calendar.ColorBlue:   "9",
	calendar.ColorGreen:  "10",
	calendar.ColorPurple: "3",
	calendar.ColorRed:    "11",
	calendar.ColorYellow: "5",
	calendar.ColorOrange: "6",
	calendar.ColorGray:   "8",
}

// ColorFromID maps a remote colorId onto the local palette. Unknown or empty ids yield the default color.
func ColorFromID(colorID string) calendar.Color {
	if color, ok := remoteToLocal[colorID]; ok {
		return color
	}
	return calendar.DefaultColor
}

// ColorID maps a local color onto its canonical remote colorId.
func ColorID(color calendar.Color) string {
	return localToRemote[calendar.ParseColor(string(color))]
}
