package database

// EventRecord stores one event of the calendar store as a JSON payload.
type EventRecord struct {
	EventID          string `gorm:"column:event_id;primaryKey;size:190;not null"`
	GoogleEventID    string `gorm:"column:google_event_id;size:190;index:idx_calendar_events_google_event_id"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EventRecord) TableName() string {
	return "calendar_events"
}
