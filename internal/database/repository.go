package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/engine"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opRepositoryNew = "events.repository.new"
	opLoadEvents    = "events.load"
	opSaveEvents    = "events.save"
	opDeleteEvents  = "events.delete"
	opApplyNotice   = "events.apply_notice"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// RepositoryConfig wires the event repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// EventRepository persists the event store snapshot.
type EventRepository struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewEventRepository validates the configuration and builds a repository.
func NewEventRepository(cfg RepositoryConfig) (*EventRepository, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRepositoryNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &EventRepository{db: cfg.Database, clock: clock, logger: logger}, nil
}

// LoadEvents returns every persisted event. Rows with undecodable payloads are skipped and logged.
func (r *EventRepository) LoadEvents(ctx context.Context) ([]calendar.Event, error) {
	var records []EventRecord
	if err := r.db.WithContext(ctx).Order("event_id").Find(&records).Error; err != nil {
		r.logError(opLoadEvents, "query_failed", err)
		return nil, newServiceError(opLoadEvents, "query_failed", err)
	}

	events := make([]calendar.Event, 0, len(records))
	for _, record := range records {
		var event calendar.Event
		if err := json.Unmarshal([]byte(record.PayloadJSON), &event); err != nil {
			r.logError(opLoadEvents, "payload_decode_failed", err, zap.String("event_id", record.EventID))
			continue
		}
		event.ID = record.EventID
		events = append(events, event)
	}
	calendar.SortEvents(events)
	return events, nil
}

// SaveEvents upserts events by identifier.
func (r *EventRepository) SaveEvents(ctx context.Context, events []calendar.Event) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.save(tx, events)
	})
}

// DeleteEvents removes events by identifier. Unknown identifiers are ignored.
func (r *EventRepository) DeleteEvents(ctx context.Context, ids []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.delete(tx, ids)
	})
}

// Consume applies change notices until the channel closes. A failed notice is
// logged and skipped; the next notice for the same event supersedes it.
func (r *EventRepository) Consume(ctx context.Context, notices <-chan engine.ChangeNotice) error {
	writeContext := context.WithoutCancel(ctx)
	for notice := range notices {
		err := r.db.WithContext(writeContext).Transaction(func(tx *gorm.DB) error {
			// Deletes go first so a confirmed event can take over the remote
			// identifier of the inbound copy removed in the same notice.
			if err := r.delete(tx, notice.Deleted); err != nil {
				return err
			}
			return r.save(tx, notice.Upserted)
		})
		if err != nil {
			r.logError(opApplyNotice, "transaction_failed", err,
				zap.String("change_reason", notice.Reason),
				zap.Int("upserted", len(notice.Upserted)),
				zap.Int("deleted", len(notice.Deleted)))
		}
	}
	return nil
}

func (r *EventRepository) save(tx *gorm.DB, events []calendar.Event) error {
	if len(events) == 0 {
		return nil
	}
	updatedAt := r.clock().UTC().Unix()
	records := make([]EventRecord, 0, len(events))
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			r.logError(opSaveEvents, "payload_encode_failed", err, zap.String("event_id", event.ID))
			return newServiceError(opSaveEvents, "payload_encode_failed", err)
		}
		records = append(records, EventRecord{
			EventID:          event.ID,
			GoogleEventID:    event.GoogleEventID,
			PayloadJSON:      string(payload),
			UpdatedAtSeconds: updatedAt,
		})
	}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&records).Error; err != nil {
		r.logError(opSaveEvents, "upsert_failed", err, zap.Int("events", len(records)))
		return newServiceError(opSaveEvents, "upsert_failed", err)
	}
	return nil
}

func (r *EventRepository) delete(tx *gorm.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Where("event_id IN ?", ids).Delete(&EventRecord{}).Error; err != nil {
		r.logError(opDeleteEvents, "delete_failed", err, zap.Int("events", len(ids)))
		return newServiceError(opDeleteEvents, "delete_failed", err)
	}
	return nil
}

func (r *EventRepository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("event repository error", attrs...)
}
