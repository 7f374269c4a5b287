// Package gcal adapts the Google Calendar API to the reconciler's provider contract.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/reconcile"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/recurrence"
	"go.uber.org/zap"
	gcalapi "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	opProviderNew = "gcal.provider.new"
	opListEvents  = "gcal.list_events"

	// DefaultCalendarID addresses the authenticated user's primary calendar.
	DefaultCalendarID = "primary"
	listPageSize      = 250
)

var noOpLogger = zap.NewNop()

// Config wires the provider.
type Config struct {
	CalendarID      string
	CredentialsFile string
	ClientOptions   []option.ClientOption
	Logger          *zap.Logger
}

// Provider talks to one Google calendar.
type Provider struct {
	service    *gcalapi.Service
	calendarID string
	logger     *zap.Logger
}

// New builds the API client. Credentials come from CredentialsFile or from ClientOptions.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	options := append([]option.ClientOption(nil), cfg.ClientOptions...)
	if cfg.CredentialsFile != "" {
		options = append(options,
			option.WithCredentialsFile(cfg.CredentialsFile),
			option.WithScopes(gcalapi.CalendarScope))
	}
	service, err := gcalapi.NewService(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opProviderNew, err)
	}
	calendarID := strings.TrimSpace(cfg.CalendarID)
	if calendarID == "" {
		calendarID = DefaultCalendarID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Provider{service: service, calendarID: calendarID, logger: logger}, nil
}

// ListEvents fetches single events and unexpanded recurring masters ending after timeMin.
// Cancelled items and modified instances of recurring series are left out;
// items missing required fields are skipped and counted.
func (p *Provider) ListEvents(ctx context.Context, timeMin time.Time) (reconcile.Listing, error) {
	listing := reconcile.Listing{}
	call := p.service.Events.List(p.calendarID).
		TimeMin(timeMin.UTC().Format(time.RFC3339)).
		SingleEvents(false).
		ShowDeleted(false).
		MaxResults(listPageSize)
	err := call.Pages(ctx, func(page *gcalapi.Events) error {
		for _, item := range page.Items {
			if item == nil || item.Status == statusCancelled || item.RecurringEventId != "" {
				continue
			}
			event, err := Normalize(item)
			if err != nil {
				listing.Skipped++
				p.logger.Warn("skipping malformed remote event",
					zap.String("operation", opListEvents),
					zap.String("remote_id", itemID(item)),
					zap.Error(err))
				continue
			}
			listing.Events = append(listing.Events, event)
		}
		return nil
	})
	if err != nil {
		return reconcile.Listing{}, classify(err)
	}
	return listing, nil
}

// InsertEvent creates the remote event and returns its identifier and canonical recurrence.
func (p *Provider) InsertEvent(ctx context.Context, event calendar.Event) (reconcile.RemoteRef, error) {
	created, err := p.service.Events.Insert(p.calendarID, EventBody(event)).Context(ctx).Do()
	if err != nil {
		return reconcile.RemoteRef{}, classify(err)
	}
	return reconcile.RemoteRef{ID: created.Id, Recurrence: recurrence.ParseRRule(created.Recurrence)}, nil
}

// PatchEvent updates the remote event in place.
func (p *Provider) PatchEvent(ctx context.Context, remoteID string, event calendar.Event) error {
	if _, err := p.service.Events.Patch(p.calendarID, remoteID, EventBody(event)).Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return nil
}

// DeleteEvent removes the remote event. An already missing event counts as deleted.
func (p *Provider) DeleteEvent(ctx context.Context, remoteID string) error {
	err := p.service.Events.Delete(p.calendarID, remoteID).Context(ctx).Do()
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
		return nil
	}
	return classify(err)
}

// classify marks client errors as permanent so the outbound worker stops retrying them.
func classify(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %w", reconcile.ErrPermanent, err)
	default:
		return err
	}
}

func itemID(item *gcalapi.Event) string {
	if item == nil {
		return ""
	}
	return item.Id
}
