package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/engine"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/metrics"
	"go.uber.org/zap"
)

const (
	opInboundNew  = "reconcile.inbound.new"
	opInboundSync = "reconcile.inbound.sync"

	// DefaultLookback is the trailing window fetched from the provider.
	DefaultLookback = 7 * 7 * 24 * time.Hour
)

var (
	errMissingProvider   = errors.New("provider is required")
	errMissingReconciler = errors.New("reconciler is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// Result summarizes one inbound run.
type Result struct {
	Fetched    int  `json:"fetched"`
	Inserted   int  `json:"inserted"`
	Updated    int  `json:"updated"`
	Unchanged  int  `json:"unchanged"`
	Skipped    int  `json:"skipped"`
	HasChanges bool `json:"hasChanges"`
}

// InboundConfig wires the inbound reconciler.
type InboundConfig struct {
	Provider   Provider
	Store      Reconciler
	IDProvider calendar.IDProvider
	Clock      func() time.Time
	Lookback   time.Duration
	Logger     *zap.Logger
}

// Inbound merges provider state into the event store.
type Inbound struct {
	provider   Provider
	store      Reconciler
	idProvider calendar.IDProvider
	clock      func() time.Time
	lookback   time.Duration
	logger     *zap.Logger
}

// NewInbound validates the configuration.
func NewInbound(cfg InboundConfig) (*Inbound, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("%s: %w", opInboundNew, errMissingProvider)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opInboundNew, errMissingReconciler)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%s: %w", opInboundNew, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Inbound{
		provider:   cfg.Provider,
		store:      cfg.Store,
		idProvider: cfg.IDProvider,
		clock:      clock,
		lookback:   lookback,
		logger:     logger,
	}, nil
}

// SyncNow fetches the trailing window and merges it into the store.
func (i *Inbound) SyncNow(ctx context.Context) (Result, error) {
	timeMin := i.clock().Add(-i.lookback)
	listing, err := i.provider.ListEvents(ctx, timeMin)
	if err != nil {
		i.logger.Error("inbound sync failed",
			zap.String("operation", opInboundSync),
			zap.String("reason", "list_failed"),
			zap.Error(err))
		metrics.RecordInboundRun("error", 0, 0, 0)
		return Result{}, fmt.Errorf("%s: %w", opInboundSync, err)
	}

	var stats MergeStats
	applied, err := i.store.Reconcile(ctx, func(local []calendar.Event) engine.Changeset {
		var changeset engine.Changeset
		changeset, stats = Merge(local, listing.Events, i.idProvider)
		return changeset
	})
	if err != nil {
		metrics.RecordInboundRun("error", 0, 0, listing.Skipped)
		return Result{}, fmt.Errorf("%s: %w", opInboundSync, err)
	}

	result := Result{
		Fetched:    len(listing.Events) + listing.Skipped,
		Inserted:   len(applied.Inserted),
		Updated:    len(applied.Updated),
		Unchanged:  stats.Unchanged,
		Skipped:    listing.Skipped + stats.Skipped,
		HasChanges: applied.HasChanges(),
	}
	metrics.RecordInboundRun("ok", result.Inserted, result.Updated, result.Skipped)
	i.logger.Info("inbound sync completed",
		zap.Int("fetched", result.Fetched),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("skipped", result.Skipped),
		zap.Bool("has_changes", result.HasChanges))
	return result, nil
}

// MergeStats counts remote events that produced no change.
type MergeStats struct {
	Unchanged int
	Skipped   int
}

// Merge correlates remote events to local ones by remote identifier. Correlated
// events are overwritten only when a tracked field differs; uncorrelated ones are
// inserted under a fresh local identifier with system provenance. Local events
// missing from the fetch are kept.
func Merge(local []calendar.Event, remote []calendar.Event, ids calendar.IDProvider) (engine.Changeset, MergeStats) {
	var changeset engine.Changeset
	var stats MergeStats

	correlated := make(map[string]calendar.Event, len(local))
	for _, event := range local {
		if event.GoogleEventID != "" {
			correlated[event.GoogleEventID] = event
		}
	}

	seen := make(map[string]struct{}, len(remote))
	for _, incoming := range remote {
		if incoming.GoogleEventID == "" || incoming.IsInstance {
			stats.Skipped++
			continue
		}
		if _, duplicate := seen[incoming.GoogleEventID]; duplicate {
			stats.Skipped++
			continue
		}
		seen[incoming.GoogleEventID] = struct{}{}

		existing, found := correlated[incoming.GoogleEventID]
		if !found {
			localID, err := ids.NewID()
			if err != nil {
				stats.Skipped++
				continue
			}
			inserted := incoming.Clone()
			inserted.ID = localID
			inserted.Meta.Source = calendar.SourceSystem
			changeset.Inserted = append(changeset.Inserted, inserted.Normalized())
			continue
		}
		if !trackedFieldsDiffer(existing, incoming) {
			stats.Unchanged++
			continue
		}
		changeset.Updated = append(changeset.Updated, overwrite(existing, incoming))
	}
	return changeset, stats
}

func trackedFieldsDiffer(existing, incoming calendar.Event) bool {
	incoming = incoming.Normalized()
	return existing.Title != incoming.Title ||
		existing.Description != incoming.Description ||
		existing.MeetingLink != incoming.MeetingLink ||
		existing.Location != incoming.Location ||
		!existing.Start.Equal(incoming.Start) ||
		!existing.End.Equal(incoming.End) ||
		existing.Color != incoming.Color
}

func overwrite(existing, incoming calendar.Event) calendar.Event {
	updated := incoming.Clone()
	updated.ID = existing.ID
	updated.GoogleEventID = existing.GoogleEventID
	updated.Meta.Source = calendar.SourceSystem
	if updated.Recurrence == nil && existing.Recurrence != nil {
		rule := existing.Recurrence.Clone()
		updated.Recurrence = &rule
	}
	return updated.Normalized()
}
