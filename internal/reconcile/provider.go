// Package reconcile keeps the local event store and the remote calendar in step:
// inbound merges provider state into the store, outbound pushes local effects
// to the provider with retry and backoff.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/engine"
)

// ErrPermanent marks provider failures that retrying cannot fix.
var ErrPermanent = errors.New("reconcile: permanent provider failure")

// RemoteRef is the provider's answer to an insert.
type RemoteRef struct {
	ID         string
	Recurrence *calendar.Recurrence
}

// Listing is one normalized fetch. Events carry GoogleEventID and no local ID;
// Skipped counts remote items the normalizer refused.
type Listing struct {
	Events  []calendar.Event
	Skipped int
}

// Provider is the remote calendar collaborator.
type Provider interface {
	ListEvents(ctx context.Context, timeMin time.Time) (Listing, error)
	InsertEvent(ctx context.Context, event calendar.Event) (RemoteRef, error)
	PatchEvent(ctx context.Context, remoteID string, event calendar.Event) error
	DeleteEvent(ctx context.Context, remoteID string) error
}

// Reconciler applies inbound merges on the store owner.
type Reconciler interface {
	Reconcile(ctx context.Context, merge engine.MergeFunc) (engine.Changeset, error)
}

// Confirmer records remote identifiers learned from successful inserts.
type Confirmer interface {
	ConfirmRemote(ctx context.Context, localID, remoteID string, rule *calendar.Recurrence) (bool, error)
}
