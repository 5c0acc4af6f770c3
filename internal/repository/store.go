package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"sales-assistant/internal/domain"
	"sales-assistant/internal/integrations/whatsapp"
)

var (
	// ErrNotFound is returned when an actor does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is returned when an actor ID or address is already taken.
	ErrConflict = errors.New("repository: already exists")
)

// ActorStore persists actors and their state documents.
type ActorStore interface {
	GetActor(ctx context.Context, id string) (domain.Actor, error)
	FindActorByAddress(ctx context.Context, address string) (domain.Actor, error)
	ListActorsByRole(ctx context.Context, role domain.Role) ([]domain.Actor, error)
	CreateActor(ctx context.Context, actor domain.Actor) (domain.Actor, error)
	// UpdateState applies only the keys named by the patch. Keys the patch
	// does not mention are left exactly as stored.
	UpdateState(ctx context.Context, id string, patch *domain.Patch) error
	Ping(ctx context.Context) error
}

// MarkerStore holds one-time task markers.
type MarkerStore interface {
	GetMarker(ctx context.Context, key string) (time.Time, bool, error)
	// PutMarkerIfAbsent writes the marker only when none exists and reports
	// whether this call created it.
	PutMarkerIfAbsent(ctx context.Context, key string, at time.Time) (bool, error)
}

// Counter is a rate or cooldown counter.
type Counter struct {
	Count     int
	ExpiresAt time.Time
}

// CounterStore holds rate/cooldown counters.
type CounterStore interface {
	GetCounter(ctx context.Context, key string) (Counter, bool, error)
	PutCounter(ctx context.Context, key string, c Counter) error
}

var newUUID = func() string { return uuid.NewString() }

// prepareActor stores addresses in the normalized channel form so lookups by
// a normalized inbound address find the actor.
func prepareActor(actor domain.Actor) (domain.Actor, error) {
	actor.Address = whatsapp.NormalizeAddress(actor.Address)
	if actor.Address == "" {
		return domain.Actor{}, errors.New("repository: CreateActor: address is required")
	}
	if !actor.Role.Valid() {
		return domain.Actor{}, errors.New("repository: CreateActor: invalid role")
	}
	if actor.ID == "" {
		actor.ID = newUUID()
	}
	if actor.State == nil {
		actor.State = domain.StateDocument{}
	}
	return actor, nil
}
