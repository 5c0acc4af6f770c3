// Package statedoc provides the only sanctioned way to change an actor's
// state document: read it fresh, compute a patch of named keys, write back
// just those keys.
package statedoc

import (
	"context"
	"errors"
	"fmt"

	"sales-assistant/internal/domain"
)

// Store is the subset of the actor store the merger needs.
type Store interface {
	GetActor(ctx context.Context, id string) (domain.Actor, error)
	UpdateState(ctx context.Context, id string, patch *domain.Patch) error
}

// Mutator receives a private copy of the freshly read document and returns the
// keys to set or delete. Returning nil or an empty patch writes nothing.
type Mutator func(doc domain.StateDocument) *domain.Patch

// RetryableError reports that the store could not be read or written. The
// document is unchanged; callers decide whether to retry or drop.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("statedoc: %s: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err came from a store failure during a merge.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Merger applies read-modify-write merges against a Store.
type Merger struct {
	store Store
}

func NewMerger(store Store) (*Merger, error) {
	if store == nil {
		return nil, errors.New("statedoc: store must not be nil")
	}
	return &Merger{store: store}, nil
}

// MergeActorState reads the actor's document, hands a copy to mutate and
// writes back only the keys the patch names. Keys the patch does not name are
// never written, so concurrent merges on disjoint keys both survive.
func (m *Merger) MergeActorState(ctx context.Context, actorID string, mutate Mutator) error {
	actor, err := m.store.GetActor(ctx, actorID)
	if err != nil {
		return &RetryableError{Op: "read " + actorID, Err: err}
	}
	patch := mutate(actor.State.Clone())
	if err := patch.Err(); err != nil {
		return fmt.Errorf("statedoc: build patch for %s: %w", actorID, err)
	}
	if patch.Empty() {
		return nil
	}
	if err := m.store.UpdateState(ctx, actorID, patch); err != nil {
		return &RetryableError{Op: "write " + actorID, Err: err}
	}
	return nil
}

// Set is a convenience mutator that sets one key unconditionally.
func Set(key string, v any) Mutator {
	return func(domain.StateDocument) *domain.Patch {
		return domain.NewPatch().Set(key, v)
	}
}

// Delete is a convenience mutator that deletes keys that are present.
func Delete(keys ...string) Mutator {
	return func(doc domain.StateDocument) *domain.Patch {
		p := domain.NewPatch()
		for _, k := range keys {
			if doc.Has(k) {
				p.Delete(k)
			}
		}
		return p
	}
}
