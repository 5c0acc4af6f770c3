package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"sales-assistant/internal/domain"
)

// MemoryStore is an in-process ActorStore, MarkerStore and CounterStore for
// tests only; cmd/ never wires it. The Err fields force the matching
// operation to fail.
type MemoryStore struct {
	mu       sync.Mutex
	actors   map[string]domain.Actor
	markers  map[string]time.Time
	counters map[string]Counter

	GetErr     error
	UpdateErr  error
	PingErr    error
	MarkerErr  error
	CounterErr error
	// BeforeUpdate runs before each UpdateState is applied, outside the lock.
	BeforeUpdate func(id string, patch *domain.Patch)

	Updates int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors:   map[string]domain.Actor{},
		markers:  map[string]time.Time{},
		counters: map[string]Counter{},
	}
}

func (m *MemoryStore) GetActor(_ context.Context, id string) (domain.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return domain.Actor{}, m.GetErr
	}
	a, ok := m.actors[id]
	if !ok {
		return domain.Actor{}, ErrNotFound
	}
	return copyActor(a), nil
}

func (m *MemoryStore) FindActorByAddress(_ context.Context, address string) (domain.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return domain.Actor{}, m.GetErr
	}
	for _, a := range m.actors {
		if a.Address == address {
			return copyActor(a), nil
		}
	}
	return domain.Actor{}, ErrNotFound
}

func (m *MemoryStore) ListActorsByRole(_ context.Context, role domain.Role) ([]domain.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	var out []domain.Actor
	for _, a := range m.actors {
		if a.Role == role {
			out = append(out, copyActor(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateActor(_ context.Context, actor domain.Actor) (domain.Actor, error) {
	actor, err := prepareActor(actor)
	if err != nil {
		return domain.Actor{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actors[actor.ID]; ok {
		return domain.Actor{}, ErrConflict
	}
	for _, a := range m.actors {
		if a.Address == actor.Address {
			return domain.Actor{}, ErrConflict
		}
	}
	m.actors[actor.ID] = copyActor(actor)
	return copyActor(actor), nil
}

func (m *MemoryStore) UpdateState(_ context.Context, id string, patch *domain.Patch) error {
	if err := patch.Err(); err != nil {
		return err
	}
	if patch.Empty() {
		return nil
	}
	if m.BeforeUpdate != nil {
		m.BeforeUpdate(id, patch)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	a, ok := m.actors[id]
	if !ok {
		return ErrNotFound
	}
	a.State = a.State.Apply(patch)
	m.actors[id] = a
	m.Updates++
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return m.PingErr
}

func (m *MemoryStore) GetMarker(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarkerErr != nil {
		return time.Time{}, false, m.MarkerErr
	}
	at, ok := m.markers[key]
	return at, ok, nil
}

func (m *MemoryStore) PutMarkerIfAbsent(_ context.Context, key string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarkerErr != nil {
		return false, m.MarkerErr
	}
	if _, ok := m.markers[key]; ok {
		return false, nil
	}
	m.markers[key] = at
	return true, nil
}

func (m *MemoryStore) GetCounter(_ context.Context, key string) (Counter, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CounterErr != nil {
		return Counter{}, false, m.CounterErr
	}
	c, ok := m.counters[key]
	return c, ok, nil
}

func (m *MemoryStore) PutCounter(_ context.Context, key string, c Counter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CounterErr != nil {
		return m.CounterErr
	}
	m.counters[key] = c
	return nil
}

func copyActor(a domain.Actor) domain.Actor {
	a.State = a.State.Clone()
	return a
}
