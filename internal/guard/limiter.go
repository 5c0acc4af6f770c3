package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sales-assistant/internal/repository"
)

type CounterStore interface {
	GetCounter(ctx context.Context, key string) (repository.Counter, bool, error)
	PutCounter(ctx context.Context, key string, c repository.Counter) error
}

// Decision is the outcome of a rate check.
type Decision struct {
	Allowed bool
	Count   int
	ResetAt time.Time
}

// Policy names a counter and its limits.
type Policy struct {
	Key    string
	Max    int
	Window time.Duration
}

// DailyArtifacts caps generated media artifacts per UTC day.
func DailyArtifacts(day time.Time) Policy {
	return Policy{Key: "artifacts:" + day.UTC().Format("2006-01-02"), Max: 100, Window: 24 * time.Hour}
}

// AlertCooldown allows one alert of class per hour.
func AlertCooldown(class string) Policy {
	return Policy{Key: "alert:" + class, Max: 1, Window: time.Hour}
}

// Limiter enforces count-within-window limits backed by a CounterStore.
type Limiter struct {
	store CounterStore
	now   func() time.Time
}

func NewLimiter(store CounterStore, now func() time.Time) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("guard: counter store must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{store: store, now: now}, nil
}

// CheckAndIncrement allows the action while fewer than max have been counted
// in the current window and counts it. Every allowed call restarts the window.
// A store failure blocks the action.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key string, max int, ttl time.Duration) (Decision, error) {
	if max <= 0 || ttl <= 0 {
		return Decision{}, errors.New("guard: max and ttl must be positive")
	}
	now := l.now().UTC()
	current, ok, err := l.store.GetCounter(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("guard: read counter %s: %w", key, err)
	}
	count := 0
	if ok && current.ExpiresAt.After(now) {
		count = current.Count
	}
	if count >= max {
		return Decision{Count: count, ResetAt: current.ExpiresAt}, nil
	}

	next := repository.Counter{Count: count + 1, ExpiresAt: now.Add(ttl)}
	if err := l.store.PutCounter(ctx, key, next); err != nil {
		return Decision{}, fmt.Errorf("guard: write counter %s: %w", key, err)
	}
	return Decision{Allowed: true, Count: next.Count, ResetAt: next.ExpiresAt}, nil
}

// Allow applies a named policy.
func (l *Limiter) Allow(ctx context.Context, p Policy) (Decision, error) {
	return l.CheckAndIncrement(ctx, p.Key, p.Max, p.Window)
}
