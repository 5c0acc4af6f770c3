// Package guard protects scheduled work from duplicate triggers and caps how
// often throttled actions may happen.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type MarkerStore interface {
	GetMarker(ctx context.Context, key string) (time.Time, bool, error)
	PutMarkerIfAbsent(ctx context.Context, key string, at time.Time) (bool, error)
}

// RunResult reports whether RunOnce ran the body.
type RunResult struct {
	Skipped  bool
	MarkedAt time.Time
}

// OneTime runs a task body at most once per task ID.
type OneTime struct {
	store  MarkerStore
	now    func() time.Time
	logger *slog.Logger
}

func NewOneTime(store MarkerStore, now func() time.Time) (*OneTime, error) {
	if store == nil {
		return nil, errors.New("guard: marker store must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &OneTime{store: store, now: now, logger: slog.Default()}, nil
}

// MarkerKey is the marker written for taskID.
func MarkerKey(taskID string) string {
	return "onetime_" + taskID + "_done"
}

// RunOnce runs body unless taskID was already marked. The marker is written
// with a create-if-absent write before body starts, so when several
// invocations race exactly one of them runs the body.
//
// The marker is never removed. If body fails, or the process dies while body
// runs, the task will not run again on its own: a duplicate send is worse than
// a missed one for the announcements this guards. Re-running requires an
// operator to pick a new task ID.
func (o *OneTime) RunOnce(ctx context.Context, taskID string, body func(ctx context.Context) error) (RunResult, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return RunResult{}, errors.New("guard: task id must not be empty")
	}
	key := MarkerKey(taskID)

	at, done, err := o.store.GetMarker(ctx, key)
	if err != nil {
		return RunResult{}, fmt.Errorf("guard: read marker %s: %w", key, err)
	}
	if done {
		o.logger.Info("one-time task already done", "task_id", taskID, "marked_at", at)
		return RunResult{Skipped: true, MarkedAt: at}, nil
	}

	now := o.now().UTC()
	created, err := o.store.PutMarkerIfAbsent(ctx, key, now)
	if err != nil {
		return RunResult{}, fmt.Errorf("guard: write marker %s: %w", key, err)
	}
	if !created {
		o.logger.Info("one-time task claimed by another invocation", "task_id", taskID)
		return RunResult{Skipped: true}, nil
	}

	if err := body(ctx); err != nil {
		return RunResult{MarkedAt: now}, fmt.Errorf("guard: task %s failed after marking: %w", taskID, err)
	}
	return RunResult{MarkedAt: now}, nil
}

// Status reports whether taskID has been marked done.
func (o *OneTime) Status(ctx context.Context, taskID string) (time.Time, bool, error) {
	at, ok, err := o.store.GetMarker(ctx, MarkerKey(taskID))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("guard: read marker: %w", err)
	}
	return at, ok, nil
}

// Mark records taskID as done without running anything.
func (o *OneTime) Mark(ctx context.Context, taskID string) (bool, error) {
	created, err := o.store.PutMarkerIfAbsent(ctx, MarkerKey(taskID), o.now().UTC())
	if err != nil {
		return false, fmt.Errorf("guard: write marker: %w", err)
	}
	return created, nil
}
