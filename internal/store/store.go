// Package store holds task records between submission and retrieval.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
)

// TaskStore is the single source of truth for task state. Implementations
// must serialize Update per task id and never hand out memory they keep.
type TaskStore interface {
	Create(ctx context.Context, req domain.Request) (*domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	// Update applies fn to a copy of the task and stores the result if fn
	// succeeds and the result is a legal successor of the current state.
	Update(ctx context.Context, id string, fn func(*domain.Task) error) (*domain.Task, error)
	// BatchGet returns the tasks that exist; absent ids are omitted.
	BatchGet(ctx context.Context, ids []string) (map[string]*domain.Task, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]*domain.Task, error)
	Counts(ctx context.Context) (map[domain.Status]int, error)
}

// Mutate runs fn against a copy of cur and checks the result against the
// task invariants. It returns the new state, or an error and leaves cur
// untouched.
func Mutate(cur *domain.Task, fn func(*domain.Task) error, now time.Time) (*domain.Task, error) {
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.ID != cur.ID || !next.CreatedAt.Equal(cur.CreatedAt) {
		return nil, fmt.Errorf("task %s: id and creation time are immutable", cur.ID)
	}
	if next.Progress < cur.Progress {
		return nil, fmt.Errorf("task %s: progress may not decrease (%d -> %d)", cur.ID, cur.Progress, next.Progress)
	}
	if err := domain.ValidateTransition(cur.Status, next.Status); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	return next, nil
}

// CountByStatus tallies tasks per status, with every status present.
func CountByStatus(tasks []*domain.Task) map[domain.Status]int {
	counts := make(map[domain.Status]int, len(domain.AllStatuses()))
	for _, s := range domain.AllStatuses() {
		counts[s] = 0
	}
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts
}
