package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
)

type entry struct {
	mu      sync.Mutex
	task    *domain.Task
	deleted bool
}

// Memory is the default in-process TaskStore.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Create(_ context.Context, req domain.Request) (*domain.Task, error) {
	task := domain.NewTask(uuid.NewString(), req, m.now().UTC())

	m.mu.Lock()
	m.entries[task.ID] = &entry{task: task}
	m.mu.Unlock()

	return task.Clone(), nil
}

func (m *Memory) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Task, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return e.task.Clone(), nil
}

func (m *Memory) Update(_ context.Context, id string, fn func(*domain.Task) error) (*domain.Task, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// Delete may have won the race between lookup and lock.
	if e.deleted {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	next, err := Mutate(e.task, fn, m.now().UTC())
	if err != nil {
		return nil, err
	}
	e.task = next
	return next.Clone(), nil
}

func (m *Memory) BatchGet(ctx context.Context, ids []string) (map[string]*domain.Task, error) {
	out := make(map[string]*domain.Task, len(ids))
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		t, err := m.Get(ctx, id)
		if err != nil {
			continue
		}
		out[id] = t
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return true, nil
}

// List returns a snapshot of every task, oldest first.
func (m *Memory) List(_ context.Context) ([]*domain.Task, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	tasks := make([]*domain.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			tasks = append(tasks, e.task.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (m *Memory) Counts(ctx context.Context) (map[domain.Status]int, error) {
	tasks, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	return CountByStatus(tasks), nil
}
