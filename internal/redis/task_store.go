package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/internal/store"
)

const (
	indexKey          = "task:index"
	defaultTxAttempts = 10
)

func taskKey(taskID string) string { return "task:" + taskID }

// TaskStore keeps task records in Redis as JSON values. Per-id updates are
// serialized with WATCH/MULTI.
type TaskStore struct {
	client     redis.UniversalClient
	txAttempts int
	now        func() time.Time
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates a Redis-backed TaskStore.
func NewTaskStore(client redis.UniversalClient) *TaskStore {
	return &TaskStore{client: client, txAttempts: defaultTxAttempts, now: time.Now}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *TaskStore) Create(ctx context.Context, req domain.Request) (*domain.Task, error) {
	task := domain.NewTask(uuid.NewString(), req, s.now().UTC())
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), data, 0)
	pipe.SAdd(ctx, indexKey, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis create task %s: %w", task.ID, err)
	}
	return task, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, fmt.Errorf("redis get task %s: %w", id, err)
	}
	return decodeTask(data)
}

func (s *TaskStore) Update(ctx context.Context, id string, fn func(*domain.Task) error) (*domain.Task, error) {
	key := taskKey(id)
	var updated *domain.Task

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return &domain.TaskNotFoundError{TaskID: id}
			}
			return fmt.Errorf("redis get task %s: %w", id, err)
		}
		cur, err := decodeTask(data)
		if err != nil {
			return err
		}
		next, err := store.Mutate(cur, fn, s.now().UTC())
		if err != nil {
			return err
		}
		out, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}

	for i := 0; i < s.txAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("redis update task %s: too much contention after %d attempts", id, s.txAttempts)
}

func (s *TaskStore) BatchGet(ctx context.Context, ids []string) (map[string]*domain.Task, error) {
	out := make(map[string]*domain.Task, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget tasks: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		task, err := decodeTask([]byte(raw))
		if err != nil {
			return nil, err
		}
		out[ids[i]] = task
	}
	return out, nil
}

func (s *TaskStore) Delete(ctx context.Context, id string) (bool, error) {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, taskKey(id))
	pipe.SRem(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis delete task %s: %w", id, err)
	}
	return del.Val() > 0, nil
}

// List returns every indexed task, oldest first. Index members whose value
// has disappeared are pruned.
func (s *TaskStore) List(ctx context.Context) ([]*domain.Task, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list task index: %w", err)
	}
	found, err := s.BatchGet(ctx, ids)
	if err != nil {
		return nil, err
	}

	var stale []any
	tasks := make([]*domain.Task, 0, len(found))
	for _, id := range ids {
		t, ok := found[id]
		if !ok {
			stale = append(stale, id)
			continue
		}
		tasks = append(tasks, t)
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, indexKey, stale...)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *TaskStore) Counts(ctx context.Context) (map[domain.Status]int, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return store.CountByStatus(tasks), nil
}

func decodeTask(data []byte) (*domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}
