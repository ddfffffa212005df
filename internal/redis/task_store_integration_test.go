//go:build integration

package redis_test

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	redisstore "github.com/kaiwen1281/MOSSAI/internal/redis"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	ctr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	connStr, err := ctr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	testRedisAddr = strings.TrimPrefix(connStr, "redis://")

	return m.Run()
}

// newRedisClient flushes the database on cleanup so tests don't interfere.
func newRedisClient(t *testing.T) *goredis.Client {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func videoRequest() domain.Request {
	return domain.Request{
		MediaType: domain.MediaVideo,
		MediaRef:  "vid-1",
		Level:     domain.LevelMedium,
		BrandName: "acme",
		OwnerID:   "o-1",
	}
}

func TestRedis_CreateGet_RoundTrip(t *testing.T) {
	s := redisstore.NewTaskStore(newRedisClient(t))
	ctx := context.Background()

	task, err := s.Create(ctx, videoRequest())
	require.NoError(t, err)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "vid-1", got.Request.MediaRef)
}

func TestRedis_Get_NotFound(t *testing.T) {
	s := redisstore.NewTaskStore(newRedisClient(t))

	_, err := s.Get(context.Background(), "does-not-exist")
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "does-not-exist", notFound.TaskID)
}

func TestRedis_Update_LifecycleAndInvariants(t *testing.T) {
	s := redisstore.NewTaskStore(newRedisClient(t))
	ctx := context.Background()
	task, err := s.Create(ctx, videoRequest())
	require.NoError(t, err)

	_, err = s.Update(ctx, task.ID, func(t *domain.Task) error {
		t.Advance(domain.StatusProcessing, 30, "extracting frames")
		return nil
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, task.ID, func(t *domain.Task) error {
		t.Advance(domain.StatusPending, 0, "")
		return nil
	})
	var te *domain.InvalidTransitionError
	require.ErrorAs(t, err, &te)

	done, err := s.Update(ctx, task.ID, func(t *domain.Task) error {
		t.Complete(&domain.AnalysisResult{Summary: "ok", Tags: []string{"a"}}, time.Now())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 100, done.Progress)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, "ok", got.Result.Summary)
}

func TestRedis_Update_ConcurrentWritersAllLand(t *testing.T) {
	s := redisstore.NewTaskStore(newRedisClient(t))
	ctx := context.Background()
	task, err := s.Create(ctx, videoRequest())
	require.NoError(t, err)

	const writers = 5
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, task.ID, func(t *domain.Task) error {
				t.Attempts++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, writers, got.Attempts)
}

func TestRedis_Delete_RemovesFromIndexAndBatch(t *testing.T) {
	s := redisstore.NewTaskStore(newRedisClient(t))
	ctx := context.Background()
	a, _ := s.Create(ctx, videoRequest())
	b, _ := s.Create(ctx, videoRequest())

	ok, err := s.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	batch, err := s.BatchGet(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)
	assert.NotContains(t, batch, a.ID)
	assert.Contains(t, batch, b.ID)

	tasks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, b.ID, tasks[0].ID)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusPending])
}

func TestRedis_RateLimiter_AllowsUpToLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, ok, "submission %d should be allowed", i+1)
	}
	ok, err := limiter.Allow(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "other-brand")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_RateLimiter_RejectionsDoNotOccupyTheWindow(t *testing.T) {
	client := newRedisClient(t)
	window := 400 * time.Millisecond
	limiter := redisstore.NewRateLimiter(client, 2, window)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "acme")
		require.NoError(t, err)
		require.True(t, ok)
	}

	time.Sleep(window / 2)
	for i := 0; i < 5; i++ {
		ok, err := limiter.Allow(ctx, "acme")
		require.NoError(t, err)
		assert.False(t, ok, "retry %d over the limit", i+1)
	}
	n, err := client.ZCard(ctx, "ratelimit:submit:acme").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "only accepted submissions are counted")

	// The two accepted entries have aged out; the rejected retries must not
	// keep the key blocked.
	time.Sleep(window/2 + 100*time.Millisecond)
	ok, err := limiter.Allow(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, ok)
}
