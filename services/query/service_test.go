package query_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-cqrs/internal/domain"
	"github.com/ramiqadoumi/go-task-cqrs/services/query"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeReader struct {
	tasks []domain.Task
	err   error
	calls atomic.Int32
	gate  chan struct{} // when set, loads block until closed
}

// wait blocks on gate, honouring ctx the way a real query does.
func (r *fakeReader) wait(ctx context.Context) error {
	r.calls.Add(1)
	if r.gate == nil {
		return nil
	}
	select {
	case <-r.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *fakeReader) List(ctx context.Context) ([]domain.Task, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	return append([]domain.Task{}, r.tasks...), nil
}

func (r *fakeReader) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	for _, t := range r.tasks {
		if t.ID == id {
			task := t
			return &task, nil
		}
	}
	return nil, &domain.TaskNotFoundError{TaskID: id}
}

func (r *fakeReader) SearchByName(ctx context.Context, term string) ([]domain.Task, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0)
	for _, t := range r.tasks {
		if strings.Contains(strings.ToLower(t.Name), strings.ToLower(term)) {
			out = append(out, t)
		}
	}
	return out, r.err
}

type fakeCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *fakeCache) DeletePattern(_ context.Context, pattern string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for k := range c.data {
		if ok, _ := path.Match(pattern, k); ok {
			delete(c.data, k)
			n++
		}
	}
	return n, nil
}

func (c *fakeCache) Ping(context.Context) error { return nil }

// ─── helpers ─────────────────────────────────────────────────────────────────

func sampleTasks() []domain.Task {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []domain.Task{
		{ID: "1", Name: "Write report", Status: domain.StatusPending, CreatedAt: at, UpdatedAt: at},
		{ID: "2", Name: "Review REPORT", Status: domain.StatusCompleted, CreatedAt: at, UpdatedAt: at},
		{ID: "3", Name: "Deploy", Status: domain.StatusInProgress, CreatedAt: at, UpdatedAt: at},
	}
}

func newService(reader *fakeReader, cache *fakeCache) *query.Service {
	return query.NewService(reader, cache, query.DefaultTTLs(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestListTasks_MissThenHitIsByteIdentical(t *testing.T) {
	reader := &fakeReader{tasks: sampleTasks()}
	cache := newFakeCache()
	svc := newService(reader, cache)
	ctx := context.Background()

	first, err := svc.ListTasks(ctx)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.ListTasks(ctx)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, []byte(first.Data), []byte(second.Data))

	assert.Equal(t, int32(1), reader.calls.Load())
	assert.Equal(t, 300*time.Second, cache.ttls[query.KeyAllTasks])
	assert.Equal(t, query.Stats{Hits: 1, Misses: 1, HitRate: 0.5}, svc.Stats())
}

func TestGetTask_CachesUnderTaskKey(t *testing.T) {
	reader := &fakeReader{tasks: sampleTasks()}
	cache := newFakeCache()
	svc := newService(reader, cache)

	res, err := svc.GetTask(context.Background(), "2")
	require.NoError(t, err)

	var got domain.Task
	require.NoError(t, json.Unmarshal(res.Data, &got))
	assert.Equal(t, "Review REPORT", got.Name)
	assert.Contains(t, cache.data, "task:2")
	assert.Equal(t, 300*time.Second, cache.ttls["task:2"])
}

func TestGetTask_NotFoundIsNotCached(t *testing.T) {
	reader := &fakeReader{tasks: sampleTasks()}
	cache := newFakeCache()
	svc := newService(reader, cache)

	for i := 0; i < 2; i++ {
		_, err := svc.GetTask(context.Background(), "missing")
		var nf *domain.TaskNotFoundError
		require.ErrorAs(t, err, &nf)
	}
	assert.Empty(t, cache.data)
	assert.Equal(t, int32(2), reader.calls.Load())
}

func TestSearchTasks_LowercasedKeyAndShortTTL(t *testing.T) {
	reader := &fakeReader{tasks: sampleTasks()}
	cache := newFakeCache()
	svc := newService(reader, cache)

	res, err := svc.SearchTasks(context.Background(), "RePort")
	require.NoError(t, err)

	var got []domain.Task
	require.NoError(t, json.Unmarshal(res.Data, &got))
	assert.Len(t, got, 2)
	assert.Contains(t, cache.data, "tasks:search:report")
	assert.Equal(t, 180*time.Second, cache.ttls["tasks:search:report"])

	res, err = svc.SearchTasks(context.Background(), "report")
	require.NoError(t, err)
	assert.True(t, res.Cached)
}

func TestSearchTasks_NoMatchesCachedAsEmptyList(t *testing.T) {
	svc := newService(&fakeReader{tasks: sampleTasks()}, newFakeCache())
	ctx := context.Background()

	first, err := svc.SearchTasks(ctx, "zzz")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.JSONEq(t, `[]`, string(first.Data))

	second, err := svc.SearchTasks(ctx, "zzz")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.JSONEq(t, `[]`, string(second.Data))
}

func TestLookup_CacheErrorsDegradeToStore(t *testing.T) {
	reader := &fakeReader{tasks: sampleTasks()}
	cache := newFakeCache()
	cache.getErr = errors.New("redis down")
	cache.setErr = errors.New("redis down")
	svc := newService(reader, cache)

	for i := 0; i < 2; i++ {
		res, err := svc.ListTasks(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Cached)
	}
	assert.Equal(t, int32(2), reader.calls.Load())
}

func TestLookup_StoreErrorIsInfrastructure(t *testing.T) {
	reader := &fakeReader{err: errors.New("db down")}
	_, err := newService(reader, newFakeCache()).ListTasks(context.Background())

	var ie *domain.InfrastructureError
	require.ErrorAs(t, err, &ie)
}

func TestLookup_ConcurrentMissesShareOneLoad(t *testing.T) {
	reader := &fakeReader{tasks: sampleTasks(), gate: make(chan struct{})}
	svc := newService(reader, newFakeCache())

	const n = 8
	var wg sync.WaitGroup
	results := make([]query.Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = svc.ListTasks(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return reader.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(reader.gate)
	wg.Wait()

	assert.Equal(t, int32(1), reader.calls.Load())
	for _, r := range results {
		assert.Equal(t, []byte(results[0].Data), []byte(r.Data))
	}
}

func TestLookup_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	reader := &fakeReader{tasks: sampleTasks(), gate: make(chan struct{})}
	cache := newFakeCache()
	svc := newService(reader, cache)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.ListTasks(firstCtx)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return reader.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type outcome struct {
		res query.Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := svc.ListTasks(context.Background())
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	err := <-firstErr
	assert.ErrorIs(t, err, context.Canceled)

	close(reader.gate)
	got := <-second
	require.NoError(t, got.err)
	assert.False(t, got.res.Cached)

	var tasks []domain.Task
	require.NoError(t, json.Unmarshal(got.res.Data, &tasks))
	assert.Len(t, tasks, len(sampleTasks()))
	assert.Equal(t, int32(1), reader.calls.Load())

	_, ok, _ := cache.Get(context.Background(), query.KeyAllTasks)
	assert.True(t, ok, "shared load still populates the cache")
}

func TestClearCache(t *testing.T) {
	reader := &fakeReader{tasks: sampleTasks()}
	cache := newFakeCache()
	svc := newService(reader, cache)
	ctx := context.Background()

	_, _ = svc.ListTasks(ctx)
	_, _ = svc.GetTask(ctx, "1")
	_, _ = svc.SearchTasks(ctx, "deploy")
	cache.data["other:key"] = []byte("x")

	n, err := svc.ClearCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, map[string][]byte{"other:key": []byte("x")}, cache.data)

	res, err := svc.GetTask(ctx, "1")
	require.NoError(t, err)
	assert.False(t, res.Cached)
}
