// Package query is the read side: cache-aside lookups over the task
// read model with TTL-bounded staleness.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/ramiqadoumi/go-task-cqrs/internal/domain"
	"github.com/ramiqadoumi/go-task-cqrs/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-cqrs/internal/redis"
	"github.com/ramiqadoumi/go-task-cqrs/pkg/telemetry"
)

// Cache key layout. Patterns cover every key ClearCache removes.
const (
	KeyAllTasks      = "tasks:all"
	keyTaskPrefix    = "task:"
	keySearchPrefix  = "tasks:search:"
	PatternTaskLists = "tasks:*"
	PatternTasks     = "task:*"
)

// TaskKey returns the cache key for a single task.
func TaskKey(id string) string { return keyTaskPrefix + id }

// SearchKey returns the cache key for a name search. Terms are case-folded.
func SearchKey(term string) string { return keySearchPrefix + strings.ToLower(term) }

// Result is a query answer: the serialized data and whether it came from cache.
type Result struct {
	Data   json.RawMessage `json:"data"`
	Cached bool            `json:"cached"`
}

// Stats reports the process-lifetime cache counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// TTLs holds the lifetime of each cache entry shape.
type TTLs struct {
	Task   time.Duration
	List   time.Duration
	Search time.Duration
}

// DefaultTTLs returns 300s for point and list lookups and 180s for searches.
func DefaultTTLs() TTLs {
	return TTLs{Task: 300 * time.Second, List: 300 * time.Second, Search: 180 * time.Second}
}

// Service answers task queries cache-first.
type Service struct {
	reader postgres.TaskReader
	cache  redisstore.Cache
	ttls   TTLs
	logger *slog.Logger

	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

// NewService creates a Service reading through cache into reader.
func NewService(reader postgres.TaskReader, cache redisstore.Cache, ttls TTLs, logger *slog.Logger) *Service {
	return &Service{reader: reader, cache: cache, ttls: ttls, logger: logger}
}

// ListTasks returns every task, newest first.
func (s *Service) ListTasks(ctx context.Context) (Result, error) {
	return s.lookup(ctx, "list", KeyAllTasks, s.ttls.List, func(ctx context.Context) (any, error) {
		return s.reader.List(ctx)
	})
}

// GetTask returns one task. A missing task is reported as
// TaskNotFoundError and is not cached.
func (s *Service) GetTask(ctx context.Context, id string) (Result, error) {
	return s.lookup(ctx, "task", TaskKey(id), s.ttls.Task, func(ctx context.Context) (any, error) {
		return s.reader.GetByID(ctx, id)
	})
}

// SearchTasks returns tasks whose name contains term, ignoring case.
func (s *Service) SearchTasks(ctx context.Context, term string) (Result, error) {
	return s.lookup(ctx, "search", SearchKey(term), s.ttls.Search, func(ctx context.Context) (any, error) {
		return s.reader.SearchByName(ctx, term)
	})
}

// ClearCache deletes every task list, search and single-task entry.
func (s *Service) ClearCache(ctx context.Context) (int64, error) {
	var total int64
	for _, pattern := range []string{PatternTaskLists, PatternTasks} {
		n, err := s.cache.DeletePattern(ctx, pattern)
		total += n
		if err != nil {
			return total, &domain.InfrastructureError{Op: "clear cache", Err: err}
		}
	}
	s.logger.Info("cache cleared", slog.Int64("keys", total))
	return total, nil
}

// Stats returns the hit and miss counts since start.
func (s *Service) Stats() Stats {
	hits, misses := s.hits.Load(), s.misses.Load()
	st := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}

// lookup serves key from cache, or loads, stores and returns it. Cache
// failures degrade to a miss; concurrent misses on one key share one load,
// which a cancelled caller does not abort.
func (s *Service) lookup(ctx context.Context, shape, key string, ttl time.Duration, load func(context.Context) (any, error)) (Result, error) {
	ctx, span := otel.Tracer("query").Start(ctx, "query."+shape)
	defer span.End()
	span.SetAttributes(attribute.String("cache.key", key))

	raw, found, err := s.cache.Get(ctx, key)
	if err != nil {
		telemetry.CacheErrors.Inc()
		s.logger.Warn("cache get failed, reading store", slog.String("key", key), slog.String("error", err.Error()))
	}
	if found {
		s.hits.Add(1)
		telemetry.CacheHits.WithLabelValues(shape).Inc()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return Result{Data: raw, Cached: true}, nil
	}

	s.misses.Add(1)
	telemetry.CacheMisses.WithLabelValues(shape).Inc()
	span.SetAttributes(attribute.Bool("cache.hit", false))

	// The shared load outlives any single caller; each caller stops
	// waiting on its own ctx.
	loadCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		data, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", key, err)
		}
		if err := s.cache.Set(loadCtx, key, raw, ttl); err != nil {
			telemetry.CacheErrors.Inc()
			s.logger.Warn("cache set failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return json.RawMessage(raw), nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Result{}, &domain.InfrastructureError{Op: "query " + shape, Err: ctx.Err()}
	}
	v, err := res.Val, res.Err
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return Result{}, err
		}
		return Result{}, &domain.InfrastructureError{Op: "query " + shape, Err: err}
	}
	return Result{Data: v.(json.RawMessage), Cached: false}, nil
}
