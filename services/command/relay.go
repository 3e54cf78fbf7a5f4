package command

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/ramiqadoumi/go-task-cqrs/internal/postgres"
	"github.com/ramiqadoumi/go-task-cqrs/internal/rabbitmq"
	redisstore "github.com/ramiqadoumi/go-task-cqrs/internal/redis"
	"github.com/ramiqadoumi/go-task-cqrs/pkg/retry"
	"github.com/ramiqadoumi/go-task-cqrs/pkg/telemetry"
)

// Relay moves committed outbox rows to the broker. Only the holder of the
// leader lease relays; other replicas idle until the lease frees up.
type Relay struct {
	outbox    postgres.OutboxRepository
	publisher rabbitmq.Publisher
	lease     redisstore.Lease
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time

	interval    time.Duration
	batchSize   int
	claimLease  time.Duration
	maxAttempts int
	backoff     retry.Config

	purgeSchedule string
	retention     time.Duration

	kick chan struct{}
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger sets the relay's logger.
func WithRelayLogger(l *slog.Logger) RelayOption { return func(r *Relay) { r.logger = l } }

// WithRelayClock overrides time.Now, for tests.
func WithRelayClock(now func() time.Time) RelayOption { return func(r *Relay) { r.now = now } }

// WithLeaderLease makes the relay publish only while it holds lease.
func WithLeaderLease(lease redisstore.Lease) RelayOption { return func(r *Relay) { r.lease = lease } }

// WithPollInterval sets how often the outbox is polled without a kick.
func WithPollInterval(d time.Duration) RelayOption { return func(r *Relay) { r.interval = d } }

// WithBatchSize sets how many rows are claimed per round trip.
func WithBatchSize(n int) RelayOption { return func(r *Relay) { r.batchSize = n } }

// WithMaxAttempts sets the publish attempts before a row is marked dead.
func WithMaxAttempts(n int) RelayOption { return func(r *Relay) { r.maxAttempts = n } }

// WithBackoff sets the quadratic backoff applied between failed attempts.
func WithBackoff(base, max time.Duration) RelayOption {
	return func(r *Relay) {
		r.backoff.BaseDelay = base
		r.backoff.MaxDelay = max
	}
}

// WithPublishRate caps publishes per second. Zero disables the cap.
func WithPublishRate(perSecond float64, burst int) RelayOption {
	return func(r *Relay) {
		if perSecond <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithPurge removes published rows older than retention on a cron schedule.
// An empty schedule disables purging.
func WithPurge(schedule string, retention time.Duration) RelayOption {
	return func(r *Relay) {
		r.purgeSchedule = schedule
		r.retention = retention
	}
}

// NewRelay creates a Relay publishing outbox rows through publisher.
func NewRelay(outbox postgres.OutboxRepository, publisher rabbitmq.Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		outbox:        outbox,
		publisher:     publisher,
		limiter:       rate.NewLimiter(rate.Inf, 0),
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		interval:      time.Second,
		batchSize:     100,
		claimLease:    30 * time.Second,
		maxAttempts:   8,
		backoff:       retry.Config{BaseDelay: time.Second, MaxDelay: 5 * time.Minute},
		purgeSchedule: "@hourly",
		retention:     24 * time.Hour,
		kick:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kick wakes the relay loop. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run polls the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if r.purgeSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(r.purgeSchedule, func() { r.purge(ctx) }); err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.releaseLease()
			return nil
		case <-ticker.C:
		case <-r.kick:
		}
		r.tick(ctx)
	}
}

func (r *Relay) tick(ctx context.Context) {
	if !r.isLeader(ctx) {
		return
	}
	if _, err := r.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("outbox flush", slog.String("error", err.Error()))
	}
	if n, err := r.outbox.Backlog(ctx); err == nil {
		telemetry.OutboxBacklog.Set(float64(n))
	}
}

func (r *Relay) isLeader(ctx context.Context) bool {
	if r.lease == nil {
		return true
	}
	ok, err := r.lease.Acquire(ctx)
	if err != nil {
		r.logger.Error("relay lease", slog.String("error", err.Error()))
		return false
	}
	return ok
}

func (r *Relay) releaseLease() {
	if r.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.lease.Release(ctx); err != nil {
		r.logger.Warn("relay lease release", slog.String("error", err.Error()))
	}
}

// Flush publishes due rows batch by batch until the outbox has nothing due
// or a publish fails. It returns the number of rows published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		msgs, err := r.outbox.Claim(ctx, r.batchSize, r.claimLease)
		if err != nil {
			return total, err
		}
		n, err := r.publishBatch(ctx, msgs)
		total += n
		if err != nil || len(msgs) < r.batchSize {
			return total, err
		}
	}
}

// publishBatch stops at the first failure so later rows for the same
// aggregate are not published ahead of it. Unattempted rows become due
// again once their claim lease lapses.
func (r *Relay) publishBatch(ctx context.Context, msgs []postgres.OutboxMessage) (int, error) {
	for i, m := range msgs {
		if err := r.limiter.Wait(ctx); err != nil {
			return i, err
		}
		if err := r.publish(ctx, m); err != nil {
			r.fail(ctx, m, err)
			return i, err
		}
		if err := r.outbox.MarkPublished(ctx, m.ID, r.now()); err != nil {
			// Already on the broker; the row will be published again.
			return i, err
		}
		telemetry.OutboxPublished.WithLabelValues(m.RoutingKey).Inc()
	}
	return len(msgs), nil
}

func (r *Relay) publish(ctx context.Context, m postgres.OutboxMessage) error {
	ctx, span := otel.Tracer("relay").Start(ctx, "outbox.publish")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("outbox.id", m.ID),
		attribute.String("task.id", m.AggregateID),
		attribute.String("messaging.routing_key", m.RoutingKey),
	)

	if err := r.publisher.Publish(ctx, m.RoutingKey, m.Payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	return nil
}

func (r *Relay) fail(ctx context.Context, m postgres.OutboxMessage, cause error) {
	attempts := m.Attempts + 1
	dead := attempts >= r.maxAttempts
	next := r.now().Add(r.backoff.Backoff(attempts))

	telemetry.OutboxPublishFailures.Inc()
	if dead {
		telemetry.OutboxDead.Inc()
	}
	r.logger.Warn("outbox publish failed",
		slog.Int64("outbox_id", m.ID),
		slog.String("task_id", m.AggregateID),
		slog.String("routing_key", m.RoutingKey),
		slog.Int("attempts", attempts),
		slog.Bool("dead", dead),
		slog.String("error", cause.Error()),
	)

	if err := r.outbox.MarkFailed(ctx, m.ID, cause.Error(), next, dead); err != nil {
		r.logger.Error("mark outbox failed", slog.Int64("outbox_id", m.ID), slog.String("error", err.Error()))
	}
}

func (r *Relay) purge(ctx context.Context) {
	if !r.isLeader(ctx) {
		return
	}
	n, err := r.outbox.PurgePublished(ctx, r.now().Add(-r.retention))
	if err != nil {
		r.logger.Error("outbox purge", slog.String("error", err.Error()))
		return
	}
	telemetry.OutboxPurged.Add(float64(n))
	if n > 0 {
		r.logger.Info("outbox purged", slog.Int64("rows", n))
	}
}
