package command

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-task-cqrs/internal/domain"
	"github.com/ramiqadoumi/go-task-cqrs/internal/postgres"
)

// ─── event store ─────────────────────────────────────────────────────────────

// memStore is an in-memory EventStore. Each WithinTx works on a copy that is
// swapped in only when fn succeeds.
type memStore struct {
	mu        sync.Mutex
	state     memState
	conflicts int // AppendEvent fails with a version conflict this many times
	failWith  error
	txs       int
}

type memState struct {
	tasks  map[string]domain.Task
	events []domain.Event
	outbox []postgres.OutboxMessage
}

func newMemStore() *memStore {
	return &memStore{state: memState{tasks: map[string]domain.Task{}}}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(tx postgres.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs++

	staged := memState{
		tasks:  make(map[string]domain.Task, len(s.state.tasks)),
		events: append([]domain.Event(nil), s.state.events...),
		outbox: append([]postgres.OutboxMessage(nil), s.state.outbox...),
	}
	for k, v := range s.state.tasks {
		staged.tasks[k] = v
	}

	if err := fn(&memTx{store: s, st: &staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func (s *memStore) History(_ context.Context, id string) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := make([]domain.Event, 0)
	for _, e := range s.state.events {
		if e.AggregateID == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventVersion < out[j].EventVersion })
	return out, nil
}

type memTx struct {
	store *memStore
	st    *memState
}

func (t *memTx) LockTask(_ context.Context, id string) (*domain.Task, error) {
	task, ok := t.st.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return &task, nil
}

func (t *memTx) NextVersion(_ context.Context, id string) (int, error) {
	max := 0
	for _, e := range t.st.events {
		if e.AggregateID == id && e.EventVersion > max {
			max = e.EventVersion
		}
	}
	return max + 1, nil
}

func (t *memTx) AppendEvent(_ context.Context, evt *domain.Event) error {
	if t.store.failWith != nil {
		return t.store.failWith
	}
	if t.store.conflicts > 0 {
		t.store.conflicts--
		return &domain.VersionConflictError{AggregateID: evt.AggregateID, Version: evt.EventVersion}
	}
	for _, e := range t.st.events {
		if e.AggregateID == evt.AggregateID && e.EventVersion == evt.EventVersion {
			return &domain.VersionConflictError{AggregateID: evt.AggregateID, Version: evt.EventVersion}
		}
	}
	evt.ID = int64(len(t.st.events) + 1)
	t.st.events = append(t.st.events, *evt)
	return nil
}

func (t *memTx) InsertTask(_ context.Context, task *domain.Task) (*domain.Task, error) {
	t.st.tasks[task.ID] = *task
	out := *task
	return &out, nil
}

func (t *memTx) UpdateTask(_ context.Context, id string, patch domain.TaskPatch, at time.Time) (*domain.Task, error) {
	task, ok := t.st.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	merged := patch.Apply(task.Snapshot())
	task.Name, task.Description, task.Status = merged.Name, merged.Description, merged.Status
	task.UpdatedAt = at
	t.st.tasks[id] = task
	return &task, nil
}

func (t *memTx) DeleteTask(_ context.Context, id string) (*domain.Task, error) {
	task, ok := t.st.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	delete(t.st.tasks, id)
	return &task, nil
}

func (t *memTx) EnqueueOutbox(_ context.Context, msg *postgres.OutboxMessage) error {
	msg.ID = int64(len(t.st.outbox) + 1)
	t.st.outbox = append(t.st.outbox, *msg)
	return nil
}

// ─── outbox repository ───────────────────────────────────────────────────────

type outboxRow struct {
	msg       postgres.OutboxMessage
	published bool
	dead      bool
	lastError string
	nextAt    time.Time
}

type memOutbox struct {
	mu       sync.Mutex
	rows     []*outboxRow
	claimErr error
	purged   []time.Time
}

func (o *memOutbox) add(msgs ...postgres.OutboxMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range msgs {
		o.rows = append(o.rows, &outboxRow{msg: m})
	}
}

func (o *memOutbox) Claim(_ context.Context, limit int, lease time.Duration) ([]postgres.OutboxMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.claimErr != nil {
		return nil, o.claimErr
	}
	now := time.Now()
	var out []postgres.OutboxMessage
	for _, r := range o.rows {
		if len(out) == limit {
			break
		}
		if r.published || r.dead || r.nextAt.After(now) {
			continue
		}
		r.nextAt = now.Add(lease)
		out = append(out, r.msg)
	}
	return out, nil
}

func (o *memOutbox) find(id int64) *outboxRow {
	for _, r := range o.rows {
		if r.msg.ID == id {
			return r
		}
	}
	return nil
}

func (o *memOutbox) MarkPublished(_ context.Context, id int64, _ time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.find(id)
	if r == nil {
		return errors.New("no such row")
	}
	r.published = true
	r.msg.Attempts++
	return nil
}

func (o *memOutbox) MarkFailed(_ context.Context, id int64, reason string, next time.Time, dead bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.find(id)
	if r == nil {
		return errors.New("no such row")
	}
	r.msg.Attempts++
	r.lastError = reason
	r.nextAt = next
	r.dead = dead
	return nil
}

func (o *memOutbox) PurgePublished(_ context.Context, before time.Time) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.purged = append(o.purged, before)
	var n int64
	kept := o.rows[:0]
	for _, r := range o.rows {
		if r.published {
			n++
			continue
		}
		kept = append(kept, r)
	}
	o.rows = kept
	return n, nil
}

func (o *memOutbox) Backlog(_ context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for _, r := range o.rows {
		if !r.published && !r.dead {
			n++
		}
	}
	return n, nil
}

// ─── publisher ───────────────────────────────────────────────────────────────

type published struct {
	routingKey string
	body       []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	sent     []published
	failNext int
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return p.err
	}
	p.sent = append(p.sent, published{routingKey: routingKey, body: body})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, s := range p.sent {
		out = append(out, s.routingKey)
	}
	return out
}

// ─── lease / kicker ──────────────────────────────────────────────────────────

type fakeLease struct {
	held     bool
	err      error
	released bool
}

func (l *fakeLease) Acquire(context.Context) (bool, error) { return l.held, l.err }
func (l *fakeLease) Release(context.Context) error         { l.released = true; return nil }

type countingKicker struct{ n int }

func (k *countingKicker) Kick() { k.n++ }
