package notification_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-cqrs/internal/domain"
	"github.com/ramiqadoumi/go-task-cqrs/internal/handlers"
	"github.com/ramiqadoumi/go-task-cqrs/internal/rabbitmq"
	"github.com/ramiqadoumi/go-task-cqrs/services/notification"
)

// recordingChannel captures sends and fails the first failN of them.
type recordingChannel struct {
	name  string
	mu    sync.Mutex
	sent  []handlers.Notification
	calls int
	failN int
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, n handlers.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failN {
		return errors.New("unavailable")
	}
	c.sent = append(c.sent, n)
	return nil
}

func newNotifier(chans ...handlers.Channel) *notification.Notifier {
	reg := handlers.NewRegistry()
	for _, c := range chans {
		reg.Register(c)
	}
	return notification.NewNotifier(reg,
		notification.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		notification.WithChannelRetries(3, time.Millisecond),
	)
}

func msg(body string) rabbitmq.Message {
	return rabbitmq.Message{RoutingKey: "task.created", Body: []byte(body)}
}

const (
	createdBody = `{"eventType":"task.created","data":{"taskId":"X","name":"A","description":"first"},"timestamp":"2024-01-01T00:00:00.000Z"}`
	updatedBody = `{"eventType":"task.updated","data":{"taskId":"X","name":"A","description":null,"status":"completed","previousData":{"name":"A","description":null,"status":"pending"}},"timestamp":"2024-01-01T00:00:01.000Z"}`
	deletedBody = `{"eventType":"task.deleted","data":{"taskId":"X"},"timestamp":"2024-01-01T00:00:02.000Z"}`
)

func TestHandle_RendersEachKind(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	n := newNotifier(ch)
	ctx := context.Background()

	require.NoError(t, n.Handle(ctx, msg(createdBody)))
	require.NoError(t, n.Handle(ctx, msg(updatedBody)))
	require.NoError(t, n.Handle(ctx, msg(deletedBody)))

	require.Len(t, ch.sent, 3)
	assert.Equal(t, "Task created: A", ch.sent[0].Subject)
	assert.Contains(t, ch.sent[0].Body, "first")
	assert.Equal(t, "Task updated: A", ch.sent[1].Subject)
	assert.Contains(t, ch.sent[1].Body, "status: pending -> completed")
	assert.NotContains(t, ch.sent[1].Body, "name:")
	assert.Equal(t, "Task deleted: X", ch.sent[2].Subject)
	for _, s := range ch.sent {
		assert.Equal(t, "X", s.TaskID)
	}
}

func TestHandle_CountsPerEventType(t *testing.T) {
	n := newNotifier(&recordingChannel{name: "rec"})
	ctx := context.Background()

	require.NoError(t, n.Handle(ctx, msg(createdBody)))
	require.NoError(t, n.Handle(ctx, msg(createdBody)))
	require.NoError(t, n.Handle(ctx, msg(deletedBody)))

	assert.Equal(t, map[string]int64{
		"task.created": 2,
		"task.updated": 0,
		"task.deleted": 1,
		"total":        3,
	}, n.Stats())
}

func TestHandle_MalformedBodyRejected(t *testing.T) {
	n := newNotifier(&recordingChannel{name: "rec"})

	err := n.Handle(context.Background(), msg(`{not json`))

	var mpe *domain.MessageProcessingError
	require.ErrorAs(t, err, &mpe)
	assert.Empty(t, mpe.EventType)
	assert.Equal(t, int64(0), n.Stats()["total"])
}

func TestHandle_MissingTaskIDRejected(t *testing.T) {
	n := newNotifier(&recordingChannel{name: "rec"})

	err := n.Handle(context.Background(), msg(`{"eventType":"task.deleted","data":{},"timestamp":""}`))

	var mpe *domain.MessageProcessingError
	require.ErrorAs(t, err, &mpe)
	assert.Equal(t, "task.deleted", mpe.EventType)
	assert.Equal(t, int64(1), n.Stats()["task.deleted"])
}

func TestHandle_UnknownEventTypeAcked(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	n := newNotifier(ch)

	require.NoError(t, n.Handle(context.Background(), msg(`{"eventType":"task.archived","data":{},"timestamp":""}`)))
	assert.Empty(t, ch.sent)
	assert.Equal(t, int64(0), n.Stats()["total"])
}

func TestHandle_RetriesTransientChannelFailure(t *testing.T) {
	ch := &recordingChannel{name: "flaky", failN: 2}
	n := newNotifier(ch)

	require.NoError(t, n.Handle(context.Background(), msg(createdBody)))
	assert.Equal(t, 3, ch.calls)
	assert.Len(t, ch.sent, 1)
}

func TestHandle_ExhaustedRetriesRejected(t *testing.T) {
	broken := &recordingChannel{name: "broken", failN: 100}
	healthy := &recordingChannel{name: "healthy"}
	n := newNotifier(broken, healthy)

	err := n.Handle(context.Background(), msg(createdBody))

	var mpe *domain.MessageProcessingError
	require.ErrorAs(t, err, &mpe)
	assert.Equal(t, "task.created", mpe.EventType)
	assert.Contains(t, err.Error(), "channel broken")
	assert.Equal(t, 3, broken.calls)
	assert.Len(t, healthy.sent, 1)
}
