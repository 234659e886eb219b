package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestQueue_FIFO(t *testing.T) {
	_, client := setupRedis(t)
	q := NewQueue(client)
	ctx := context.Background()

	first := &Job{ProjectID: "p-1", Reason: "api"}
	second := &Job{ProjectID: "p-2", Reason: "recompile", RequestID: "req-9"}
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.EnqueuedAt.IsZero())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "p-1", got.ProjectID)
	assert.Equal(t, first.ID, got.ID)

	got, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "p-2", got.ProjectID)
	assert.Equal(t, "req-9", got.RequestID)
}

func TestQueue_DequeueEmpty(t *testing.T) {
	_, client := setupRedis(t)
	q := NewQueue(client)

	got, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestQueue_RejectsJobWithoutProject(t *testing.T) {
	_, client := setupRedis(t)
	assert.Error(t, NewQueue(client).Enqueue(context.Background(), &Job{}))
}

func TestRunLock(t *testing.T) {
	mr, client := setupRedis(t)
	lock := NewRunLock(client)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "p-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.Acquire(ctx, "p-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second worker must not take a held lock")

	// Releasing with the wrong owner leaves the lock in place.
	require.NoError(t, lock.Release(ctx, "p-1", "worker-b"))
	assert.True(t, mr.Exists(runLockPrefix+"p-1"))

	require.NoError(t, lock.Release(ctx, "p-1", "worker-a"))
	assert.False(t, mr.Exists(runLockPrefix+"p-1"))

	ok, err = lock.Acquire(ctx, "p-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = lock.Acquire(ctx, "p-1", "worker-c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is free again")
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	_, client := setupRedis(t)
	bus := NewEventBus(client)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, "p-1")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, Event{ProjectID: "p-2", Status: "ready"}))
	require.NoError(t, bus.Publish(ctx, Event{ProjectID: "p-1", Status: "processing", Phase: "media-prepared", Progress: 20}))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "p-1", ev.ProjectID)
		assert.Equal(t, EventStatus, ev.Type)
		assert.Equal(t, "media-prepared", ev.Phase)
		assert.Equal(t, 20, ev.Progress)
		assert.False(t, ev.At.IsZero())
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	require.NoError(t, sub.Close())
	select {
	case _, open := <-sub.Events():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}
