package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/arlens/ar-backend/internal/api/http/middleware"
	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/arlens/ar-backend/internal/ar_compilation/queue"
	"github.com/arlens/ar-backend/internal/ar_compilation/repository"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type compileCall struct {
	projectID, reason, requestID string
}

type fakeCompiler struct {
	mu    sync.Mutex
	calls []compileCall
	err   error
}

func (f *fakeCompiler) Compile(ctx context.Context, projectID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, compileCall{projectID, reason, middleware.GetRequestID(ctx)})
	return f.err
}

func (f *fakeCompiler) snapshot() []compileCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]compileCall(nil), f.calls...)
}

func setupWorkerRedis(t *testing.T) (*queue.Queue, *queue.RunLock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewQueue(client), queue.NewRunLock(client)
}

func TestWorkerPool_RunsQueuedJobs(t *testing.T) {
	q, lock := setupWorkerRedis(t)
	compiler := &fakeCompiler{}
	pool := NewWorkerPool(q, q, lock, compiler, WorkerOptions{Workers: 2, PollWait: time.Second}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &queue.Job{ProjectID: "p-1", Reason: "compile", RequestID: "req-1"}))
	require.NoError(t, q.Enqueue(ctx, &queue.Job{ProjectID: "p-2", Reason: "recompile"}))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(compiler.snapshot()) == 2 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	calls := compiler.snapshot()
	byProject := map[string]compileCall{}
	for _, c := range calls {
		byProject[c.projectID] = c
	}
	assert.Equal(t, compileCall{"p-1", "compile", "req-1"}, byProject["p-1"])
	assert.Equal(t, "recompile", byProject["p-2"].reason)
	assert.Empty(t, byProject["p-2"].requestID)

	// Locks are released after each run.
	ok, err := lock.Acquire(ctx, "p-1", "probe", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorkerPool_LockedProjectIsRequeued(t *testing.T) {
	q, lock := setupWorkerRedis(t)
	compiler := &fakeCompiler{}
	pool := NewWorkerPool(q, q, lock, compiler, WorkerOptions{RequeueDelay: 10 * time.Millisecond}, zerolog.Nop())
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "p-1", "worker-9:other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	pool.handle(ctx, "worker-0", &queue.Job{ID: "job-1", ProjectID: "p-1", Reason: "compile"})

	assert.Empty(t, compiler.snapshot())
	back, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, "job-1", back.ID)
	assert.Equal(t, 1, back.Waits)
	assert.Zero(t, back.Attempt)
}

func TestWorkerPool_LockedProjectIsNeverDropped(t *testing.T) {
	q, lock := setupWorkerRedis(t)
	pool := NewWorkerPool(q, q, lock, &fakeCompiler{}, WorkerOptions{MaxRequeues: 3, RequeueDelay: time.Millisecond}, zerolog.Nop())
	ctx := context.Background()

	_, err := lock.Acquire(ctx, "p-1", "someone-else", time.Minute)
	require.NoError(t, err)

	pool.handle(ctx, "worker-0", &queue.Job{ID: "job-1", ProjectID: "p-1", Waits: 500})

	back, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, 501, back.Waits)
}

type brokenLock struct{}

func (brokenLock) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenLock) Release(context.Context, string, string) error { return nil }

func TestWorkerPool_LockErrors(t *testing.T) {
	q, _ := setupWorkerRedis(t)
	compiler := &fakeCompiler{}
	pool := NewWorkerPool(q, q, brokenLock{}, compiler, WorkerOptions{MaxRequeues: 3, RequeueDelay: time.Millisecond}, zerolog.Nop())
	ctx := context.Background()

	t.Run("retried below the cap", func(t *testing.T) {
		pool.handle(ctx, "worker-0", &queue.Job{ID: "job-1", ProjectID: "p-1", Attempt: 1})

		back, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, back)
		assert.Equal(t, 2, back.Attempt)
	})

	t.Run("dropped at the cap", func(t *testing.T) {
		pool.handle(ctx, "worker-0", &queue.Job{ID: "job-2", ProjectID: "p-1", Attempt: 3})

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	assert.Empty(t, compiler.snapshot())
}

func TestWorkerPool_RecompileRunsAfterLockIsReleased(t *testing.T) {
	q, lock := setupWorkerRedis(t)
	store := repository.NewMemoryStore()
	svc := NewProjectService(ProjectServiceDeps{Store: store, Jobs: q})
	compiler := &fakeCompiler{}
	opts := WorkerOptions{PollWait: 50 * time.Millisecond, RequeueDelay: 5 * time.Millisecond, MaxRequeues: 2}
	pool := NewWorkerPool(q, q, lock, compiler, opts, zerolog.Nop())
	ctx := context.Background()

	p := &domain.ARProject{
		OwnerID:  "uid-1",
		Status:   domain.StatusReady,
		PhotoURL: "https://cdn.example.com/p.jpg",
		VideoURL: "https://cdn.example.com/v.mp4",
	}
	require.NoError(t, store.CreateProject(ctx, p))

	// an earlier run still owns the project
	ok, err := lock.Acquire(ctx, p.ID, "worker-7:earlier", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Recompile(ctx, p.ID)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// far longer than MaxRequeues x RequeueDelay
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, compiler.snapshot())

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	require.NoError(t, lock.Release(ctx, p.ID, "worker-7:earlier"))

	require.Eventually(t, func() bool { return len(compiler.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "recompile", compiler.snapshot()[0].reason)
	assert.Equal(t, p.ID, compiler.snapshot()[0].projectID)
}

func TestLockTTLFor(t *testing.T) {
	assert.Equal(t, 600*time.Second+DefaultWatchdogGrace+terminalWriteTimeout, LockTTLFor(600*time.Second))
	assert.Equal(t, LockTTLFor(DefaultWatchdogTimeout), WorkerOptions{}.withDefaults().LockTTL)

	pool := NewWorkerPool(nil, nil, nil, nil, WorkerOptions{LockTTL: LockTTLFor(10 * time.Minute)}, zerolog.Nop())
	assert.Greater(t, pool.Options().LockTTL, 10*time.Minute+DefaultWatchdogGrace)
}

func TestSleep(t *testing.T) {
	assert.True(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
}
