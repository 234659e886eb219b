package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arlens/ar-backend/internal/api/http/middleware"
	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/arlens/ar-backend/internal/ar_compilation/queue"
	"github.com/rs/zerolog"
)

// Compiler runs one compilation to completion.
type Compiler interface {
	Compile(ctx context.Context, projectID, reason string) error
}

type WorkerOptions struct {
	Workers      int
	PollWait     time.Duration
	// LockTTL must outlive a whole run, see LockTTLFor.
	LockTTL      time.Duration
	RequeueDelay time.Duration
	// MaxRequeues caps retries after lock errors. A job whose project is
	// locked by another run is always put back; the lock TTL bounds that wait.
	MaxRequeues  int
}

// LockTTLFor is the run lock lifetime for a watchdog timeout: the run
// context lives for the timeout plus the watchdog grace, followed by the
// terminal status write.
func LockTTLFor(watchdogTimeout time.Duration) time.Duration {
	if watchdogTimeout <= 0 {
		watchdogTimeout = DefaultWatchdogTimeout
	}
	return watchdogTimeout + DefaultWatchdogGrace + terminalWriteTimeout
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.PollWait <= 0 {
		o.PollWait = 5 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = LockTTLFor(DefaultWatchdogTimeout)
	}
	if o.RequeueDelay <= 0 {
		o.RequeueDelay = 2 * time.Second
	}
	if o.MaxRequeues <= 0 {
		o.MaxRequeues = 30
	}
	return o
}

// WorkerPool consumes compile jobs with a fixed number of workers. A job
// whose project is already being compiled elsewhere is put back on the
// queue after a short delay.
type WorkerPool struct {
	source   JobSource
	requeue  JobPublisher
	lock     RunLocker
	compiler Compiler
	opts     WorkerOptions
	logger   zerolog.Logger
}

func NewWorkerPool(source JobSource, requeue JobPublisher, lock RunLocker, compiler Compiler, opts WorkerOptions, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		source:   source,
		requeue:  requeue,
		lock:     lock,
		compiler: compiler,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

func (w *WorkerPool) Options() WorkerOptions { return w.opts }

// Run blocks until ctx is cancelled and all workers have returned.
func (w *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, fmt.Sprintf("worker-%d", id))
		}(i)
	}
	w.logger.Info().Int("workers", w.opts.Workers).Msg("compile workers started")
	wg.Wait()
	w.logger.Info().Msg("compile workers stopped")
}

func (w *WorkerPool) loop(ctx context.Context, name string) {
	for ctx.Err() == nil {
		job, err := w.source.Dequeue(ctx, w.opts.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Str("worker", name).Msg("dequeue failed")
			sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}
		w.handle(ctx, name, job)
	}
}

func (w *WorkerPool) handle(ctx context.Context, name string, job *queue.Job) {
	logger := w.logger.With().
		Str("worker", name).
		Str("job_id", job.ID).
		Str("project_id", job.ProjectID).
		Logger()

	owner := name + ":" + job.ID
	if w.lock != nil {
		ok, err := w.lock.Acquire(ctx, job.ProjectID, owner, w.opts.LockTTL)
		if err != nil {
			logger.Error().Err(err).Msg("run lock unavailable")
			w.retry(ctx, job, logger)
			return
		}
		if !ok {
			w.wait(ctx, job, logger)
			return
		}
		defer func() {
			if err := w.lock.Release(context.WithoutCancel(ctx), job.ProjectID, owner); err != nil {
				logger.Warn().Err(err).Msg("run lock not released")
			}
		}()
	}

	jobCtx := middleware.WithRequestID(ctx, job.RequestID)
	start := time.Now()
	err := w.compiler.Compile(jobCtx, job.ProjectID, job.Reason)
	switch {
	case err == nil:
		logger.Info().Dur("elapsed", time.Since(start)).Msg("compile job done")
	case errors.Is(err, domain.ErrProjectNotFound):
		logger.Warn().Msg("project vanished before its job ran")
	default:
		logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("compile job failed")
	}
}

// wait puts back a job whose project is being compiled by another run. It
// is never dropped: the holder either releases the lock or its TTL runs out.
func (w *WorkerPool) wait(ctx context.Context, job *queue.Job, logger zerolog.Logger) {
	job.Waits++
	if job.Waits%30 == 0 {
		logger.Warn().Int("waits", job.Waits).Msg("project still locked by another run")
	}
	w.putBack(ctx, job, logger)
}

// retry puts back a job after a lock error, up to MaxRequeues times.
func (w *WorkerPool) retry(ctx context.Context, job *queue.Job, logger zerolog.Logger) {
	if job.Attempt >= w.opts.MaxRequeues {
		logger.Error().Int("attempt", job.Attempt).Msg("dropping job, run lock kept failing")
		return
	}
	job.Attempt++
	w.putBack(ctx, job, logger)
}

func (w *WorkerPool) putBack(ctx context.Context, job *queue.Job, logger zerolog.Logger) {
	// On shutdown the job goes back immediately so it is not lost.
	sleep(ctx, w.opts.RequeueDelay)
	if err := w.requeue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		logger.Error().Err(err).Msg("requeue failed")
	}
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
