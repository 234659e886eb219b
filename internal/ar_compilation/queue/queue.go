// Package queue moves compile requests from the API to the workers over
// Redis and fans project status changes back out to stream subscribers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	jobQueueKey        = "ar:compile:queue" // List of pending compile jobs
	runLockPrefix      = "ar:run:"          // Per-project run lock: ar:run:{project_id}
	eventChannelPrefix = "ar:events:"       // Pub/Sub channel for project events: ar:events:{project_id}
)

// Job asks a worker to compile one project.
type Job struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	Reason     string    `json:"reason"`
	RequestID  string    `json:"requestId,omitempty"`
	// Attempt counts retries after the run lock could not be checked.
	Attempt    int       `json:"attempt,omitempty"`
	// Waits counts requeues while another run held the project lock.
	Waits      int       `json:"waits,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue is a FIFO of compile jobs backed by a Redis list.
type Queue struct {
	client *redis.Client
	key    string
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client, key: jobQueueKey}
}

// Enqueue appends a job, filling in its id and enqueue time when unset.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ProjectID == "" {
		return errors.New("job has no project id")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue blocks up to wait for the oldest job. It returns nil, nil when
// the wait elapses with nothing queued.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	res, err := q.client.BRPop(ctx, wait, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	// BRPOP replies with [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Len reports how many jobs are waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// RunLock prevents two workers from compiling the same project at once.
type RunLock struct {
	client *redis.Client
}

func NewRunLock(client *redis.Client) *RunLock {
	return &RunLock{client: client}
}

// Acquire takes the lock for projectID, held by owner until ttl passes or
// Release is called. It reports false when someone else holds it.
func (l *RunLock) Acquire(ctx context.Context, projectID, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, runLockPrefix+projectID, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return ok, nil
}

// releaseScript deletes the lock only when it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RunLock) Release(ctx context.Context, projectID, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{runLockPrefix + projectID}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}
