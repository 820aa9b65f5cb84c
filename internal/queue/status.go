/**
 * Redis job status store
 *
 * Key layout, shared with the API gateway:
 *   <queue>                  LIST of queued job ids (Redis backend only)
 *   <queue>:data             HASH id -> job JSON, removed once the job finishes
 *   <queue>:queued           SET of waiting job ids
 *   <queue>:processing       SET of running job ids
 *   <queue>:job:<id>         STRING final JobStatus JSON, expires after the retention
 *   <queue>:stats:completed  counter
 *   <queue>:stats:failed     counter
 *   <queue>:events           PUB/SUB channel
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/currencyscan-worker/internal/errors"
	"github.com/adverant/nexus/currencyscan-worker/internal/processor"
)

// ErrJobNotFound is returned by Get for ids the store has never seen
var ErrJobNotFound = stderrors.New("job not found")

// JobStatus is the externally visible state of one job
type JobStatus struct {
	JobID  string                `json:"jobId"`
	Status string                `json:"status"`
	Result *processor.ScanResult `json:"result,omitempty"`
	Error  *JobError             `json:"error,omitempty"`
}

// JobError is the stored failure of a job
type JobError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

// DefaultRetention is how long finished job records stay readable
const DefaultRetention = 24 * time.Hour

// StatusStore records job transitions in Redis and publishes them.
// Only in-flight jobs live in the status sets; finished jobs leave a
// single record that expires after the retention.
type StatusStore struct {
	client    *redis.Client
	queueName string
	retention time.Duration
}

// NewStatusStore creates a status store for the given queue. A
// non-positive retention uses DefaultRetention.
func NewStatusStore(client *redis.Client, queueName string, retention time.Duration) *StatusStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &StatusStore{client: client, queueName: queueName, retention: retention}
}

func (s *StatusStore) key(suffix string) string {
	return fmt.Sprintf("%s:%s", s.queueName, suffix)
}

func (s *StatusStore) jobKey(jobID string) string {
	return s.key("job:" + jobID)
}

// MarkQueued records a freshly enqueued job and reports whether the id
// was not already waiting
func (s *StatusStore) MarkQueued(ctx context.Context, jobID string) (bool, error) {
	added, err := s.client.SAdd(ctx, s.key(StatusQueued), jobID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s queued: %w", jobID, err)
	}
	if added > 0 {
		s.publish(ctx, jobID, StatusQueued)
	}
	return added > 0, nil
}

// Discard forgets a queued job whose enqueue did not go through
func (s *StatusStore) Discard(ctx context.Context, jobID string) error {
	if err := s.client.SRem(ctx, s.key(StatusQueued), jobID).Err(); err != nil {
		return fmt.Errorf("failed to discard job %s: %w", jobID, err)
	}
	return nil
}

// MarkProcessing moves a job from queued to processing
func (s *StatusStore) MarkProcessing(ctx context.Context, jobID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.key(StatusQueued), jobID)
		pipe.SAdd(ctx, s.key(StatusProcessing), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark job %s processing: %w", jobID, err)
	}
	s.publish(ctx, jobID, StatusProcessing)
	return nil
}

// MarkCompleted stores the scan result and retires the job
func (s *StatusStore) MarkCompleted(ctx context.Context, jobID string, result *processor.ScanResult) error {
	return s.finish(ctx, &JobStatus{JobID: jobID, Status: StatusCompleted, Result: result})
}

// MarkFailed stores the failure and retires the job
func (s *StatusStore) MarkFailed(ctx context.Context, jobID string, jobErr error, attempts int) error {
	return s.finish(ctx, &JobStatus{JobID: jobID, Status: StatusFailed, Error: newJobError(jobErr, attempts)})
}

// finish writes the final record with the retention TTL and drops the
// job from the in-flight sets in one transaction
func (s *StatusStore) finish(ctx context.Context, status *JobStatus) error {
	record, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s status: %w", status.JobID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.key(StatusQueued), status.JobID)
		pipe.SRem(ctx, s.key(StatusProcessing), status.JobID)
		pipe.Set(ctx, s.jobKey(status.JobID), record, s.retention)
		pipe.Incr(ctx, s.key("stats:"+status.Status))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark job %s %s: %w", status.JobID, status.Status, err)
	}
	s.publish(ctx, status.JobID, status.Status)
	return nil
}

// Requeue moves a job back to queued between retries
func (s *StatusStore) Requeue(ctx context.Context, jobID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.key(StatusProcessing), jobID)
		pipe.SAdd(ctx, s.key(StatusQueued), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	s.publish(ctx, jobID, StatusQueued)
	return nil
}

// Get reports the current status of a job
func (s *StatusStore) Get(ctx context.Context, jobID string) (*JobStatus, error) {
	record, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	switch {
	case err == nil:
		var status JobStatus
		if err := json.Unmarshal(record, &status); err != nil {
			return nil, fmt.Errorf("failed to decode job %s status: %w", jobID, err)
		}
		return &status, nil
	case err != redis.Nil:
		return nil, fmt.Errorf("failed to read job %s status: %w", jobID, err)
	}

	pipe := s.client.Pipeline()
	processing := pipe.SIsMember(ctx, s.key(StatusProcessing), jobID)
	queued := pipe.SIsMember(ctx, s.key(StatusQueued), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read job %s status: %w", jobID, err)
	}

	switch {
	case processing.Val():
		return &JobStatus{JobID: jobID, Status: StatusProcessing}, nil
	case queued.Val():
		return &JobStatus{JobID: jobID, Status: StatusQueued}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// Stats returns the waiting list length, the in-flight set sizes and the
// completed/failed totals
func (s *StatusStore) Stats(ctx context.Context) (map[string]int64, error) {
	pipe := s.client.Pipeline()
	waiting := pipe.LLen(ctx, s.queueName)
	queued := pipe.SCard(ctx, s.key(StatusQueued))
	processing := pipe.SCard(ctx, s.key(StatusProcessing))
	completed := pipe.Get(ctx, s.key("stats:"+StatusCompleted))
	failed := pipe.Get(ctx, s.key("stats:"+StatusFailed))
	// unset counters answer redis.Nil
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	completedTotal, _ := completed.Int64()
	failedTotal, _ := failed.Int64()
	return map[string]int64{
		"waiting":        waiting.Val(),
		StatusQueued:     queued.Val(),
		StatusProcessing: processing.Val(),
		StatusCompleted:  completedTotal,
		StatusFailed:     failedTotal,
	}, nil
}

// publish sends a job event for streaming clients; failures are ignored
func (s *StatusStore) publish(ctx context.Context, jobID, status string) {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	s.client.Publish(ctx, s.key("events"), eventData)
}

func newJobError(err error, attempts int) *JobError {
	jobErr := &JobError{Code: "PROCESSING_ERROR", Message: "unknown error", Attempts: attempts}
	if err == nil {
		return jobErr
	}
	jobErr.Message = err.Error()
	if code, ok := errors.CodeOf(err); ok {
		jobErr.Code = string(code)
	}
	return jobErr
}
