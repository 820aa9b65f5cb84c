package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidJob wraps payload validation failures
	ErrInvalidJob = stderrors.New("invalid job")
	// ErrDuplicateJob is returned when a job id is already known to the queue
	ErrDuplicateJob = stderrors.New("duplicate job id")
)

// Producer enqueues scan jobs
type Producer interface {
	// Enqueue submits a scan and returns its job id. An empty JobID is
	// filled with a new UUID.
	Enqueue(ctx context.Context, payload *JobPayload) (string, error)
	Close() error
}

func prepare(payload *JobPayload) error {
	if payload == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidJob)
	}
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}
	if payload.UserID == "" {
		payload.UserID = "anonymous"
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return nil
}

// RedisProducer writes jobs in the LIST protocol read by RedisConsumer
type RedisProducer struct {
	client     *redis.Client
	queueName  string
	maxRetries int
	status     *StatusStore
}

// NewRedisProducer creates a producer on an existing Redis client
func NewRedisProducer(client *redis.Client, queueName string, maxRetries int, status *StatusStore) *RedisProducer {
	return &RedisProducer{client: client, queueName: queueName, maxRetries: maxRetries, status: status}
}

// Enqueue stores the job JSON and pushes its id onto the queue
func (p *RedisProducer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if err := prepare(payload); err != nil {
		return "", err
	}

	job := &Job{
		ID:         payload.JobID,
		Type:       TaskTypeScanCurrency,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: p.maxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	dataKey := fmt.Sprintf("%s:data", p.queueName)
	exists, err := p.client.HExists(ctx, dataKey, job.ID).Result()
	if err != nil {
		return "", fmt.Errorf("failed to check job %s: %w", job.ID, err)
	}
	if exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	// queued marker, job data and push commit together
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if p.status != nil {
			pipe.SAdd(ctx, p.status.key(StatusQueued), job.ID)
		}
		pipe.HSet(ctx, dataKey, job.ID, data)
		pipe.LPush(ctx, p.queueName, job.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	if p.status != nil {
		p.status.publish(ctx, job.ID, StatusQueued)
	}
	return job.ID, nil
}

// Close is a no-op; the Redis client is shared
func (p *RedisProducer) Close() error { return nil }

// AsynqProducer submits scan tasks to an asynq server
type AsynqProducer struct {
	client     *asynq.Client
	queueName  string
	maxRetries int
	status     *StatusStore
}

// NewAsynqProducer creates a producer from a redis:// URL
func NewAsynqProducer(redisURL, queueName string, maxRetries int, status *StatusStore) (*AsynqProducer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &AsynqProducer{
		client:     asynq.NewClient(redisOpt),
		queueName:  queueName,
		maxRetries: maxRetries,
		status:     status,
	}, nil
}

// Enqueue submits a scan-currency task with the job id as task id
func (p *AsynqProducer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if err := prepare(payload); err != nil {
		return "", err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	// Marked before the enqueue so a fast worker cannot overtake it
	marked := false
	if p.status != nil {
		if marked, err = p.status.MarkQueued(ctx, payload.JobID); err != nil {
			return "", err
		}
	}

	// asynq counts retries after the first attempt
	retries := p.maxRetries - 1
	if retries < 0 {
		retries = 0
	}
	task := asynq.NewTask(TaskTypeScanCurrency, data)
	info, err := p.client.EnqueueContext(ctx, task,
		asynq.TaskID(payload.JobID),
		asynq.Queue(p.queueName),
		asynq.MaxRetry(retries),
	)
	if err != nil {
		if marked {
			if discardErr := p.status.Discard(ctx, payload.JobID); discardErr != nil {
				err = stderrors.Join(err, discardErr)
			}
		}
		if stderrors.Is(err, asynq.ErrTaskIDConflict) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateJob, payload.JobID)
		}
		return "", fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	return info.ID, nil
}

// Close closes the asynq client
func (p *AsynqProducer) Close() error {
	return p.client.Close()
}
