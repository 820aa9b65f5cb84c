/**
 * Direct Redis Queue Consumer for the CurrencyScan Worker
 *
 * Compatible with the TypeScript RedisQueue implementation.
 * Uses simple Redis LIST operations (BRPOP on the queue, job JSON in
 * <queue>:data).
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/currencyscan-worker/internal/errors"
	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
	"github.com/adverant/nexus/currencyscan-worker/internal/processor"
)

var errNoJobs = stderrors.New("no jobs available")

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client *redis.Client
	runner *jobRunner
	config *RedisConsumerConfig
	log    *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	Client            *redis.Client
	QueueName         string
	Concurrency       int
	Processor         processor.ScanProcessorInterface
	Status            *StatusStore
	ProcessingTimeout int64 // milliseconds
	Logger            *logging.Logger
}

// NewRedisClient parses a redis:// URL and verifies the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("Redis client is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "currencyscan:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("redis-consumer")
	}

	var status statusRecorder
	if cfg.Status != nil {
		status = cfg.Status
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client: cfg.Client,
		runner: newJobRunner(cfg.Processor, status, cfg.ProcessingTimeout, cfg.Logger),
		config: cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.log.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop waits for in-flight jobs to finish. The Redis client is owned by
// the caller and stays open.
func (c *RedisConsumer) Stop() error {
	c.log.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.log.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.log.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		if err := c.processNextJob(); err != nil {
			if err == errNoJobs || c.ctx.Err() != nil {
				continue
			}
			c.log.Error("Worker error", "worker", id, "error", err)
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
			}
		}
	}
}

func (c *RedisConsumer) dataKey() string {
	return fmt.Sprintf("%s:data", c.config.QueueName)
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	// Block for up to 5 seconds waiting for a job
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	jobID := result[1]

	jobData, err := c.client.HGet(c.ctx, c.dataKey(), jobID).Result()
	if err == redis.Nil {
		c.runner.fail(context.Background(), &processor.ScanRequest{JobID: jobID},
			errors.NewInvalidRequestError(jobID, "job data is missing"), 1)
		return fmt.Errorf("no data stored for job %s", jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		ctx := context.Background()
		c.runner.fail(ctx, &processor.ScanRequest{JobID: jobID},
			errors.NewInvalidRequestError(jobID, "undecodable job data"), 1)
		c.release(ctx, jobID)
		return fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	if job.ID == "" {
		job.ID = jobID
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.handle(&job)
	return nil
}

// handle runs one job. Jobs finish even if Stop is called meanwhile;
// the per-job deadline bounds how long that takes.
func (c *RedisConsumer) handle(job *Job) {
	ctx := context.Background()
	req := job.Payload.ScanRequest()

	c.log.Info("Processing job", "job", describe(job))
	c.runner.start(ctx, req)

	result, err := c.runner.run(ctx, req)
	if err == nil {
		c.runner.complete(ctx, req, result)
		c.release(ctx, job.ID)
		return
	}

	job.Attempts++
	c.log.Warn("Job failed", "jobId", req.JobID, "attempt", job.Attempts, "error", err)

	if !isPermanent(err) && job.Attempts < job.MaxRetries {
		requeueErr := c.requeue(ctx, job)
		if requeueErr == nil {
			c.runner.retry(ctx, req)
			c.log.Info("Job re-queued for retry", "jobId", req.JobID, "attempt", job.Attempts, "maxRetries", job.MaxRetries)
			return
		}
		c.log.Error("Failed to re-queue job", "jobId", req.JobID, "error", requeueErr)
	}

	c.runner.fail(ctx, req, err, job.Attempts)
	c.release(ctx, job.ID)
}

// release drops the stored job data once the job has finished
func (c *RedisConsumer) release(ctx context.Context, jobID string) {
	if err := c.client.HDel(ctx, c.dataKey(), jobID).Err(); err != nil {
		c.log.Warn("Failed to delete job data", "jobId", jobID, "error", err)
	}
}

func (c *RedisConsumer) requeue(ctx context.Context, job *Job) error {
	updatedData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.dataKey(), job.ID, updatedData)
		pipe.LPush(ctx, c.config.QueueName, job.ID)
		return nil
	})
	return err
}
