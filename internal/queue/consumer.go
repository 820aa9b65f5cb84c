/**
 * Asynq Queue Consumer for the CurrencyScan Worker
 *
 * Alternative backend selected with QUEUE_BACKEND=asynq. Asynq owns
 * retries and scheduling; this consumer only maps outcomes to job status.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/currencyscan-worker/internal/errors"
	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
	"github.com/adverant/nexus/currencyscan-worker/internal/processor"
)

// Consumer handles job consumption through an asynq server
type Consumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *jobRunner
	config *ConsumerConfig
	log    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.ScanProcessorInterface
	Status            *StatusStore
	ProcessingTimeout int64 // milliseconds
	Logger            *logging.Logger
}

// retryDelay is exponential backoff: 5s, 10s, 20s, 40s, then 60s
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 4 {
		return 60 * time.Second
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("asynq-consumer")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	log := cfg.Logger
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error("Task processing error", "type", task.Type(), "error", err)
			}),
		},
	)

	var status statusRecorder
	if cfg.Status != nil {
		status = cfg.Status
	}

	consumer := &Consumer{
		server: server,
		mux:    asynq.NewServeMux(),
		runner: newJobRunner(cfg.Processor, status, cfg.ProcessingTimeout, log),
		config: cfg,
		log:    log,
	}

	consumer.mux.HandleFunc(TaskTypeScanCurrency, consumer.handleScanCurrency)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Info("Starting asynq queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.log.Info("Stopping queue consumer")
	c.server.Shutdown()
	return nil
}

// handleScanCurrency processes one scan task
func (c *Consumer) handleScanCurrency(ctx context.Context, task *asynq.Task) error {
	taskID, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return c.process(ctx, taskID, task.Payload(), retried, maxRetry)
}

// process runs one delivery of a task. retried counts earlier attempts;
// once it reaches maxRetry the failure is final.
func (c *Consumer) process(ctx context.Context, taskID string, data []byte, retried, maxRetry int) error {
	var payload JobPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		if taskID != "" {
			c.runner.fail(ctx, &processor.ScanRequest{JobID: taskID},
				errors.NewInvalidRequestError(taskID, "undecodable job data"), retried+1)
		}
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		payload.JobID = taskID
	}
	req := payload.ScanRequest()

	c.log.Info("Processing job", "jobId", req.JobID, "filename", req.Filename, "retry", retried, "maxRetry", maxRetry)

	c.runner.start(ctx, req)

	result, err := c.runner.run(ctx, req)
	if err == nil {
		c.runner.complete(ctx, req, result)
		return nil
	}

	permanent := isPermanent(err)
	if permanent || retried >= maxRetry {
		c.runner.fail(ctx, req, err, retried+1)
		if permanent {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	c.runner.retry(ctx, req)
	return err
}
