package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/currencyscan-worker/internal/errors"
	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
	"github.com/adverant/nexus/currencyscan-worker/internal/processor"
)

const defaultProcessingTimeout = 60 * time.Second

// statusRecorder is the subset of StatusStore the consumers need
type statusRecorder interface {
	MarkProcessing(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string, result *processor.ScanResult) error
	MarkFailed(ctx context.Context, jobID string, jobErr error, attempts int) error
	Requeue(ctx context.Context, jobID string) error
}

// jobRunner runs one scan job with a deadline and records its outcome.
// Both queue backends share it.
type jobRunner struct {
	processor processor.ScanProcessorInterface
	status    statusRecorder // optional
	timeout   time.Duration
	log       *logging.Logger
}

func newJobRunner(proc processor.ScanProcessorInterface, status statusRecorder, timeoutMs int64, log *logging.Logger) *jobRunner {
	timeout := defaultProcessingTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return &jobRunner{processor: proc, status: status, timeout: timeout, log: log}
}

// start marks the job processing in Redis and PostgreSQL
func (r *jobRunner) start(ctx context.Context, req *processor.ScanRequest) {
	if r.status != nil {
		if err := r.status.MarkProcessing(ctx, req.JobID); err != nil {
			r.log.Warn("Failed to mark job processing", "jobId", req.JobID, "error", err)
		}
	}
	if err := r.processor.UpdateJobStatus(ctx, req, StatusProcessing, nil, nil); err != nil {
		r.log.Warn("Failed to update job status", "jobId", req.JobID, "status", StatusProcessing, "error", err)
	}
}

// run executes the scan under the per-job deadline
func (r *jobRunner) run(ctx context.Context, req *processor.ScanRequest) (*processor.ScanResult, error) {
	startTime := time.Now()

	processCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.processor.ProcessScan(processCtx, req)
	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			r.log.Warn("Scan timed out", "jobId", req.JobID, "elapsed", time.Since(startTime), "timeout", r.timeout)
			return nil, errors.NewProcessingTimeoutError(req.JobID, r.timeout, err)
		}
		return nil, err
	}

	r.log.Info("Scan job completed", "jobId", req.JobID, "duration", time.Since(startTime),
		"currency", result.Verdict.CurrencyType, "authentic", result.Verdict.IsAuthentic)
	return result, nil
}

// complete records a successful scan
func (r *jobRunner) complete(ctx context.Context, req *processor.ScanRequest, result *processor.ScanResult) {
	if r.status != nil {
		if err := r.status.MarkCompleted(ctx, req.JobID, result); err != nil {
			r.log.Error("Failed to mark job completed", "jobId", req.JobID, "error", err)
		}
	}
	if err := r.processor.UpdateJobStatus(ctx, req, StatusCompleted, result, nil); err != nil {
		r.log.Error("Failed to update job status", "jobId", req.JobID, "status", StatusCompleted, "error", err)
	}
}

// fail records a terminal failure
func (r *jobRunner) fail(ctx context.Context, req *processor.ScanRequest, jobErr error, attempts int) {
	if r.status != nil {
		if err := r.status.MarkFailed(ctx, req.JobID, jobErr, attempts); err != nil {
			r.log.Error("Failed to mark job failed", "jobId", req.JobID, "error", err)
		}
	}
	if err := r.processor.UpdateJobStatus(ctx, req, StatusFailed, nil, jobErr); err != nil {
		r.log.Error("Failed to update job status", "jobId", req.JobID, "status", StatusFailed, "error", err)
	}
}

// retry records that the job goes back to the queue
func (r *jobRunner) retry(ctx context.Context, req *processor.ScanRequest) {
	if r.status != nil {
		if err := r.status.Requeue(ctx, req.JobID); err != nil {
			r.log.Warn("Failed to requeue job status", "jobId", req.JobID, "error", err)
		}
	}
	if err := r.processor.UpdateJobStatus(ctx, req, StatusQueued, nil, nil); err != nil {
		r.log.Warn("Failed to update job status", "jobId", req.JobID, "status", StatusQueued, "error", err)
	}
}

// isPermanent reports errors that a retry cannot fix
func isPermanent(err error) bool {
	code, ok := errors.CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case errors.ErrorUnsupportedFormat, errors.ErrorInvalidRequest:
		return true
	}
	return false
}

func describe(job *Job) string {
	return fmt.Sprintf("%s (%s, attempt %d/%d)", job.Payload.JobID, job.Payload.Filename, job.Attempts+1, job.MaxRetries)
}
