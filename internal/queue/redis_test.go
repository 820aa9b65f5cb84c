package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/currencyscan-worker/internal/errors"
	"github.com/adverant/nexus/currencyscan-worker/internal/processor"
	"github.com/adverant/nexus/currencyscan-worker/internal/scorer"
)

const testQueue = "scan:jobs"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestConsumer(t *testing.T, client *redis.Client, store *StatusStore, proc processor.ScanProcessorInterface) *RedisConsumer {
	t.Helper()
	c, err := NewRedisConsumer(&RedisConsumerConfig{
		Client:            client,
		QueueName:         testQueue,
		Processor:         proc,
		Status:            store,
		ProcessingTimeout: 1000,
		Logger:            quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewRedisConsumer: %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

func mustStatus(t *testing.T, store *StatusStore, jobID string) *JobStatus {
	t.Helper()
	status, err := store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get(%s): %v", jobID, err)
	}
	return status
}

func TestStatusStoreLifecycle(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewStatusStore(client, testQueue, time.Hour)
	ctx := context.Background()

	added, err := store.MarkQueued(ctx, "j1")
	if err != nil || !added {
		t.Fatalf("MarkQueued = %v, %v", added, err)
	}
	if added, _ := store.MarkQueued(ctx, "j1"); added {
		t.Error("second MarkQueued should report the id as already waiting")
	}
	if s := mustStatus(t, store, "j1"); s.Status != StatusQueued {
		t.Errorf("status = %q, want queued", s.Status)
	}

	if err := store.MarkProcessing(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	if s := mustStatus(t, store, "j1"); s.Status != StatusProcessing {
		t.Errorf("status = %q, want processing", s.Status)
	}

	result := &processor.ScanResult{JobID: "j1", Verdict: scorer.Score("HONG KONG HK1234567", 5)}
	if err := store.MarkCompleted(ctx, "j1", result); err != nil {
		t.Fatal(err)
	}
	s := mustStatus(t, store, "j1")
	if s.Status != StatusCompleted || s.Result == nil || s.Result.Verdict.CurrencyType != scorer.CurrencyHKD {
		t.Errorf("unexpected completed status %+v", s)
	}
	if members, _ := client.SMembers(ctx, testQueue+":processing").Result(); len(members) != 0 {
		t.Errorf("processing set should be empty, got %v", members)
	}
	if ttl := mr.TTL(testQueue + ":job:j1"); ttl != time.Hour {
		t.Errorf("record TTL = %v, want 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := store.Get(ctx, "j1"); !stderrors.Is(err, ErrJobNotFound) {
		t.Errorf("expected expired record to be gone, got %v", err)
	}
}

func TestStatusStoreFailedAndStats(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewStatusStore(client, testQueue, 0)
	if store.retention != DefaultRetention {
		t.Errorf("retention = %v, want default", store.retention)
	}
	ctx := context.Background()

	store.MarkQueued(ctx, "a")
	store.MarkQueued(ctx, "b")
	client.LPush(ctx, testQueue, "a")
	store.MarkProcessing(ctx, "b")
	ocrErr := errors.NewOCRFailedError("b", "tesseract", stderrors.New("no text"))
	if err := store.MarkFailed(ctx, "b", ocrErr, 3); err != nil {
		t.Fatal(err)
	}

	s := mustStatus(t, store, "b")
	if s.Status != StatusFailed || s.Error == nil || s.Error.Code != "OCR_FAILED" || s.Error.Attempts != 3 {
		t.Errorf("unexpected failed status %+v", s)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	expected := map[string]int64{"waiting": 1, StatusQueued: 1, StatusProcessing: 0, StatusCompleted: 0, StatusFailed: 1}
	for name, want := range expected {
		if stats[name] != want {
			t.Errorf("stats[%s] = %d, want %d", name, stats[name], want)
		}
	}
}

func TestStatusStoreDiscardAndRequeue(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewStatusStore(client, testQueue, time.Hour)
	ctx := context.Background()

	store.MarkQueued(ctx, "x")
	if err := store.Discard(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "x"); !stderrors.Is(err, ErrJobNotFound) {
		t.Errorf("discarded job should be unknown, got %v", err)
	}

	store.MarkProcessing(ctx, "y")
	if err := store.Requeue(ctx, "y"); err != nil {
		t.Fatal(err)
	}
	if s := mustStatus(t, store, "y"); s.Status != StatusQueued {
		t.Errorf("status = %q, want queued", s.Status)
	}
}

func TestRedisProducerEnqueue(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewStatusStore(client, testQueue, time.Hour)
	producer := NewRedisProducer(client, testQueue, 3, store)
	ctx := context.Background()

	id, err := producer.Enqueue(ctx, &JobPayload{FileBuffer: []byte{0xFF, 0xD8}})
	if err != nil {
		t.Fatal(err)
	}
	if ids, _ := client.LRange(ctx, testQueue, 0, -1).Result(); len(ids) != 1 || ids[0] != id {
		t.Errorf("queue = %v, want [%s]", ids, id)
	}
	if s := mustStatus(t, store, id); s.Status != StatusQueued {
		t.Errorf("status = %q, want queued", s.Status)
	}

	var job Job
	data, _ := client.HGet(ctx, testQueue+":data", id).Bytes()
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("stored job: %v", err)
	}
	if job.MaxRetries != 3 || job.Payload.UserID != "anonymous" || len(job.Payload.FileBuffer) != 2 {
		t.Errorf("unexpected stored job %+v", job)
	}

	if _, err := producer.Enqueue(ctx, &JobPayload{JobID: id, FileBuffer: []byte{1}}); !stderrors.Is(err, ErrDuplicateJob) {
		t.Errorf("expected duplicate error, got %v", err)
	}
	if n, _ := client.LLen(ctx, testQueue).Result(); n != 1 {
		t.Errorf("duplicate was pushed, queue length %d", n)
	}

	if _, err := producer.Enqueue(ctx, &JobPayload{JobID: "no-image"}); !stderrors.Is(err, ErrInvalidJob) {
		t.Errorf("expected invalid job error, got %v", err)
	}
	if _, err := store.Get(ctx, "no-image"); !stderrors.Is(err, ErrJobNotFound) {
		t.Errorf("invalid job should leave no status, got %v", err)
	}
}

func TestRedisProducerEnqueueFailureLeavesNoStatus(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewStatusStore(client, testQueue, time.Hour)
	producer := NewRedisProducer(client, testQueue, 3, store)
	ctx := context.Background()

	mr.SetError("LOADING Redis is loading the dataset in memory")
	if _, err := producer.Enqueue(ctx, &JobPayload{JobID: "j1", FileBuffer: []byte{1}}); err == nil {
		t.Fatal("expected enqueue error")
	}
	mr.SetError("")

	if _, err := store.Get(ctx, "j1"); !stderrors.Is(err, ErrJobNotFound) {
		t.Errorf("failed enqueue should leave no status, got %v", err)
	}
}

func TestRedisConsumerHandle(t *testing.T) {
	ocrErr := errors.NewOCRFailedError("j1", "tesseract", stderrors.New("blurred"))
	formatErr := errors.NewUnsupportedFormatError("j1", "application/pdf")

	tests := []struct {
		name         string
		err          error
		attempts     int
		wantStatus   string
		wantRequeued bool
		wantAttempts int
	}{
		{"success", nil, 0, StatusCompleted, false, 0},
		{"retryable failure", ocrErr, 0, StatusQueued, true, 1},
		{"last attempt", ocrErr, 2, StatusFailed, false, 3},
		{"permanent failure", formatErr, 0, StatusFailed, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newTestRedis(t)
			store := NewStatusStore(client, testQueue, time.Hour)
			proc := &fakeProcessor{err: tt.err}
			if tt.err == nil {
				proc.result = &processor.ScanResult{JobID: "j1", Verdict: scorer.Score("EURO", 1)}
			}
			c := newTestConsumer(t, client, store, proc)
			ctx := context.Background()

			job := &Job{
				ID:         "j1",
				Type:       TaskTypeScanCurrency,
				Payload:    JobPayload{JobID: "j1", FileBuffer: []byte{1}},
				Attempts:   tt.attempts,
				MaxRetries: 3,
			}
			data, _ := json.Marshal(job)
			client.HSet(ctx, testQueue+":data", "j1", data)
			store.MarkQueued(ctx, "j1")

			c.handle(job)

			s := mustStatus(t, store, "j1")
			if s.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", s.Status, tt.wantStatus)
			}
			if tt.wantStatus == StatusFailed && (s.Error == nil || s.Error.Attempts != tt.wantAttempts) {
				t.Errorf("unexpected job error %+v", s.Error)
			}

			queued, _ := client.LLen(ctx, testQueue).Result()
			if (queued == 1) != tt.wantRequeued {
				t.Errorf("queue length = %d, requeued want %v", queued, tt.wantRequeued)
			}

			stored, err := client.HGet(ctx, testQueue+":data", "j1").Bytes()
			if !tt.wantRequeued {
				if err != redis.Nil {
					t.Errorf("job data should be deleted once finished, got %q (%v)", stored, err)
				}
				return
			}
			var requeued Job
			if err := json.Unmarshal(stored, &requeued); err != nil {
				t.Fatalf("requeued job: %v", err)
			}
			if requeued.Attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", requeued.Attempts, tt.wantAttempts)
			}
		})
	}
}

func TestRedisConsumerProcessNextJob(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewStatusStore(client, testQueue, time.Hour)
	proc := &fakeProcessor{result: &processor.ScanResult{Verdict: scorer.Score("FEDERAL RESERVE", 6)}}
	c := newTestConsumer(t, client, store, proc)
	producer := NewRedisProducer(client, testQueue, 3, store)
	ctx := context.Background()

	id, err := producer.Enqueue(ctx, &JobPayload{FileBuffer: []byte{1}})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.processNextJob(); err != nil {
		t.Fatalf("processNextJob: %v", err)
	}

	s := mustStatus(t, store, id)
	if s.Status != StatusCompleted || s.Result.Verdict.CurrencyType != scorer.CurrencyUSD {
		t.Errorf("unexpected status %+v", s)
	}
	if exists, _ := client.HExists(ctx, testQueue+":data", id).Result(); exists {
		t.Error("job data should be deleted after completion")
	}
}

func TestRedisConsumerUndecodableJob(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewStatusStore(client, testQueue, time.Hour)
	c := newTestConsumer(t, client, store, &fakeProcessor{})
	ctx := context.Background()

	store.MarkQueued(ctx, "bad")
	client.HSet(ctx, testQueue+":data", "bad", "{not json")
	client.LPush(ctx, testQueue, "bad")

	if err := c.processNextJob(); err == nil {
		t.Fatal("expected decode error")
	}

	s := mustStatus(t, store, "bad")
	if s.Status != StatusFailed || s.Error == nil || s.Error.Code != "INVALID_REQUEST" {
		t.Errorf("unexpected status %+v", s)
	}
	if exists, _ := client.HExists(ctx, testQueue+":data", "bad").Result(); exists {
		t.Error("undecodable job data should be deleted")
	}
}
