package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adverant/nexus/currencyscan-worker/internal/clients"
	"github.com/adverant/nexus/currencyscan-worker/internal/errors"
	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
	"github.com/adverant/nexus/currencyscan-worker/internal/processor"
	"github.com/adverant/nexus/currencyscan-worker/internal/queue"
	"github.com/adverant/nexus/currencyscan-worker/internal/scorer"
	"github.com/adverant/nexus/currencyscan-worker/internal/storage"
)

type fakeScanner struct {
	last  *processor.ScanRequest
	err   error
	block bool
}

func (f *fakeScanner) ProcessScan(ctx context.Context, req *processor.ScanRequest) (*processor.ScanResult, error) {
	f.last = req
	if f.block {
		<-ctx.Done()
		return nil, errors.NewOCRFailedError(req.JobID, "tesseract", ctx.Err())
	}
	if f.err != nil {
		return nil, f.err
	}
	return &processor.ScanResult{
		JobID:      req.JobID,
		Verdict:    scorer.Score("HKD HK1234567", 5),
		BlockCount: 5,
	}, nil
}

func (f *fakeScanner) UpdateJobStatus(ctx context.Context, req *processor.ScanRequest, status string, result *processor.ScanResult, jobErr error) error {
	return nil
}

type fakeProducer struct {
	last *queue.JobPayload
	err  error
}

func (f *fakeProducer) Enqueue(ctx context.Context, payload *queue.JobPayload) (string, error) {
	if payload.JobID == "" {
		payload.JobID = "generated-id"
	}
	if err := payload.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", queue.ErrInvalidJob, err)
	}
	if f.err != nil {
		return "", f.err
	}
	f.last = payload
	return payload.JobID, nil
}

func (f *fakeProducer) Close() error { return nil }

type fakeStatuses map[string]*queue.JobStatus

func (f fakeStatuses) Get(ctx context.Context, jobID string) (*queue.JobStatus, error) {
	if s, ok := f[jobID]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
}

func (f fakeStatuses) Stats(ctx context.Context) (map[string]int64, error) {
	stats := map[string]int64{"waiting": 0}
	for _, s := range f {
		stats[s.Status]++
	}
	return stats, nil
}

type fakeJobs map[string]*storage.Job

func (f fakeJobs) GetJobByID(ctx context.Context, jobID string) (*storage.Job, error) {
	if j, ok := f[jobID]; ok {
		return j, nil
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrJobNotFound, jobID)
}

type fakeRates struct {
	err error
}

func (f fakeRates) Latest(ctx context.Context) (*clients.RateTable, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &clients.RateTable{
		Base: "EUR",
		Date: "2024-01-02",
		Rates: map[string]decimal.Decimal{
			"EUR": decimal.NewFromInt(1),
			"HKD": decimal.RequireFromString("8.5"),
		},
	}, nil
}

func testDeps() Deps {
	return Deps{
		Scanner:     &fakeScanner{},
		MaxFileSize: 1 << 20,
		Logger:      logging.NewLoggerTo(&bytes.Buffer{}, "api", logging.LevelError),
	}
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, NewRouter(testDeps()), httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}

	deps := testDeps()
	deps.Health = []HealthCheck{
		{Name: "redis", Check: func(ctx context.Context) error { return nil }},
		{Name: "postgres", Check: func(ctx context.Context) error { return stderrors.New("connection refused") }},
	}
	rec = do(t, NewRouter(deps), httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "postgres") {
		t.Errorf("failing health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestScoreTextHandler(t *testing.T) {
	tests := []struct {
		body       string
		wantStatus int
		wantConf   float64
		authentic  bool
	}{
		{`{"text":"EURO","blockCount":2}`, http.StatusOK, 40, false},
		{`{"text":"federal reserve AB123456","blockCount":4}`, http.StatusOK, 100, true},
		{`{"text":"USD AB123456","blockCount":3}`, http.StatusOK, 70, false},
		{`not json`, http.StatusBadRequest, 0, false},
	}

	router := NewRouter(testDeps())
	for _, tt := range tests {
		rec := do(t, router, httptest.NewRequest("POST", "/v1/scans/text", strings.NewReader(tt.body)))
		if rec.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.body, rec.Code, tt.wantStatus)
			continue
		}
		if rec.Code != http.StatusOK {
			continue
		}
		var resp TextScoreResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Verdict.Confidence != tt.wantConf || resp.Verdict.IsAuthentic != tt.authentic {
			t.Errorf("%s: verdict = %+v", tt.body, resp.Verdict)
		}
		if !strings.Contains(resp.Report, "Currency Type:") {
			t.Errorf("%s: report = %q", tt.body, resp.Report)
		}
	}
}

func TestScanImageHandlerMultipart(t *testing.T) {
	deps := testDeps()
	scanner := deps.Scanner.(*fakeScanner)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("image", "note.jpg")
	part.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0})
	mw.Close()

	req := httptest.NewRequest("POST", "/v1/scans", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "user-42")
	rec := do(t, NewRouter(deps), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if scanner.last.UserID != "user-42" || scanner.last.Filename != "note.jpg" || len(scanner.last.FileBuffer) != 4 {
		t.Errorf("unexpected scan request %+v", scanner.last)
	}

	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	verdict, _ := resp["verdict"].(map[string]interface{})
	if verdict["currencyType"] != "HKD" || resp["report"] == "" {
		t.Errorf("unexpected response %v", resp)
	}
}

func TestScanImageHandlerRawBody(t *testing.T) {
	deps := testDeps()
	scanner := deps.Scanner.(*fakeScanner)

	req := httptest.NewRequest("POST", "/v1/scans?filename=raw.png", bytes.NewReader([]byte{0x89, 'P', 'N', 'G'}))
	req.Header.Set("Content-Type", "image/png")
	rec := do(t, NewRouter(deps), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if scanner.last.UserID != "anonymous" || scanner.last.MimeType != "image/png" || scanner.last.Filename != "raw.png" {
		t.Errorf("unexpected scan request %+v", scanner.last)
	}
}

func TestScanImageHandlerRawBodyWithoutImageType(t *testing.T) {
	for _, contentType := range []string{"application/x-www-form-urlencoded", "application/octet-stream", "text/plain"} {
		deps := testDeps()
		scanner := deps.Scanner.(*fakeScanner)

		req := httptest.NewRequest("POST", "/v1/scans", bytes.NewReader([]byte{0xFF, 0xD8, 0xFF, 0xE0}))
		req.Header.Set("Content-Type", contentType)
		rec := do(t, NewRouter(deps), req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", contentType, rec.Code)
		}
		if scanner.last.MimeType != "" {
			t.Errorf("%s: expected the type to be left for sniffing, got %q", contentType, scanner.last.MimeType)
		}
	}
}

func TestScanImageHandlerDeadline(t *testing.T) {
	deps := testDeps()
	deps.Scanner = &fakeScanner{block: true}
	deps.ScanTimeout = 20 * time.Millisecond

	rec := do(t, NewRouter(deps), httptest.NewRequest("POST", "/v1/scans", strings.NewReader("data")))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "PROCESSING_TIMEOUT") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestScanImageHandlerErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unsupported", errors.NewUnsupportedFormatError("j", "application/pdf"), http.StatusUnsupportedMediaType},
		{"ocr", errors.NewOCRFailedError("j", "tesseract", stderrors.New("x")), http.StatusBadGateway},
		{"timeout", errors.NewProcessingTimeoutError("j", 0, nil), http.StatusGatewayTimeout},
		{"unclassified", stderrors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps()
			deps.Scanner = &fakeScanner{err: tt.err}
			rec := do(t, NewRouter(deps), httptest.NewRequest("POST", "/v1/scans", strings.NewReader("data")))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	rec := do(t, NewRouter(testDeps()), httptest.NewRequest("POST", "/v1/scans", strings.NewReader("")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d", rec.Code)
	}
}

func TestEnqueueJobHandler(t *testing.T) {
	deps := testDeps()
	producer := &fakeProducer{}
	deps.Producer = producer
	router := NewRouter(deps)

	req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(`{"filename":"n.jpg","fileBuffer":"/9j/4A=="}`))
	req.Header.Set("X-User-ID", "u1")
	rec := do(t, router, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if producer.last.UserID != "u1" || producer.last.FileSize != 4 {
		t.Errorf("unexpected payload %+v", producer.last)
	}
	if !strings.Contains(rec.Body.String(), `"jobId":"generated-id"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = do(t, router, httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(`{"filename":"n.jpg"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("job without image: status = %d", rec.Code)
	}

	rec = do(t, NewRouter(testDeps()), httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(`{}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no producer: status = %d", rec.Code)
	}
}

func TestEnqueueJobHandlerBackendErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"redis down", stderrors.New("dial tcp: connection refused"), http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE"},
		{"duplicate id", fmt.Errorf("%w: j1", queue.ErrDuplicateJob), http.StatusConflict, "DUPLICATE_JOB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps()
			deps.Producer = &fakeProducer{err: tt.err}

			body := strings.NewReader(`{"jobId":"j1","fileBuffer":"/9j/4A=="}`)
			rec := do(t, NewRouter(deps), httptest.NewRequest("POST", "/v1/jobs", body))
			if rec.Code != tt.wantStatus || !strings.Contains(rec.Body.String(), tt.wantCode) {
				t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetJobHandler(t *testing.T) {
	deps := testDeps()
	deps.Statuses = fakeStatuses{"a": {JobID: "a", Status: queue.StatusProcessing}}
	deps.Jobs = fakeJobs{"b": {ID: "b", Status: queue.StatusCompleted}}
	router := NewRouter(deps)

	tests := []struct {
		id         string
		wantStatus int
		wantBody   string
	}{
		{"a", http.StatusOK, `"status":"processing"`},
		{"b", http.StatusOK, `"status":"completed"`},
		{"missing", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		rec := do(t, router, httptest.NewRequest("GET", "/v1/jobs/"+tt.id, nil))
		if rec.Code != tt.wantStatus || !strings.Contains(rec.Body.String(), tt.wantBody) {
			t.Errorf("job %s: %d %s", tt.id, rec.Code, rec.Body.String())
		}
	}

	rec := do(t, NewRouter(testDeps()), httptest.NewRequest("GET", "/v1/jobs/a", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured status lookup = %d", rec.Code)
	}
}

func TestJobStatsHandler(t *testing.T) {
	deps := testDeps()
	deps.Statuses = fakeStatuses{
		"a": {JobID: "a", Status: queue.StatusProcessing},
		"b": {JobID: "b", Status: queue.StatusProcessing},
	}

	rec := do(t, NewRouter(deps), httptest.NewRequest("GET", "/v1/jobs/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var stats map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["processing"] != 2 || stats["waiting"] != 0 {
		t.Errorf("stats = %v", stats)
	}

	rec = do(t, NewRouter(testDeps()), httptest.NewRequest("GET", "/v1/jobs/stats", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured stats = %d", rec.Code)
	}
}

func TestRatesHandlers(t *testing.T) {
	deps := testDeps()
	deps.Rates = fakeRates{}
	router := NewRouter(deps)

	rec := do(t, router, httptest.NewRequest("GET", "/v1/rates", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("rates status = %d", rec.Code)
	}
	var rates RatesResponse
	json.Unmarshal(rec.Body.Bytes(), &rates)
	if rates.Base != "EUR" || len(rates.Rates) != 2 || rates.Rates[0].Currency != "EUR" {
		t.Errorf("unexpected rates %+v", rates)
	}

	rec = do(t, router, httptest.NewRequest("GET", "/v1/rates/convert?amount=100&from=eur&to=hkd", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("convert status = %d: %s", rec.Code, rec.Body.String())
	}
	var conv ConvertResponse
	json.Unmarshal(rec.Body.Bytes(), &conv)
	if !conv.Result.Equal(decimal.NewFromInt(850)) || conv.To != "HKD" {
		t.Errorf("unexpected conversion %+v", conv)
	}

	for _, q := range []string{"amount=abc&from=EUR&to=HKD", "amount=1&from=EUR", "amount=1&from=EUR&to=GBP"} {
		rec = do(t, router, httptest.NewRequest("GET", "/v1/rates/convert?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", q, rec.Code)
		}
	}

	deps.Rates = fakeRates{err: stderrors.New("down")}
	rec = do(t, NewRouter(deps), httptest.NewRequest("GET", "/v1/rates", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("upstream failure status = %d", rec.Code)
	}

	rec = do(t, NewRouter(testDeps()), httptest.NewRequest("GET", "/v1/rates", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured rates status = %d", rec.Code)
	}
}
