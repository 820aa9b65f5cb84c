package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/adverant/nexus/currencyscan-worker/internal/clients"
	"github.com/adverant/nexus/currencyscan-worker/internal/errors"
	"github.com/adverant/nexus/currencyscan-worker/internal/processor"
	"github.com/adverant/nexus/currencyscan-worker/internal/queue"
	"github.com/adverant/nexus/currencyscan-worker/internal/scorer"
	"github.com/adverant/nexus/currencyscan-worker/internal/storage"
)

const userHeader = "X-User-ID"

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ScanResponse is returned by the synchronous scan endpoints
type ScanResponse struct {
	*processor.ScanResult
	Report string `json:"report"`
}

// TextScoreRequest is the body of POST /v1/scans/text
type TextScoreRequest struct {
	Text       string `json:"text"`
	BlockCount int    `json:"blockCount"`
}

// TextScoreResponse is the scorer verdict for raw text
type TextScoreResponse struct {
	Verdict scorer.Verdict `json:"verdict"`
	Report  string         `json:"report"`
}

// RatesResponse lists the latest exchange rates
type RatesResponse struct {
	Base      string         `json:"base"`
	Date      string         `json:"date"`
	Timestamp int64          `json:"timestamp"`
	Rates     []clients.Rate `json:"rates"`
}

// ConvertResponse is one currency conversion
type ConvertResponse struct {
	Amount decimal.Decimal `json:"amount"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Result decimal.Decimal `json:"result"`
	Date   string          `json:"date"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeProcessingError maps pipeline failures to HTTP statuses
func writeProcessingError(w http.ResponseWriter, err error) {
	code, ok := errors.CodeOf(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrorUnsupportedFormat:
		status = http.StatusUnsupportedMediaType
	case errors.ErrorInvalidRequest, errors.ErrorFileLoadFailed:
		status = http.StatusBadRequest
	case errors.ErrorOCRFailed:
		status = http.StatusBadGateway
	case errors.ErrorProcessingTimeout:
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, string(code), err.Error())
}

func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(userHeader)); id != "" {
		return id
	}
	return "anonymous"
}

// readImage reads the "image" multipart field or, for other content
// types, the raw request body. A raw body whose type is not image/* is
// left untyped so the scanner sniffs it.
func (s *server) readImage(w http.ResponseWriter, r *http.Request) (data []byte, filename, mimeType string, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxFileSize+(1<<20))

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			return nil, "", "", err
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			return nil, "", "", err
		}
		defer file.Close()
		data, err = io.ReadAll(file)
		return data, header.Filename, header.Header.Get("Content-Type"), err
	}

	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = ""
	}
	data, err = io.ReadAll(r.Body)
	return data, r.URL.Query().Get("filename"), mediaType, err
}

// ScanImageHandler scans one uploaded banknote photo synchronously
func (s *server) ScanImageHandler(w http.ResponseWriter, r *http.Request) {
	data, filename, mimeType, err := s.readImage(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(errors.ErrorInvalidRequest), "could not read image: "+err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, string(errors.ErrorInvalidRequest), "image is empty")
		return
	}
	if int64(len(data)) > s.MaxFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, string(errors.ErrorInvalidRequest), "image exceeds maximum size")
		return
	}

	req := &processor.ScanRequest{
		JobID:      uuid.NewString(),
		UserID:     userID(r),
		Filename:   filename,
		MimeType:   mimeType,
		FileSize:   int64(len(data)),
		FileBuffer: data,
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.ScanTimeout)
	defer cancel()

	result, err := s.Scanner.ProcessScan(ctx, req)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = errors.NewProcessingTimeoutError(req.JobID, s.ScanTimeout, err)
	}
	if err != nil {
		s.Logger.Warn("Synchronous scan failed", "jobId", req.JobID, "error", err)
		writeProcessingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ScanResponse{ScanResult: result, Report: result.Verdict.Summary()})
}

// ScoreTextHandler scores already recognized text
func (s *server) ScoreTextHandler(w http.ResponseWriter, r *http.Request) {
	var req TextScoreRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(errors.ErrorInvalidRequest), "invalid JSON body")
		return
	}

	verdict := s.Scorer.Score(req.Text, req.BlockCount)
	writeJSON(w, http.StatusOK, TextScoreResponse{Verdict: verdict, Report: verdict.Summary()})
}

// EnqueueJobHandler submits an asynchronous scan
func (s *server) EnqueueJobHandler(w http.ResponseWriter, r *http.Request) {
	if s.Producer == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "job queue is not configured")
		return
	}

	var payload queue.JobPayload
	body := http.MaxBytesReader(w, r.Body, s.MaxFileSize*2)
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, string(errors.ErrorInvalidRequest), "invalid job: "+err.Error())
		return
	}
	payload.UserID = userID(r)
	if int64(len(payload.FileBuffer)) > s.MaxFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, string(errors.ErrorInvalidRequest), "image exceeds maximum size")
		return
	}
	if payload.FileSize == 0 {
		payload.FileSize = int64(len(payload.FileBuffer))
	}

	jobID, err := s.Producer.Enqueue(r.Context(), &payload)
	switch {
	case stderrors.Is(err, queue.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, string(errors.ErrorInvalidRequest), err.Error())
		return
	case stderrors.Is(err, queue.ErrDuplicateJob):
		writeError(w, http.StatusConflict, "DUPLICATE_JOB", err.Error())
		return
	case err != nil:
		s.Logger.Error("Failed to enqueue job", "error", err)
		writeError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "job queue is unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": queue.StatusQueued})
}

// GetJobHandler reports the status of a job
func (s *server) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if jobID == "" {
		writeError(w, http.StatusBadRequest, string(errors.ErrorInvalidRequest), "missing job id")
		return
	}
	if s.Statuses == nil && s.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "job status is not configured")
		return
	}

	if s.Statuses != nil {
		status, err := s.Statuses.Get(r.Context(), jobID)
		if err == nil {
			writeJSON(w, http.StatusOK, status)
			return
		}
		if !stderrors.Is(err, queue.ErrJobNotFound) {
			s.Logger.Error("Failed to read job status", "jobId", jobID, "error", err)
			writeError(w, http.StatusInternalServerError, string(errors.ErrorStorageFailed), "failed to read job status")
			return
		}
	}

	if s.Jobs != nil {
		job, err := s.Jobs.GetJobByID(r.Context(), jobID)
		if err == nil {
			writeJSON(w, http.StatusOK, job)
			return
		}
		if !stderrors.Is(err, storage.ErrJobNotFound) {
			s.Logger.Error("Failed to read job", "jobId", jobID, "error", err)
			writeError(w, http.StatusInternalServerError, string(errors.ErrorStorageFailed), "failed to read job")
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
}

// HealthHandler answers OK when every configured backing service responds
func (s *server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	for _, hc := range s.Health {
		if err := hc.Check(r.Context()); err != nil {
			s.Logger.Warn("Health check failed", "service", hc.Name, "error", err)
			http.Error(w, hc.Name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("OK\n"))
}

// JobStatsHandler reports queue depth and per-status job counts
func (s *server) JobStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Statuses == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "job status is not configured")
		return
	}
	stats, err := s.Statuses.Stats(r.Context())
	if err != nil {
		s.Logger.Error("Failed to read queue stats", "error", err)
		writeError(w, http.StatusInternalServerError, string(errors.ErrorStorageFailed), "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetRatesHandler lists the latest exchange rates
func (s *server) GetRatesHandler(w http.ResponseWriter, r *http.Request) {
	table, ok := s.latestRates(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, RatesResponse{
		Base:      table.Base,
		Date:      table.Date,
		Timestamp: table.Timestamp.Unix(),
		Rates:     table.List(),
	})
}

// ConvertHandler converts an amount between two quoted currencies
func (s *server) ConvertHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(errors.ErrorInvalidRequest), "amount must be a decimal number")
		return
	}
	from, to := strings.ToUpper(q.Get("from")), strings.ToUpper(q.Get("to"))
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, string(errors.ErrorInvalidRequest), "from and to are required")
		return
	}

	table, ok := s.latestRates(w, r)
	if !ok {
		return
	}
	result, err := table.Convert(amount, from, to)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(errors.ErrorInvalidRequest), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ConvertResponse{Amount: amount, From: from, To: to, Result: result, Date: table.Date})
}

func (s *server) latestRates(w http.ResponseWriter, r *http.Request) (*clients.RateTable, bool) {
	if s.Rates == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "exchange rates are not configured")
		return nil, false
	}
	table, err := s.Rates.Latest(r.Context())
	if err != nil {
		s.Logger.Warn("Failed to fetch exchange rates", "error", err)
		writeError(w, http.StatusBadGateway, "RATES_UNAVAILABLE", "failed to fetch exchange rates")
		return nil, false
	}
	return table, true
}
