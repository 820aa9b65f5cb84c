/**
 * Scan Processor for the CurrencyScan Worker
 *
 * Pipeline for one banknote photograph:
 * - load the image (inline buffer or URL download with backoff)
 * - detect the real MIME type from magic bytes
 * - normalize the image (orientation, 1200px width, JPEG q80)
 * - recognize text and text blocks
 * - score the recognized text into a currency verdict
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/adverant/nexus/currencyscan-worker/internal/errors"
	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
	"github.com/adverant/nexus/currencyscan-worker/internal/scorer"
	"github.com/adverant/nexus/currencyscan-worker/internal/storage"
)

// ScanProcessorInterface defines the interface for scan processing
type ScanProcessorInterface interface {
	ProcessScan(ctx context.Context, req *ScanRequest) (*ScanResult, error)
	UpdateJobStatus(ctx context.Context, req *ScanRequest, status string, result *ScanResult, jobErr error) error
}

// JobStore persists job status updates
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Recognizer   Recognizer
	Preprocessor *Preprocessor
	Scorer       *scorer.Scorer
	JobStore     JobStore // optional
	MaxFileSize  int64
	HTTPClient   *http.Client
	Logger       *logging.Logger

	// DownloadBackoff is the first retry delay for URL downloads (default 1s)
	DownloadBackoff time.Duration
}

// ScanRequest represents a scan processing request
type ScanRequest struct {
	JobID      string
	UserID     string
	Filename   string
	MimeType   string
	FileSize   int64
	FileURL    string
	FileBuffer []byte
	Metadata   map[string]interface{}
}

// ScanResult represents the processing result
type ScanResult struct {
	JobID            string         `json:"jobId,omitempty"`
	Verdict          scorer.Verdict `json:"verdict"`
	BlockCount       int            `json:"blockCount"`
	TextLength       int            `json:"textLength"`
	OCRConfidence    float64        `json:"ocrConfidence"`
	OCRTierUsed      string         `json:"ocrTierUsed"`
	MimeType         string         `json:"mimeType"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
}

// ScanProcessor handles scan processing
type ScanProcessor struct {
	config       *ProcessorConfig
	recognizer   Recognizer
	preprocessor *Preprocessor
	scorer       *scorer.Scorer
	store        JobStore
	httpClient   *http.Client
	log          *logging.Logger
}

const (
	maxDownloadRetries = 5
	maxBackoff         = 32 * time.Second
	downloadTimeout    = 2 * time.Minute
)

var supportedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/tiff": true,
	"image/bmp":  true,
}

// NewScanProcessor creates a new scan processor
func NewScanProcessor(cfg *ProcessorConfig) (*ScanProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}

	if cfg.Preprocessor == nil {
		cfg.Preprocessor = NewPreprocessor(0, 0)
	}
	if cfg.Scorer == nil {
		cfg.Scorer = scorer.New()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: downloadTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("processor")
	}
	if cfg.DownloadBackoff <= 0 {
		cfg.DownloadBackoff = time.Second
	}

	return &ScanProcessor{
		config:       cfg,
		recognizer:   cfg.Recognizer,
		preprocessor: cfg.Preprocessor,
		scorer:       cfg.Scorer,
		store:        cfg.JobStore,
		httpClient:   cfg.HTTPClient,
		log:          cfg.Logger,
	}, nil
}

// ProcessScan runs one scan through the complete pipeline
func (p *ScanProcessor) ProcessScan(ctx context.Context, req *ScanRequest) (*ScanResult, error) {
	if req == nil {
		return nil, errors.NewInvalidRequestError("", "scan request is required")
	}
	startTime := time.Now()
	p.log.Debug("Starting scan pipeline", "jobId", req.JobID, "filename", req.Filename)

	// Step 1: Load image
	fileData, err := p.loadFile(ctx, req)
	if err != nil {
		return nil, errors.NewFileLoadFailedError(req.JobID, err)
	}

	// Step 2: Detect actual MIME type from magic bytes
	mimeType := req.MimeType
	if detected := detectMimeTypeFromMagicBytes(fileData); detected != "" &&
		(mimeType == "" || mimeType == "application/octet-stream") {
		p.log.Debug("Corrected MIME type", "jobId", req.JobID, "from", mimeType, "to", detected)
		mimeType = detected
	}
	if !supportedImageTypes[mimeType] {
		return nil, errors.NewUnsupportedFormatError(req.JobID, mimeType)
	}

	// Step 3: Normalize image
	prepared, err := p.preprocessor.Prepare(fileData)
	if err != nil {
		p.log.Warn("Image preprocessing failed", "jobId", req.JobID, "error", err)
		return nil, errors.NewUnsupportedFormatError(req.JobID, mimeType)
	}

	// Step 4: Recognize text. The scorer never runs when this fails.
	ocrResult, err := p.recognizer.Recognize(ctx, prepared)
	if err != nil {
		return nil, errors.NewOCRFailedError(req.JobID, p.recognizer.Name(), err)
	}
	p.log.Debug("Recognition complete", "jobId", req.JobID, "blocks", ocrResult.BlockCount(),
		"chars", len(ocrResult.Text), "duration", ocrResult.Duration)

	// Step 5: Score
	verdict := p.scorer.ScoreResult(ocrResult.Recognition())

	result := &ScanResult{
		JobID:            req.JobID,
		Verdict:          verdict,
		BlockCount:       ocrResult.BlockCount(),
		TextLength:       len(ocrResult.Text),
		OCRConfidence:    ocrResult.Confidence,
		OCRTierUsed:      ocrResult.TierUsed,
		MimeType:         mimeType,
		ProcessingTimeMs: time.Since(startTime).Milliseconds(),
	}

	p.log.Info("Scan complete", "jobId", req.JobID, "currency", verdict.CurrencyType,
		"confidence", verdict.Confidence, "authentic", verdict.IsAuthentic)

	return result, nil
}

// UpdateJobStatus records job progress in the job store, if one is configured
func (p *ScanProcessor) UpdateJobStatus(ctx context.Context, req *ScanRequest, status string, result *ScanResult, jobErr error) error {
	if p.store == nil || req == nil {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    req.JobID,
		UserID:   req.UserID,
		Filename: req.Filename,
		MimeType: req.MimeType,
		FileSize: req.FileSize,
		Status:   status,
		Metadata: req.Metadata,
	}

	if result != nil {
		verdict := result.Verdict
		update.Verdict = &verdict
		update.BlockCount = result.BlockCount
		update.OCRTierUsed = result.OCRTierUsed
		update.ProcessingTimeMs = result.ProcessingTimeMs
		if result.MimeType != "" {
			update.MimeType = result.MimeType
		}
	}

	if jobErr != nil {
		update.ErrorCode = "PROCESSING_ERROR"
		if code, ok := errors.CodeOf(jobErr); ok {
			update.ErrorCode = string(code)
		}
		update.ErrorMessage = jobErr.Error()
	}

	if err := p.store.UpdateJobStatus(ctx, update); err != nil {
		return errors.NewStorageFailedError(req.JobID, err)
	}
	return nil
}

// loadFile loads file from buffer or URL
func (p *ScanProcessor) loadFile(ctx context.Context, req *ScanRequest) ([]byte, error) {
	if len(req.FileBuffer) > 0 {
		if p.config.MaxFileSize > 0 && int64(len(req.FileBuffer)) > p.config.MaxFileSize {
			return nil, fmt.Errorf("file size exceeds maximum: %d > %d bytes", len(req.FileBuffer), p.config.MaxFileSize)
		}
		return req.FileBuffer, nil
	}

	if req.FileURL != "" {
		p.log.Debug("Downloading scan", "jobId", req.JobID, "url", req.FileURL)
		return p.downloadFileFromURL(ctx, req.JobID, req.FileURL)
	}

	return nil, fmt.Errorf("no file source provided (buffer or URL)")
}

// downloadFileFromURL downloads a file with exponential backoff between attempts
func (p *ScanProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= maxDownloadRetries; attempt++ {
		data, retry, err := p.downloadOnce(ctx, fileURL)
		if err == nil {
			return data, nil
		}
		lastErr = err
		p.log.Warn("Download attempt failed", "jobId", jobID, "attempt", attempt, "error", err)

		if !retry || attempt == maxDownloadRetries {
			break
		}

		backoff := time.Duration(float64(p.config.DownloadBackoff) * math.Pow(2, float64(attempt-1)))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("failed to download file: %w", lastErr)
}

// downloadOnce performs one GET. retry is false for errors a retry cannot fix.
func (p *ScanProcessor) downloadOnce(ctx context.Context, fileURL string) (data []byte, retry bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("invalid file URL: %w", err)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 4xx other than 429 will not change on retry
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	maxBytes := p.config.MaxFileSize
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, false, fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, maxBytes)
	}
	if maxBytes <= 0 {
		maxBytes = 100 * 1024 * 1024
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, false, fmt.Errorf("file size exceeds maximum: more than %d bytes", maxBytes)
	}
	return data, false, nil
}

// detectMimeTypeFromMagicBytes detects the actual MIME type from file content magic bytes
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	}

	return ""
}
