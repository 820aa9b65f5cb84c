/**
 * Vision Client - remote text extraction
 *
 * Second recognition tier for banknote photos that Tesseract reads
 * poorly (glare, curved notes, low contrast). The remote service picks
 * its own vision model; only synchronous extraction is used.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
)

// VisionClient handles communication with the vision service
type VisionClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// VisionOCRRequest represents a request to extract text from an image
type VisionOCRRequest struct {
	Image          string                 `json:"image"`  // Base64 encoded image
	Format         string                 `json:"format"` // always "base64"
	PreferAccuracy bool                   `json:"preferAccuracy"`
	Language       string                 `json:"language"`
	Metadata       map[string]interface{} `json:"metadata"`
	JobID          string                 `json:"jobId,omitempty"`
}

// VisionOCRResponse represents a synchronous response from the vision endpoint
type VisionOCRResponse struct {
	Success bool          `json:"success"`
	Data    VisionOCRData `json:"data"`
	Message string        `json:"message"`
}

// VisionOCRData contains the extracted text and metadata
type VisionOCRData struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	ModelUsed      string  `json:"modelUsed"`
	ProcessingTime int64   `json:"processingTime"` // milliseconds
}

// NewVisionClient creates a new vision client
func NewVisionClient(baseURL string, logger *logging.Logger) *VisionClient {
	if logger == nil {
		logger = logging.NewLogger("VisionClient")
	}
	return &VisionClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
		logger: logger,
	}
}

// ExtractText sends one extraction request
func (c *VisionClient) ExtractText(ctx context.Context, req *VisionOCRRequest) (*VisionOCRData, error) {
	endpoint := fmt.Sprintf("%s/api/internal/vision/extract-text", c.baseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "currencyscan-worker")
	httpReq.Header.Set("X-Request-ID", "ocr-"+uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to vision service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vision service returned error status %d: %s", resp.StatusCode, string(body))
	}

	var ocrResp VisionOCRResponse
	if err := json.Unmarshal(body, &ocrResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !ocrResp.Success {
		return nil, fmt.Errorf("vision operation failed: %s", ocrResp.Message)
	}

	c.logger.Debug("Text extraction complete",
		"modelUsed", ocrResp.Data.ModelUsed,
		"confidence", ocrResp.Data.Confidence,
		"textLength", len(ocrResp.Data.Text))

	return &ocrResp.Data, nil
}

// ExtractTextFromBytes base64-encodes the image and extracts its text
func (c *VisionClient) ExtractTextFromBytes(ctx context.Context, imageData []byte, language string) (*VisionOCRData, error) {
	return c.ExtractText(ctx, &VisionOCRRequest{
		Image:          base64.StdEncoding.EncodeToString(imageData),
		Format:         "base64",
		PreferAccuracy: true,
		Language:       language,
		Metadata: map[string]interface{}{
			"source":    "currencyscan-worker",
			"timestamp": time.Now().Unix(),
		},
	})
}
