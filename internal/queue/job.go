/**
 * Scan job wire format
 *
 * Jobs are JSON documents shared with the TypeScript API gateway:
 * {"id","type","payload":{...},"createdAt","attempts","maxRetries"}.
 */

package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/currencyscan-worker/internal/processor"
)

// TaskTypeScanCurrency is the job type for banknote scans
const TaskTypeScanCurrency = "scan-currency"

// Job status values
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job represents a job from the Redis queue
type Job struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// JobPayload contains the actual job data
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	UserID     string                 `json:"userId"`
	Filename   string                 `json:"filename"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	FileBuffer []byte                 `json:"fileBuffer,omitempty"` // base64 on the wire
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts fileBuffer as a base64 string or as a Node.js
// Buffer object ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	switch v := aux.FileBuffer.(type) {
	case nil:
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded

	case map[string]interface{}:
		bufferType, _ := v["type"].(string)
		if bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// ScanRequest converts the payload to the processor's request type
func (p *JobPayload) ScanRequest() *processor.ScanRequest {
	return &processor.ScanRequest{
		JobID:      p.JobID,
		UserID:     p.UserID,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		FileSize:   p.FileSize,
		FileURL:    p.FileURL,
		FileBuffer: p.FileBuffer,
		Metadata:   p.Metadata,
	}
}

// Validate checks that the payload names a job and carries an image source
func (p *JobPayload) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if len(p.FileBuffer) == 0 && p.FileURL == "" {
		return fmt.Errorf("job %s has neither fileBuffer nor fileUrl", p.JobID)
	}
	return nil
}
