package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/currencyscan-worker/internal/clients"
	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
)

// TextExtractor is a remote text extraction service
type TextExtractor interface {
	ExtractTextFromBytes(ctx context.Context, imageData []byte, language string) (*clients.VisionOCRData, error)
}

// VisionOCR adapts a remote vision service to the Recognizer interface.
// The service returns flat text, so every non-blank line counts as one block.
type VisionOCR struct {
	client   TextExtractor
	language string
}

// NewVisionOCR creates a vision-backed recognizer
func NewVisionOCR(client TextExtractor, language string) *VisionOCR {
	if language == "" {
		language = "multi"
	}
	return &VisionOCR{client: client, language: language}
}

// Name returns the tier name
func (v *VisionOCR) Name() string {
	return "vision"
}

// Recognize extracts text through the vision service
func (v *VisionOCR) Recognize(ctx context.Context, imageData []byte) (*OCRResult, error) {
	start := time.Now()

	data, err := v.client.ExtractTextFromBytes(ctx, imageData, v.language)
	if err != nil {
		return nil, err
	}

	result := &OCRResult{
		Text:       data.Text,
		Confidence: data.Confidence,
		TierUsed:   v.Name(),
		Duration:   time.Since(start),
	}
	for _, line := range strings.Split(data.Text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			result.Blocks = append(result.Blocks, TextBlock{Text: line, Confidence: data.Confidence})
		}
	}
	return result, nil
}

// TieredRecognizer runs the primary engine and falls back to a second
// engine when the primary fails, reads nothing, or is below MinConfidence.
type TieredRecognizer struct {
	Primary       Recognizer
	Fallback      Recognizer // optional
	MinConfidence float64
	Logger        *logging.Logger
}

// Name returns the composite tier name
func (t *TieredRecognizer) Name() string {
	if t.Fallback == nil {
		return t.Primary.Name()
	}
	return t.Primary.Name() + "+" + t.Fallback.Name()
}

// Recognize returns the first acceptable result
func (t *TieredRecognizer) Recognize(ctx context.Context, imageData []byte) (*OCRResult, error) {
	primary, primaryErr := t.Primary.Recognize(ctx, imageData)
	if t.Fallback == nil {
		return primary, primaryErr
	}
	if primaryErr == nil && strings.TrimSpace(primary.Text) != "" && primary.Confidence >= t.MinConfidence {
		return primary, nil
	}

	if t.Logger != nil {
		if primaryErr != nil {
			t.Logger.Warn("Primary OCR failed, trying fallback", "engine", t.Primary.Name(), "error", primaryErr)
		} else {
			t.Logger.Info("Primary OCR below threshold, trying fallback", "engine", t.Primary.Name(),
				"confidence", primary.Confidence, "threshold", t.MinConfidence)
		}
	}

	fallback, err := t.Fallback.Recognize(ctx, imageData)
	if err != nil {
		if primaryErr == nil {
			// a weak primary read still beats no read
			return primary, nil
		}
		return nil, fmt.Errorf("%s: %v; %s: %w", t.Primary.Name(), primaryErr, t.Fallback.Name(), err)
	}
	return fallback, nil
}
