/**
 * OCR Types - Shared data structures for text recognition
 *
 * The scorer only needs the flat text and the number of text blocks;
 * the remaining fields are kept for logging and job tracking.
 */

package processor

import (
	"context"
	"image"
	"time"

	"github.com/adverant/nexus/currencyscan-worker/internal/scorer"
)

// Recognizer extracts text from an image
type Recognizer interface {
	Recognize(ctx context.Context, imageData []byte) (*OCRResult, error)
	Name() string
}

// OCRResult represents the result of text recognition
type OCRResult struct {
	Text       string
	Confidence float64 // mean block confidence, 0..1
	Blocks     []TextBlock
	TierUsed   string
	Duration   time.Duration
}

// TextBlock is one contiguous region of recognized text
type TextBlock struct {
	Text       string
	Confidence float64
	Box        image.Rectangle
}

// BlockCount returns the number of detected text blocks
func (r *OCRResult) BlockCount() int {
	if r == nil {
		return 0
	}
	return len(r.Blocks)
}

// Recognition converts the OCR output into the scorer's input shape
func (r *OCRResult) Recognition() *scorer.RecognitionResult {
	if r == nil {
		return nil
	}
	return &scorer.RecognitionResult{
		Text:       r.Text,
		BlockCount: r.BlockCount(),
	}
}
