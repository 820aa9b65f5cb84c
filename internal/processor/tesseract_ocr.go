/**
 * Tesseract OCR - on-device text recognition for banknote scans
 *
 * Returns the full text plus block-level regions; the number of blocks
 * feeds the layout signal of the scorer.
 */

package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"
)

// TesseractOCR handles OCR using Tesseract
type TesseractOCR struct {
	languages []string
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages []string
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) (*TesseractOCR, error) {
	if cfg == nil {
		cfg = &TesseractConfig{}
	}
	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{"eng"}
	}

	return &TesseractOCR{
		languages: languages,
	}, nil
}

// Name identifies the engine in job records
func (t *TesseractOCR) Name() string {
	return "tesseract"
}

// Recognize performs OCR using Tesseract
func (t *TesseractOCR) Recognize(ctx context.Context, imageData []byte) (*OCRResult, error) {
	startTime := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// gosseract clients are not safe to share between goroutines
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, fmt.Errorf("failed to set languages %v: %w", t.languages, err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	if err := client.SetImageFromBytes(imageData); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_BLOCK)
	if err != nil {
		return nil, fmt.Errorf("tesseract block detection failed: %w", err)
	}

	blocks := make([]TextBlock, 0, len(boxes))
	for _, box := range boxes {
		if strings.TrimSpace(box.Word) == "" {
			continue
		}
		blocks = append(blocks, TextBlock{
			Text:       box.Word,
			Confidence: box.Confidence / 100,
			Box:        box.Box,
		})
	}

	return &OCRResult{
		Text:       text,
		Confidence: meanConfidence(blocks),
		Blocks:     blocks,
		TierUsed:   t.Name(),
		Duration:   time.Since(startTime),
	}, nil
}

func meanConfidence(blocks []TextBlock) float64 {
	if len(blocks) == 0 {
		return 0
	}
	total := 0.0
	for _, b := range blocks {
		total += b.Confidence
	}
	return total / float64(len(blocks))
}
