package processor

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Preprocessor normalizes scans before recognition: EXIF orientation,
// fixed target width, JPEG re-encode. Same settings as the mobile client.
type Preprocessor struct {
	width   int
	quality int
}

// NewPreprocessor creates a preprocessor; zero values fall back to 1200px / q80
func NewPreprocessor(width, quality int) *Preprocessor {
	if width <= 0 {
		width = 1200
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Preprocessor{width: width, quality: quality}
}

// Prepare decodes, resizes and re-encodes an image as JPEG
func (p *Preprocessor) Prepare(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	if img.Bounds().Dx() != p.width {
		img = imaging.Resize(img, p.width, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
		return nil, fmt.Errorf("encoding processed image: %w", err)
	}
	return buf.Bytes(), nil
}
