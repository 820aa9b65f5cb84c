/**
 * Currency Authenticity Scorer
 *
 * Turns recognized banknote text into a verdict: currency label, serial
 * number candidate, confidence (0-100) and an authenticity flag.
 *
 * Signal weights (40/30/30) and the threshold (70) are uncalibrated
 * placeholders kept for compatibility with the mobile client. Do not tune
 * them without labelled scan data.
 */

package scorer

import (
	"fmt"
	"strings"
)

const (
	currencyPoints = 40
	serialPoints   = 30
	layoutPoints   = 30

	// authenticThreshold is exclusive: a score of exactly 70 is suspicious
	authenticThreshold = 70

	// minBlocks is exclusive as well; a note needs more than 3 text regions
	minBlocks = 3
)

// RecognitionResult is the output of the text recognition step
type RecognitionResult struct {
	Text       string
	BlockCount int
}

// Verdict is the result of scoring one scan
type Verdict struct {
	CurrencyType CurrencyType `json:"currencyType"`
	SerialNumber string       `json:"serialNumber,omitempty"`
	Confidence   float64      `json:"confidence"`
	IsAuthentic  bool         `json:"isAuthentic"`
}

// HasSerial reports whether a serial number candidate was found
func (v Verdict) HasSerial() bool {
	return v.SerialNumber != ""
}

// Summary renders the verification report shown to the user
func (v Verdict) Summary() string {
	authenticity := "Suspicious"
	if v.IsAuthentic {
		authenticity = "Authentic"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Currency Type: %s\n", v.CurrencyType)
	fmt.Fprintf(&b, "Authenticity: %s\n", authenticity)
	fmt.Fprintf(&b, "Confidence: %.1f%%\n", v.Confidence)
	if v.HasSerial() {
		fmt.Fprintf(&b, "Serial Number: %s", v.SerialNumber)
	}
	return b.String()
}

// Scorer holds an ordered currency pattern table. It keeps no other state
// and is safe for concurrent use.
type Scorer struct {
	patterns []Pattern
}

// New creates a scorer over the given ordered patterns.
// With no patterns it uses DefaultPatterns.
func New(patterns ...Pattern) *Scorer {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	table := make([]Pattern, len(patterns))
	copy(table, patterns)
	return &Scorer{patterns: table}
}

var defaultScorer = New()

// Score scores text with the default pattern table
func Score(text string, blockCount int) Verdict {
	return defaultScorer.Score(text, blockCount)
}

// ScoreResult scores a recognition result. A nil result scores as empty text.
func (s *Scorer) ScoreResult(result *RecognitionResult) Verdict {
	if result == nil {
		return s.Score("", 0)
	}
	return s.Score(result.Text, result.BlockCount)
}

// Score computes the verdict for recognized text and its block count
func (s *Scorer) Score(text string, blockCount int) Verdict {
	currency := s.detectCurrency(strings.ToLower(text))
	serial := serialRegex.FindString(text)

	points := 0
	if currency != CurrencyUnknown {
		points += currencyPoints
	}
	if serial != "" {
		points += serialPoints
	}
	if blockCount > minBlocks {
		points += layoutPoints
	}

	return Verdict{
		CurrencyType: currency,
		SerialNumber: serial,
		Confidence:   float64(points),
		IsAuthentic:  points > authenticThreshold,
	}
}

func (s *Scorer) detectCurrency(normalized string) CurrencyType {
	if normalized == "" {
		return CurrencyUnknown
	}
	for _, p := range s.patterns {
		if p.Expr != nil && p.Expr.MatchString(normalized) {
			return p.Currency
		}
	}
	return CurrencyUnknown
}
