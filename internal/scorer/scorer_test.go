package scorer

import (
	"regexp"
	"strings"
	"sync"
	"testing"
)

func TestScore(t *testing.T) {
	testCases := []struct {
		name        string
		text        string
		blocks      int
		currency    CurrencyType
		serial      string
		confidence  float64
		isAuthentic bool
	}{
		{
			name:       "empty text",
			text:       "",
			blocks:     0,
			currency:   CurrencyUnknown,
			confidence: 0,
		},
		{
			name:       "no currency marker",
			text:       "Lorem ipsum dolor sit amet",
			blocks:     2,
			currency:   CurrencyUnknown,
			confidence: 0,
		},
		{
			name:       "euro marker only",
			text:       "BANCA CENTRALE EUROPEA EURO",
			blocks:     3,
			currency:   CurrencyEUR,
			confidence: 40,
		},
		{
			name:       "currency with zero blocks",
			text:       "hkd",
			blocks:     0,
			currency:   CurrencyHKD,
			confidence: 40,
		},
		{
			name:        "all signals",
			text:        "EURO AB123456 ECB",
			blocks:      4,
			currency:    CurrencyEUR,
			serial:      "AB123456",
			confidence:  100,
			isAuthentic: true,
		},
		{
			name:       "threshold is exclusive",
			text:       "EURO AB123456",
			blocks:     3,
			currency:   CurrencyEUR,
			serial:     "AB123456",
			confidence: 70,
		},
		{
			name:       "currency and layout without serial",
			text:       "THE UNITED STATES OF AMERICA\nFEDERAL RESERVE NOTE",
			blocks:     6,
			currency:   CurrencyUSD,
			confidence: 70,
		},
		{
			name:       "serial and layout without currency",
			text:       "QX98765432",
			blocks:     5,
			currency:   CurrencyUnknown,
			serial:     "QX98765432",
			confidence: 60,
		},
		{
			name:       "lowercase serial is ignored",
			text:       "euro ab123456",
			blocks:     1,
			currency:   CurrencyEUR,
			confidence: 40,
		},
		{
			name:       "serial needs six digits",
			text:       "EURO AB12345",
			blocks:     1,
			currency:   CurrencyEUR,
			confidence: 40,
		},
		{
			name:        "chinese marker",
			text:        "香港上海滙豐銀行 港幣壹佰圓 HK1234567",
			blocks:      7,
			currency:    CurrencyHKD,
			serial:      "HK1234567",
			confidence:  100,
			isAuthentic: true,
		},
		{
			name:       "mixed case marker",
			text:       "Hong Kong",
			blocks:     0,
			currency:   CurrencyHKD,
			confidence: 40,
		},
		{
			name:       "negative block count",
			text:       "",
			blocks:     -5,
			currency:   CurrencyUnknown,
			confidence: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := Score(tc.text, tc.blocks)

			if v.CurrencyType != tc.currency {
				t.Errorf("expected currency %q, got %q", tc.currency, v.CurrencyType)
			}
			if v.SerialNumber != tc.serial {
				t.Errorf("expected serial %q, got %q", tc.serial, v.SerialNumber)
			}
			if v.Confidence != tc.confidence {
				t.Errorf("expected confidence %v, got %v", tc.confidence, v.Confidence)
			}
			if v.IsAuthentic != tc.isAuthentic {
				t.Errorf("expected isAuthentic=%v, got %v", tc.isAuthentic, v.IsAuthentic)
			}
		})
	}
}

func TestScore_FirstMatchWins(t *testing.T) {
	// mentions both USD and euro; the default table checks USD first
	v := Score("100 USD or 90 EURO", 0)
	if v.CurrencyType != CurrencyUSD {
		t.Errorf("expected %q, got %q", CurrencyUSD, v.CurrencyType)
	}

	reordered := New(
		Pattern{Currency: CurrencyEUR, Expr: regexp.MustCompile(`euro`)},
		Pattern{Currency: CurrencyUSD, Expr: regexp.MustCompile(`usd`)},
	)
	v = reordered.Score("100 USD or 90 EURO", 0)
	if v.CurrencyType != CurrencyEUR {
		t.Errorf("expected %q, got %q", CurrencyEUR, v.CurrencyType)
	}
}

func TestScore_CodesNeedWordBoundaries(t *testing.T) {
	unknown := []string{
		"AMATEUR PHOTOGRAPHY",
		"NEURAL NETWORK",
		"CUSDOM",
		"TEN DOLLARS AUSTRALIA",
		"SHKDX",
	}
	for _, text := range unknown {
		if v := Score(text, 0); v.CurrencyType != CurrencyUnknown || v.Confidence != 0 {
			t.Errorf("%q: expected unknown with confidence 0, got %q %v", text, v.CurrencyType, v.Confidence)
		}
	}

	known := map[string]CurrencyType{
		"100 HKD":        CurrencyHKD,
		"usd 20":         CurrencyUSD,
		"50 EUR":         CurrencyEUR,
		"Price: 5€":      CurrencyEUR,
		"(HKD)1000":      CurrencyHKD,
		"FEDERALRESERVE": CurrencyUSD,
	}
	for text, expected := range known {
		if v := Score(text, 0); v.CurrencyType != expected {
			t.Errorf("%q: expected %q, got %q", text, expected, v.CurrencyType)
		}
	}
}

func TestScore_Idempotent(t *testing.T) {
	s := New()
	first := s.Score("FEDERAL RESERVE NOTE AB12345678", 9)
	for i := 0; i < 10; i++ {
		if got := s.Score("FEDERAL RESERVE NOTE AB12345678", 9); got != first {
			t.Fatalf("run %d: expected %+v, got %+v", i, first, got)
		}
	}
}

func TestScore_ConfidenceBounds(t *testing.T) {
	texts := []string{"", "euro", "AB123456", "hkd CD9876543", "nothing here", strings.Repeat("usd ", 50)}
	blocks := []int{-1, 0, 3, 4, 100}

	for _, text := range texts {
		for _, b := range blocks {
			v := Score(text, b)
			if v.Confidence < 0 || v.Confidence > 100 {
				t.Errorf("Score(%q, %d): confidence %v out of range", text, b, v.Confidence)
			}
			if v.IsAuthentic != (v.Confidence > 70) {
				t.Errorf("Score(%q, %d): isAuthentic=%v inconsistent with confidence %v", text, b, v.IsAuthentic, v.Confidence)
			}
		}
	}
}

func TestScore_Concurrent(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := s.Score("EURO AB123456", 4)
			if v.Confidence != 100 {
				t.Errorf("expected 100, got %v", v.Confidence)
			}
		}()
	}
	wg.Wait()
}

func TestScoreResult_Nil(t *testing.T) {
	v := New().ScoreResult(nil)
	if v.CurrencyType != CurrencyUnknown || v.Confidence != 0 || v.IsAuthentic || v.HasSerial() {
		t.Errorf("expected empty verdict for nil result, got %+v", v)
	}

	v = New().ScoreResult(&RecognitionResult{Text: "EURO AB123456", BlockCount: 4})
	if !v.IsAuthentic {
		t.Errorf("expected authentic verdict, got %+v", v)
	}
}

func TestVerdictSummary(t *testing.T) {
	v := Verdict{CurrencyType: CurrencyEUR, SerialNumber: "AB123456", Confidence: 100, IsAuthentic: true}
	expected := "Currency Type: EUR\nAuthenticity: Authentic\nConfidence: 100.0%\nSerial Number: AB123456"
	if got := v.Summary(); got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}

	v = Verdict{CurrencyType: CurrencyUnknown}
	expected = "Currency Type: unknown\nAuthenticity: Suspicious\nConfidence: 0.0%\n"
	if got := v.Summary(); got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
}
