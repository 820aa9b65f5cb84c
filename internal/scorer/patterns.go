package scorer

import "regexp"

// CurrencyType labels the currency a banknote was matched to
type CurrencyType string

const (
	CurrencyHKD     CurrencyType = "HKD"
	CurrencyUSD     CurrencyType = "USD"
	CurrencyEUR     CurrencyType = "EUR"
	CurrencyUnknown CurrencyType = "unknown"
)

// Pattern pairs a currency label with the expression that identifies it
// in lowercased recognized text
type Pattern struct {
	Currency CurrencyType
	Expr     *regexp.Regexp
}

// DefaultPatterns is evaluated in order; the first match wins.
// ISO codes only count as whole words so that ordinary words such as
// "amateur" or "neural" carry no currency signal.
var DefaultPatterns = []Pattern{
	{Currency: CurrencyHKD, Expr: regexp.MustCompile(`hong\s*kong|港幣|\bhkd\b`)},
	{Currency: CurrencyUSD, Expr: regexp.MustCompile(`federal\s*reserve|\busd\b`)},
	{Currency: CurrencyEUR, Expr: regexp.MustCompile(`euro|€|\beur\b`)},
}

// serialRegex runs against the original text, so the letters must be uppercase
var serialRegex = regexp.MustCompile(`[A-Z]{2}[0-9]{6,}`)
