/**
 * Exchange Rates Client
 *
 * Latest rates from an exchangeratesapi.io compatible endpoint. The
 * free tier always quotes against EUR, so EUR is added at rate 1 and
 * cross rates are derived through it.
 */

package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
)

// BaseCurrency is the currency every quoted rate is relative to
const BaseCurrency = "EUR"

// DefaultSymbols are the currencies listed on the exchange screen
var DefaultSymbols = []string{"HKD", "USD", "AUD", "CAD", "PLN", "MXN", "CNY", "TWD", "JPY", "SGD", "KRW"}

var currencyNames = map[string]string{
	"EUR": "Euro",
	"HKD": "Hong Kong Dollar",
	"USD": "US Dollar",
	"AUD": "Australian Dollar",
	"CAD": "Canadian Dollar",
	"PLN": "Polish Złoty",
	"MXN": "Mexican Peso",
	"CNY": "Chinese Yuan",
	"TWD": "Taiwan Dollar",
	"JPY": "Japanese Yen",
	"SGD": "Singapore Dollar",
	"KRW": "South Korean Won",
}

// CurrencyName returns the display name for a currency code, or the code itself
func CurrencyName(code string) string {
	if name, ok := currencyNames[strings.ToUpper(code)]; ok {
		return name
	}
	return code
}

// Rate is one quoted currency
type Rate struct {
	Currency string          `json:"currency"`
	Name     string          `json:"name"`
	Rate     decimal.Decimal `json:"rate"`
}

// RateTable is one snapshot of rates against the base currency
type RateTable struct {
	Base      string                     `json:"base"`
	Date      string                     `json:"date"`
	Timestamp time.Time                  `json:"timestamp"`
	Rates     map[string]decimal.Decimal `json:"rates"`
}

// List returns the rates sorted with the base first, then by currency code
func (t *RateTable) List() []Rate {
	codes := make([]string, 0, len(t.Rates))
	for code := range t.Rates {
		if code != t.Base {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	if _, ok := t.Rates[t.Base]; ok {
		codes = append([]string{t.Base}, codes...)
	}

	rates := make([]Rate, 0, len(codes))
	for _, code := range codes {
		rates = append(rates, Rate{Currency: code, Name: CurrencyName(code), Rate: t.Rates[code]})
	}
	return rates
}

// Convert converts amount between two quoted currencies through the base
func (t *RateTable) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)

	fromRate, ok := t.Rates[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate for currency %s", from)
	}
	toRate, ok := t.Rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate for currency %s", to)
	}
	if fromRate.IsZero() {
		return decimal.Zero, fmt.Errorf("zero rate for currency %s", from)
	}

	return amount.Div(fromRate).Mul(toRate).Round(4), nil
}

// latestResponse is the upstream /latest payload
type latestResponse struct {
	Success   bool                       `json:"success"`
	Timestamp int64                      `json:"timestamp"`
	Base      string                     `json:"base"`
	Date      string                     `json:"date"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	Error     *struct {
		Code int    `json:"code"`
		Type string `json:"type"`
		Info string `json:"info"`
	} `json:"error,omitempty"`
}

// RatesClient fetches and caches exchange rates
type RatesClient struct {
	baseURL    string
	accessKey  string
	symbols    []string
	ttl        time.Duration
	httpClient *http.Client
	logger     *logging.Logger

	mu      sync.Mutex
	cached  *RateTable
	fetched time.Time
	now     func() time.Time
}

// RatesConfig configures a RatesClient
type RatesConfig struct {
	BaseURL   string
	AccessKey string
	Symbols   []string
	CacheTTL  time.Duration
	Logger    *logging.Logger
}

// NewRatesClient creates a new exchange rates client
func NewRatesClient(cfg RatesConfig) *RatesClient {
	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("RatesClient")
	}
	return &RatesClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accessKey:  cfg.AccessKey,
		symbols:    symbols,
		ttl:        cfg.CacheTTL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
}

// Latest returns the latest rate table, served from cache while fresh
func (c *RatesClient) Latest(ctx context.Context) (*RateTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.ttl > 0 && c.now().Sub(c.fetched) < c.ttl {
		return c.cached, nil
	}

	table, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cached = table
	c.fetched = c.now()
	return table, nil
}

func (c *RatesClient) fetch(ctx context.Context) (*RateTable, error) {
	query := url.Values{}
	query.Set("access_key", c.accessKey)
	query.Set("symbols", strings.Join(c.symbols, ","))
	query.Set("format", "1")
	endpoint := c.baseURL + "/latest?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rates request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read rates response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates API returned status %d", resp.StatusCode)
	}

	var latest latestResponse
	if err := json.Unmarshal(body, &latest); err != nil {
		return nil, fmt.Errorf("failed to parse rates response: %w", err)
	}

	if !latest.Success {
		if latest.Error != nil {
			return nil, fmt.Errorf("failed to fetch exchange rates: %s (%d)", latest.Error.Type, latest.Error.Code)
		}
		return nil, fmt.Errorf("failed to fetch exchange rates")
	}

	base := latest.Base
	if base == "" {
		base = BaseCurrency
	}
	rates := make(map[string]decimal.Decimal, len(latest.Rates)+1)
	rates[base] = decimal.NewFromInt(1)
	for code, rate := range latest.Rates {
		rates[code] = rate
	}

	c.logger.Info("Fetched exchange rates", "base", base, "date", latest.Date, "count", len(rates))

	return &RateTable{
		Base:      base,
		Date:      latest.Date,
		Timestamp: time.Unix(latest.Timestamp, 0).UTC(),
		Rates:     rates,
	}, nil
}
