// Package ticker looks up reference metadata for a stock symbol from the
// Polygon reference API. The simulation core never depends on it.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/GoSim-25-26J-441/montecarlo-core/internal/metrics"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/logger"
)

const (
	DefaultBaseURL           = "https://api.polygon.io"
	DefaultRequestsPerMinute = 5
	DefaultTimeout           = 10 * time.Second

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv = "POLYGON_API_KEY"
)

var (
	ErrNotFound      = errors.New("ticker not found")
	ErrNoAPIKey      = errors.New("no ticker API key configured")
	ErrInvalidSymbol = errors.New("invalid ticker symbol")
	ErrUpstream      = errors.New("ticker service error")
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.:\-]{0,15}$`)

// Metadata is the subset of ticker reference data exposed to clients.
type Metadata struct {
	Ticker       string          `json:"ticker"`
	Name         string          `json:"name"`
	CurrencyName string          `json:"currency_name"`
	MarketCap    decimal.Decimal `json:"market_cap"`
	HomepageURL  string          `json:"homepage_url"`
}

// Config configures a Client.
type Config struct {
	BaseURL           string
	APIKey            string
	RequestsPerMinute int
	Timeout           time.Duration
}

// Client queries the reference API. Outbound requests are rate limited
// to stay inside the provider's quota.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithMetrics injects the metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a Client. Zero fields of cfg take the package defaults.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute),
		logger:  logger.Default,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeSymbol upper-cases and validates a symbol.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// Lookup fetches the metadata of symbol. It returns ErrNotFound when the
// provider does not know the symbol.
func (c *Client) Lookup(ctx context.Context, symbol string) (Metadata, error) {
	md, err := c.lookup(ctx, symbol)
	switch {
	case err == nil:
		c.metrics.TickerLookup("found")
	case errors.Is(err, ErrNotFound):
		c.metrics.TickerLookup("not_found")
	default:
		c.metrics.TickerLookup("error")
	}
	return md, err
}

func (c *Client) lookup(ctx context.Context, symbol string) (Metadata, error) {
	if c.apiKey == "" {
		return Metadata{}, ErrNoAPIKey
	}
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return Metadata{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Metadata{}, fmt.Errorf("rate limit wait: %w", err)
	}

	u := fmt.Sprintf("%s/v3/reference/tickers/%s?%s", c.baseURL, url.PathEscape(sym), url.Values{"apiKey": {c.apiKey}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: read body: %w", ErrUpstream, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, sym)
	case resp.StatusCode != http.StatusOK:
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = gjson.GetBytes(body, "message").String()
		}
		c.logger.Warn("ticker lookup failed", "symbol", sym, "status", resp.StatusCode, "message", msg)
		return Metadata{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, msg)
	}

	if !gjson.ValidBytes(body) {
		return Metadata{}, fmt.Errorf("%w: invalid JSON", ErrUpstream)
	}
	results := gjson.GetBytes(body, "results")
	if !results.Exists() || !results.IsObject() {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, sym)
	}
	return parseMetadata(results)
}

func parseMetadata(r gjson.Result) (Metadata, error) {
	md := Metadata{
		Ticker:       r.Get("ticker").String(),
		Name:         r.Get("name").String(),
		CurrencyName: r.Get("currency_name").String(),
		HomepageURL:  r.Get("homepage_url").String(),
	}
	// market_cap is absent for some instruments; its raw text keeps the
	// provider's full precision.
	if mc := r.Get("market_cap"); mc.Exists() {
		d, err := decimal.NewFromString(mc.Raw)
		if err != nil {
			return Metadata{}, fmt.Errorf("%w: market_cap %q: %w", ErrUpstream, mc.Raw, err)
		}
		md.MarketCap = d
	}
	return md, nil
}
