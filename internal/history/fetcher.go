// Package history performs paginated backfill of OHLCV candle history
// over the REST API.
//
// Pages are fetched sequentially, walking backward in time from the most
// recent candles, and merged into a single ascending, deduplicated series
// keyed by bucket-aligned open time. A page failure mid-pagination aborts
// the loop but returns whatever was accumulated so far; partial backfill
// is preferable to none.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mehmetmajidi/arbimind-web-sub002/internal/candles"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/clock"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/model"
	"github.com/mehmetmajidi/arbimind-web-sub002/internal/utils"
)

const (
	// defaultPageSize matches the per-request candle cap enforced by the
	// API.
	defaultPageSize = 300

	// defaultMaxPages bounds a single backfill so a huge target can never
	// turn into an unbounded request loop.
	defaultMaxPages = 20

	// defaultRequestTimeout applies when no HTTP client is supplied.
	defaultRequestTimeout = 10 * time.Second
)

// Common errors returned by the fetcher.
var (
	// ErrNotAuthenticated indicates the token supplier returned no token.
	// This is a user-facing condition, not a retryable transport error.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrPartialBackfill wraps a page failure that interrupted
	// pagination. The candles accumulated before the failure are still
	// returned alongside it.
	ErrPartialBackfill = errors.New("backfill incomplete")
)

// TokenSource supplies the current bearer token, or empty when the user
// is not authenticated.
type TokenSource func() string

// Config defines settings for the Fetcher.
type Config struct {
	// BaseURL is the REST API root, e.g. "https://api.example.com/v1".
	// Required.
	BaseURL string

	// TokenSource supplies the bearer token. Required.
	TokenSource TokenSource

	// HTTPClient is the client used for requests. Defaults to one with a
	// 10 second timeout.
	HTTPClient *http.Client

	// PageSize is the per-request candle limit. Defaults to 300.
	PageSize int

	// MaxPages caps the number of pages fetched per backfill. Defaults
	// to 20.
	MaxPages int
}

// Fetcher retrieves historical candles and ticker snapshots.
type Fetcher struct {
	cfg      Config
	validate *validator.Validate
}

// candlePayload is one wire candle. Prices and volume arrive as decimal
// strings and the open time in Unix milliseconds.
type candlePayload struct {
	OpenTime int64  `json:"t" validate:"required,gt=0"`
	Open     string `json:"o" validate:"required,numeric"`
	High     string `json:"h" validate:"required,numeric"`
	Low      string `json:"l" validate:"required,numeric"`
	Close    string `json:"c" validate:"required,numeric"`
	Volume   string `json:"v" validate:"required,numeric"`
}

// historyPage is the paginated history response envelope.
type historyPage struct {
	Candles []candlePayload `json:"candles" validate:"dive"`
}

// tickerPayload is the point-in-time ticker response.
type tickerPayload struct {
	Price string `json:"price" validate:"required,numeric"`
	High  string `json:"high" validate:"omitempty,numeric"`
	Low   string `json:"low" validate:"omitempty,numeric"`
	Bid   string `json:"bid" validate:"omitempty,numeric"`
	Ask   string `json:"ask" validate:"omitempty,numeric"`
}

// NewFetcher creates a history fetcher with the given configuration.
func NewFetcher(cfg Config) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.TokenSource == nil {
		return nil, errors.New("token source is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}

	return &Fetcher{
		cfg:      cfg,
		validate: validator.New(),
	}, nil
}

// Backfill accumulates at least targetCount candles for the pair by
// walking pages backward from the most recent data. It stops early when a
// page comes back short (the venue's history horizon) or the page ceiling
// is hit. On a mid-pagination failure the candles gathered so far are
// returned together with an error wrapping ErrPartialBackfill.
func (f *Fetcher) Backfill(ctx context.Context, symbol string, tf model.Timeframe, targetCount int) ([]model.Candle, error) {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	if err := tf.Validate(); err != nil {
		return nil, err
	}
	if f.cfg.TokenSource() == "" {
		return nil, ErrNotAuthenticated
	}

	series, err := candles.NewSeries(tf)
	if err != nil {
		return nil, err
	}

	durSec := int64(tf.Duration() / time.Second)
	sinceMs := int64(0) // first page: most recent candles

	for page := 0; page < f.cfg.MaxPages; page++ {
		got, err := f.fetchPage(ctx, symbol, tf, sinceMs)
		if err != nil {
			if series.Len() > 0 {
				log.Warn().Err(err).Str("symbol", symbol).Int("accumulated", series.Len()).
					Msg("backfill page failed, returning partial series")
				return series.Snapshot(), fmt.Errorf("%w: %v", ErrPartialBackfill, err)
			}
			return nil, err
		}

		before := series.Len()
		for _, c := range got {
			if err := series.Merge(c); err != nil {
				log.Warn().Err(err).Msg("dropping misaligned history candle")
			}
		}

		if len(got) < f.cfg.PageSize || series.Len() >= targetCount {
			break
		}
		if series.Len() == before {
			// The cursor walked past the venue's history horizon and the
			// page brought nothing new.
			break
		}

		oldest, ok := series.Oldest()
		if !ok {
			break
		}
		sinceMs = (oldest.OpenTime - int64(f.cfg.PageSize)*durSec) * 1000
	}

	return series.Snapshot(), nil
}

// Extend fetches one page of candles strictly before the given open time,
// for paging further into the past. The result is ascending and
// deduplicated; the caller merges it into its series.
func (f *Fetcher) Extend(ctx context.Context, symbol string, tf model.Timeframe, beforeOpenTime int64) ([]model.Candle, error) {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	if err := tf.Validate(); err != nil {
		return nil, err
	}
	if f.cfg.TokenSource() == "" {
		return nil, ErrNotAuthenticated
	}

	durSec := int64(tf.Duration() / time.Second)
	sinceMs := (beforeOpenTime - int64(f.cfg.PageSize)*durSec) * 1000

	got, err := f.fetchPage(ctx, symbol, tf, sinceMs)
	if err != nil {
		return nil, err
	}

	series, err := candles.NewSeries(tf)
	if err != nil {
		return nil, err
	}
	for _, c := range got {
		if c.OpenTime >= beforeOpenTime {
			continue
		}
		if err := series.Merge(c); err != nil {
			log.Warn().Err(err).Msg("dropping misaligned history candle")
		}
	}

	return series.Snapshot(), nil
}

// Ticker fetches the instantaneous market snapshot for the pair.
func (f *Fetcher) Ticker(ctx context.Context, symbol string) (model.Ticker, error) {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return model.Ticker{}, err
	}
	if f.cfg.TokenSource() == "" {
		return model.Ticker{}, ErrNotAuthenticated
	}

	query := url.Values{}
	query.Set("symbol", symbol)

	body, err := f.get(ctx, "/ticker", query)
	if err != nil {
		return model.Ticker{}, err
	}

	var payload tickerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return model.Ticker{}, fmt.Errorf("invalid ticker payload: %w", err)
	}
	if err := f.validate.Struct(&payload); err != nil {
		return model.Ticker{}, fmt.Errorf("ticker validation failed: %w", err)
	}

	price, err := parsePrice(payload.Price)
	if err != nil {
		return model.Ticker{}, err
	}

	t := model.Ticker{Price: price}
	t.High, _ = parseOptional(payload.High)
	t.Low, _ = parseOptional(payload.Low)
	t.Bid, _ = parseOptional(payload.Bid)
	t.Ask, _ = parseOptional(payload.Ask)
	return t, nil
}

// fetchPage requests one history page and converts it to model candles,
// aligning open times to the timeframe boundary.
func (f *Fetcher) fetchPage(ctx context.Context, symbol string, tf model.Timeframe, sinceMs int64) ([]model.Candle, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("timeframe", string(tf))
	query.Set("limit", strconv.Itoa(f.cfg.PageSize))
	if sinceMs > 0 {
		query.Set("since", strconv.FormatInt(sinceMs, 10))
	}

	body, err := f.get(ctx, "/history", query)
	if err != nil {
		return nil, err
	}

	var page historyPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("invalid history payload: %w", err)
	}
	if err := f.validate.Struct(&page); err != nil {
		return nil, fmt.Errorf("history validation failed: %w", err)
	}

	out := make([]model.Candle, 0, len(page.Candles))
	for _, p := range page.Candles {
		c, err := toCandle(p, tf)
		if err != nil {
			log.Warn().Err(err).Int64("openTime", p.OpenTime).Msg("skipping unparseable candle")
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// get performs an authenticated GET and returns the response body.
func (f *Fetcher) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+f.cfg.TokenSource())

	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// toCandle converts a wire candle to the model type.
func toCandle(p candlePayload, tf model.Timeframe) (model.Candle, error) {
	open, err := parsePrice(p.Open)
	if err != nil {
		return model.Candle{}, err
	}
	high, err := parsePrice(p.High)
	if err != nil {
		return model.Candle{}, err
	}
	low, err := parsePrice(p.Low)
	if err != nil {
		return model.Candle{}, err
	}
	closePrice, err := parsePrice(p.Close)
	if err != nil {
		return model.Candle{}, err
	}
	volume, err := parseOptional(p.Volume)
	if err != nil {
		return model.Candle{}, err
	}

	return model.Candle{
		OpenTime: clock.BucketStartMillis(p.OpenTime, tf.Duration()),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePrice,
		Volume:   volume,
	}, nil
}

// parsePrice parses a decimal price string and requires a positive value.
func parsePrice(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", s, err)
	}
	v := d.InexactFloat64()
	if v <= 0 {
		return 0, fmt.Errorf("non-positive price %q", s)
	}
	return v, nil
}

// parseOptional parses a decimal string that may be empty or zero.
func parseOptional(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", s, err)
	}
	return d.InexactFloat64(), nil
}
