package worldbank

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"worldrates/internal/metrics"
	"worldrates/internal/model"
	"worldrates/internal/providers"
	"worldrates/internal/ratelimit"
	"worldrates/internal/retry"
)

const (
	defaultBaseURL      = "https://api.worldbank.org/v2"
	defaultPerPage      = 1000
	defaultRecentYears  = 5
	defaultHistoryYears = 30
	defaultTimeout      = 30 * time.Second
	defaultUserAgent    = "worldrates/0.1"

	sourceName = "worldbank"
)

var ErrAPI = errors.New("worldbank: api error")

type Config struct {
	BaseURL      string
	PerPage      int
	RecentYears  int
	HistoryYears int
	// Timeout bounds each page request.
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the World Bank v2 indicator API. It is shared by every
// indicator fetcher so they queue on the same limiter.
type Client struct {
	config  Config
	client  *http.Client
	limiter *ratelimit.Limiter
	policy  retry.Policy
	log     *zap.Logger
	now     func() time.Time
}

func NewWithConfig(cfg Config, limiter *ratelimit.Limiter, policy retry.Policy, log *zap.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PerPage <= 0 {
		cfg.PerPage = defaultPerPage
	}
	if cfg.RecentYears <= 0 {
		cfg.RecentYears = defaultRecentYears
	}
	if cfg.HistoryYears <= 0 {
		cfg.HistoryYears = defaultHistoryYears
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		config:  cfg,
		client:  &http.Client{},
		limiter: limiter,
		policy:  policy,
		log:     log.With(zap.String("source", sourceName)),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type window struct {
	name     string
	fromYear int
	toYear   int
}

// windows splits the lookback into the recent years, fetched first, and
// the older history.
func (c *Client) windows() []window {
	current := c.now().Year()
	windows := []window{{name: "recent", fromYear: current - c.config.RecentYears, toYear: current}}
	if c.config.HistoryYears > c.config.RecentYears {
		windows = append(windows, window{
			name:     "historical",
			fromYear: current - c.config.HistoryYears,
			toYear:   current - c.config.RecentYears - 1,
		})
	}
	return windows
}

type page struct {
	number int
	pages  int
	rows   []gjson.Result
}

func (c *Client) indicatorURL(indicator string, w window, pageNumber int) string {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("date", fmt.Sprintf("%d:%d", w.fromYear, w.toYear))
	params.Set("per_page", strconv.Itoa(c.config.PerPage))
	params.Set("page", strconv.Itoa(pageNumber))
	return c.config.BaseURL + "/country/all/indicator/" + url.PathEscape(indicator) + "?" + params.Encode()
}

// fetchPage requests one page under the retry policy. The limiter is
// waited on before every attempt.
func (c *Client) fetchPage(ctx context.Context, indicator string, w window, pageNumber int) (page, error) {
	endpoint := c.indicatorURL(indicator, w, pageNumber)
	var result page
	err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		body, err := c.get(ctx, endpoint)
		if err != nil {
			c.log.Debug("page request failed",
				zap.String("indicator", indicator),
				zap.Int("page", pageNumber),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		parsed, err := parsePage(body)
		if err != nil {
			return err
		}
		result = parsed
		return nil
	})
	return result, err
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Transient(fmt.Errorf("worldbank: request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("worldbank: read body: %w", err))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		err := fmt.Errorf("worldbank: request failed (%s): %s", resp.Status, truncate(strings.TrimSpace(string(body)), 200))
		if retry.IsTransientStatus(resp.StatusCode) {
			return nil, &retry.TransientError{
				StatusCode: resp.StatusCode,
				RetryAfter: parseRetryAfter(resp),
				Err:        err,
			}
		}
		return nil, err
	}
	return body, nil
}

// parsePage decodes [meta, rows]. An error payload [{"message": [...]}] is
// reported as ErrAPI.
func parsePage(body []byte) (page, error) {
	if !gjson.ValidBytes(body) {
		return page{}, errors.New("worldbank: invalid json payload")
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return page{}, errors.New("worldbank: unexpected payload shape")
	}

	meta := root.Get("0")
	if messages := meta.Get("message"); messages.Exists() {
		texts := make([]string, 0)
		for _, message := range messages.Array() {
			text := message.Get("value").String()
			if text == "" {
				text = message.Get("key").String()
			}
			if text == "" {
				text = message.String()
			}
			texts = append(texts, text)
		}
		return page{}, fmt.Errorf("%w: %s", ErrAPI, strings.Join(texts, "; "))
	}

	result := page{
		number: int(meta.Get("page").Int()),
		pages:  int(meta.Get("pages").Int()),
	}
	if rows := root.Get("1"); rows.IsArray() {
		result.rows = rows.Array()
	}
	return result, nil
}

func parseRetryAfter(resp *http.Response) time.Duration {
	value := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := time.Parse(http.TimeFormat, value); err == nil {
		if wait := time.Until(when); wait > 0 {
			return wait
		}
	}
	return 0
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}

// Fetcher ingests one indicator series.
type Fetcher struct {
	client    *Client
	series    model.Series
	writer    providers.Writer
	countries providers.Countries
}

func (c *Client) Fetcher(series model.Series, writer providers.Writer, countries providers.Countries) (*Fetcher, error) {
	if series.Indicator == "" {
		return nil, fmt.Errorf("worldbank: series %s has no indicator", series.ID)
	}
	return &Fetcher{client: c, series: series, writer: writer, countries: countries}, nil
}

// Fetchers builds a fetcher for every catalog series with an indicator code.
func (c *Client) Fetchers(writer providers.Writer, countries providers.Countries) []providers.Fetcher {
	fetchers := make([]providers.Fetcher, 0)
	for _, series := range model.AllSeries() {
		if series.Indicator == "" {
			continue
		}
		fetcher, err := c.Fetcher(series, writer, countries)
		if err != nil {
			continue
		}
		fetchers = append(fetchers, fetcher)
	}
	return fetchers
}

func (f *Fetcher) Name() string {
	return sourceName + ":" + f.series.Indicator
}

func (f *Fetcher) Series() model.SeriesID {
	return f.series.ID
}

// Fetch runs the recent pass then the historical pass. A failed page is
// skipped; a failed first page abandons its pass since the page count is
// unknown. It fails only when nothing could be fetched at all.
func (f *Fetcher) Fetch(ctx context.Context) (providers.Result, error) {
	start := time.Now()
	result := providers.Result{Series: f.series.ID}
	var lastErr error

	for _, w := range f.client.windows() {
		if err := ctx.Err(); err != nil {
			metrics.RecordFetch(string(f.series.ID), time.Since(start), err)
			return result, err
		}
		if err := f.fetchWindow(ctx, w, &result); err != nil {
			lastErr = err
		}
	}

	if ctx.Err() != nil {
		lastErr = ctx.Err()
	}
	var err error
	switch {
	case result.Written == 0 && lastErr != nil:
		err = lastErr
	case result.Written == 0:
		err = providers.ErrNoRecords
	case lastErr != nil:
		result.Partial = true
	}
	metrics.RecordFetch(string(f.series.ID), time.Since(start), err)
	metrics.RecordWritten(string(f.series.ID), result.Written)
	return result, err
}

func (f *Fetcher) fetchWindow(ctx context.Context, w window, result *providers.Result) error {
	log := f.client.log.With(
		zap.String("series", string(f.series.ID)),
		zap.String("window", w.name),
		zap.Int("from", w.fromYear),
		zap.Int("to", w.toYear),
	)

	first, err := f.client.fetchPage(ctx, f.series.Indicator, w, 1)
	if err != nil {
		metrics.RecordPageFailure(sourceName)
		result.FailedPages++
		log.Warn("first page failed, abandoning pass", zap.Error(err))
		return err
	}

	var lastErr error
	current := first
	for pageNumber := 1; ; pageNumber++ {
		if pageNumber > 1 {
			next, err := f.client.fetchPage(ctx, f.series.Indicator, w, pageNumber)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				metrics.RecordPageFailure(sourceName)
				result.FailedPages++
				lastErr = err
				log.Warn("page failed, skipping", zap.Int("page", pageNumber), zap.Error(err))
				if pageNumber >= first.pages {
					break
				}
				continue
			}
			current = next
		}

		result.Pages++
		if len(current.rows) == 0 {
			break
		}
		if err := f.applyRows(ctx, current.rows, result); err != nil {
			lastErr = err
			log.Error("page write failed", zap.Int("page", pageNumber), zap.Error(err))
		}
		if pageNumber >= first.pages {
			break
		}
	}

	log.Info("pass complete",
		zap.Int("pages", first.pages),
		zap.Int("written", result.Written),
		zap.Int("skipped", result.Skipped),
	)
	return lastErr
}

func (f *Fetcher) applyRows(ctx context.Context, rows []gjson.Result, result *providers.Result) error {
	observations := make([]model.Observation, 0, len(rows))
	for _, row := range rows {
		observation, ok := f.rowToObservation(row)
		if !ok {
			result.Skipped++
			continue
		}
		observations = append(observations, observation)
	}
	if len(observations) == 0 {
		return nil
	}
	ids, err := f.writer.ApplyBatch(ctx, f.series.ID, observations)
	result.Written += len(ids)
	return err
}

func (f *Fetcher) rowToObservation(row gjson.Result) (model.Observation, bool) {
	value, ok := numericValue(row.Get("value"))
	if !ok {
		return model.Observation{}, false
	}
	iso3 := strings.TrimSpace(row.Get("countryiso3code").String())
	if iso3 == "" {
		return model.Observation{}, false
	}
	country, ok := f.countries.CountryByISO3(iso3)
	if !ok {
		return model.Observation{}, false
	}
	effectiveDate, _, ok := model.EffectiveDate(row.Get("date").String())
	if !ok {
		return model.Observation{}, false
	}
	return model.Observation{
		CountryISO:    country.ISO2,
		Value:         value,
		Period:        f.series.Period,
		Source:        sourceName,
		EffectiveDate: effectiveDate,
	}, true
}

func numericValue(value gjson.Result) (float64, bool) {
	switch value.Type {
	case gjson.Number:
		return value.Float(), true
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value.Str), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

var _ providers.Fetcher = (*Fetcher)(nil)
