package erapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
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
	defaultURL       = "https://open.er-api.com/v6/latest/USD"
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "worldrates/0.1"

	sourceName = "open.er-api.com"
	baseCode   = "USD"
)

type Config struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// Provider fetches the USD based exchange rate table and fans each currency
// out to every country that uses it.
type Provider struct {
	config    Config
	client    *http.Client
	limiter   *ratelimit.Limiter
	policy    retry.Policy
	writer    providers.Writer
	countries providers.Countries
	log       *zap.Logger
	now       func() time.Time
}

func NewWithConfig(cfg Config, limiter *ratelimit.Limiter, policy retry.Policy, writer providers.Writer, countries providers.Countries, log *zap.Logger) *Provider {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = defaultURL
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
	return &Provider{
		config:    cfg,
		client:    &http.Client{},
		limiter:   limiter,
		policy:    policy,
		writer:    writer,
		countries: countries,
		log:       log.With(zap.String("source", sourceName)),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *Provider) Name() string {
	return "erapi"
}

func (p *Provider) Series() model.SeriesID {
	return model.SeriesExchange
}

type table struct {
	effectiveDate string
	rates         map[string]float64
}

func (p *Provider) Fetch(ctx context.Context) (providers.Result, error) {
	start := time.Now()
	result := providers.Result{Series: model.SeriesExchange, Pages: 1}

	var rates table
	err := p.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		body, err := p.get(ctx)
		if err != nil {
			return err
		}
		rates, err = p.parse(body)
		return err
	})
	if err != nil {
		result.FailedPages = 1
		metrics.RecordFetch(string(model.SeriesExchange), time.Since(start), err)
		return result, err
	}

	currencies := make([]string, 0, len(rates.rates))
	for code := range rates.rates {
		currencies = append(currencies, code)
	}
	sort.Strings(currencies)

	observations := make([]model.Observation, 0, len(currencies))
	for _, code := range currencies {
		targets := p.countries.CountriesByCurrency(code)
		if len(targets) == 0 {
			result.Skipped++
			continue
		}
		for _, iso2 := range targets {
			observations = append(observations, model.Observation{
				CountryISO:    iso2,
				CurrencyCode:  code,
				Value:         rates.rates[code],
				Source:        sourceName,
				EffectiveDate: rates.effectiveDate,
			})
		}
	}

	if len(observations) == 0 {
		metrics.RecordFetch(string(model.SeriesExchange), time.Since(start), providers.ErrNoRecords)
		return result, providers.ErrNoRecords
	}

	ids, err := p.writer.ApplyBatch(ctx, model.SeriesExchange, observations)
	result.Written = len(ids)
	if err != nil {
		result.Partial = true
		p.log.Error("exchange rate write failed", zap.Error(err))
	}
	p.log.Info("exchange rates updated",
		zap.Int("currencies", len(currencies)),
		zap.Int("written", result.Written),
		zap.Int("unmapped", result.Skipped),
		zap.String("effective_date", rates.effectiveDate),
	)
	metrics.RecordFetch(string(model.SeriesExchange), time.Since(start), nil)
	metrics.RecordWritten(string(model.SeriesExchange), result.Written)
	return result, nil
}

func (p *Provider) get(ctx context.Context) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", p.config.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Transient(fmt.Errorf("erapi: request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("erapi: read body: %w", err))
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		err := fmt.Errorf("erapi: request failed (%s)", resp.Status)
		if retry.IsTransientStatus(resp.StatusCode) {
			return nil, &retry.TransientError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return body, nil
}

func (p *Provider) parse(body []byte) (table, error) {
	if !gjson.ValidBytes(body) {
		return table{}, errors.New("erapi: invalid json payload")
	}
	root := gjson.ParseBytes(body)
	if result := root.Get("result"); result.Exists() && !strings.EqualFold(result.String(), "success") {
		return table{}, fmt.Errorf("erapi: api returned %q: %s", result.String(), root.Get("error-type").String())
	}
	ratesNode := root.Get("rates")
	if !ratesNode.IsObject() {
		return table{}, errors.New("erapi: invalid payload: rates not found")
	}

	rates := make(map[string]float64)
	ratesNode.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Number {
			rates[strings.ToUpper(key.String())] = value.Float()
		}
		return true
	})
	if _, ok := rates[baseCode]; !ok {
		rates[baseCode] = 1
	}

	return table{
		effectiveDate: p.effectiveDate(root.Get("time_last_update_utc").String()),
		rates:         rates,
	}, nil
}

// effectiveDate takes the date part of the feed's update time, or today
// when the feed gives none.
func (p *Provider) effectiveDate(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC().Format(model.DateLayout)
		}
	}
	if date, _, ok := model.EffectiveDate(raw); ok {
		return date
	}
	return p.now().Format(model.DateLayout)
}

var _ providers.Fetcher = (*Provider)(nil)
