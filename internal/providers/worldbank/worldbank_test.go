package worldbank

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldrates/internal/model"
	"worldrates/internal/providers"
	"worldrates/internal/ratelimit"
	"worldrates/internal/retry"
	"worldrates/internal/store"
)

var fixedNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type requestLog struct {
	mu       sync.Mutex
	requests []string
}

func (l *requestLog) add(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, r.URL.Query().Get("date")+"#"+r.URL.Query().Get("page"))
}

func (l *requestLog) count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, request := range l.requests {
		if request == key {
			n++
		}
	}
	return n
}

func pageBody(pageNumber, pages int, rows ...string) string {
	return fmt.Sprintf(`[{"page":%d,"pages":%d,"per_page":2,"total":%d,"lastupdated":"2024-05-30"},[%s]]`,
		pageNumber, pages, pages*2, strings.Join(rows, ","))
}

func row(iso3, iso2, date string, value string) string {
	return fmt.Sprintf(`{"indicator":{"id":"FR.INR.RINR","value":"Real interest rate (%%)"},"country":{"id":%q,"value":"x"},"countryiso3code":%q,"date":%q,"value":%s,"unit":"","obs_status":"","decimal":1}`,
		iso2, iso3, date, value)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), &store.NopPersister{})
	require.NoError(t, err)
	_, err = s.SeedCountries(context.Background(), []model.Country{
		{ISO2: "DE", ISO3: "DEU", Name: "Germany", Region: "Europe", Currency: "EUR"},
		{ISO2: "FR", ISO3: "FRA", Name: "France", Region: "Europe", Currency: "EUR"},
		{ISO2: "US", ISO3: "USA", Name: "United States", Region: "Americas", Currency: "USD"},
	})
	require.NoError(t, err)
	return s
}

func newTestClient(baseURL string) *Client {
	client := NewWithConfig(
		Config{BaseURL: baseURL, PerPage: 2, RecentYears: 5, HistoryYears: 10, Timeout: time.Second},
		ratelimit.New(sourceName, 0),
		retry.Policy{MaxAttempts: 3, Backoff: retry.Fixed(time.Millisecond)},
		nil,
	)
	client.now = func() time.Time { return fixedNow }
	return client
}

func interestFetcher(t *testing.T, client *Client, s *store.Store) *Fetcher {
	t.Helper()
	series, err := model.LookupSeries(model.SeriesInterest)
	require.NoError(t, err)
	fetcher, err := client.Fetcher(series, s, s)
	require.NoError(t, err)
	return fetcher
}

func TestFetchWalksBothWindowsAndAllPages(t *testing.T) {
	log := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		assert.Equal(t, "/country/all/indicator/FR.INR.RINR", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "2", r.URL.Query().Get("per_page"))

		switch r.URL.Query().Get("date") + "#" + r.URL.Query().Get("page") {
		case "2019:2024#1":
			fmt.Fprint(w, pageBody(1, 2, row("DEU", "DE", "2023", "1.8"), row("WLD", "1W", "2023", "3.1")))
		case "2019:2024#2":
			fmt.Fprint(w, pageBody(2, 2, row("FRA", "FR", "2023", "null"), row("FRA", "FR", "2022", "2.5")))
		case "2014:2018#1":
			fmt.Fprint(w, pageBody(1, 1, row("DEU", "DE", "2018", "1.5"), row("USA", "US", "2018", `"2.25"`)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	s := newTestStore(t)
	result, err := interestFetcher(t, newTestClient(server.URL), s).Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, result.Written)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 3, result.Pages)
	assert.False(t, result.Partial)

	germany, err := s.FindByIdentity(model.SeriesInterest, model.Identity{CountryISO: "DE"})
	require.NoError(t, err)
	require.Len(t, germany, 2)
	assert.Equal(t, "2023-01-01", germany[0].EffectiveDate)
	assert.Equal(t, "worldbank", germany[0].Source)

	us, err := s.FindByIdentity(model.SeriesInterest, model.Identity{CountryISO: "US"})
	require.NoError(t, err)
	require.Len(t, us, 1)
	assert.Equal(t, 2.25, us[0].Value)
}

func TestFetchIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageBody(1, 1, row("DEU", "DE", "2023", "1.8")))
	}))
	defer server.Close()

	s := newTestStore(t)
	fetcher := interestFetcher(t, newTestClient(server.URL), s)
	_, err := fetcher.Fetch(context.Background())
	require.NoError(t, err)
	_, err = fetcher.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, s.Count(model.SeriesInterest))
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	log := &requestLog{}
	var mu sync.Mutex
	failures := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		if r.URL.Query().Get("date") == "2019:2024" && r.URL.Query().Get("page") == "2" {
			mu.Lock()
			failures++
			shouldFail := failures <= 2
			mu.Unlock()
			if shouldFail {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, pageBody(2, 2, row("FRA", "FR", "2023", "2.0")))
			return
		}
		fmt.Fprint(w, pageBody(1, 2, row("DEU", "DE", "2023", "1.8")))
	}))
	defer server.Close()

	s := newTestStore(t)
	result, err := interestFetcher(t, newTestClient(server.URL), s).Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, log.count("2019:2024#2"))
	assert.Equal(t, 0, result.FailedPages)
	france, err := s.FindByIdentity(model.SeriesInterest, model.Identity{CountryISO: "FR"})
	require.NoError(t, err)
	assert.Len(t, france, 1)
}

func TestFetchSkipsExhaustedPage(t *testing.T) {
	log := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		if r.URL.Query().Get("date") != "2019:2024" {
			fmt.Fprint(w, pageBody(1, 0))
			return
		}
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, pageBody(1, 3, row("DEU", "DE", "2023", "1.8")))
		case "2":
			w.WriteHeader(http.StatusBadGateway)
		case "3":
			fmt.Fprint(w, pageBody(3, 3, row("USA", "US", "2023", "5.1")))
		}
	}))
	defer server.Close()

	s := newTestStore(t)
	result, err := interestFetcher(t, newTestClient(server.URL), s).Fetch(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Partial)
	assert.Equal(t, 1, result.FailedPages)
	assert.Equal(t, 2, result.Written)
	assert.Equal(t, 3, log.count("2019:2024#2"))
	assert.Equal(t, 1, log.count("2019:2024#3"))
}

func TestFetchDoesNotRetryAPIErrors(t *testing.T) {
	log := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		fmt.Fprint(w, `[{"message":[{"id":"175","key":"Invalid format","value":"The indicator was not found."}]}]`)
	}))
	defer server.Close()

	s := newTestStore(t)
	result, err := interestFetcher(t, newTestClient(server.URL), s).Fetch(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAPI))
	assert.Contains(t, err.Error(), "The indicator was not found.")
	assert.Equal(t, 1, log.count("2019:2024#1"))
	assert.Equal(t, 1, log.count("2014:2018#1"))
	assert.Equal(t, 2, result.FailedPages)
}

func TestFetchReportsNoRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"page":1,"pages":0,"per_page":2,"total":0},null]`)
	}))
	defer server.Close()

	s := newTestStore(t)
	_, err := interestFetcher(t, newTestClient(server.URL), s).Fetch(context.Background())
	assert.ErrorIs(t, err, providers.ErrNoRecords)
}

func TestFetchersCoverEveryIndicator(t *testing.T) {
	s := newTestStore(t)
	fetchers := newTestClient("http://unused").Fetchers(s, s)
	assert.Len(t, fetchers, len(model.AllSeries())-1)
	for _, fetcher := range fetchers {
		assert.NotEqual(t, model.SeriesExchange, fetcher.Series())
	}
}

func TestWaitUntilReady(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		assert.Equal(t, "/country/US/indicator/NY.GDP.MKTP.KD.ZG", r.URL.Path)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, pageBody(1, 1, row("USA", "US", "2023", "2.5")))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	require.NoError(t, client.WaitUntilReady(context.Background(), time.Millisecond, 5))
	mu.Lock()
	assert.Equal(t, 3, calls)
	calls = 0
	mu.Unlock()

	assert.ErrorIs(t, client.WaitUntilReady(context.Background(), time.Millisecond, 2), ErrNotReady)
}
