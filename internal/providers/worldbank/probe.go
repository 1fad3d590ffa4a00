package worldbank

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	probeIndicator = "NY.GDP.MKTP.KD.ZG"
	probeCountry   = "US"
	probeTimeout   = 5 * time.Second

	DefaultProbeInterval    = 30 * time.Second
	DefaultProbeMaxAttempts = 120
)

var ErrNotReady = errors.New("worldbank: api did not become ready")

// Probe reports whether the API answers indicator requests. Server errors
// and transport failures mean not ready; client errors are taken as a live
// API rejecting this particular request.
func (c *Client) Probe(ctx context.Context) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/country/%s/indicator/%s?format=json&per_page=1", c.config.BaseURL, probeCountry, probeIndicator)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return true, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, nil
	}
	root := gjson.ParseBytes(body)
	return root.IsArray() && len(root.Array()) > 1, nil
}

// WaitUntilReady polls Probe every interval until it succeeds or
// maxAttempts probes have failed.
func (c *Client) WaitUntilReady(ctx context.Context, interval time.Duration, maxAttempts int) error {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultProbeMaxAttempts
	}

	c.log.Info("waiting for api", zap.Duration("interval", interval), zap.Int("max_attempts", maxAttempts))
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ready, err := c.Probe(ctx)
		if err != nil {
			return err
		}
		if ready {
			c.log.Info("api ready", zap.Int("attempt", attempt))
			return nil
		}
		if attempt%4 == 0 {
			c.log.Info("still waiting for api",
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", time.Duration(attempt)*interval),
			)
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ErrNotReady
}
