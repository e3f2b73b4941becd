// Package geocode turns coordinates into a human readable address using an
// OpenCage compatible reverse geocoding API. Lookups never fail: any problem
// falls back to a formatted coordinate string.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultBaseURL = "https://api.opencagedata.com"

// Config holds the client settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client resolves addresses.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a Client. A zero Timeout defaults to 10 seconds.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

type response struct {
	Results []struct {
		Formatted string `json:"formatted"`
	} `json:"results"`
}

// Fallback formats coordinates the way stored addresses look when no lookup
// succeeded.
func Fallback(lat, lng float64) string {
	return fmt.Sprintf("Lat: %.6f, Lng: %.6f", lat, lng)
}

// Resolve returns the formatted address of the first result, or Fallback.
// The second return value reports whether the address came from the API.
func (c *Client) Resolve(ctx context.Context, lat, lng float64) (string, bool) {
	addr, err := c.lookup(ctx, lat, lng)
	if err != nil {
		c.logger.Warn().Err(err).Float64("lat", lat).Float64("lng", lng).Msg("geocode lookup failed, using coordinates")
		return Fallback(lat, lng), false
	}
	return addr, true
}

func (c *Client) lookup(ctx context.Context, lat, lng float64) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("no api key configured")
	}

	q := url.Values{}
	q.Set("q", strconv.FormatFloat(lat, 'f', -1, 64)+","+strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("key", c.apiKey)
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/geocode/v1/json?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geocoder returned status %d", resp.StatusCode)
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(body.Results) == 0 || strings.TrimSpace(body.Results[0].Formatted) == "" {
		return "", fmt.Errorf("no results")
	}
	return body.Results[0].Formatted, nil
}
