package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/config"
	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

const (
	defaultBaseURL  = "https://api.coingecko.com/api/v3"
	defaultLookback = 30
	apiKeyHeader    = "x-cg-demo-api-key"
)

// Client fetches historical market data from CoinGecko.
type Client struct {
	HTTPClient   *http.Client
	baseURL      string
	apiKey       string
	vsCurrency   string
	lookbackDays int
	logger       *logrus.Logger
	now          func() time.Time
}

// NewClient creates a CoinGecko client from configuration.
func NewClient(cfg *config.CoinGeckoConfig, logger *logrus.Logger) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	lookback := cfg.LookbackDays
	if lookback <= 0 {
		lookback = defaultLookback
	}
	vs := cfg.VsCurrency
	if vs == "" {
		vs = "usd"
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		HTTPClient:   &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		vsCurrency:   vs,
		lookbackDays: lookback,
		logger:       logger,
		now:          time.Now,
	}
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchMarketChart returns the price history of coin over the lookback window
// ending now, ascending by timestamp with duplicate timestamps removed.
func (c *Client) FetchMarketChart(ctx context.Context, coin string) (models.PriceSeries, error) {
	to := c.now()
	from := to.AddDate(0, 0, -c.lookbackDays)

	query := url.Values{}
	query.Set("vs_currency", c.vsCurrency)
	query.Set("from", strconv.FormatInt(from.Unix(), 10))
	query.Set("to", strconv.FormatInt(to.Unix(), 10))
	path := fmt.Sprintf("/coins/%s/market_chart/range?%s", url.PathEscape(coin), query.Encode())

	var response MarketChartResponse
	if err := c.makeRequest(ctx, http.MethodGet, path, &response); err != nil {
		c.logger.WithFields(logrus.Fields{"coin": coin, "error": err}).Warn("market chart request failed")
		return nil, err
	}

	if len(response.Prices) == 0 {
		return nil, fmt.Errorf("no price observations for %q: %w", coin, utils.ErrEmptyDataset)
	}

	points := make([]models.PricePoint, 0, len(response.Prices))
	for _, p := range response.Prices {
		points = append(points, models.PricePoint{
			Timestamp: p.Timestamp,
			Price:     p.Price.InexactFloat64(),
		})
	}
	series := models.NewPriceSeries(points)

	c.logger.WithFields(logrus.Fields{
		"coin":         coin,
		"observations": len(series),
	}).Debug("fetched market chart")

	return series, nil
}

// makeRequest performs a GET against the API and decodes the JSON body into result.
// Transport failures and non-2xx statuses are reported as ErrDataUnavailable.
func (c *Client) makeRequest(ctx context.Context, method, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Celebrum-Forecast/1.0")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %v", utils.ErrDataUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.WithError(err).Debug("error closing response body")
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", utils.ErrDataUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errorResp ErrorResponse
		if err := json.Unmarshal(respBody, &errorResp); err == nil && errorResp.message() != "" {
			return fmt.Errorf("%w: coingecko error (%d): %s", utils.ErrDataUnavailable, resp.StatusCode, errorResp.message())
		}
		return fmt.Errorf("%w: coingecko error (%d): %s", utils.ErrDataUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: failed to decode response: %v", utils.ErrDataUnavailable, err)
		}
	}

	return nil
}
