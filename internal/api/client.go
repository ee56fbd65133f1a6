package api

import (
	"log/slog"
	"net/http"
	"time"
)

// BaseURLs holds the REST host of each product family.
type BaseURLs struct {
	Spot            string
	Futures         string
	CoinFutures     string
	PortfolioMargin string
}

// DefaultBaseURLs returns the production hosts.
func DefaultBaseURLs() BaseURLs {
	return BaseURLs{
		Spot:            "https://api.binance.com",
		Futures:         "https://fapi.binance.com",
		CoinFutures:     "https://dapi.binance.com",
		PortfolioMargin: "https://papi.binance.com",
	}
}

// Client provides access to the Binance listen key endpoints.
type Client struct {
	baseURLs   BaseURLs
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client. Empty base URLs fall back to production.
func NewClient(baseURLs BaseURLs, apiKey string, opts ...ClientOption) *Client {
	d := DefaultBaseURLs()
	if baseURLs.Spot == "" {
		baseURLs.Spot = d.Spot
	}
	if baseURLs.Futures == "" {
		baseURLs.Futures = d.Futures
	}
	if baseURLs.CoinFutures == "" {
		baseURLs.CoinFutures = d.CoinFutures
	}
	if baseURLs.PortfolioMargin == "" {
		baseURLs.PortfolioMargin = d.PortfolioMargin
	}

	c := &Client{
		baseURLs: baseURLs,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SingleHost points every product family at one base URL.
func SingleHost(baseURL string) BaseURLs {
	return BaseURLs{
		Spot:            baseURL,
		Futures:         baseURL,
		CoinFutures:     baseURL,
		PortfolioMargin: baseURL,
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}
