// Package yahoo downloads OHLCV series from the Yahoo Finance v8 chart API.
package yahoo

import (
	"log/slog"
	"net/http"

	"commoditydash/internal/observability"
)

const defaultBaseURL = "https://query1.finance.yahoo.com"

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=yahoo_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a client for the Yahoo Finance chart API. It implements
// provider.Downloader.
type Client struct {
	// baseURL is the scheme and host requests are sent to.
	baseURL string
	// httpClient performs the requests.
	httpClient HTTPClient
	// header contains additional headers to be sent with each request.
	header http.Header
	// maxConcurrency bounds the per-ticker requests in flight.
	maxConcurrency int
	logger         *slog.Logger
}

// Option is a configuration option for the Yahoo client.
type Option func(*Client)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithHTTPClient sets the HTTP client for the API.
func WithHTTPClient(httpClient HTTPClient) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithHeader sets additional headers to be sent with each request.
func WithHeader(header http.Header) Option {
	return func(c *Client) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// WithMaxConcurrency limits parallel ticker requests; values below 1 mean 1.
func WithMaxConcurrency(n int) Option {
	return func(c *Client) { c.maxConcurrency = max(n, 1) }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a new Yahoo chart client.
func New(options ...Option) *Client {
	c := &Client{
		baseURL:        defaultBaseURL,
		httpClient:     http.DefaultClient,
		header:         http.Header{},
		maxConcurrency: 4,
		logger:         observability.Discard(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

func (c *Client) Name() string { return "yahoo" }
