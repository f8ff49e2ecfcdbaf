// Package app assembles the price pipeline from Settings.
package app

import (
	"log/slog"
	"net/http"

	"commoditydash/internal/cache"
	"commoditydash/internal/config"
	"commoditydash/internal/fetcher"
	"commoditydash/internal/httpx"
	"commoditydash/internal/observability"
	"commoditydash/internal/provider"
	"commoditydash/internal/provider/breaker"
	"commoditydash/internal/provider/ratelimit"
	"commoditydash/internal/provider/yahoo"
)

// Pipeline is the wired set of components a surface serves from.
type Pipeline struct {
	Settings   config.Settings
	Downloader provider.Downloader
	Fetcher    *fetcher.Fetcher
	Cache      *cache.Prices
}

type options struct {
	httpClient yahoo.HTTPClient
	downloader provider.Downloader
	fetcher    []fetcher.Option
}

type Option func(*options)

// WithHTTPClient replaces the outbound client handed to the Yahoo client.
func WithHTTPClient(c yahoo.HTTPClient) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDownloader replaces the upstream source. Pacing and the breaker still
// wrap it.
func WithDownloader(d provider.Downloader) Option {
	return func(o *options) { o.downloader = d }
}

// WithFetcherOptions passes extra options to the Fetcher.
func WithFetcherOptions(opts ...fetcher.Option) Option {
	return func(o *options) { o.fetcher = append(o.fetcher, opts...) }
}

// Build wires yahoo -> pacing -> breaker -> fetcher -> cache. logger and
// metrics may be nil.
func Build(s config.Settings, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Pipeline {
	if logger == nil {
		logger = observability.Discard()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	d := o.downloader
	if d == nil {
		hc := o.httpClient
		if hc == nil {
			hc = httpx.New(httpx.Options{
				Timeout:   s.Yahoo.Timeout(),
				UserAgent: s.Yahoo.UserAgent,
				Header:    http.Header{"Accept-Language": []string{"en-US"}},
				PerHost:   s.Yahoo.MaxConcurrency,
			})
		}
		d = yahoo.New(
			yahoo.WithBaseURL(s.Yahoo.BaseURL),
			yahoo.WithHTTPClient(hc),
			yahoo.WithMaxConcurrency(s.Yahoo.MaxConcurrency),
			yahoo.WithLogger(logger),
		)
	}
	d = pace(d, s.Yahoo)
	if s.Breaker.Enabled {
		d = breaker.New(d, s.Breaker, breaker.WithLogger(logger), breaker.WithMetrics(metrics))
	}

	fopts := append([]fetcher.Option{fetcher.WithLogger(logger), fetcher.WithMetrics(metrics)}, o.fetcher...)
	f := fetcher.New(d, s, fopts...)
	c := cache.New(f, s.CacheTTL(),
		cache.WithMaxItems(s.CacheMaxItems),
		cache.WithLoadTimeout(s.Server.RequestTimeout()),
		cache.WithMetrics(metrics),
	)

	return &Pipeline{Settings: s, Downloader: d, Fetcher: f, Cache: c}
}

// pace prefers a token bucket when a per-minute budget is set and falls back
// to a minimum interval between calls.
func pace(d provider.Downloader, y config.Yahoo) provider.Downloader {
	switch {
	case y.MaxRequestsPerMinute > 0:
		return &ratelimit.TokenBucketDownloader{D: d, TB: ratelimit.PerMinute(y.MaxRequestsPerMinute, y.Burst)}
	case y.MinInterval() > 0:
		return &ratelimit.MinInterval{D: d, Interval: y.MinInterval()}
	}
	return d
}
