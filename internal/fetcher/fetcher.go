// Package fetcher downloads price series for a set of tickers with bounded
// linear retry and returns them as a canonical table.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"commoditydash/internal/config"
	"commoditydash/internal/normalize"
	"commoditydash/internal/observability"
	"commoditydash/internal/prices"
	"commoditydash/internal/provider"
)

// ErrEmptyResponse is the per-attempt failure for a response without data.
var ErrEmptyResponse = errors.New("provider returned no data")

// DataDownloadError is returned once every attempt has failed. Err is the
// last attempt's failure.
type DataDownloadError struct {
	Attempts int
	Err      error
}

func (e *DataDownloadError) Error() string { return "Price download failed after retries" }

func (e *DataDownloadError) Unwrap() error { return e.Err }

// Params selects what to fetch. Zero values fall back to Settings: Interval
// to DefaultInterval, Retries to DataFetchRetries, Backoff to
// DataFetchBackoff, End to now and Start to End minus DefaultLookbackDays.
type Params struct {
	Tickers  []string
	Start    time.Time
	End      time.Time
	Interval string
	Retries  int
	// Backoff is the linear wait multiplier in seconds: the wait after the
	// k-th failure is Backoff*k.
	Backoff float64
}

// Fetcher orchestrates downloads. It is safe for concurrent use.
type Fetcher struct {
	downloader provider.Downloader
	settings   config.Settings
	logger     *slog.Logger
	metrics    *observability.Metrics
	timer      backoff.Timer
	now        func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger for retry warnings; nil keeps the discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics records download attempts and fetch results.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithTimer replaces the timer used to wait between attempts.
func WithTimer(t backoff.Timer) Option {
	return func(f *Fetcher) { f.timer = t }
}

// WithClock replaces time.Now for the default end of the window.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// New returns a Fetcher downloading through d with defaults taken from s.
func New(d provider.Downloader, s config.Settings, opts ...Option) *Fetcher {
	f := &Fetcher{
		downloader: d,
		settings:   s,
		logger:     observability.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// resolved is a validated Params with defaults applied.
type resolved struct {
	request provider.Request
	retries int
	step    time.Duration
}

func (f *Fetcher) resolve(p Params) (resolved, error) {
	tickers := prices.UniqueTickers(p.Tickers)
	if len(tickers) == 0 {
		return resolved{}, prices.Invalid("at least one ticker is required")
	}
	if len(tickers) > f.settings.MaxTickers {
		return resolved{}, prices.Invalid(fmt.Sprintf("too many tickers: %d requested, at most %d allowed", len(tickers), f.settings.MaxTickers))
	}

	interval := strings.TrimSpace(p.Interval)
	if interval == "" {
		interval = f.settings.DefaultInterval
	}
	if !config.ValidInterval(interval) {
		return resolved{}, prices.Invalid(fmt.Sprintf("interval %q must look like 5m, 1h, 1d or 1w", interval))
	}

	retries := p.Retries
	switch {
	case retries < 0:
		return resolved{}, prices.Invalid(fmt.Sprintf("retries must be at least 1, got %d", retries))
	case retries == 0:
		retries = f.settings.DataFetchRetries
	}
	mult := p.Backoff
	switch {
	case mult < 0 || math.IsNaN(mult) || math.IsInf(mult, 0):
		return resolved{}, prices.Invalid(fmt.Sprintf("backoff must be a positive number of seconds, got %v", p.Backoff))
	case mult == 0:
		mult = f.settings.DataFetchBackoff
	}

	end := p.End
	if end.IsZero() {
		end = f.now()
	}
	end = end.UTC()
	start := p.Start
	if start.IsZero() {
		start = end.AddDate(0, 0, -f.settings.DefaultLookbackDays)
	}
	start = start.UTC()
	if start.After(end) {
		return resolved{}, prices.Invalid(fmt.Sprintf("start %s is after end %s", start.Format(time.DateOnly), end.Format(time.DateOnly)))
	}

	return resolved{
		request: provider.NewRequest(tickers, start, end, interval),
		retries: retries,
		step:    time.Duration(mult * float64(time.Second)),
	}, nil
}

// Fetch validates p, then downloads and normalizes until an attempt
// succeeds or the retry budget is spent. Validation failures return a
// *prices.ValidationError without any download; exhaustion returns a
// *DataDownloadError.
func (f *Fetcher) Fetch(ctx context.Context, p Params) (*prices.Table, error) {
	r, err := f.resolve(p)
	if err != nil {
		f.metrics.RecordFetch(observability.StatusInvalid)
		return nil, err
	}

	var (
		attempts int
		lastErr  error
		table    *prices.Table
	)
	tickers := strings.Join(r.request.Tickers, ",")
	op := func() error {
		attempts++
		t, err := f.attempt(ctx, r.request)
		if err != nil {
			lastErr = err
			f.logger.Warn("price download attempt failed",
				"attempt", attempts,
				"retries", r.retries,
				"tickers", tickers,
				"error", err,
			)
			return err
		}
		table = t
		return nil
	}
	notify := func(_ error, wait time.Duration) {
		f.logger.Debug("waiting before next download attempt", "attempt", attempts+1, "wait", wait)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: r.step}, uint64(r.retries-1)), ctx)
	if err := backoff.RetryNotifyWithTimer(op, policy, notify, f.timer); err != nil {
		f.metrics.RecordFetch(observability.StatusExhausted)
		cause := lastErr
		if ctxErr := ctx.Err(); ctxErr != nil {
			cause = errors.Join(ctxErr, lastErr)
		}
		return nil, &DataDownloadError{Attempts: attempts, Err: cause}
	}
	f.metrics.RecordFetch(observability.StatusOK)
	return table, nil
}

// attempt performs one download and normalizes the result.
func (f *Fetcher) attempt(ctx context.Context, req provider.Request) (*prices.Table, error) {
	name := f.downloader.Name()
	started := f.now()
	frame, err := f.downloader.Download(ctx, req)
	elapsed := f.now().Sub(started)
	switch {
	case err != nil:
		f.metrics.RecordDownload(name, observability.OutcomeError, elapsed)
		return nil, fmt.Errorf("%s download: %w", name, err)
	case frame.Empty():
		f.metrics.RecordDownload(name, observability.OutcomeEmpty, elapsed)
		return nil, fmt.Errorf("%s download: %w", name, ErrEmptyResponse)
	}

	table, err := normalize.Normalize(frame, req.Tickers)
	if err != nil {
		f.metrics.RecordDownload(name, observability.OutcomeError, elapsed)
		return nil, fmt.Errorf("normalize %s response: %w", name, err)
	}
	f.metrics.RecordDownload(name, observability.OutcomeSuccess, elapsed)
	return table, nil
}

// linearBackOff waits step*k after the k-th failure.
type linearBackOff struct {
	step  time.Duration
	tries int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.tries++
	return time.Duration(b.tries) * b.step
}

func (b *linearBackOff) Reset() { b.tries = 0 }
