package fetcher_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"commoditydash/internal/config"
	"commoditydash/internal/fetcher"
	"commoditydash/internal/observability"
	"commoditydash/internal/prices"
	"commoditydash/internal/provider"
)

var now = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

// fakeTimer records requested waits and fires immediately.
type fakeTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func newFakeTimer() *fakeTimer { return &fakeTimer{c: make(chan time.Time, 1)} }

func (f *fakeTimer) Start(d time.Duration) {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	f.mu.Unlock()
	f.c <- now
}

func (f *fakeTimer) Stop() {}

func (f *fakeTimer) C() <-chan time.Time { return f.c }

func (f *fakeTimer) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}

func priceFrame(metrics ...string) *provider.Frame {
	if len(metrics) == 0 {
		metrics = []string{"Open", "High", "Low", "Close", "Adj Close", "Volume"}
	}
	f := &provider.Frame{IndexName: "Date", Index: []any{now.AddDate(0, 0, -1), now}}
	for _, m := range metrics {
		f.Columns = append(f.Columns, provider.Column{
			Key:    provider.ColumnKey{Metric: m},
			Values: []any{70.0, 71.4},
		})
	}
	return f
}

func newDownloader(t *testing.T) *MockDownloader {
	ctrl := gomock.NewController(t)
	d := NewMockDownloader(ctrl)
	d.EXPECT().Name().Return("yahoo").AnyTimes()
	return d
}

func newFetcher(d provider.Downloader, timer *fakeTimer, opts ...fetcher.Option) *fetcher.Fetcher {
	opts = append([]fetcher.Option{
		fetcher.WithTimer(timer),
		fetcher.WithClock(func() time.Time { return now }),
	}, opts...)
	return fetcher.New(d, config.Default(), opts...)
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	// Arrange
	d := newDownloader(t)
	d.EXPECT().
		Download(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req provider.Request) (*provider.Frame, error) {
			require.Equal(t, []string{"CL=F"}, req.Tickers)
			require.Equal(t, "1d", req.Interval)
			require.Equal(t, "ticker", req.GroupBy)
			require.False(t, req.AutoAdjust)
			require.False(t, req.Progress)
			require.True(t, req.Threads)
			require.True(t, req.End.Equal(now))
			require.True(t, req.Start.Equal(now.AddDate(0, 0, -180)))
			return priceFrame(), nil
		}).
		Times(1)
	timer := newFakeTimer()

	// Act
	table, err := newFetcher(d, timer).Fetch(t.Context(), fetcher.Params{Tickers: []string{"CL=F", " CL=F "}})

	// Assert
	require.NoError(t, err)
	require.NoError(t, table.Validate())
	require.Len(t, table.Rows, 2)
	require.Empty(t, timer.Waits())
}

func TestFetchEmptyTickers(t *testing.T) {
	t.Parallel()

	// Arrange
	d := newDownloader(t)
	d.EXPECT().Download(gomock.Any(), gomock.Any()).Times(0)

	// Act
	_, err := newFetcher(d, newFakeTimer()).Fetch(t.Context(), fetcher.Params{Tickers: []string{" ", ""}})

	// Assert
	var verr *prices.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestFetchMaxTickersBoundary(t *testing.T) {
	t.Parallel()

	// Arrange
	settings := config.Default()
	settings.MaxTickers = 2
	d := newDownloader(t)
	d.EXPECT().Download(gomock.Any(), gomock.Any()).Return(priceFrame(), nil).Times(1)
	f := fetcher.New(d, settings, fetcher.WithTimer(newFakeTimer()))

	// Act
	_, okErr := f.Fetch(t.Context(), fetcher.Params{Tickers: []string{"CL=F", "BZ=F"}})
	_, tooMany := f.Fetch(t.Context(), fetcher.Params{Tickers: []string{"CL=F", "BZ=F", "NG=F"}})

	// Assert
	require.NoError(t, okErr)
	var verr *prices.ValidationError
	require.ErrorAs(t, tooMany, &verr)
}

func TestFetchInvalidParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params fetcher.Params
	}{
		{"bad interval", fetcher.Params{Tickers: []string{"CL=F"}, Interval: "1mo"}},
		{"negative retries", fetcher.Params{Tickers: []string{"CL=F"}, Retries: -1}},
		{"negative backoff", fetcher.Params{Tickers: []string{"CL=F"}, Backoff: -0.5}},
		{"start after end", fetcher.Params{Tickers: []string{"CL=F"}, Start: now, End: now.AddDate(0, 0, -1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			d := newDownloader(t)
			d.EXPECT().Download(gomock.Any(), gomock.Any()).Times(0)

			// Act
			_, err := newFetcher(d, newFakeTimer()).Fetch(t.Context(), tt.params)

			// Assert
			require.ErrorIs(t, err, prices.ErrValidation)
		})
	}
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	// Arrange
	d := newDownloader(t)
	gomock.InOrder(
		d.EXPECT().Download(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection reset")),
		d.EXPECT().Download(gomock.Any(), gomock.Any()).Return(priceFrame(), nil),
	)
	timer := newFakeTimer()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	// Act
	table, err := newFetcher(d, timer, fetcher.WithLogger(logger)).Fetch(t.Context(), fetcher.Params{Tickers: []string{"CL=F"}})

	// Assert
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	require.Equal(t, []time.Duration{1500 * time.Millisecond}, timer.Waits())
	require.Contains(t, logs.String(), "level=WARN")
	require.Contains(t, logs.String(), "attempt=1")
	require.Contains(t, logs.String(), "retries=3")
	require.Contains(t, logs.String(), "connection reset")
}

func TestFetchEmptyResponseIsRetried(t *testing.T) {
	t.Parallel()

	// Arrange
	d := newDownloader(t)
	gomock.InOrder(
		d.EXPECT().Download(gomock.Any(), gomock.Any()).Return(&provider.Frame{}, nil),
		d.EXPECT().Download(gomock.Any(), gomock.Any()).Return(nil, nil),
		d.EXPECT().Download(gomock.Any(), gomock.Any()).Return(priceFrame(), nil),
	)
	timer := newFakeTimer()

	// Act
	_, err := newFetcher(d, timer).Fetch(t.Context(), fetcher.Params{Tickers: []string{"CL=F"}})

	// Assert
	require.NoError(t, err)
	require.Equal(t, []time.Duration{1500 * time.Millisecond, 3 * time.Second}, timer.Waits())
}

func TestFetchExhaustedMissingColumn(t *testing.T) {
	t.Parallel()

	// Arrange: the provider dropped Adj Close
	d := newDownloader(t)
	d.EXPECT().
		Download(gomock.Any(), gomock.Any()).
		Return(priceFrame("Open", "High", "Low", "Close", "Volume"), nil).
		Times(3)
	timer := newFakeTimer()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	// Act
	_, err := newFetcher(d, timer, fetcher.WithMetrics(metrics)).Fetch(t.Context(), fetcher.Params{Tickers: []string{"CL=F"}})

	// Assert
	var dlErr *fetcher.DataDownloadError
	require.ErrorAs(t, err, &dlErr)
	require.EqualError(t, err, "Price download failed after retries")
	require.Equal(t, 3, dlErr.Attempts)

	var missing *prices.MissingColumnError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []string{"Adj Close"}, missing.Columns)

	// Assert: no wait after the last failure
	require.Equal(t, []time.Duration{1500 * time.Millisecond, 3 * time.Second}, timer.Waits())
	require.InDelta(t, 3, testutil.ToFloat64(metrics.DownloadAttemptsTotal.WithLabelValues("yahoo", observability.OutcomeError)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(metrics.FetchesTotal.WithLabelValues(observability.StatusExhausted)), 0)
}

func TestFetchExplicitRetriesAndBackoff(t *testing.T) {
	t.Parallel()

	// Arrange
	d := newDownloader(t)
	d.EXPECT().Download(gomock.Any(), gomock.Any()).Return(nil, errors.New("503")).Times(4)
	timer := newFakeTimer()

	// Act
	_, err := newFetcher(d, timer).Fetch(t.Context(), fetcher.Params{Tickers: []string{"CL=F"}, Retries: 4, Backoff: 2})

	// Assert
	var dlErr *fetcher.DataDownloadError
	require.ErrorAs(t, err, &dlErr)
	require.Equal(t, 4, dlErr.Attempts)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}, timer.Waits())
}

func TestFetchSingleRetryDoesNotWait(t *testing.T) {
	t.Parallel()

	// Arrange
	d := newDownloader(t)
	d.EXPECT().Download(gomock.Any(), gomock.Any()).Return(nil, errors.New("timeout")).Times(1)
	timer := newFakeTimer()

	// Act
	_, err := newFetcher(d, timer).Fetch(t.Context(), fetcher.Params{Tickers: []string{"CL=F"}, Retries: 1})

	// Assert
	var dlErr *fetcher.DataDownloadError
	require.ErrorAs(t, err, &dlErr)
	require.Empty(t, timer.Waits())
}

func TestFetchContextCanceled(t *testing.T) {
	t.Parallel()

	// Arrange
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	d := newDownloader(t)
	d.EXPECT().
		Download(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ provider.Request) (*provider.Frame, error) {
			return nil, ctx.Err()
		}).
		Times(1)

	// Act
	_, err := newFetcher(d, newFakeTimer()).Fetch(ctx, fetcher.Params{Tickers: []string{"CL=F"}})

	// Assert
	var dlErr *fetcher.DataDownloadError
	require.ErrorAs(t, err, &dlErr)
	require.ErrorIs(t, err, context.Canceled)
}
