package provider

import (
	"context"
	"time"
)

// Request describes one upstream download: every ticker over [Start, End)
// at the given sampling interval.
type Request struct {
	Tickers  []string
	Start    time.Time
	End      time.Time
	Interval string
	// AutoAdjust asks the provider to rewrite OHLC with adjusted values.
	// The pipeline always requests raw prices plus a separate Adj Close.
	AutoAdjust bool
	GroupBy    string
	Progress   bool
	Threads    bool
}

// NewRequest returns a request with the flags the pipeline always sends.
func NewRequest(tickers []string, start, end time.Time, interval string) Request {
	return Request{
		Tickers:  tickers,
		Start:    start,
		End:      end,
		Interval: interval,
		GroupBy:  "ticker",
		Threads:  true,
	}
}

// ColumnKey addresses a column of a raw frame. Ticker is empty for the
// single-ticker flat layout and set for the [metric, ticker] layout.
type ColumnKey struct {
	Metric string
	Ticker string
}

// Column is one raw column. Values are aligned with Frame.Index; a nil cell
// is a missing value.
type Column struct {
	Key    ColumnKey
	Values []any
}

// Frame is the raw, shape-ambiguous tabular response of a provider.
type Frame struct {
	IndexName string
	Index     []any
	Columns   []Column
}

// Empty reports whether the frame carries no data.
func (f *Frame) Empty() bool {
	return f == nil || len(f.Index) == 0 || len(f.Columns) == 0
}

// Column returns the column with the given key, if present.
func (f *Frame) Column(key ColumnKey) (Column, bool) {
	if f == nil {
		return Column{}, false
	}
	for _, c := range f.Columns {
		if c.Key == key {
			return c, true
		}
	}
	return Column{}, false
}

// Downloader is an upstream market data source.
//
//go:generate mockgen -package=fetcher_test -destination=../fetcher/mock_downloader_test.go -source=provider.go Downloader
type Downloader interface {
	Name() string
	Download(ctx context.Context, req Request) (*Frame, error)
}
