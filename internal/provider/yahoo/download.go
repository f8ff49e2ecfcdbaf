package yahoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"commoditydash/internal/provider"
)

// ErrNoResult is returned when a chart response carries no result block.
var ErrNoResult = errors.New("chart response has no result")

// metricOrder is the column order of every frame the client builds.
var metricOrder = []string{"Open", "High", "Low", "Close", "Adj Close", "Volume"}

// chartResponse is the subset of /v8/finance/chart the pipeline reads.
// Nullable series decode to nil pointers.
type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta struct {
		Symbol string `json:"symbol"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*float64 `json:"volume"`
		} `json:"quote"`
		AdjClose []struct {
			AdjClose []*float64 `json:"adjclose"`
		} `json:"adjclose"`
	} `json:"indicators"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// series is one ticker's decoded chart, keyed by metric.
type series struct {
	ticker     string
	timestamps []time.Time
	values     map[string][]*float64
}

// Download fetches every requested ticker and returns a flat frame for one
// ticker or a [metric, ticker] frame for several. Tickers that fail are
// skipped as long as at least one succeeds.
func (c *Client) Download(ctx context.Context, req provider.Request) (*provider.Frame, error) {
	if len(req.Tickers) == 0 {
		return nil, errors.New("no tickers requested")
	}
	interval := chartInterval(req.Interval)

	results := make([]*series, len(req.Tickers))
	errs := make([]error, len(req.Tickers))
	var g errgroup.Group
	g.SetLimit(1)
	if req.Threads {
		g.SetLimit(c.maxConcurrency)
	}
	for i, ticker := range req.Tickers {
		g.Go(func() error {
			results[i], errs[i] = c.chart(ctx, ticker, req.Start, req.End, interval)
			return nil
		})
	}
	_ = g.Wait()

	var (
		ok       []*series
		firstErr error
	)
	for i, ticker := range req.Tickers {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", ticker, errs[i])
			}
			continue
		}
		ok = append(ok, results[i])
	}
	if len(ok) == 0 {
		return nil, firstErr
	}
	for i, ticker := range req.Tickers {
		if errs[i] != nil {
			c.logger.Warn("skipping ticker after failed download", "ticker", ticker, "error", errs[i])
		}
	}

	indexName := "Datetime"
	if strings.HasSuffix(req.Interval, "d") || strings.HasSuffix(req.Interval, "w") {
		indexName = "Date"
	}
	if len(req.Tickers) == 1 {
		return flatFrame(indexName, ok[0]), nil
	}
	return multiFrame(indexName, ok), nil
}

// chartInterval translates the pipeline's interval to Yahoo's: weeks are
// spelled "wk", everything else matches.
func chartInterval(interval string) string {
	if n, ok := strings.CutSuffix(interval, "w"); ok {
		return n + "wk"
	}
	return interval
}

func (c *Client) chart(ctx context.Context, ticker string, start, end time.Time, interval string) (*series, error) {
	query := url.Values{}
	query.Set("period1", strconv.FormatInt(start.Unix(), 10))
	query.Set("period2", strconv.FormatInt(end.Unix(), 10))
	query.Set("interval", interval)
	query.Set("includeAdjustedClose", "true")

	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", strings.TrimRight(c.baseURL, "/"), url.PathEscape(ticker), query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 2<<10))
		return nil, fmt.Errorf("GET %s -> %d: %s", req.URL.Path, res.StatusCode, strings.TrimSpace(string(b)))
	}

	var body chartResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding chart response: %w", err)
	}
	if e := body.Chart.Error; e != nil {
		return nil, fmt.Errorf("chart error %s: %s", e.Code, e.Description)
	}
	if len(body.Chart.Result) == 0 {
		return nil, ErrNoResult
	}
	return decodeSeries(ticker, body.Chart.Result[0]), nil
}

func decodeSeries(ticker string, r chartResult) *series {
	s := &series{
		ticker:     ticker,
		timestamps: make([]time.Time, len(r.Timestamp)),
		values:     make(map[string][]*float64, len(metricOrder)),
	}
	for i, ts := range r.Timestamp {
		s.timestamps[i] = time.Unix(ts, 0).UTC()
	}
	if len(r.Indicators.Quote) > 0 {
		q := r.Indicators.Quote[0]
		s.values["Open"] = q.Open
		s.values["High"] = q.High
		s.values["Low"] = q.Low
		s.values["Close"] = q.Close
		s.values["Volume"] = q.Volume
	}
	// intraday charts carry no adjclose block
	s.values["Adj Close"] = s.values["Close"]
	if len(r.Indicators.AdjClose) > 0 && r.Indicators.AdjClose[0].AdjClose != nil {
		s.values["Adj Close"] = r.Indicators.AdjClose[0].AdjClose
	}
	return s
}

// cell returns the i-th value of a nullable series, nil when absent.
func cell(values []*float64, i int) any {
	if i >= len(values) || values[i] == nil {
		return nil
	}
	return *values[i]
}

func flatFrame(indexName string, s *series) *provider.Frame {
	f := &provider.Frame{IndexName: indexName, Index: make([]any, len(s.timestamps))}
	for i, ts := range s.timestamps {
		f.Index[i] = ts
	}
	if len(s.timestamps) == 0 {
		return f
	}
	for _, m := range metricOrder {
		col := provider.Column{Key: provider.ColumnKey{Metric: m}, Values: make([]any, len(s.timestamps))}
		for i := range s.timestamps {
			col.Values[i] = cell(s.values[m], i)
		}
		f.Columns = append(f.Columns, col)
	}
	return f
}

// multiFrame aligns every series on the sorted union of their timestamps.
func multiFrame(indexName string, all []*series) *provider.Frame {
	var union []time.Time
	for _, s := range all {
		union = append(union, s.timestamps...)
	}
	slices.SortFunc(union, time.Time.Compare)
	union = slices.CompactFunc(union, time.Time.Equal)

	f := &provider.Frame{IndexName: indexName, Index: make([]any, len(union))}
	pos := make(map[int64]int, len(union))
	for i, ts := range union {
		f.Index[i] = ts
		pos[ts.Unix()] = i
	}
	if len(union) == 0 {
		return f
	}
	for _, s := range all {
		if len(s.timestamps) == 0 {
			continue
		}
		for _, m := range metricOrder {
			col := provider.Column{
				Key:    provider.ColumnKey{Metric: m, Ticker: s.ticker},
				Values: make([]any, len(union)),
			}
			for i, ts := range s.timestamps {
				col.Values[pos[ts.Unix()]] = cell(s.values[m], i)
			}
			f.Columns = append(f.Columns, col)
		}
	}
	return f
}
