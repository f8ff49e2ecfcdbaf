// Package analytics derives returns, moving averages and latest changes from
// a canonical price table. Every function works on a sorted copy of its
// input, grouped by ticker, and never modifies the caller's table.
package analytics

import (
	"fmt"
	"math"
	"slices"
	"time"

	"commoditydash/internal/prices"
)

var required = []string{prices.ColTicker, prices.ColDatetime, prices.ColAdjClose}

// prepare validates t and returns a sorted deep copy.
func prepare(t *prices.Table) (*prices.Table, error) {
	if t == nil {
		return nil, prices.Invalid("price table is nil")
	}
	if missing := t.MissingColumns(required...); len(missing) > 0 {
		return nil, &prices.ValidationError{Message: "price table is missing required columns", Missing: missing}
	}
	cp := t.Clone()
	prices.SortRows(cp.Rows)
	return cp, nil
}

// filledAdjClose returns the adj_close values of rows with gaps bridged by
// the last valid value. Leading gaps stay NaN.
func filledAdjClose(rows []prices.Observation) []float64 {
	out := make([]float64, len(rows))
	last := math.NaN()
	for i, r := range rows {
		if !math.IsNaN(r.AdjClose) {
			last = r.AdjClose
		}
		out[i] = last
	}
	return out
}

// pctChange is (cur-prev)/prev with undefined results mapped to 0.
func pctChange(prev, cur float64) float64 {
	if prev == 0 {
		return 0
	}
	v := (cur - prev) / prev
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// DailyReturns computes the per-observation percentage change of adj_close.
// The first observation of every ticker is 0.
func DailyReturns(t *prices.Table) (prices.Returns, error) {
	sorted, err := prepare(t)
	if err != nil {
		return nil, err
	}

	out := make(prices.Returns, 0, len(sorted.Rows))
	for _, span := range sorted.Spans() {
		rows := sorted.Rows[span.From:span.To]
		adj := filledAdjClose(rows)
		for i, r := range rows {
			ret := 0.0
			if i > 0 {
				ret = pctChange(adj[i-1], adj[i])
			}
			out = append(out, prices.Return{Ticker: r.Ticker, Datetime: r.Datetime, DailyReturn: ret})
		}
	}
	return out, nil
}

// normalizeWindows drops non-positive windows, dedupes and sorts.
func normalizeWindows(windows []int) ([]int, error) {
	out := make([]int, 0, len(windows))
	for _, w := range windows {
		if w > 0 {
			out = append(out, w)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil, prices.Invalid(fmt.Sprintf("no positive moving-average windows in %v", windows))
	}
	return out, nil
}

// MovingAverages adds one trailing rolling mean of adj_close per window,
// computed per ticker with a minimum of one observation.
func MovingAverages(t *prices.Table, windows []int) (*prices.MovingAverageTable, error) {
	ws, err := normalizeWindows(windows)
	if err != nil {
		return nil, err
	}
	sorted, err := prepare(t)
	if err != nil {
		return nil, err
	}

	out := &prices.MovingAverageTable{
		Table:    *sorted,
		Windows:  ws,
		Averages: make(map[int][]float64, len(ws)),
	}
	for _, w := range ws {
		out.Columns = append(out.Columns, prices.MovingAverageColumn(w))
		means := make([]float64, len(sorted.Rows))
		for _, span := range sorted.Spans() {
			rollingMean(sorted.Rows[span.From:span.To], w, means[span.From:span.To])
		}
		out.Averages[w] = means
	}
	return out, nil
}

// rollingMean writes into dst the mean of the valid adj_close values among
// the trailing w rows. A window without valid values yields NaN.
func rollingMean(rows []prices.Observation, w int, dst []float64) {
	var (
		sum   float64
		count int
	)
	for i, r := range rows {
		if !math.IsNaN(r.AdjClose) {
			sum += r.AdjClose
			count++
		}
		if j := i - w; j >= 0 && !math.IsNaN(rows[j].AdjClose) {
			sum -= rows[j].AdjClose
			count--
		}
		if count == 0 {
			dst[i] = math.NaN()
			continue
		}
		dst[i] = sum / float64(count)
	}
}

// DailyChange returns, per ticker, the percentage change between its last
// two observations. It always equals the ticker's last DailyReturns value.
func DailyChange(t *prices.Table) (map[string]float64, error) {
	sorted, err := prepare(t)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, span := range sorted.Spans() {
		out[span.Ticker] = latestChange(filledAdjClose(sorted.Rows[span.From:span.To]))
	}
	return out, nil
}

// latestChange is the change between the last two values of a filled series.
func latestChange(adj []float64) float64 {
	n := len(adj)
	if n < 2 {
		return 0
	}
	return pctChange(adj[n-2], adj[n-1])
}

// RecentReturns keeps the last n returns of every ticker, in chronological
// order. n <= 0 keeps everything.
func RecentReturns(r prices.Returns, n int) prices.Returns {
	sorted := slices.Clone(r)
	slices.SortStableFunc(sorted, func(a, b prices.Return) int {
		if a.Ticker != b.Ticker {
			if a.Ticker < b.Ticker {
				return -1
			}
			return 1
		}
		return a.Datetime.Compare(b.Datetime)
	})
	if n <= 0 {
		return sorted
	}

	out := make(prices.Returns, 0, len(sorted))
	for i := 0; i < len(sorted); {
		j := i + 1
		for j < len(sorted) && sorted[j].Ticker == sorted[i].Ticker {
			j++
		}
		out = append(out, sorted[max(i, j-n):j]...)
		i = j
	}
	return out
}

// Summary is the latest state of one ticker.
type Summary struct {
	Ticker   string
	Datetime time.Time
	Close    float64
	AdjClose float64
	Change   float64
}

// Summarize reports the last observation and daily change of every ticker,
// ordered by ticker.
func Summarize(t *prices.Table) ([]Summary, error) {
	sorted, err := prepare(t)
	if err != nil {
		return nil, err
	}

	spans := sorted.Spans()
	out := make([]Summary, 0, len(spans))
	for _, span := range spans {
		adj := filledAdjClose(sorted.Rows[span.From:span.To])
		last := sorted.Rows[span.To-1]
		out = append(out, Summary{
			Ticker:   span.Ticker,
			Datetime: last.Datetime,
			Close:    last.Close,
			AdjClose: adj[len(adj)-1],
			Change:   latestChange(adj),
		})
	}
	return out, nil
}
