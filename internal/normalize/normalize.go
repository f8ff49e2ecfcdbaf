// Package normalize turns raw provider frames into the canonical price table.
//
// Three raw layouts are recognised:
//   - multi-ticker: columns keyed by [metric, ticker];
//   - tidy: a flat frame that already carries a ticker column;
//   - single-ticker: a flat frame of metrics for one instrument.
package normalize

import (
	"fmt"
	"slices"

	"commoditydash/internal/prices"
	"commoditydash/internal/provider"
)

// metric pairs a provider column name with its canonical name.
type metric struct {
	source    string
	canonical string
}

// metrics is the fixed rename map, in canonical order.
var metrics = []metric{
	{"Open", prices.ColOpen},
	{"High", prices.ColHigh},
	{"Low", prices.ColLow},
	{"Close", prices.ColClose},
	{"Adj Close", prices.ColAdjClose},
	{"Volume", prices.ColVolume},
}

// datetimeColumns are flat column names taken as the timestamp instead of
// the frame index.
var datetimeColumns = []string{prices.ColDatetime, "Date", "Datetime"}

// canonicalMetric maps a raw column name to its canonical metric name.
// Canonical lower-case names map to themselves.
func canonicalMetric(name string) (string, bool) {
	for _, m := range metrics {
		if name == m.source || name == m.canonical {
			return m.canonical, true
		}
	}
	return "", false
}

// cells holds the raw values of one output row keyed by canonical metric.
type cells map[string]any

type rawRow struct {
	ticker   string
	datetime any
	values   cells
}

// Normalize reshapes frame into a canonical table. tickers is the requested
// set: the single-ticker layout takes its first entry as the ticker, and rows
// of other tickers are dropped.
func Normalize(frame *provider.Frame, tickers []string) (*prices.Table, error) {
	if frame == nil {
		return nil, prices.Invalid("raw frame is nil")
	}
	requested := prices.UniqueTickers(tickers)

	var (
		rows    []rawRow
		present map[string]bool
	)
	switch {
	case isMultiTicker(frame):
		rows, present = reshapeMulti(frame)
	case hasColumn(frame, prices.ColTicker):
		rows, present = reshapeTidy(frame)
	default:
		if len(requested) == 0 {
			return nil, prices.Invalid("single-ticker response needs a requested ticker")
		}
		rows, present = reshapeSingle(frame, requested[0])
	}

	var missing []string
	for _, m := range metrics {
		if !present[m.canonical] {
			missing = append(missing, m.source)
		}
	}
	if len(missing) > 0 {
		return nil, &prices.MissingColumnError{Columns: missing}
	}

	out, err := coerceRows(rows, requested)
	if err != nil {
		return nil, err
	}
	prices.SortRows(out)
	return &prices.Table{Columns: prices.CanonicalColumns(), Rows: dedupe(out)}, nil
}

func isMultiTicker(f *provider.Frame) bool {
	return slices.ContainsFunc(f.Columns, func(c provider.Column) bool { return c.Key.Ticker != "" })
}

func hasColumn(f *provider.Frame, name string) bool {
	_, ok := f.Column(provider.ColumnKey{Metric: name})
	return ok
}

func reshapeMulti(f *provider.Frame) ([]rawRow, map[string]bool) {
	var order []string
	byTicker := make(map[string]map[string][]any)
	present := make(map[string]bool)
	for _, c := range f.Columns {
		if c.Key.Ticker == "" {
			continue
		}
		name, ok := canonicalMetric(c.Key.Metric)
		if !ok {
			continue
		}
		m, seen := byTicker[c.Key.Ticker]
		if !seen {
			m = make(map[string][]any)
			byTicker[c.Key.Ticker] = m
			order = append(order, c.Key.Ticker)
		}
		m[name] = c.Values
		present[name] = true
	}

	rows := make([]rawRow, 0, len(f.Index)*len(order))
	for i, ts := range f.Index {
		for _, tk := range order {
			vals := make(cells, len(metrics))
			empty := true
			for name, col := range byTicker[tk] {
				v := cellAt(col, i)
				vals[name] = v
				if !missingCell(v) {
					empty = false
				}
			}
			// The shared index is a union; a ticker without prints at ts
			// has no observation there.
			if empty {
				continue
			}
			rows = append(rows, rawRow{ticker: tk, datetime: ts, values: vals})
		}
	}
	return rows, present
}

func reshapeTidy(f *provider.Frame) ([]rawRow, map[string]bool) {
	tickerCol, _ := f.Column(provider.ColumnKey{Metric: prices.ColTicker})
	timestamps := timestampColumn(f)
	cols, present := flatMetrics(f)

	rows := make([]rawRow, 0, len(f.Index))
	for i := range f.Index {
		rows = append(rows, rawRow{
			ticker:   toTicker(cellAt(tickerCol.Values, i)),
			datetime: cellAt(timestamps, i),
			values:   rowCells(cols, i),
		})
	}
	return rows, present
}

func reshapeSingle(f *provider.Frame, ticker string) ([]rawRow, map[string]bool) {
	timestamps := timestampColumn(f)
	cols, present := flatMetrics(f)

	rows := make([]rawRow, 0, len(f.Index))
	for i := range f.Index {
		rows = append(rows, rawRow{
			ticker:   ticker,
			datetime: cellAt(timestamps, i),
			values:   rowCells(cols, i),
		})
	}
	return rows, present
}

// timestampColumn returns an explicit datetime column when the flat frame
// has one, else the index.
func timestampColumn(f *provider.Frame) []any {
	for _, name := range datetimeColumns {
		if c, ok := f.Column(provider.ColumnKey{Metric: name}); ok {
			return c.Values
		}
	}
	return f.Index
}

func flatMetrics(f *provider.Frame) (map[string][]any, map[string]bool) {
	cols := make(map[string][]any, len(metrics))
	present := make(map[string]bool, len(metrics))
	for _, c := range f.Columns {
		name, ok := canonicalMetric(c.Key.Metric)
		if !ok {
			continue
		}
		cols[name] = c.Values
		present[name] = true
	}
	return cols, present
}

func rowCells(cols map[string][]any, i int) cells {
	vals := make(cells, len(cols))
	for name, col := range cols {
		vals[name] = cellAt(col, i)
	}
	return vals
}

func cellAt(col []any, i int) any {
	if i < 0 || i >= len(col) {
		return nil
	}
	return col[i]
}

func coerceRows(rows []rawRow, requested []string) ([]prices.Observation, error) {
	keep := make(map[string]bool, len(requested))
	for _, tk := range requested {
		keep[tk] = true
	}

	out := make([]prices.Observation, 0, len(rows))
	for _, r := range rows {
		if r.ticker == "" || (len(keep) > 0 && !keep[r.ticker]) {
			continue
		}
		ts, err := toTime(r.datetime)
		if err != nil {
			return nil, prices.Invalid(fmt.Sprintf("ticker %s: %v", r.ticker, err))
		}
		out = append(out, prices.Observation{
			Ticker:   r.ticker,
			Datetime: ts,
			Open:     toFloat(r.values[prices.ColOpen]),
			High:     toFloat(r.values[prices.ColHigh]),
			Low:      toFloat(r.values[prices.ColLow]),
			Close:    toFloat(r.values[prices.ColClose]),
			AdjClose: toFloat(r.values[prices.ColAdjClose]),
			Volume:   toVolume(r.values[prices.ColVolume]),
		})
	}
	return out, nil
}

// dedupe collapses equal (ticker, datetime) keys of sorted rows; the row that
// came later in the input wins.
func dedupe(rows []prices.Observation) []prices.Observation {
	out := rows[:0]
	for _, r := range rows {
		if n := len(out); n > 0 && out[n-1].Ticker == r.Ticker && out[n-1].Datetime.Equal(r.Datetime) {
			out[n-1] = r
			continue
		}
		out = append(out, r)
	}
	return slices.Clip(out)
}

// Tidy renders a canonical table as a tidy raw frame.
func Tidy(t *prices.Table) *provider.Frame {
	if t == nil {
		return nil
	}
	n := len(t.Rows)
	index := make([]any, n)
	cols := map[string][]any{}
	for _, name := range prices.CanonicalColumns() {
		if name != prices.ColDatetime {
			cols[name] = make([]any, n)
		}
	}
	for i, r := range t.Rows {
		index[i] = r.Datetime
		cols[prices.ColTicker][i] = r.Ticker
		cols[prices.ColOpen][i] = r.Open
		cols[prices.ColHigh][i] = r.High
		cols[prices.ColLow][i] = r.Low
		cols[prices.ColClose][i] = r.Close
		cols[prices.ColAdjClose][i] = r.AdjClose
		cols[prices.ColVolume][i] = r.Volume
	}

	f := &provider.Frame{IndexName: prices.ColDatetime, Index: index}
	for _, name := range prices.CanonicalColumns() {
		if name == prices.ColDatetime {
			continue
		}
		f.Columns = append(f.Columns, provider.Column{Key: provider.ColumnKey{Metric: name}, Values: cols[name]})
	}
	return f
}
