// Package views computes the analytics views of a price table and writes
// them as CSV or JSON. Missing values are empty CSV cells and JSON nulls.
package views

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"commoditydash/internal/analytics"
	"commoditydash/internal/prices"
)

type Kind string

const (
	Prices         Kind = "prices"
	Returns        Kind = "returns"
	MovingAverages Kind = "ma"
	Change         Kind = "change"
	Summary        Kind = "summary"
)

var kinds = []Kind{Prices, Returns, MovingAverages, Change, Summary}

// ParseKind accepts a view name, case-insensitively. "moving-averages" is an
// alias of "ma".
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "moving-averages" {
		return MovingAverages, nil
	}
	if k := Kind(s); slices.Contains(kinds, k) {
		return k, nil
	}
	return "", prices.Invalid(fmt.Sprintf("unknown view %q (want prices, returns, ma, change or summary)", s))
}

type Format string

const (
	CSV  Format = "csv"
	JSON Format = "json"
)

// ParseFormat defaults to def when s is empty.
func ParseFormat(s string, def Format) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return def, nil
	case CSV, JSON:
		return f, nil
	}
	return "", prices.Invalid(fmt.Sprintf("unknown format %q (want csv or json)", s))
}

// ContentType is the HTTP media type of f.
func (f Format) ContentType() string {
	if f == CSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json; charset=utf-8"
}

// Options tunes the computed views.
type Options struct {
	// Windows are the moving-average windows.
	Windows []int
	// Last keeps the most recent n returns per ticker; 0 keeps all.
	Last int
}

// Render computes view k of t and writes it to w. Computation errors are
// returned before anything is written.
func Render(w io.Writer, t *prices.Table, k Kind, f Format, opts Options) error {
	v, err := compute(t, k, opts)
	if err != nil {
		return err
	}
	if f == CSV {
		return v.writeCSV(w)
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v.payload())
}

// view is a computed view ready to be written.
type view interface {
	writeCSV(w io.Writer) error
	payload() any
}

func compute(t *prices.Table, k Kind, opts Options) (view, error) {
	switch k {
	case Prices:
		if t == nil {
			return nil, prices.Invalid("price table is nil")
		}
		return priceView{t}, nil
	case Returns:
		r, err := analytics.DailyReturns(t)
		if err != nil {
			return nil, err
		}
		return returnsView(analytics.RecentReturns(r, opts.Last)), nil
	case MovingAverages:
		ma, err := analytics.MovingAverages(t, opts.Windows)
		if err != nil {
			return nil, err
		}
		return maView{ma}, nil
	case Change:
		c, err := analytics.DailyChange(t)
		if err != nil {
			return nil, err
		}
		return changeView(c), nil
	case Summary:
		s, err := analytics.Summarize(t)
		if err != nil {
			return nil, err
		}
		return summaryView(s), nil
	}
	return nil, prices.Invalid(fmt.Sprintf("unknown view %q", k))
}

// nullable maps the missing marker to a JSON null.
func nullable(v float64) *float64 {
	if prices.Missing(v) {
		return nil
	}
	return &v
}

type priceRow struct {
	Ticker   string    `json:"ticker"`
	Datetime time.Time `json:"datetime"`
	Open     *float64  `json:"open"`
	High     *float64  `json:"high"`
	Low      *float64  `json:"low"`
	Close    *float64  `json:"close"`
	AdjClose *float64  `json:"adj_close"`
	Volume   int64     `json:"volume"`
}

func newPriceRow(o prices.Observation) priceRow {
	return priceRow{
		Ticker:   o.Ticker,
		Datetime: o.Datetime,
		Open:     nullable(o.Open),
		High:     nullable(o.High),
		Low:      nullable(o.Low),
		Close:    nullable(o.Close),
		AdjClose: nullable(o.AdjClose),
		Volume:   o.Volume,
	}
}

type priceView struct{ t *prices.Table }

func (v priceView) writeCSV(w io.Writer) error { return v.t.WriteCSV(w) }

func (v priceView) payload() any {
	rows := make([]priceRow, len(v.t.Rows))
	for i, o := range v.t.Rows {
		rows[i] = newPriceRow(o)
	}
	return struct {
		Prices []priceRow `json:"prices"`
	}{rows}
}

type returnsView prices.Returns

func (v returnsView) writeCSV(w io.Writer) error { return prices.Returns(v).WriteCSV(w) }

func (v returnsView) payload() any {
	type row struct {
		Ticker      string    `json:"ticker"`
		Datetime    time.Time `json:"datetime"`
		DailyReturn *float64  `json:"daily_return"`
	}
	rows := make([]row, len(v))
	for i, r := range v {
		rows[i] = row{r.Ticker, r.Datetime, nullable(r.DailyReturn)}
	}
	return struct {
		Returns []row `json:"returns"`
	}{rows}
}

type maView struct{ m *prices.MovingAverageTable }

func (v maView) writeCSV(w io.Writer) error { return v.m.WriteCSV(w) }

func (v maView) payload() any {
	type row struct {
		priceRow
		MovingAverages map[string]*float64 `json:"moving_averages"`
	}
	rows := make([]row, len(v.m.Rows))
	for i, o := range v.m.Rows {
		avgs := make(map[string]*float64, len(v.m.Windows))
		for _, win := range v.m.Windows {
			avgs[prices.MovingAverageColumn(win)] = nullable(v.m.Averages[win][i])
		}
		rows[i] = row{newPriceRow(o), avgs}
	}
	return struct {
		Windows        []int `json:"windows"`
		MovingAverages []row `json:"moving_averages"`
	}{v.m.Windows, rows}
}

type changeView map[string]float64

func (v changeView) writeCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{prices.ColTicker, "change"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, tk := range slices.Sorted(maps.Keys(v)) {
		if err := cw.Write([]string{tk, prices.FormatFloat(v[tk])}); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (v changeView) payload() any {
	out := make(map[string]*float64, len(v))
	for tk, c := range v {
		out[tk] = nullable(c)
	}
	return struct {
		Change map[string]*float64 `json:"change"`
	}{out}
}

type summaryView []analytics.Summary

func (v summaryView) writeCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{prices.ColTicker, prices.ColDatetime, prices.ColClose, prices.ColAdjClose, "change"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, s := range v {
		rec := []string{
			s.Ticker,
			s.Datetime.UTC().Format(prices.TimeLayout),
			prices.FormatFloat(s.Close),
			prices.FormatFloat(s.AdjClose),
			prices.FormatFloat(s.Change),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (v summaryView) payload() any {
	type row struct {
		Ticker   string    `json:"ticker"`
		Datetime time.Time `json:"datetime"`
		Close    *float64  `json:"close"`
		AdjClose *float64  `json:"adj_close"`
		Change   *float64  `json:"change"`
	}
	rows := make([]row, len(v))
	for i, s := range v {
		rows[i] = row{s.Ticker, s.Datetime, nullable(s.Close), nullable(s.AdjClose), nullable(s.Change)}
	}
	return struct {
		Summary []row `json:"summary"`
	}{rows}
}
