// Package prices defines the canonical price table shared by the fetcher,
// the normalizer and the analytics, together with its derived views.
package prices

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Canonical column names.
const (
	ColTicker      = "ticker"
	ColDatetime    = "datetime"
	ColOpen        = "open"
	ColHigh        = "high"
	ColLow         = "low"
	ColClose       = "close"
	ColAdjClose    = "adj_close"
	ColVolume      = "volume"
	ColDailyReturn = "daily_return"
)

var canonicalColumns = []string{ColTicker, ColDatetime, ColOpen, ColHigh, ColLow, ColClose, ColAdjClose, ColVolume}

// CanonicalColumns returns the fixed column order of a price table.
func CanonicalColumns() []string { return slices.Clone(canonicalColumns) }

// IsCanonicalColumn reports whether name is one of the eight table columns.
func IsCanonicalColumn(name string) bool { return slices.Contains(canonicalColumns, name) }

// Observation is one price print for one instrument. Missing prices are NaN.
type Observation struct {
	Ticker   string
	Datetime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	AdjClose float64
	Volume   int64
}

// Table is the canonical tidy price table: one row per (ticker, datetime).
// Columns lists the columns the table carries, in canonical order; tables
// produced by the normalizer always carry all eight.
type Table struct {
	Columns []string
	Rows    []Observation
}

// New returns a table with the canonical columns holding a copy of rows.
func New(rows []Observation) *Table {
	return &Table{Columns: CanonicalColumns(), Rows: slices.Clone(rows)}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Clone returns an independently owned copy of t.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	return &Table{Columns: slices.Clone(t.Columns), Rows: slices.Clone(t.Rows)}
}

// HasColumn reports whether the table carries the named column.
func (t *Table) HasColumn(name string) bool {
	return t != nil && slices.Contains(t.Columns, name)
}

// MissingColumns returns the required columns the table does not carry, in
// the order given.
func (t *Table) MissingColumns(required ...string) []string {
	var missing []string
	for _, c := range required {
		if !t.HasColumn(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// Tickers returns the distinct tickers in row order.
func (t *Table) Tickers() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, r := range t.Rows {
		if _, ok := seen[r.Ticker]; ok {
			continue
		}
		seen[r.Ticker] = struct{}{}
		out = append(out, r.Ticker)
	}
	return out
}

// SortRows orders rows by (ticker, datetime) ascending, keeping the input
// order of equal keys.
func SortRows(rows []Observation) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Ticker != rows[j].Ticker {
			return rows[i].Ticker < rows[j].Ticker
		}
		return rows[i].Datetime.Before(rows[j].Datetime)
	})
}

// Span is the half-open row range [From, To) holding one ticker's rows in a
// sorted table.
type Span struct {
	Ticker string
	From   int
	To     int
}

// Spans groups the rows of a sorted table by ticker.
func (t *Table) Spans() []Span {
	if t == nil {
		return nil
	}
	var spans []Span
	for i := 0; i < len(t.Rows); {
		j := i + 1
		for j < len(t.Rows) && t.Rows[j].Ticker == t.Rows[i].Ticker {
			j++
		}
		spans = append(spans, Span{Ticker: t.Rows[i].Ticker, From: i, To: j})
		i = j
	}
	return spans
}

// Validate checks the canonical table invariants.
func (t *Table) Validate() error {
	if t == nil {
		return Invalid("price table is nil")
	}
	if !slices.Equal(t.Columns, canonicalColumns) {
		if missing := t.MissingColumns(canonicalColumns...); len(missing) > 0 {
			return &ValidationError{Message: "price table is missing columns", Missing: missing}
		}
		return Invalid(fmt.Sprintf("price table columns out of order: %s", strings.Join(t.Columns, ",")))
	}
	for i, r := range t.Rows {
		switch {
		case r.Ticker == "":
			return Invalid(fmt.Sprintf("row %d: empty ticker", i))
		case r.Datetime.IsZero():
			return Invalid(fmt.Sprintf("row %d: missing datetime", i))
		case r.Datetime.Location() != time.UTC:
			return Invalid(fmt.Sprintf("row %d: datetime %s is not UTC", i, r.Datetime))
		case r.Volume < 0:
			return Invalid(fmt.Sprintf("row %d: negative volume %d", i, r.Volume))
		}
		if i == 0 {
			continue
		}
		p := t.Rows[i-1]
		if p.Ticker > r.Ticker || (p.Ticker == r.Ticker && !p.Datetime.Before(r.Datetime)) {
			return Invalid(fmt.Sprintf("row %d: rows not strictly ordered by (ticker, datetime)", i))
		}
	}
	return nil
}

// UniqueTickers trims, drops empty entries and removes duplicates while
// keeping first-seen order.
func UniqueTickers(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Return is one row of the returns view.
type Return struct {
	Ticker      string
	Datetime    time.Time
	DailyReturn float64
}

// Returns is the per-observation returns view, ordered like its source table.
type Returns []Return

// MovingAverageColumn names the column holding the rolling mean for window w.
func MovingAverageColumn(w int) string { return "ma_" + strconv.Itoa(w) }

// MovingAverageTable is a price table plus one rolling-mean column per window.
// Averages[w] is aligned with Rows.
type MovingAverageTable struct {
	Table
	Windows  []int
	Averages map[int][]float64
}

// Average returns the rolling means for window w, or nil when w was not
// requested.
func (m *MovingAverageTable) Average(w int) []float64 {
	if m == nil {
		return nil
	}
	return m.Averages[w]
}

// Missing reports whether v is the missing-value marker.
func Missing(v float64) bool { return math.IsNaN(v) }
