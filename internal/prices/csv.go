package prices

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp format used for exported tables.
const TimeLayout = time.RFC3339Nano

// FormatFloat renders v in shortest round-trip form; NaN becomes "".
func FormatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseFloat is the inverse of FormatFloat.
func ParseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func (o Observation) field(col string) string {
	switch col {
	case ColTicker:
		return o.Ticker
	case ColDatetime:
		return o.Datetime.UTC().Format(TimeLayout)
	case ColOpen:
		return FormatFloat(o.Open)
	case ColHigh:
		return FormatFloat(o.High)
	case ColLow:
		return FormatFloat(o.Low)
	case ColClose:
		return FormatFloat(o.Close)
	case ColAdjClose:
		return FormatFloat(o.AdjClose)
	case ColVolume:
		return strconv.FormatInt(o.Volume, 10)
	}
	return ""
}

// tableColumns returns the canonical columns t carries, in canonical order.
func (t *Table) tableColumns() []string {
	out := make([]string, 0, len(canonicalColumns))
	for _, c := range canonicalColumns {
		if t.HasColumn(c) {
			out = append(out, c)
		}
	}
	return out
}

// WriteCSV writes the table with a header row and no index column.
func (t *Table) WriteCSV(w io.Writer) error {
	cols := t.tableColumns()
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(cols))
	for _, r := range t.Rows {
		for i, c := range cols {
			record[i] = r.field(c)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSV writes the returns view as ticker,datetime,daily_return.
func (r Returns) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{ColTicker, ColDatetime, ColDailyReturn}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range r {
		rec := []string{row.Ticker, row.Datetime.UTC().Format(TimeLayout), FormatFloat(row.DailyReturn)}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSV writes the table columns followed by one ma_<w> column per window.
func (m *MovingAverageTable) WriteCSV(w io.Writer) error {
	cols := m.tableColumns()
	header := slices.Clone(cols)
	for _, win := range m.Windows {
		header = append(header, MovingAverageColumn(win))
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(header))
	for i, r := range m.Rows {
		for j, c := range cols {
			record[j] = r.field(c)
		}
		for k, win := range m.Windows {
			record[len(cols)+k] = FormatFloat(m.Averages[win][i])
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a table written by WriteCSV. The header must contain ticker
// and datetime; other canonical columns are optional and unknown columns are
// ignored. Columns absent from the header are absent from the result.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, Invalid("csv input is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	pos := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if IsCanonicalColumn(h) {
			pos[h] = i
		}
	}

	t := &Table{}
	for _, c := range canonicalColumns {
		if _, ok := pos[c]; ok {
			t.Columns = append(t.Columns, c)
		}
	}
	if missing := t.MissingColumns(ColTicker, ColDatetime); len(missing) > 0 {
		return nil, &ValidationError{Message: "csv header is missing columns", Missing: missing}
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		o, err := parseRecord(rec, pos)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		t.Rows = append(t.Rows, o)
	}
	return t, nil
}

func parseRecord(rec []string, pos map[string]int) (Observation, error) {
	o := Observation{
		Open:     math.NaN(),
		High:     math.NaN(),
		Low:      math.NaN(),
		Close:    math.NaN(),
		AdjClose: math.NaN(),
	}
	get := func(col string) (string, bool) {
		i, ok := pos[col]
		if !ok || i >= len(rec) {
			return "", false
		}
		return rec[i], true
	}

	o.Ticker, _ = get(ColTicker)
	ts, _ := get(ColDatetime)
	dt, err := time.Parse(TimeLayout, strings.TrimSpace(ts))
	if err != nil {
		return o, fmt.Errorf("parse datetime %q: %w", ts, err)
	}
	o.Datetime = dt.UTC()

	for _, f := range []struct {
		col string
		dst *float64
	}{
		{ColOpen, &o.Open},
		{ColHigh, &o.High},
		{ColLow, &o.Low},
		{ColClose, &o.Close},
		{ColAdjClose, &o.AdjClose},
	} {
		s, ok := get(f.col)
		if !ok {
			continue
		}
		v, err := ParseFloat(s)
		if err != nil {
			return o, fmt.Errorf("parse %s %q: %w", f.col, s, err)
		}
		*f.dst = v
	}

	if s, ok := get(ColVolume); ok && strings.TrimSpace(s) != "" {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return o, fmt.Errorf("parse volume %q: %w", s, err)
		}
		o.Volume = v
	}
	return o, nil
}
