package yahoo_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"commoditydash/internal/normalize"
	"commoditydash/internal/provider"
	"commoditydash/internal/provider/yahoo"
)

var (
	day1 = time.Date(2024, 6, 3, 4, 0, 0, 0, time.UTC)
	day2 = day1.AddDate(0, 0, 1)
	day3 = day1.AddDate(0, 0, 2)
)

// chartBody renders a chart response. A nil adj omits the adjclose block.
func chartBody(t *testing.T, stamps []time.Time, closes, adj []any) *bytes.Buffer {
	t.Helper()
	ts := make([]int64, len(stamps))
	for i, s := range stamps {
		ts[i] = s.Unix()
	}
	indicators := map[string]any{
		"quote": []any{map[string]any{
			"open":   closes,
			"high":   closes,
			"low":    closes,
			"close":  closes,
			"volume": repeat(1000, len(stamps)),
		}},
	}
	if adj != nil {
		indicators["adjclose"] = []any{map[string]any{"adjclose": adj}}
	}
	body := map[string]any{"chart": map[string]any{
		"result": []any{map[string]any{
			"meta":       map[string]any{"symbol": "X"},
			"timestamp":  ts,
			"indicators": indicators,
		}},
		"error": nil,
	}}
	buffer := &bytes.Buffer{}
	if err := json.NewEncoder(buffer).Encode(body); err != nil {
		t.Errorf("encoding chart body: %v", err)
	}
	return buffer
}

func repeat(v any, n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func ok(body io.Reader) *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(body)}
}

func request(interval string, tickers ...string) provider.Request {
	return provider.NewRequest(tickers, day1, day3.Add(time.Hour), interval)
}

func column(t *testing.T, f *provider.Frame, metric, ticker string) []any {
	t.Helper()
	c, found := f.Column(provider.ColumnKey{Metric: metric, Ticker: ticker})
	require.Truef(t, found, "column %s/%s not found", metric, ticker)
	return c.Values
}

func TestDownloadRequest(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock HTTP client
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	baseURL := "http://localhost:8080"

	// Assert: stub the Do method
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, http.MethodGet, req.Method)
			assert.Truef(t, strings.HasPrefix(req.URL.String(), baseURL), "expected url to start with base url, received: %s", req.URL.String())
			assert.Equal(t, "/v8/finance/chart/CL=F", req.URL.Path)
			q := req.URL.Query()
			assert.Equal(t, "1wk", q.Get("interval"))
			assert.Equal(t, "true", q.Get("includeAdjustedClose"))
			assert.Equal(t, "1717387200", q.Get("period1"))
			assert.Equal(t, "1717563600", q.Get("period2"))
			assert.Equal(t, "bar", req.Header.Get("foo"))
			return ok(chartBody(t, []time.Time{day1}, []any{70.0}, []any{70.0})), nil
		}).
		Times(1)

	client := yahoo.New(
		yahoo.WithHTTPClient(httpClient),
		yahoo.WithBaseURL(baseURL),
		yahoo.WithHeader(http.Header{"foo": []string{"bar"}}),
	)

	// Act
	frame, err := client.Download(t.Context(), request("1w", "CL=F"))

	// Assert
	require.NoError(t, err)
	require.Equal(t, "Date", frame.IndexName)
	require.Equal(t, "yahoo", client.Name())
}

func TestDownloadSingleTicker(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(*http.Request) (*http.Response, error) {
			return ok(chartBody(t, []time.Time{day1, day2, day3}, []any{70.0, nil, 71.4}, []any{69.5, nil, 71.0})), nil
		}).
		Times(1)
	client := yahoo.New(yahoo.WithHTTPClient(httpClient))

	// Act
	frame, err := client.Download(t.Context(), request("1d", "CL=F"))

	// Assert: flat layout with nullable cells
	require.NoError(t, err)
	require.Equal(t, "Date", frame.IndexName)
	require.Equal(t, []any{day1, day2, day3}, frame.Index)
	require.Len(t, frame.Columns, 6)
	for _, c := range frame.Columns {
		require.Empty(t, c.Key.Ticker)
	}
	require.Equal(t, []any{70.0, nil, 71.4}, column(t, frame, "Close", ""))
	require.Equal(t, []any{69.5, nil, 71.0}, column(t, frame, "Adj Close", ""))
	require.Equal(t, []any{1000.0, 1000.0, 1000.0}, column(t, frame, "Volume", ""))

	// Assert: the frame normalizes cleanly
	table, err := normalize.Normalize(frame, []string{"CL=F"})
	require.NoError(t, err)
	require.NoError(t, table.Validate())
	require.Len(t, table.Rows, 3)
}

func TestDownloadIntradayFallsBackToClose(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(*http.Request) (*http.Response, error) {
			return ok(chartBody(t, []time.Time{day1, day1.Add(time.Hour)}, []any{70.0, 70.5}, nil)), nil
		}).
		Times(1)
	client := yahoo.New(yahoo.WithHTTPClient(httpClient))

	// Act
	frame, err := client.Download(t.Context(), request("1h", "CL=F"))

	// Assert
	require.NoError(t, err)
	require.Equal(t, "Datetime", frame.IndexName)
	require.Equal(t, column(t, frame, "Close", ""), column(t, frame, "Adj Close", ""))
}

func TestDownloadMultiTicker(t *testing.T) {
	t.Parallel()

	// Arrange: BZ=F has no bar on day2
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			switch req.URL.Path {
			case "/v8/finance/chart/CL=F":
				return ok(chartBody(t, []time.Time{day1, day2, day3}, []any{70.0, 71.0, 72.0}, []any{70.0, 71.0, 72.0})), nil
			case "/v8/finance/chart/BZ=F":
				return ok(chartBody(t, []time.Time{day3, day1}, []any{80.0, 79.0}, []any{80.0, 79.0})), nil
			}
			assert.Failf(t, "unexpected path", "path %s", req.URL.Path)
			return nil, io.EOF
		}).
		Times(2)
	client := yahoo.New(yahoo.WithHTTPClient(httpClient), yahoo.WithMaxConcurrency(2))

	// Act
	frame, err := client.Download(t.Context(), request("1d", "CL=F", "BZ=F"))

	// Assert
	require.NoError(t, err)
	require.Equal(t, []any{day1, day2, day3}, frame.Index)
	require.Len(t, frame.Columns, 12)
	require.Equal(t, provider.ColumnKey{Metric: "Open", Ticker: "CL=F"}, frame.Columns[0].Key)
	require.Equal(t, provider.ColumnKey{Metric: "Open", Ticker: "BZ=F"}, frame.Columns[6].Key)
	require.Equal(t, []any{79.0, nil, 80.0}, column(t, frame, "Adj Close", "BZ=F"))

	table, err := normalize.Normalize(frame, []string{"CL=F", "BZ=F"})
	require.NoError(t, err)
	require.Len(t, table.Rows, 5)
}

func TestDownloadSkipsFailedTicker(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			if strings.HasSuffix(req.URL.Path, "/NG=F") {
				return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader("not found"))}, nil
			}
			return ok(chartBody(t, []time.Time{day1}, []any{70.0}, []any{70.0})), nil
		}).
		Times(2)
	var logs bytes.Buffer
	client := yahoo.New(
		yahoo.WithHTTPClient(httpClient),
		yahoo.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)

	// Act
	frame, err := client.Download(t.Context(), request("1d", "CL=F", "NG=F"))

	// Assert
	require.NoError(t, err)
	require.Len(t, frame.Columns, 6)
	require.Equal(t, "CL=F", frame.Columns[0].Key.Ticker)
	require.Contains(t, logs.String(), "level=WARN")
	require.Contains(t, logs.String(), `ticker="NG=F"`)
	require.Contains(t, logs.String(), "404")
}

func TestDownloadAllTickersFail(t *testing.T) {
	t.Parallel()

	// Arrange: a large error body must not be copied whole into the error
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(*http.Request) (*http.Response, error) {
			body := "upstream unavailable " + strings.Repeat("x", 10_000)
			return &http.Response{StatusCode: http.StatusServiceUnavailable, Body: io.NopCloser(strings.NewReader(body))}, nil
		}).
		Times(1)
	client := yahoo.New(yahoo.WithHTTPClient(httpClient))

	// Act
	frame, err := client.Download(t.Context(), request("1d", "CL=F"))

	// Assert
	require.Error(t, err)
	require.Nil(t, frame)
	require.Contains(t, err.Error(), "CL=F")
	require.Contains(t, err.Error(), "503")
	require.Contains(t, err.Error(), "upstream unavailable")
	require.Less(t, len(err.Error()), 3000)
}

func TestDownloadChartError(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(*http.Request) (*http.Response, error) {
			body := `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`
			return ok(strings.NewReader(body)), nil
		}).
		Times(1)
	client := yahoo.New(yahoo.WithHTTPClient(httpClient))

	// Act
	_, err := client.Download(t.Context(), request("1d", "XX=F"))

	// Assert
	require.ErrorContains(t, err, "symbol may be delisted")
}

func TestDownloadSequentialWithoutThreads(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	var inFlight, peak int
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(*http.Request) (*http.Response, error) {
			inFlight++
			peak = max(peak, inFlight)
			defer func() { inFlight-- }()
			return ok(chartBody(t, []time.Time{day1}, []any{70.0}, []any{70.0})), nil
		}).
		Times(3)
	client := yahoo.New(yahoo.WithHTTPClient(httpClient))
	req := request("1d", "CL=F", "BZ=F", "NG=F")
	req.Threads = false

	// Act
	_, err := client.Download(t.Context(), req)

	// Assert
	require.NoError(t, err)
	require.Equal(t, 1, peak)
}

func TestDownloadNoTickers(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().Do(gomock.Any()).Times(0)

	_, err := yahoo.New(yahoo.WithHTTPClient(httpClient)).Download(t.Context(), provider.Request{Interval: "1d"})
	require.Error(t, err)
}
