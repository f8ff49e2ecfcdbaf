package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"commoditydash/internal/prices"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DASHBOARD_"

type Server struct {
	Port              string `json:"port" yaml:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
}

type Yahoo struct {
	BaseURL              string `json:"base_url" yaml:"base_url"`
	TimeoutSec           int    `json:"timeout_sec" yaml:"timeout_sec"`
	MaxConcurrency       int    `json:"max_concurrency" yaml:"max_concurrency"`
	MaxRequestsPerMinute int    `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	Burst                int    `json:"burst" yaml:"burst"`
	MinRequestIntervalMs int    `json:"min_request_interval_ms" yaml:"min_request_interval_ms"`
	UserAgent            string `json:"user_agent" yaml:"user_agent"`
}

type Breaker struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	MaxRequests  int     `json:"max_requests" yaml:"max_requests"`
	IntervalSec  int     `json:"interval_sec" yaml:"interval_sec"`
	TimeoutSec   int     `json:"timeout_sec" yaml:"timeout_sec"`
	MinRequests  int     `json:"min_requests" yaml:"min_requests"`
	FailureRatio float64 `json:"failure_ratio" yaml:"failure_ratio"`
}

type Log struct {
	Format string `json:"format" yaml:"format"`
	Level  string `json:"level" yaml:"level"`
}

// Settings holds every tunable of the pipeline. It is built once at process
// start and passed by value.
type Settings struct {
	DefaultTickers       []string `json:"default_tickers" yaml:"default_tickers"`
	DefaultInterval      string   `json:"default_interval" yaml:"default_interval"`
	DefaultLookbackDays  int      `json:"default_lookback_days" yaml:"default_lookback_days"`
	MovingAverageWindows []int    `json:"moving_average_windows" yaml:"moving_average_windows"`
	CacheTTLSeconds      int      `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	CacheMaxItems        int      `json:"cache_max_items" yaml:"cache_max_items"`
	DataFetchRetries     int      `json:"data_fetch_retries" yaml:"data_fetch_retries"`
	DataFetchBackoff     float64  `json:"data_fetch_backoff" yaml:"data_fetch_backoff"`
	MaxTickers           int      `json:"max_tickers" yaml:"max_tickers"`

	Server  Server  `json:"server" yaml:"server"`
	Yahoo   Yahoo   `json:"yahoo" yaml:"yahoo"`
	Breaker Breaker `json:"breaker" yaml:"breaker"`
	Log     Log     `json:"log" yaml:"log"`
}

func Default() Settings {
	return Settings{
		DefaultTickers:       []string{"CL=F", "BZ=F", "NG=F", "GC=F", "SI=F"},
		DefaultInterval:      "1d",
		DefaultLookbackDays:  180,
		MovingAverageWindows: []int{20, 50},
		CacheTTLSeconds:      900,
		CacheMaxItems:        128,
		DataFetchRetries:     3,
		DataFetchBackoff:     1.5,
		MaxTickers:           8,
		Server:               Server{Port: "8080", RequestTimeoutSec: 30},
		Yahoo: Yahoo{
			BaseURL:        "https://query1.finance.yahoo.com",
			TimeoutSec:     20,
			MaxConcurrency: 4,
			Burst:          1,
			UserAgent:      "commoditydash/1.0",
		},
		Breaker: Breaker{
			Enabled:      true,
			MaxRequests:  1,
			IntervalSec:  60,
			TimeoutSec:   30,
			MinRequests:  5,
			FailureRatio: 0.6,
		},
		Log: Log{Format: "text", Level: "info"},
	}
}

// CacheTTL is the lifetime of a cached fetch.
func (s Settings) CacheTTL() time.Duration { return time.Duration(s.CacheTTLSeconds) * time.Second }

// RequestTimeout bounds one HTTP API request.
func (s Server) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// Timeout bounds one upstream HTTP call.
func (y Yahoo) Timeout() time.Duration { return time.Duration(y.TimeoutSec) * time.Second }

// MinInterval is the minimum spacing between upstream calls.
func (y Yahoo) MinInterval() time.Duration {
	return time.Duration(y.MinRequestIntervalMs) * time.Millisecond
}

var logLevels = []string{"debug", "info", "warn", "error"}

var intervalPattern = regexp.MustCompile(`^[0-9]+[mhdw]$`)

// ValidInterval reports whether s is a sampling interval such as 5m, 1h, 1d.
func ValidInterval(s string) bool { return intervalPattern.MatchString(s) }

// Load builds Settings from defaults, an optional JSON or YAML file and
// DASHBOARD_* environment variables, in that order. An empty path probes
// config.yaml, config.yml and config.json in the working directory; a
// missing file is not an error.
func Load(path string) (Settings, error) {
	cfg := Default()
	if path == "" {
		for _, candidate := range []string{"config.yaml", "config.yml", "config.json"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := decode(path, b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, b []byte, cfg *Settings) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, cfg)
	default:
		return json.Unmarshal(b, cfg)
	}
}

func (s *Settings) normalize() {
	s.DefaultTickers = prices.UniqueTickers(s.DefaultTickers)
	s.DefaultInterval = strings.TrimSpace(s.DefaultInterval)
	s.MovingAverageWindows = NormalizeWindows(s.MovingAverageWindows)
	s.Log.Format = strings.ToLower(strings.TrimSpace(s.Log.Format))
	s.Log.Level = strings.ToLower(strings.TrimSpace(s.Log.Level))
}

// NormalizeWindows drops non-positive windows and returns the rest sorted
// and unique.
func NormalizeWindows(in []int) []int {
	out := make([]int, 0, len(in))
	for _, w := range in {
		if w > 0 {
			out = append(out, w)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Validate reports the first invalid setting.
func (s Settings) Validate() error {
	checks := []struct {
		ok  bool
		msg string
	}{
		{len(s.DefaultTickers) > 0, "default_tickers must not be empty"},
		{ValidInterval(s.DefaultInterval), fmt.Sprintf("default_interval %q must match [0-9]+[mhdw]", s.DefaultInterval)},
		{s.DefaultLookbackDays > 0, "default_lookback_days must be positive"},
		{len(NormalizeWindows(s.MovingAverageWindows)) > 0, "moving_average_windows needs a positive window"},
		{s.CacheTTLSeconds > 0, "cache_ttl_seconds must be positive"},
		{s.CacheMaxItems >= 0, "cache_max_items must not be negative"},
		{s.DataFetchRetries >= 1, "data_fetch_retries must be at least 1"},
		{s.DataFetchBackoff > 0, "data_fetch_backoff must be positive"},
		{s.MaxTickers > 0, "max_tickers must be positive"},
		{len(s.DefaultTickers) <= s.MaxTickers, fmt.Sprintf("default_tickers has more than max_tickers=%d entries", s.MaxTickers)},
		{strings.TrimSpace(s.Server.Port) != "", "server.port must be set"},
		{s.Server.RequestTimeoutSec > 0, "server.request_timeout_sec must be positive"},
		{strings.TrimSpace(s.Yahoo.BaseURL) != "", "yahoo.base_url must be set"},
		{s.Yahoo.TimeoutSec > 0, "yahoo.timeout_sec must be positive"},
		{s.Yahoo.MaxConcurrency > 0, "yahoo.max_concurrency must be positive"},
		{s.Yahoo.MaxRequestsPerMinute >= 0, "yahoo.max_requests_per_minute must not be negative"},
		{s.Yahoo.Burst > 0, "yahoo.burst must be positive"},
		{s.Yahoo.MinRequestIntervalMs >= 0, "yahoo.min_request_interval_ms must not be negative"},
		{!s.Breaker.Enabled || s.Breaker.MaxRequests > 0, "breaker.max_requests must be positive"},
		{!s.Breaker.Enabled || s.Breaker.IntervalSec >= 0, "breaker.interval_sec must not be negative"},
		{!s.Breaker.Enabled || s.Breaker.TimeoutSec > 0, "breaker.timeout_sec must be positive"},
		{!s.Breaker.Enabled || s.Breaker.MinRequests > 0, "breaker.min_requests must be positive"},
		{!s.Breaker.Enabled || (s.Breaker.FailureRatio > 0 && s.Breaker.FailureRatio <= 1), "breaker.failure_ratio must be in (0, 1]"},
		{s.Log.Format == "text" || s.Log.Format == "json", fmt.Sprintf("log.format %q must be text or json", s.Log.Format)},
		{slices.Contains(logLevels, s.Log.Level), fmt.Sprintf("log.level %q must be one of %s", s.Log.Level, strings.Join(logLevels, ", "))},
	}
	for _, c := range checks {
		if !c.ok {
			return prices.Invalid("invalid settings: " + c.msg)
		}
	}
	return nil
}

// SplitList splits a comma-separated list, trimming items and dropping blanks.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
