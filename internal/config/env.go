package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type lookupFunc func(key string) (string, bool)

// applyEnv overrides cfg from DASHBOARD_* variables. Every unparsable value
// is reported; valid ones are still applied.
func applyEnv(cfg *Settings, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.list("DEFAULT_TICKERS", &cfg.DefaultTickers)
	e.str("DEFAULT_INTERVAL", &cfg.DefaultInterval)
	e.integer("DEFAULT_LOOKBACK_DAYS", &cfg.DefaultLookbackDays)
	e.integers("MOVING_AVERAGE_WINDOWS", &cfg.MovingAverageWindows)
	e.integer("CACHE_TTL_SECONDS", &cfg.CacheTTLSeconds)
	e.integer("CACHE_MAX_ITEMS", &cfg.CacheMaxItems)
	e.integer("DATA_FETCH_RETRIES", &cfg.DataFetchRetries)
	e.float("DATA_FETCH_BACKOFF", &cfg.DataFetchBackoff)
	e.integer("MAX_TICKERS", &cfg.MaxTickers)

	e.str("SERVER_PORT", &cfg.Server.Port)
	e.integer("SERVER_REQUEST_TIMEOUT_SEC", &cfg.Server.RequestTimeoutSec)

	e.str("YAHOO_BASE_URL", &cfg.Yahoo.BaseURL)
	e.integer("YAHOO_TIMEOUT_SEC", &cfg.Yahoo.TimeoutSec)
	e.integer("YAHOO_MAX_CONCURRENCY", &cfg.Yahoo.MaxConcurrency)
	e.integer("YAHOO_MAX_RPM", &cfg.Yahoo.MaxRequestsPerMinute)
	e.integer("YAHOO_BURST", &cfg.Yahoo.Burst)
	e.integer("YAHOO_MIN_INTERVAL_MS", &cfg.Yahoo.MinRequestIntervalMs)
	e.str("YAHOO_USER_AGENT", &cfg.Yahoo.UserAgent)

	e.boolean("BREAKER_ENABLED", &cfg.Breaker.Enabled)
	e.integer("BREAKER_MAX_REQUESTS", &cfg.Breaker.MaxRequests)
	e.integer("BREAKER_INTERVAL_SEC", &cfg.Breaker.IntervalSec)
	e.integer("BREAKER_TIMEOUT_SEC", &cfg.Breaker.TimeoutSec)
	e.integer("BREAKER_MIN_REQUESTS", &cfg.Breaker.MinRequests)
	e.float("BREAKER_FAILURE_RATIO", &cfg.Breaker.FailureRatio)

	e.str("LOG_FORMAT", &cfg.Log.Format)
	e.str("LOG_LEVEL", &cfg.Log.Level)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(name, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, v, err))
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) list(name string, dst *[]string) {
	if v, ok := e.get(name); ok {
		*dst = SplitList(v)
	}
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	x, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = x
}

func (e *envReader) integers(name string, dst *[]int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	parts := SplitList(v)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		x, err := strconv.Atoi(p)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		out = append(out, x)
	}
	*dst = out
}

func (e *envReader) float(name string, dst *float64) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	x, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = x
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y":
		*dst = true
	case "0", "false", "no", "n":
		*dst = false
	default:
		e.fail(name, v, errors.New("not a boolean"))
	}
}
