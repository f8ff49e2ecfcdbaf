// Package breaker guards an upstream Downloader with a circuit breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"commoditydash/internal/config"
	"commoditydash/internal/observability"
	"commoditydash/internal/provider"
)

// Downloader rejects calls while the upstream is failing. In the open state
// calls fail fast with an error wrapping gobreaker.ErrOpenState.
type Downloader struct {
	next provider.Downloader
	cb   *gobreaker.CircuitBreaker[*provider.Frame]
}

type options struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures New.
type Option func(*options)

// WithLogger logs state changes; nil keeps the discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics exports the breaker state and trips.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New wraps next. The breaker trips once at least MinRequests calls were seen
// in the current interval and the failure ratio reaches FailureRatio.
func New(next provider.Downloader, cfg config.Breaker, opts ...Option) *Downloader {
	o := options{logger: observability.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	name := next.Name()
	o.metrics.SetCircuitBreakerState(name, observability.BreakerClosed)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(max(cfg.MaxRequests, 1)),
		Interval:    time.Duration(cfg.IntervalSec) * time.Second,
		Timeout:     time.Duration(cfg.TimeoutSec) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < uint32(cfg.MinRequests) {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// the caller giving up says nothing about the upstream
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			o.metrics.SetCircuitBreakerState(name, stateToInt(to))
			if to == gobreaker.StateOpen {
				o.metrics.RecordCircuitBreakerTrip(name)
			}
		},
	}
	return &Downloader{next: next, cb: gobreaker.NewCircuitBreaker[*provider.Frame](settings)}
}

func (d *Downloader) Name() string { return d.next.Name() }

func (d *Downloader) Download(ctx context.Context, req provider.Request) (*provider.Frame, error) {
	frame, err := d.cb.Execute(func() (*provider.Frame, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return d.next.Download(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s unavailable: %w", d.next.Name(), err)
	}
	return frame, err
}

// State reports the breaker state.
func (d *Downloader) State() gobreaker.State { return d.cb.State() }

// stateToInt converts a breaker state to its gauge value.
func stateToInt(state gobreaker.State) int {
	switch state {
	case gobreaker.StateHalfOpen:
		return observability.BreakerHalfOpen
	case gobreaker.StateOpen:
		return observability.BreakerOpen
	default:
		return observability.BreakerClosed
	}
}
