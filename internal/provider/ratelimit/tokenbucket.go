package ratelimit

import (
	"context"
	"sync"
	"time"

	"commoditydash/internal/provider"
)

// TokenBucket refills at rate tokens per second and holds at most capacity
// tokens. A bucket with a non-positive rate never blocks.
type TokenBucket struct {
	rate     float64
	capacity float64

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewTokenBucket starts full, so the first burst calls go out at once.
func NewTokenBucket(tokensPerSecond float64, burst int) *TokenBucket {
	capacity := float64(max(burst, 1))
	return &TokenBucket{
		rate:     tokensPerSecond,
		capacity: capacity,
		tokens:   capacity,
		last:     time.Now(),
	}
}

// PerMinute builds a bucket from a requests-per-minute budget.
func PerMinute(requests, burst int) *TokenBucket {
	return NewTokenBucket(float64(requests)/60, burst)
}

// Wait takes one token, blocking until it is available or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	if tb.rate <= 0 {
		return ctx.Err()
	}
	for {
		wait, ok := tb.take(time.Now())
		if ok {
			return nil
		}
		if err := sleep(ctx, max(wait, time.Millisecond)); err != nil {
			return err
		}
	}
}

// take refills the bucket up to now and spends a token when one is whole.
// Otherwise it reports how long until the next token.
func (tb *TokenBucket) take(now time.Time) (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if elapsed := now.Sub(tb.last).Seconds(); elapsed > 0 {
		tb.tokens = min(tb.tokens+elapsed*tb.rate, tb.capacity)
		tb.last = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return 0, true
	}
	return time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second)), false
}

// TokenBucketDownloader gates calls to D through TB. A nil TB passes calls
// straight through.
type TokenBucketDownloader struct {
	D  provider.Downloader
	TB *TokenBucket
}

func (t *TokenBucketDownloader) Name() string { return t.D.Name() }

func (t *TokenBucketDownloader) Download(ctx context.Context, req provider.Request) (*provider.Frame, error) {
	if t.TB != nil {
		if err := t.TB.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return t.D.Download(ctx, req)
}
