// Package ratelimit paces calls to an upstream Downloader.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"commoditydash/internal/provider"
)

// MinInterval wraps a downloader and enforces a minimum time between calls.
// Concurrent calls are serialized through the gate and return early if the
// context is canceled while waiting.
type MinInterval struct {
	D        provider.Downloader
	Interval time.Duration

	mu   sync.Mutex
	next time.Time
}

func (m *MinInterval) Name() string { return m.D.Name() }

func (m *MinInterval) Download(ctx context.Context, req provider.Request) (*provider.Frame, error) {
	if m.Interval > 0 {
		if err := m.reserve(ctx); err != nil {
			return nil, err
		}
	}
	return m.D.Download(ctx, req)
}

// reserve claims the next free slot and sleeps until it starts.
func (m *MinInterval) reserve(ctx context.Context) error {
	m.mu.Lock()
	now := time.Now()
	slot := m.next
	if slot.Before(now) {
		slot = now
	}
	m.next = slot.Add(m.Interval)
	m.mu.Unlock()

	return sleep(ctx, time.Until(slot))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
