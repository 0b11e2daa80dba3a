package storage

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// WakeChannel is the pub/sub channel used to nudge idle workers after an
// enqueue. The signal is best-effort: workers poll regardless, so a dropped
// message only costs one poll interval of latency.
const WakeChannel = "rewrite:wake"

// WakeSignal broadcasts enqueue nudges over Redis pub/sub.
type WakeSignal struct {
	client *redis.Client
}

// NewWakeSignal creates a wake signal over the given Redis connection.
func NewWakeSignal(cache *RedisCache) *WakeSignal {
	return &WakeSignal{client: cache.Client()}
}

// Publish emits a wake nudge. Errors are returned for logging only; callers
// must never fail an enqueue because the nudge did not go out.
func (w *WakeSignal) Publish(ctx context.Context) error {
	return w.client.Publish(ctx, WakeChannel, "1").Err()
}

// Subscribe returns a coalesced notification channel plus a cancel function.
// Multiple published nudges collapse into a single pending notification.
func (w *WakeSignal) Subscribe(ctx context.Context) (<-chan struct{}, func()) {
	sub := w.client.Subscribe(ctx, WakeChannel)
	notify := make(chan struct{}, 1)

	go func() {
		ch := sub.Channel()
		for range ch {
			select {
			case notify <- struct{}{}:
			default:
				// a nudge is already pending
			}
		}
		close(notify)
	}()

	cancel := func() {
		_ = sub.Close()
	}

	return notify, cancel
}
