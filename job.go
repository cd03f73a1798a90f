package ecash

import (
	"context"
	"time"
)

// runLoop calls fn until ctx is done. After each call it waits for the
// returned channel or a wake signal; a nil channel waits for wake only.
func runLoop(ctx context.Context, wake <-chan struct{}, fn func(ctx context.Context) <-chan time.Time) error {
	for {
		next := fn(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-next:
		case <-wake:
		}
	}
}

func kick(wake chan struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}
