package index

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultFlushInterval is how often Start flushes a dirty index.
const DefaultFlushInterval = 30 * time.Second

// Start launches a background loop flushing the index every interval until
// ctx is canceled or the returned function is called. The returned function
// waits for the loop to exit. onFlush, when set, sees every attempted flush.
func (x *PathIndex) Start(ctx context.Context, interval time.Duration, onFlush func(written bool, err error)) (stop func()) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			written, err := x.Flush(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				x.log.Error("periodic flush", zap.Error(err))
			}
			if onFlush != nil {
				onFlush(written, err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
