package session

import (
	"context"
	"log/slog"
	"time"
)

// Discord clears the indicator roughly ten seconds after each trigger.
const defaultTypingInterval = 8 * time.Second

// startTyping shows the typing indicator in channelID until the returned
// stop func is called. stop is safe to call more than once and returns
// only after the refresh loop has exited.
func startTyping(ctx context.Context, t Transport, channelID string, interval time.Duration, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)

	trigger := func() {
		if err := t.TriggerTyping(ctx, channelID); err != nil && ctx.Err() == nil {
			logger.Debug("typing indicator failed", "error", err)
		}
	}
	trigger()

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
				trigger()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
