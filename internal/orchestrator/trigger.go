package orchestrator

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
)

// KeyDebounce is the minimum spacing between key triggers.
const KeyDebounce = 500 * time.Millisecond

// KeyTrigger emits one event per line read from r (the Enter key on a
// terminal), ignoring lines that arrive within debounce of the last accepted
// one. The channel closes when r is exhausted or ctx is cancelled.
func KeyTrigger(ctx context.Context, r io.Reader, debounce time.Duration) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		var last time.Time
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			now := time.Now()
			if !last.IsZero() && now.Sub(last) < debounce {
				continue
			}
			last = now
			logger.Debug("Orchestrator", "Key trigger")
			select {
			case ch <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("Orchestrator", "Key input closed: %v", err)
		}
	}()
	return ch
}

// TickerTrigger emits an event every interval until ctx is cancelled.
// Ticks that find the previous one unconsumed are dropped.
func TickerTrigger(ctx context.Context, interval time.Duration) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch
}
