package history

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/bus"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue serialises database writes off the caller's goroutine and
// retries each one a few times.
type WriterQueue struct {
	queue chan writeCmd
	done  chan struct{} // closed when the loop exits
	wg    sync.WaitGroup
}

func NewWriterQueue(capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &WriterQueue{
		queue: make(chan writeCmd, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue never blocks. Writes arriving after the loop has exited are dropped.
func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	cmd := writeCmd{name: name, fn: fn}
	select {
	case <-w.done:
		logger.Warn("History", "writer stopped, dropping %s", name)
		return
	default:
	}
	select {
	case w.queue <- cmd:
	default:
		go func() {
			select {
			case w.queue <- cmd:
			case <-w.done:
				logger.Warn("History", "writer stopped, dropping %s", name)
			}
		}()
	}
}

// Start runs the queue until ctx is cancelled. Wait blocks until it exits.
func (w *WriterQueue) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-w.queue:
				w.runWithRetry(ctx, cmd)
			}
		}
	}()
}

func (w *WriterQueue) Wait() {
	w.wg.Wait()
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := cmd.fn(ctx); err != nil {
			logger.Error("History", "db write %s failed (attempt %d): %v", cmd.name, attempt, err)
			if attempt == maxAttempts {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
			continue
		}
		return
	}
}

// Record subscribes to finished cycles on b and persists each through q
// until ctx is cancelled or the bus is closed.
func (s *Store) Record(ctx context.Context, b bus.MessageBus, q *WriterQueue) {
	sub := b.Subscribe(bus.TopicPrediction)
	go func() {
		for {
			select {
			case <-ctx.Done():
				bus.Release(b, sub)
				return
			case msg, ok := <-sub:
				if !ok { // bus closed
					return
				}
				r, ok := msg.(types.ClassificationResult)
				if !ok {
					continue
				}
				q.Enqueue("insert_cycle", func(ctx context.Context) error {
					return s.Insert(ctx, r)
				})
			}
		}
	}()
}
