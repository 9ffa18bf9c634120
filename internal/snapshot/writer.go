package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

// FrameProvider supplies the frame to persist at dequeue time.
type FrameProvider interface {
	CurrentFrame() (*types.Frame, bool)
	Done() <-chan struct{}
}

// Outcome describes how a save request was serviced.
type Outcome string

const (
	Saved   Outcome = "saved"
	Skipped Outcome = "skipped" // no frame available
	Failed  Outcome = "failed"
)

// Result is reported to the observer after each request is serviced.
type Result struct {
	Name     string
	Path     string
	Outcome  Outcome
	FrameSeq uint64
	Err      error
	Done     time.Time
}

// Status holds the writer counters.
type Status struct {
	Pending  int    `json:"pending"`
	Saved    uint64 `json:"saved"`
	Skipped  uint64 `json:"skipped"`
	Failed   uint64 `json:"failed"`
	LastPath string `json:"last_path,omitempty"`
}

// Option customizes a Writer.
type Option func(*Writer)

// WithObserver installs a callback invoked on the drain goroutine after each request.
func WithObserver(fn func(Result)) Option {
	return func(w *Writer) { w.observer = fn }
}

// WithJPEGQuality sets the quality used for .jpg snapshots.
func WithJPEGQuality(q int) Option {
	return func(w *Writer) { w.quality = q }
}

// WithMetrics reports counters to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// Writer persists the current frame for each queued request, strictly FIFO.
type Writer struct {
	dir      string
	frames   FrameProvider
	quality  int
	observer func(Result)
	metrics  *metrics.Metrics
	log      logger.Module

	mu      sync.Mutex
	queue   []string
	status  Status
	notify  chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	started bool
	stopped bool
	exited  bool // drain loop has taken its last request
}

// NewWriter creates a writer rooted at dir.
func NewWriter(dir string, frames FrameProvider, opts ...Option) *Writer {
	w := &Writer{
		dir:     dir,
		frames:  frames,
		quality: 90,
		log:     logger.For("Snapshot"),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = metrics.New()
	}
	return w
}

// Path resolves a request name to the file it will be written to.
func (w *Writer) Path(name string) string {
	if filepath.IsAbs(name) || w.dir == "" {
		return name
	}
	return filepath.Join(w.dir, name)
}

// Start creates the output directory and launches the drain loop.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}
	if w.stopped {
		return fmt.Errorf("snapshot writer stopped")
	}
	if w.dir != "" {
		if err := os.MkdirAll(w.dir, 0755); err != nil {
			return fmt.Errorf("failed to create capture directory: %w", err)
		}
	}

	w.started = true
	go w.drain()
	return nil
}

// RequestSave enqueues name and returns immediately. Requests made after the
// drain loop has exited are dropped.
func (w *Writer) RequestSave(name string) {
	w.mu.Lock()
	if w.exited {
		w.mu.Unlock()
		w.log.Warn("Writer stopped, dropping save request for %s", name)
		return
	}
	w.queue = append(w.queue, name)
	w.status.Pending = len(w.queue)
	w.mu.Unlock()
	w.metrics.SaveQueueDepth.Add(1)

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Stop services the requests already queued, then ends the drain loop.
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	close(w.stopCh)
	if !started {
		w.mu.Lock()
		w.exited = true
		dropped := len(w.queue)
		w.queue = nil
		w.status.Pending = 0
		w.mu.Unlock()
		w.metrics.SaveQueueDepth.Add(-int64(dropped))
		close(w.done)
		return
	}
	<-w.done
}

// Status returns a copy of the writer counters.
func (w *Writer) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Writer) next() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return "", false
	}
	name := w.queue[0]
	w.queue[0] = ""
	w.queue = w.queue[1:]
	w.status.Pending = len(w.queue)
	return name, true
}

func (w *Writer) drain() {
	defer close(w.done)

	for {
		for {
			name, ok := w.next()
			if !ok {
				break
			}
			w.service(name)
		}

		select {
		case <-w.notify:
		case <-w.stopCh:
			w.flush()
			return
		case <-w.frames.Done():
			w.log.Info("Frame source stopped, writer exiting")
			w.flush()
			return
		case <-time.After(100 * time.Millisecond):
			// Check stop state periodically
		}
	}
}

// flush services whatever is still queued. The frame source keeps its last
// frame readable after it stops, so these requests still produce files.
func (w *Writer) flush() {
	for {
		name, ok := w.last()
		if !ok {
			return
		}
		w.service(name)
	}
}

// last is next for the final flush: finding the queue empty marks the writer
// exited under the same lock, so RequestSave cannot slip a name in behind it.
func (w *Writer) last() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		w.exited = true
		return "", false
	}
	name := w.queue[0]
	w.queue[0] = ""
	w.queue = w.queue[1:]
	w.status.Pending = len(w.queue)
	return name, true
}

func (w *Writer) service(name string) {
	w.metrics.SaveQueueDepth.Add(-1)
	res := Result{Name: name, Path: w.Path(name)}

	frame, ok := w.frames.CurrentFrame()
	switch {
	case !ok:
		res.Outcome = Skipped
		w.metrics.SnapshotsSkipped.Add(1)
		w.log.Warn("No frame available to save %s", res.Path)
	default:
		res.FrameSeq = frame.Seq
		if err := writeFile(res.Path, frame, w.quality); err != nil {
			res.Outcome = Failed
			res.Err = err
			w.metrics.SnapshotsFailed.Add(1)
			w.log.Error("Failed to save %s: %v", res.Path, err)
		} else {
			res.Outcome = Saved
			w.metrics.SnapshotsSaved.Add(1)
			w.log.Info("Image saved as %s (frame %d)", res.Path, frame.Seq)
		}
	}
	res.Done = time.Now()

	w.mu.Lock()
	switch res.Outcome {
	case Saved:
		w.status.Saved++
		w.status.LastPath = res.Path
	case Skipped:
		w.status.Skipped++
	case Failed:
		w.status.Failed++
	}
	w.mu.Unlock()

	if w.observer != nil {
		w.observer(res)
	}
}
