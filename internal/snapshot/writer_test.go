package snapshot

import (
	"bytes"
	"fmt"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

type stubFrames struct {
	mu    sync.Mutex
	frame *types.Frame
	done  chan struct{}
}

func newStubFrames(f *types.Frame) *stubFrames {
	return &stubFrames{frame: f, done: make(chan struct{})}
}

func (s *stubFrames) CurrentFrame() (*types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return nil, false
	}
	return s.frame.Clone(), true
}

func (s *stubFrames) Done() <-chan struct{} { return s.done }

type recorder struct {
	mu      sync.Mutex
	results []Result
	ch      chan Result
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Result, 256)}
}

func (r *recorder) observe(res Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	r.ch <- res
}

func (r *recorder) wait(t *testing.T, n int) []Result {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-timeout:
			t.Fatalf("timed out after %d of %d results", i, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

func gray(v uint8) *types.Frame {
	return types.SolidFrame(32, 24, color.RGBA{R: v, G: v, B: v, A: 255}, time.Now(), 7)
}

func TestBackToBackRequestsProduceIdenticalFiles(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := NewWriter(dir, newStubFrames(gray(120)), WithObserver(rec.observe))
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	w.RequestSave("a.jpg")
	w.RequestSave("b.jpg")

	results := rec.wait(t, 2)
	if results[0].Name != "a.jpg" || results[1].Name != "b.jpg" {
		t.Fatalf("service order = %s, %s", results[0].Name, results[1].Name)
	}
	if results[0].Done.After(results[1].Done) {
		t.Fatalf("a.jpg finished after b.jpg")
	}

	a, err := os.ReadFile(filepath.Join(dir, "a.jpg"))
	if err != nil {
		t.Fatalf("read a.jpg: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "b.jpg"))
	if err != nil {
		t.Fatalf("read b.jpg: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("a.jpg and b.jpg differ")
	}
	if _, err := jpeg.Decode(bytes.NewReader(a)); err != nil {
		t.Fatalf("a.jpg is not a jpeg: %v", err)
	}
}

func TestNoFrameIsSkipped(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := NewWriter(dir, newStubFrames(nil), WithObserver(rec.observe))
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	w.RequestSave("missing.jpg")
	results := rec.wait(t, 1)
	if results[0].Outcome != Skipped {
		t.Fatalf("outcome = %s, want skipped", results[0].Outcome)
	}
	if _, err := os.Stat(filepath.Join(dir, "missing.jpg")); !os.IsNotExist(err) {
		t.Fatalf("file written without a frame: %v", err)
	}
	if st := w.Status(); st.Skipped != 1 {
		t.Fatalf("skipped = %d", st.Skipped)
	}
}

func TestWriteFailureDoesNotStopWriter(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	rec := newRecorder()
	w := NewWriter(dir, newStubFrames(gray(10)), WithObserver(rec.observe))
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// A regular file used as a directory makes the write fail.
	w.RequestSave("blocker/x.jpg")
	w.RequestSave("ok.png")

	results := rec.wait(t, 2)
	if results[0].Outcome != Failed {
		t.Fatalf("first outcome = %s, want failed", results[0].Outcome)
	}
	if results[1].Outcome != Saved {
		t.Fatalf("second outcome = %s (%v), want saved", results[1].Outcome, results[1].Err)
	}
}

func TestConcurrentProducersKeepOwnOrder(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := NewWriter(dir, newStubFrames(gray(50)), WithObserver(rec.observe))
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	const producers, perProducer = 4, 10
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				w.RequestSave(fmt.Sprintf("p%d_%02d.bmp", p, i))
			}
		}(p)
	}
	wg.Wait()

	results := rec.wait(t, producers*perProducer)
	last := map[byte]string{}
	for _, res := range results {
		p := res.Name[1]
		if prev, ok := last[p]; ok && prev > res.Name {
			t.Fatalf("producer %c out of order: %s after %s", p, res.Name, prev)
		}
		last[p] = res.Name
	}
}

func TestStopDrainsPending(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, newStubFrames(gray(90)))
	for i := 0; i < 5; i++ {
		w.RequestSave(fmt.Sprintf("q%d.jpg", i))
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Stop()

	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("q%d.jpg", i))); err != nil {
			t.Fatalf("q%d.jpg missing after stop: %v", i, err)
		}
	}
	if st := w.Status(); st.Pending != 0 || st.Saved != 5 {
		t.Fatalf("status = %+v", st)
	}
}

func TestWriterExitsWhenSourceStops(t *testing.T) {
	frames := newStubFrames(gray(1))
	w := NewWriter(t.TempDir(), frames)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	close(frames.done)

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatalf("writer kept running after source stopped")
	}
	w.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	w := NewWriter(t.TempDir(), newStubFrames(nil))
	w.Stop()
	w.Stop()
}

func TestRequestAfterExitIsDropped(t *testing.T) {
	m := metrics.New()
	w := NewWriter(t.TempDir(), newStubFrames(gray(5)), WithMetrics(m))
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Stop()

	w.RequestSave("late.jpg")
	if st := w.Status(); st.Pending != 0 {
		t.Fatalf("late request queued after stop: %+v", st)
	}
	if d := m.SaveQueueDepth.Load(); d != 0 {
		t.Fatalf("queue depth = %d, want 0", d)
	}
}

func TestRequestsRacingStopAreSavedOrDropped(t *testing.T) {
	for run := 0; run < 50; run++ {
		m := metrics.New()
		w := NewWriter(t.TempDir(), newStubFrames(gray(7)), WithMetrics(m))
		if err := w.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < 5; i++ {
					w.RequestSave(fmt.Sprintf("r%d_%d_%d.jpg", run, p, i))
				}
			}(p)
		}
		w.Stop()
		wg.Wait()

		if st := w.Status(); st.Pending != 0 {
			t.Fatalf("run %d: %d requests stranded in the queue", run, st.Pending)
		}
		if d := m.SaveQueueDepth.Load(); d != 0 {
			t.Fatalf("run %d: queue depth = %d, want 0", run, d)
		}
	}
}
