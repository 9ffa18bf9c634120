package orchestrator

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/classifier"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/link"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/snapshot"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

type solidFrames struct {
	frame *types.Frame
	done  chan struct{}
}

func (s *solidFrames) CurrentFrame() (*types.Frame, bool) { return s.frame.Clone(), true }
func (s *solidFrames) Done() <-chan struct{}              { return s.done }

type fakeSaver struct {
	dir string

	mu    sync.Mutex
	names []string
}

func (f *fakeSaver) RequestSave(name string) {
	f.mu.Lock()
	f.names = append(f.names, name)
	f.mu.Unlock()
}

func (f *fakeSaver) Path(name string) string { return filepath.Join(f.dir, name) }

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(p []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.sent = append(f.sent, string(p))
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type collector struct {
	mu      sync.Mutex
	results []types.ClassificationResult
}

func (c *collector) PublishResult(r types.ClassificationResult) {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func label(t *testing.T, name string) types.Label {
	t.Helper()
	l, err := types.DefaultLabels().ByName(name)
	if err != nil {
		t.Fatalf("label %s: %v", name, err)
	}
	return l
}

func TestCycleSavesClassifiesAndRelays(t *testing.T) {
	dir := t.TempDir()
	frames := &solidFrames{
		frame: types.SolidFrame(64, 48, color.RGBA{R: 200, G: 30, B: 30, A: 255}, time.Now(), 1),
		done:  make(chan struct{}),
	}
	w := snapshot.NewWriter(dir, frames)
	if err := w.Start(); err != nil {
		t.Fatalf("writer start: %v", err)
	}
	defer w.Stop()

	paper := label(t, "paper")
	var classified string
	c := classifier.Func(func(ctx context.Context, path string) (types.Label, error) {
		classified = path
		if _, err := os.Stat(path); err != nil {
			return types.Label{}, err
		}
		return paper, nil
	})

	sender := &fakeSender{}
	sink := &collector{}
	m := metrics.New()
	cfg := DefaultConfig()
	cfg.SettleDelay = 300 * time.Millisecond
	clock := func() time.Time { return time.Date(2024, 5, 1, 12, 30, 45, 0, time.Local) }
	o := New(w, c, sender, cfg, WithSink(sink), WithMetrics(m), WithClock(clock))

	res, err := o.Trigger(context.Background())
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if res.Snapshot != "capture_20240501_123045.jpg" {
		t.Fatalf("snapshot = %q", res.Snapshot)
	}
	if classified != filepath.Join(dir, res.Snapshot) {
		t.Fatalf("classifier got %q", classified)
	}
	if res.Label != "paper" || res.Code != 4 || !res.Sent || res.CycleID == "" {
		t.Fatalf("result = %+v", res)
	}
	if got := sender.payloads(); len(got) != 1 || got[0] != "4" {
		t.Fatalf("sent = %q, want [4]", got)
	}
	if sink.count() != 1 {
		t.Fatalf("sink got %d results", sink.count())
	}
	latest, ok := o.Latest()
	if !ok || latest.CycleID != res.CycleID {
		t.Fatalf("Latest = %+v, %v", latest, ok)
	}
	if o.State() != Idle {
		t.Fatalf("state after cycle = %s", o.State())
	}
	if m.CyclesAccepted.Load() != 1 {
		t.Fatalf("accepted = %d", m.CyclesAccepted.Load())
	}
}

func TestBusyTriggerIgnored(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	c := classifier.Func(func(ctx context.Context, path string) (types.Label, error) {
		close(entered)
		<-release
		return types.Label{Index: 0, Name: "bottle"}, nil
	})
	sender := &fakeSender{}
	sink := &collector{}
	m := metrics.New()
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	o := New(&fakeSaver{dir: t.TempDir()}, c, sender, cfg, WithSink(sink), WithMetrics(m))

	done := make(chan error, 1)
	go func() {
		_, err := o.Trigger(context.Background())
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first cycle did not reach classification")
	}
	if o.State() != Classifying {
		t.Fatalf("state = %s, want classifying", o.State())
	}
	if _, err := o.Trigger(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Trigger err = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("results = %d, want 1", sink.count())
	}
	if got := sender.payloads(); len(got) != 1 || got[0] != "1" {
		t.Fatalf("sent = %q", got)
	}
	if m.CyclesIgnored.Load() != 1 {
		t.Fatalf("ignored = %d", m.CyclesIgnored.Load())
	}
}

func TestClassificationErrorSkipsSend(t *testing.T) {
	c := classifier.Func(func(ctx context.Context, path string) (types.Label, error) {
		return types.Label{}, classifier.ErrClassification
	})
	sender := &fakeSender{}
	sink := &collector{}
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	o := New(&fakeSaver{dir: t.TempDir()}, c, sender, cfg, WithSink(sink))

	res, err := o.Trigger(context.Background())
	if !errors.Is(err, classifier.ErrClassification) {
		t.Fatalf("err = %v", err)
	}
	if res.OK() || res.Sent || res.Error == "" {
		t.Fatalf("result = %+v", res)
	}
	if len(sender.payloads()) != 0 {
		t.Fatalf("sent after failed classification: %q", sender.payloads())
	}
	if sink.count() != 1 || o.State() != Idle {
		t.Fatalf("results=%d state=%s", sink.count(), o.State())
	}
}

func TestSendFailureRecorded(t *testing.T) {
	c := classifier.Static{Label: label(t, "iron")}
	dir := t.TempDir()
	sender := &fakeSender{err: link.ErrNotConnected}
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	saver := &fakeSaver{dir: dir}
	o := New(saver, classifier.Func(func(ctx context.Context, path string) (types.Label, error) {
		return c.Label, nil
	}), sender, cfg)

	res, err := o.Trigger(context.Background())
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if res.Sent || !strings.Contains(res.SendError, "not connected") || res.Code != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCancelledDuringSettle(t *testing.T) {
	called := false
	c := classifier.Func(func(ctx context.Context, path string) (types.Label, error) {
		called = true
		return types.Label{}, nil
	})
	cfg := DefaultConfig()
	cfg.SettleDelay = time.Hour
	o := New(&fakeSaver{dir: t.TempDir()}, c, &fakeSender{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := o.Trigger(ctx)
	if !errors.Is(err, context.Canceled) || res.Error == "" {
		t.Fatalf("Trigger = %+v, %v", res, err)
	}
	if called {
		t.Fatalf("classifier ran after cancellation")
	}
}

func TestSnapshotNameCollision(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	o := New(&fakeSaver{}, classifier.Static{}, &fakeSender{}, DefaultConfig(), WithClock(func() time.Time { return fixed }))

	names := []string{o.snapshotName(fixed), o.snapshotName(fixed), o.snapshotName(fixed)}
	want := []string{"capture_20240102_030405.jpg", "capture_20240102_030405_2.jpg", "capture_20240102_030405_3.jpg"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %q, want %q", names, want)
		}
	}
	if got := o.snapshotName(fixed.Add(time.Second)); got != "capture_20240102_030406.jpg" {
		t.Fatalf("next second = %q", got)
	}
}

func TestRunFansInTriggers(t *testing.T) {
	c := classifier.Func(func(ctx context.Context, path string) (types.Label, error) {
		return types.Label{Index: 1, Name: "glass_bottle"}, nil
	})
	sender := &fakeSender{}
	sink := &collector{}
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	o := New(&fakeSaver{dir: t.TempDir()}, c, sender, cfg, WithSink(sink))

	ctx, cancel := context.WithCancel(context.Background())
	manual := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		o.Run(ctx, manual)
		close(finished)
	}()

	manual <- struct{}{}
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if got := sender.payloads(); len(got) != 1 || got[0] != "2" {
		t.Fatalf("sent = %q", got)
	}
}

func TestKeyTriggerDebounce(t *testing.T) {
	ch := KeyTrigger(context.Background(), strings.NewReader("\n\n\n"), time.Hour)
	n := 0
	for range ch {
		n++
	}
	if n != 1 {
		t.Fatalf("triggers = %d, want 1", n)
	}

	ch = KeyTrigger(context.Background(), strings.NewReader("a\nb\n"), 0)
	n = 0
	for range ch {
		n++
	}
	if n != 2 {
		t.Fatalf("triggers without debounce = %d, want 2", n)
	}
}

func TestTickerTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := TickerTrigger(ctx, 10*time.Millisecond)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("no tick")
	}
	cancel()
	for range ch {
	}
}
