// Package orchestrator runs capture cycles: snapshot, classify, relay.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/classifier"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

// ErrBusy is returned by Trigger while another cycle is in flight.
var ErrBusy = errors.New("capture already in progress")

// State is the cycle phase.
type State int32

const (
	Idle State = iota
	Capturing
	Classifying
	Relaying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Classifying:
		return "classifying"
	case Relaying:
		return "relaying"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// SaveRequester queues snapshot writes. snapshot.Writer satisfies it.
type SaveRequester interface {
	RequestSave(name string)
	Path(name string) string
}

// Sender relays the label code downstream. link.Link satisfies it.
type Sender interface {
	Send(payload []byte) error
}

// ResultSink receives every finished cycle.
type ResultSink interface {
	PublishResult(types.ClassificationResult)
}

// SinkFunc adapts a function to ResultSink.
type SinkFunc func(types.ClassificationResult)

func (f SinkFunc) PublishResult(r types.ClassificationResult) { f(r) }

// Config controls snapshot naming and the settle wait.
type Config struct {
	SettleDelay time.Duration
	Prefix      string
	TimeLayout  string
	Extension   string
}

func DefaultConfig() Config {
	return Config{
		SettleDelay: 500 * time.Millisecond,
		Prefix:      "capture_",
		TimeLayout:  "20060102_150405",
		Extension:   ".jpg",
	}
}

type Option func(*Orchestrator)

func WithSink(s ResultSink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now for snapshot names and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs at most one cycle at a time. Triggers that arrive while a
// cycle is in flight are rejected with ErrBusy.
type Orchestrator struct {
	cfg        Config
	saver      SaveRequester
	classifier classifier.Classifier
	sender     Sender
	sinks      []ResultSink
	metrics    *metrics.Metrics
	now        func() time.Time
	log        logger.Module

	state atomic.Int32

	mu       sync.RWMutex
	latest   *types.ClassificationResult
	lastName string
	nameSeq  int
}

func New(saver SaveRequester, c classifier.Classifier, sender Sender, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.TimeLayout == "" {
		cfg.TimeLayout = def.TimeLayout
	}
	if cfg.Extension == "" {
		cfg.Extension = def.Extension
	}

	o := &Orchestrator{
		cfg:        cfg,
		saver:      saver,
		classifier: c,
		sender:     sender,
		now:        time.Now,
		log:        logger.For("Orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	return o
}

// State returns the current cycle phase.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Latest returns the result of the most recent finished cycle.
func (o *Orchestrator) Latest() (types.ClassificationResult, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.latest == nil {
		return types.ClassificationResult{}, false
	}
	return *o.latest, true
}

// Trigger runs one cycle and returns its result. A classification failure is
// returned as an error alongside the recorded result; a send failure is only
// recorded in the result.
func (o *Orchestrator) Trigger(ctx context.Context) (types.ClassificationResult, error) {
	if !o.state.CompareAndSwap(int32(Idle), int32(Capturing)) {
		o.metrics.CyclesIgnored.Add(1)
		return types.ClassificationResult{}, ErrBusy
	}
	o.metrics.OrchestratorState.Store(int32(Capturing))
	defer o.setState(Idle)
	o.metrics.CyclesAccepted.Add(1)

	started := o.now()
	name := o.snapshotName(started)
	res := types.ClassificationResult{
		CycleID:    uuid.NewString(),
		Snapshot:   name,
		CapturedAt: started,
	}

	o.log.Info("Capture requested: %s", name)
	o.saver.RequestSave(name)

	if !sleepWithContext(ctx, o.cfg.SettleDelay) {
		err := fmt.Errorf("cycle cancelled: %w", ctx.Err())
		res.Error = err.Error()
		o.finish(&res, started)
		return res, err
	}

	o.setState(Classifying)
	label, err := o.classifier.Predict(ctx, o.saver.Path(name))
	if err != nil {
		o.metrics.ClassificationErrors.Add(1)
		o.log.Warn("Classification of %s failed: %v", name, err)
		res.Error = err.Error()
		o.finish(&res, started)
		return res, err
	}
	res.Label = label.Name
	res.Code = label.Code()
	o.log.Info("Prediction: %s (code %d)", label.Name, label.Code())

	o.setState(Relaying)
	if err := o.sender.Send(label.Wire()); err != nil {
		o.log.Warn("Relay of %s failed: %v", label.Name, err)
		res.SendError = err.Error()
	} else {
		res.Sent = true
	}

	o.finish(&res, started)
	return res, nil
}

func (o *Orchestrator) finish(res *types.ClassificationResult, started time.Time) {
	res.FinishedAt = o.now()
	o.metrics.ObserveCycle(started)

	o.mu.Lock()
	latest := *res
	o.latest = &latest
	o.mu.Unlock()

	for _, s := range o.sinks {
		s.PublishResult(*res)
	}
}

// snapshotName derives a file name from t. A name already used by the
// previous cycle gets a numeric suffix.
func (o *Orchestrator) snapshotName(t time.Time) string {
	base := o.cfg.Prefix + t.Format(o.cfg.TimeLayout)

	o.mu.Lock()
	defer o.mu.Unlock()
	if base == o.lastName {
		o.nameSeq++
		return fmt.Sprintf("%s_%d%s", base, o.nameSeq+1, o.cfg.Extension)
	}
	o.lastName = base
	o.nameSeq = 0
	return base + o.cfg.Extension
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.metrics.OrchestratorState.Store(int32(s))
}

// Run turns trigger events into cycles until ctx is cancelled. Each event
// starts a cycle on its own goroutine so that busy rejections stay immediate.
// Run waits for in-flight cycles before returning.
func (o *Orchestrator) Run(ctx context.Context, triggers ...<-chan struct{}) {
	merged := make(chan struct{})
	var fan sync.WaitGroup
	for _, t := range triggers {
		fan.Add(1)
		go func(t <-chan struct{}) {
			defer fan.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-t:
					if !ok {
						return
					}
					select {
					case merged <- struct{}{}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(t)
	}

	var cycles sync.WaitGroup
	defer func() {
		fan.Wait()
		cycles.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-merged:
			cycles.Add(1)
			go func() {
				defer cycles.Done()
				if _, err := o.Trigger(ctx); errors.Is(err, ErrBusy) {
					o.log.Debug("Trigger ignored: cycle in progress")
				}
			}()
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
