package camera

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

var (
	// ErrDeviceUnavailable is returned when the camera cannot be opened.
	ErrDeviceUnavailable = errors.New("camera: device unavailable")
	// ErrStopped is returned by Start on a source that has already stopped.
	ErrStopped = errors.New("camera: source stopped")

	errDeviceClosed = errors.New("camera: device closed")
)

// stopGrace bounds how long Stop waits for an in-flight read before closing the device.
var stopGrace = 500 * time.Millisecond

// Device is a frame-producing camera. Read blocks until a frame is
// captured or the read fails; each returned frame is owned by the caller.
type Device interface {
	Read() (*types.Frame, error)
	Close() error
}

// OpenFunc opens a Device.
type OpenFunc func() (Device, error)

// Dependent is a worker whose lifetime is bound to the source.
type Dependent interface {
	Stop()
}

// Config controls the acquisition loop.
type Config struct {
	Interval    time.Duration // minimum time between captures
	RetryDelay  time.Duration // wait after a failed read
	MaxFailures int           // consecutive failures before the loop stops itself
}

// DefaultConfig captures at ~10 fps and gives up after 10 consecutive failures.
func DefaultConfig() Config {
	return Config{
		Interval:    100 * time.Millisecond,
		RetryDelay:  100 * time.Millisecond,
		MaxFailures: 10,
	}
}

// Status is a point-in-time view of the source.
type Status struct {
	State               string    `json:"state"`
	FramesCaptured      uint64    `json:"frames_captured"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFrameAt         time.Time `json:"last_frame_at"`
	LastError           string    `json:"last_error,omitempty"`
}

// Source owns a camera device and publishes the most recent frame.
type Source struct {
	cfg     Config
	dev     Device
	metrics *metrics.Metrics
	log     logger.Module

	mu       sync.RWMutex
	current  *types.Frame
	captured uint64
	failures int
	lastErr  error

	state   atomic.Int32
	started atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}

	stopOnce    sync.Once
	releaseOnce sync.Once

	depMu      sync.Mutex
	dependents []Dependent
}

// NewSource opens the device immediately. A failure is reported as ErrDeviceUnavailable.
func NewSource(open OpenFunc, cfg Config, m *metrics.Metrics) (*Source, error) {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if m == nil {
		m = metrics.New()
	}

	dev, err := open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if dev == nil {
		return nil, ErrDeviceUnavailable
	}

	return &Source{
		cfg:     cfg,
		dev:     dev,
		metrics: m,
		log:     logger.For("Camera"),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the acquisition loop. Calling it again while running is a no-op.
func (s *Source) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		if s.State() == types.Running {
			return nil
		}
		return ErrStopped
	}
	select {
	case <-s.stopCh:
		close(s.done)
		return ErrStopped
	default:
	}

	s.setState(types.Running)
	s.log.Info("Acquisition started (interval=%s, max failures=%d)", s.cfg.Interval, s.cfg.MaxFailures)
	go s.run()
	return nil
}

// Attach binds a worker to the source; Stop stops it after the loop exits.
func (s *Source) Attach(d Dependent) {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	s.dependents = append(s.dependents, d)
}

// CurrentFrame returns a copy of the latest frame. After the source stops,
// the last captured frame stays readable.
func (s *Source) CurrentFrame() (*types.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, false
	}
	return s.current.Clone(), true
}

// State returns Running while the acquisition loop is live.
func (s *Source) State() types.RunState {
	return types.RunState(s.state.Load())
}

// Done is closed once the acquisition loop has exited, including a self-stop
// after repeated failures.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the loop, if it stopped itself.
func (s *Source) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failures >= s.cfg.MaxFailures {
		return s.lastErr
	}
	return nil
}

// Status returns counters and the current run state.
func (s *Source) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:               s.State().String(),
		FramesCaptured:      s.captured,
		ConsecutiveFailures: s.failures,
	}
	if s.current != nil {
		st.LastFrameAt = s.current.Timestamp
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Stop ends acquisition, stops attached workers and releases the device.
// It is safe to call before Start, after a self-stop, or more than once.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.started.CompareAndSwap(false, true) {
			close(s.done)
		}
	})
	// A read blocked in the device only returns once the device is closed.
	select {
	case <-s.done:
	case <-time.After(stopGrace):
		s.log.Warn("Capture loop still reading after %s, closing device", stopGrace)
		s.release()
		<-s.done
	}
	s.release()

	s.depMu.Lock()
	deps := s.dependents
	s.dependents = nil
	s.depMu.Unlock()
	for i := len(deps) - 1; i >= 0; i-- {
		deps[i].Stop()
	}
}

func (s *Source) run() {
	defer close(s.done)
	defer s.release()
	defer s.setState(types.Stopped)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.log.Info("Acquisition stopped")
			return
		default:
		}

		frame, err := s.dev.Read()
		if err == nil && !frame.Valid() {
			err = errors.New("invalid frame from device")
		}
		if err != nil {
			n := s.recordFailure(err)
			s.metrics.CaptureFailures.Add(1)
			if n >= s.cfg.MaxFailures {
				s.log.Error("Capture failed %d times in a row, stopping: %v", n, err)
				return
			}
			s.log.Warn("Capture failed (%d/%d), retrying: %v", n, s.cfg.MaxFailures, err)
			select {
			case <-s.stopCh:
				return
			case <-time.After(s.cfg.RetryDelay):
			}
			continue
		}

		s.publish(frame)
		s.metrics.FramesCaptured.Add(1)

		select {
		case <-s.stopCh:
			s.log.Info("Acquisition stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Source) publish(frame *types.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured++
	if frame.Seq == 0 {
		frame.Seq = s.captured
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	s.current = frame
	s.failures = 0
}

func (s *Source) recordFailure(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.lastErr = err
	return s.failures
}

func (s *Source) setState(st types.RunState) {
	s.state.Store(int32(st))
	s.metrics.SourceRunning.Store(int32(st))
}

func (s *Source) release() {
	s.releaseOnce.Do(func() {
		if err := s.dev.Close(); err != nil {
			s.log.Warn("Device close failed: %v", err)
		}
	})
}
