// Package actuator drives the sorting chute's stepper motor.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
)

// ErrAngleTooSmall is returned when an angle rounds down to zero steps.
var ErrAngleTooSmall = errors.New("angle too small")

// Pins is the digital output surface the stepper driver needs.
type Pins interface {
	SetOutput(pin uint8) error
	Write(pin uint8, high bool) error
}

// StepperConfig describes the driver wiring and timing.
type StepperConfig struct {
	DirPin        uint8
	StepPin       uint8
	StepsPerRev   int
	StepDelay     time.Duration // high and low phase of each pulse
	DirSettle     time.Duration // wait after changing direction
	InvertDirHigh bool          // drive dir low for clockwise
}

func DefaultStepperConfig() StepperConfig {
	return StepperConfig{
		DirPin:      10,
		StepPin:     8,
		StepsPerRev: 200,
		StepDelay:   5 * time.Millisecond,
		DirSettle:   500 * time.Millisecond,
	}
}

// Stepper rotates a step/dir driven motor. Rotations are serialised.
type Stepper struct {
	cfg  StepperConfig
	pins Pins
	mu   sync.Mutex
}

// NewStepper configures both pins as outputs.
func NewStepper(pins Pins, cfg StepperConfig) (*Stepper, error) {
	if cfg.StepsPerRev <= 0 {
		return nil, fmt.Errorf("steps per revolution must be positive, got %d", cfg.StepsPerRev)
	}
	if err := pins.SetOutput(cfg.DirPin); err != nil {
		return nil, fmt.Errorf("set dir pin %d: %w", cfg.DirPin, err)
	}
	if err := pins.SetOutput(cfg.StepPin); err != nil {
		return nil, fmt.Errorf("set step pin %d: %w", cfg.StepPin, err)
	}
	return &Stepper{cfg: cfg, pins: pins}, nil
}

// StepsForAngle converts degrees to whole steps, truncating toward zero.
func (s *Stepper) StepsForAngle(angle float64) int {
	return StepsForAngle(angle, s.cfg.StepsPerRev)
}

func StepsForAngle(angle float64, stepsPerRev int) int {
	if stepsPerRev <= 0 {
		return 0
	}
	return int(math.Abs(angle) / (360 / float64(stepsPerRev)))
}

// Rotate turns the motor by angle degrees; positive or zero is clockwise.
// It blocks for the whole sequence and returns ctx.Err() if cancelled
// between pulses.
func (s *Stepper) Rotate(ctx context.Context, angle float64) error {
	steps := s.StepsForAngle(angle)
	if steps == 0 {
		return fmt.Errorf("%w: %.2f degrees", ErrAngleTooSmall, angle)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cw := angle >= 0
	dirHigh := cw != s.cfg.InvertDirHigh
	if err := s.pins.Write(s.cfg.DirPin, dirHigh); err != nil {
		return fmt.Errorf("set direction: %w", err)
	}
	if !sleep(ctx, s.cfg.DirSettle) {
		return ctx.Err()
	}

	dir := "CW"
	if !cw {
		dir = "CCW"
	}
	logger.Info("Actuator", "Rotating %.1f degrees %s (%d steps)", math.Abs(angle), dir, steps)

	for i := 0; i < steps; i++ {
		if err := s.pins.Write(s.cfg.StepPin, true); err != nil {
			return fmt.Errorf("step %d high: %w", i, err)
		}
		if !sleep(ctx, s.cfg.StepDelay) {
			_ = s.pins.Write(s.cfg.StepPin, false)
			return ctx.Err()
		}
		if err := s.pins.Write(s.cfg.StepPin, false); err != nil {
			return fmt.Errorf("step %d low: %w", i, err)
		}
		if !sleep(ctx, s.cfg.StepDelay) {
			return ctx.Err()
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
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
