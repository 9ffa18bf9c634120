// Command stepper rotates the chute motor once through a Firmata board.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/actuator"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/config"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
)

func main() {
	def := config.Default().Stepper
	var (
		configPath string
		port       string
		angle      float64
		dirPin     uint
		stepPin    uint
		logLevel   string
		logColor   bool
	)
	flag.StringVar(&configPath, "config", "", "YAML config file (stepper section)")
	flag.StringVar(&port, "port", def.Port, "Serial port of the Firmata board")
	flag.Float64Var(&angle, "angle", 90, "Rotation in degrees (negative rotates counter-clockwise)")
	flag.UintVar(&dirPin, "dir-pin", uint(def.DirPin), "Direction pin")
	flag.UintVar(&stepPin, "step-pin", uint(def.StepPin), "Step pin")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	sc := config.Default().Stepper
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		sc = cfg.Stepper
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			sc.Port = port
		case "dir-pin":
			sc.DirPin = uint8(dirPin)
		case "step-pin":
			sc.StepPin = uint8(stepPin)
		}
	})

	pins, err := actuator.OpenFirmata(sc.Port)
	if err != nil {
		log.Fatalf("Failed to open board: %v", err)
	}
	defer pins.Close()

	stepper, err := actuator.NewStepper(pins, actuator.StepperConfig{
		DirPin:      sc.DirPin,
		StepPin:     sc.StepPin,
		StepsPerRev: sc.StepsPerRev,
		StepDelay:   sc.StepDelay,
		DirSettle:   sc.DirSettle,
	})
	if err != nil {
		log.Fatalf("Failed to configure stepper: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := stepper.Rotate(ctx, angle); err != nil {
		logger.Error("Actuator", "Rotate %.1f failed: %v", angle, err)
		return
	}
	logger.Info("Actuator", "Rotation complete")
}
