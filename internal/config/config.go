// Package config loads the relay configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/link"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete relay configuration.
type Config struct {
	Camera     CameraConfig     `yaml:"camera"`
	Link       LinkConfig       `yaml:"link"`
	Capture    CaptureConfig    `yaml:"capture"`
	Classifier ClassifierConfig `yaml:"classifier"`
	HTTP       HTTPConfig       `yaml:"http"`
	History    HistoryConfig    `yaml:"history"`
	Stepper    StepperConfig    `yaml:"stepper"`
	Log        LogConfig        `yaml:"log"`
}

type CameraConfig struct {
	Index       int           `yaml:"index"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	FPS         int           `yaml:"fps"` // requested from the device
	Interval    time.Duration `yaml:"interval"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxFailures int           `yaml:"max_failures"`
	Pattern     bool          `yaml:"pattern"` // colour bars instead of a real device
}

type LinkConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadBufferSize int           `yaml:"read_buffer"`
	Framing        string        `yaml:"framing"` // raw or line
}

type CaptureConfig struct {
	Dir          string        `yaml:"dir"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	JPEGQuality  int           `yaml:"jpeg_quality"`
	Interval     time.Duration `yaml:"interval"` // scheduled trigger, 0 disables
	KeyTrigger   bool          `yaml:"key_trigger"`
	FilePrefix   string        `yaml:"file_prefix"`
	FileExt      string        `yaml:"file_ext"`
	ImageURLPath string        `yaml:"image_url_path"`
}

type ClassifierConfig struct {
	Model  string   `yaml:"model"`  // ONNX file; empty or missing selects the static classifier
	Static string   `yaml:"static"` // label the static classifier returns
	Labels []string `yaml:"labels"`
}

type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	Overlay     bool   `yaml:"overlay"`
}

type HistoryConfig struct {
	Path string `yaml:"path"` // empty disables history
}

type StepperConfig struct {
	Port        string        `yaml:"port"`
	DirPin      uint8         `yaml:"dir_pin"`
	StepPin     uint8         `yaml:"step_pin"`
	StepsPerRev int           `yaml:"steps_per_rev"`
	StepDelay   time.Duration `yaml:"step_delay"`
	DirSettle   time.Duration `yaml:"dir_settle"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// Default returns the configuration of the original deployment.
func Default() Config {
	lc := link.DefaultConfig()
	return Config{
		Camera: CameraConfig{
			Index:       2,
			Width:       640,
			Height:      480,
			FPS:         30,
			Interval:    100 * time.Millisecond,
			RetryDelay:  100 * time.Millisecond,
			MaxFailures: 10,
		},
		Link: LinkConfig{
			Host:           lc.Host,
			Port:           lc.Port,
			DialTimeout:    lc.DialTimeout,
			ReconnectDelay: lc.ReconnectDelay,
			WriteTimeout:   lc.WriteTimeout,
			ReadBufferSize: lc.ReadBufferSize,
			Framing:        string(lc.Framing),
		},
		Capture: CaptureConfig{
			Dir:          "static/captures",
			SettleDelay:  500 * time.Millisecond,
			JPEGQuality:  90,
			KeyTrigger:   true,
			FilePrefix:   "capture_",
			FileExt:      ".jpg",
			ImageURLPath: "/static/captures/",
		},
		Classifier: ClassifierConfig{
			Model:  "model.onnx",
			Static: "bottle",
			Labels: append([]string(nil), types.DefaultLabelNames...),
		},
		HTTP: HTTPConfig{
			Addr:        ":5000",
			MetricsAddr: ":9090",
			Overlay:     true,
		},
		History: HistoryConfig{Path: "captures.db"},
		Stepper: StepperConfig{
			Port:        "/dev/ttyACM0",
			DirPin:      10,
			StepPin:     8,
			StepsPerRev: 200,
			StepDelay:   5 * time.Millisecond,
			DirSettle:   500 * time.Millisecond,
		},
		Log: LogConfig{Level: "info", Color: true},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Labels builds the validated label set.
func (c Config) Labels() (*types.LabelSet, error) {
	return types.NewLabelSet(c.Classifier.Labels...)
}

// LinkConfig converts the link section.
func (c Config) LinkConfig() (link.Config, error) {
	framing, err := link.ParseFraming(c.Link.Framing)
	if err != nil {
		return link.Config{}, err
	}
	return link.Config{
		Host:           c.Link.Host,
		Port:           c.Link.Port,
		DialTimeout:    c.Link.DialTimeout,
		ReconnectDelay: c.Link.ReconnectDelay,
		WriteTimeout:   c.Link.WriteTimeout,
		ReadBufferSize: c.Link.ReadBufferSize,
		Framing:        framing,
	}, nil
}

// Validate reports every problem found, wrapped in ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Camera.Width > 0 && c.Camera.Height > 0, "camera size %dx%d must be positive", c.Camera.Width, c.Camera.Height)
	check(c.Camera.Interval > 0, "camera.interval must be positive")
	check(c.Camera.RetryDelay > 0, "camera.retry_delay must be positive")
	check(c.Camera.MaxFailures > 0, "camera.max_failures must be positive")

	check(c.Link.Host != "", "link.host is required")
	check(c.Link.Port > 0 && c.Link.Port <= 65535, "link.port %d out of range", c.Link.Port)
	check(c.Link.DialTimeout > 0, "link.dial_timeout must be positive")
	check(c.Link.ReconnectDelay > 0, "link.reconnect_delay must be positive")
	check(c.Link.ReadBufferSize > 0, "link.read_buffer must be positive")
	if _, err := link.ParseFraming(c.Link.Framing); err != nil {
		errs = append(errs, err)
	}

	check(c.Capture.Dir != "", "capture.dir is required")
	check(c.Capture.SettleDelay > 0, "capture.settle_delay must be positive")
	check(c.Capture.Interval >= 0, "capture.interval must not be negative")
	check(c.Capture.JPEGQuality > 0 && c.Capture.JPEGQuality <= 100, "capture.jpeg_quality %d out of range", c.Capture.JPEGQuality)

	labels, err := c.Labels()
	if err != nil {
		errs = append(errs, err)
	} else if _, err := labels.ByName(c.Classifier.Static); err != nil {
		errs = append(errs, fmt.Errorf("classifier.static: %w", err))
	}

	check(c.HTTP.Addr != "", "http.addr is required")
	check(c.Stepper.StepsPerRev > 0, "stepper.steps_per_rev must be positive")
	check(c.Stepper.StepDelay > 0, "stepper.step_delay must be positive")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
