package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/bus"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/camera"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/camera/opencv"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/classifier"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/config"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/history"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/link"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/orchestrator"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/snapshot"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/webmonitor"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

var (
	// Command-line flags. Explicitly set flags override the config file.
	configPath  = flag.String("config", "", "YAML config file (defaults apply when empty)")
	httpAddr    = flag.String("http", ":5000", "HTTP server address")
	metricsAddr = flag.String("metrics", ":9090", "Metrics server address (empty disables)")
	cameraIndex = flag.Int("camera", 2, "Camera device index")
	remoteHost  = flag.String("host", "192.168.12.98", "Remote controller host")
	remotePort  = flag.Int("port", 65432, "Remote controller port")
	captureDir  = flag.String("capture-dir", "static/captures", "Snapshot directory")
	modelPath   = flag.String("model", "model.onnx", "ONNX model (static classifier when empty or missing)")
	framing     = flag.String("framing", "raw", "Link framing (raw, line)")
	pattern     = flag.Bool("pattern", false, "Use a colour-bar pattern instead of the camera")
	keyTrigger  = flag.Bool("key-trigger", true, "Trigger a capture on each Enter key press")
	interval    = flag.Duration("interval", 0, "Scheduled capture interval (0 disables)")
	historyPath = flag.String("history", "captures.db", "SQLite history file (empty disables)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

// Relay owns every long-running component of the device service.
type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg          config.Config
	metrics      *metrics.Metrics
	bus          *bus.PubSubBus
	source       *camera.Source
	writer       *snapshot.Writer
	link         *link.Link
	orchestrator *orchestrator.Orchestrator
	presenter    *webmonitor.Server
	store        *history.Store
	writes       *history.WriterQueue

	httpServer    *http.Server
	metricsServer *http.Server
	unsubscribe   []func()
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)

	logger.Info("Main", "Capture relay starting...")
	logger.Info("Main", "Log level: %s", level)

	relay, err := NewRelay(cfg)
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}

	if err := relay.Start(); err != nil {
		log.Fatalf("Failed to start relay: %v", err)
	}

	// Wait for shutdown signal or a fatal camera stop
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-relay.source.Done():
		logger.Error("Main", "Camera stopped: %v", relay.source.Err())
	}

	logger.Info("Main", "Shutting down...")
	if err := relay.Shutdown(); err != nil {
		logger.Warn("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Relay stopped")
}

// loadConfig reads -config over the defaults, then applies flags the user set.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTP.Addr = *httpAddr
		case "metrics":
			cfg.HTTP.MetricsAddr = *metricsAddr
		case "camera":
			cfg.Camera.Index = *cameraIndex
		case "host":
			cfg.Link.Host = *remoteHost
		case "port":
			cfg.Link.Port = *remotePort
		case "capture-dir":
			cfg.Capture.Dir = *captureDir
		case "model":
			cfg.Classifier.Model = *modelPath
		case "framing":
			cfg.Link.Framing = *framing
		case "pattern":
			cfg.Camera.Pattern = *pattern
		case "key-trigger":
			cfg.Capture.KeyTrigger = *keyTrigger
		case "interval":
			cfg.Capture.Interval = *interval
		case "history":
			cfg.History.Path = *historyPath
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-color":
			cfg.Log.Color = *logColor
		}
	})
	return cfg, cfg.Validate()
}

// NewRelay opens the camera and builds every component. Nothing runs until Start.
func NewRelay(cfg config.Config) (*Relay, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.New()

	labels, err := cfg.Labels()
	if err != nil {
		cancel()
		return nil, err
	}

	open := opencv.Opener(cfg.Camera.Index, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	if cfg.Camera.Pattern {
		open = camera.NewPatternDevice(cfg.Camera.Width, cfg.Camera.Height).Open
	}
	source, err := camera.NewSource(open, camera.Config{
		Interval:    cfg.Camera.Interval,
		RetryDelay:  cfg.Camera.RetryDelay,
		MaxFailures: cfg.Camera.MaxFailures,
	}, m)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open camera %d: %w", cfg.Camera.Index, err)
	}

	writer := snapshot.NewWriter(cfg.Capture.Dir, source,
		snapshot.WithJPEGQuality(cfg.Capture.JPEGQuality),
		snapshot.WithMetrics(m),
	)

	cls, err := newClassifier(cfg, labels)
	if err != nil {
		source.Stop()
		cancel()
		return nil, err
	}

	linkCfg, err := cfg.LinkConfig()
	if err != nil {
		source.Stop()
		cancel()
		return nil, err
	}
	conn := link.New(linkCfg, link.WithMetrics(m))

	b := bus.New()
	orch := orchestrator.New(writer, cls, conn, orchestrator.Config{
		SettleDelay: cfg.Capture.SettleDelay,
		Prefix:      cfg.Capture.FilePrefix,
		Extension:   cfg.Capture.FileExt,
	}, orchestrator.WithSink(b), orchestrator.WithMetrics(m))

	r := &Relay{
		ctx:          ctx,
		cancel:       cancel,
		cfg:          cfg,
		metrics:      m,
		bus:          b,
		source:       source,
		writer:       writer,
		link:         conn,
		orchestrator: orch,
	}

	opts := []webmonitor.Option{
		webmonitor.WithMetrics(m),
		webmonitor.WithStatus("source", func() any { return source.Status() }),
		webmonitor.WithStatus("link", func() any { return conn.Status() }),
		webmonitor.WithStatus("writer", func() any { return writer.Status() }),
		webmonitor.WithStatus("orchestrator", func() any { return orch.State().String() }),
	}

	if cfg.History.Path != "" {
		store, err := history.Open(ctx, cfg.History.Path)
		if err != nil {
			source.Stop()
			cancel()
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		r.store = store
		r.writes = history.NewWriterQueue(64)
		opts = append(opts, webmonitor.WithHistory(store))
	}

	webCfg := webmonitor.DefaultConfig()
	webCfg.Addr = cfg.HTTP.Addr
	webCfg.CaptureDir = cfg.Capture.Dir
	webCfg.CaptureURL = cfg.Capture.ImageURLPath
	webCfg.Overlay = cfg.HTTP.Overlay
	r.presenter = webmonitor.NewServer(webCfg, source, opts...)
	r.presenter.OnTrigger(orch.Trigger)

	r.httpServer = &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: r.presenter.Handler(),
	}
	if cfg.HTTP.MetricsAddr != "" {
		r.metricsServer = m.NewServer(cfg.HTTP.MetricsAddr)
	}
	return r, nil
}

func newClassifier(cfg config.Config, labels *types.LabelSet) (classifier.Classifier, error) {
	if cfg.Classifier.Model != "" {
		if _, err := os.Stat(cfg.Classifier.Model); err == nil {
			onnx, err := classifier.NewONNX(cfg.Classifier.Model, labels)
			if err != nil {
				return nil, fmt.Errorf("failed to load model: %w", err)
			}
			return onnx, nil
		}
		logger.Warn("Main", "Model %s not found, using static classifier", cfg.Classifier.Model)
	}
	label, err := labels.ByName(cfg.Classifier.Static)
	if err != nil {
		return nil, err
	}
	logger.Info("Main", "Static classifier always predicts %s", label.Name)
	return classifier.Static{Label: label}, nil
}

// Start launches every component and trigger source.
func (r *Relay) Start() error {
	logger.Info("Main", "Starting capture relay...")
	logger.Info("Main", "  Camera: index %d (%dx%d, pattern=%v)", r.cfg.Camera.Index, r.cfg.Camera.Width, r.cfg.Camera.Height, r.cfg.Camera.Pattern)
	logger.Info("Main", "  Remote: %s (%s framing)", r.link.Addr(), r.cfg.Link.Framing)
	logger.Info("Main", "  Capture dir: %s", r.cfg.Capture.Dir)
	logger.Info("Main", "  HTTP server: %s", r.cfg.HTTP.Addr)
	logger.Info("Main", "  Metrics server: %s", r.cfg.HTTP.MetricsAddr)
	logger.Info("Main", "  History: %s", r.cfg.History.Path)

	if err := r.writer.Start(); err != nil {
		return err
	}
	r.source.Attach(r.writer)
	if err := r.source.Start(); err != nil {
		return err
	}

	// The presenter subscribes before any publisher starts so the first
	// link transitions reach the page.
	presenterSub := r.presenter.Subscribe(r.bus)
	r.presenter.OnLinkState(r.link.State().String())

	r.unsubscribe = append(r.unsubscribe,
		r.link.Subscribe(func(msg string) {
			r.bus.Publish(bus.TopicServerMessage, bus.ServerMessage{Text: msg, ReceivedAt: time.Now().UnixMilli()})
		}),
		r.link.OnStateChange(func(st types.ConnectionState) {
			r.bus.Publish(bus.TopicLinkState, bus.LinkState{State: st.String(), At: time.Now().UnixMilli()})
		}),
	)
	r.link.Start()

	if r.store != nil {
		r.writes.Start(r.ctx)
		r.store.Record(r.ctx, r.bus, r.writes)
	}

	r.presenter.Start()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.presenter.Consume(r.ctx, r.bus, presenterSub)
	}()

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", r.cfg.HTTP.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()
	if r.metricsServer != nil {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", r.cfg.HTTP.MetricsAddr)
			if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	var triggers []<-chan struct{}
	if r.cfg.Capture.KeyTrigger {
		logger.Info("Main", "Press Enter to capture")
		triggers = append(triggers, orchestrator.KeyTrigger(r.ctx, os.Stdin, orchestrator.KeyDebounce))
	}
	if r.cfg.Capture.Interval > 0 {
		triggers = append(triggers, orchestrator.TickerTrigger(r.ctx, r.cfg.Capture.Interval))
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.orchestrator.Run(r.ctx, triggers...)
	}()

	logger.Info("Main", "Relay started successfully")
	return nil
}

// Shutdown stops triggers first, then the pipeline, then the outer surfaces.
func (r *Relay) Shutdown() error {
	r.cancel()
	r.wg.Wait()

	for _, unsub := range r.unsubscribe {
		unsub()
	}
	r.link.Stop()

	// Stops the writer too, after queued saves are flushed.
	r.source.Stop()

	r.presenter.Stop()
	r.bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if err := r.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}

	if r.store != nil {
		r.writes.Wait()
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	return errors.Join(errs...)
}
