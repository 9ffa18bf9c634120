package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/bus"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/orchestrator"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

// TriggerFunc runs one capture cycle. orchestrator.Orchestrator.Trigger satisfies it.
type TriggerFunc func(ctx context.Context) (types.ClassificationResult, error)

// HistoryReader lists persisted cycles. history.Store satisfies it.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]types.ClassificationResult, error)
}

type statusSection struct {
	name string
	fn   func() any
}

type Option func(*Server)

// WithHistory enables /api/history.
func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

// WithStatus adds a named section to /api/status.
func WithStatus(name string, fn func() any) Option {
	return func(s *Server) { s.sections = append(s.sections, statusSection{name, fn}) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the browser-facing presenter: live MJPEG, capture trigger,
// latest prediction and pushed events.
type Server struct {
	cfg         Config
	frames      FrameProvider
	monitor     *Monitor
	broadcaster *FrameBroadcaster
	events      *EventBroadcaster
	history     HistoryReader
	sections    []statusSection
	metrics     *metrics.Metrics
	placeholder []byte

	trigMu  sync.RWMutex
	trigger TriggerFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewServer returns a configured presenter reading frames from frames.
func NewServer(cfg Config, frames FrameProvider, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		frames:  frames,
		monitor: NewMonitor(cfg.CaptureURL, cfg.MessageLog),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	var overlay func() []string
	if cfg.Overlay {
		overlay = s.overlayLines
	}
	s.broadcaster = NewFrameBroadcaster(frames, cfg.StreamInterval, cfg.JPEGQuality, overlay, s.metrics)
	s.events = NewEventBroadcaster(s.metrics)

	placeholder, err := placeholderJPEG(640, 480, cfg.JPEGQuality, []string{"Waiting for camera..."})
	if err != nil {
		logger.Warn("Presenter", "Placeholder render failed: %v", err)
	}
	s.placeholder = placeholder
	return s
}

// Start launches the frame broadcaster.
func (s *Server) Start() {
	s.startOnce.Do(s.broadcaster.Start)
}

// Stop disconnects every stream and event client.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.broadcaster.Stop()
		s.events.Close()
	})
}

// OnTrigger registers the handler POST /capture invokes.
func (s *Server) OnTrigger(fn TriggerFunc) {
	s.trigMu.Lock()
	s.trigger = fn
	s.trigMu.Unlock()
}

// OnResult records a finished cycle and pushes prediction_update.
func (s *Server) OnResult(r types.ClassificationResult) {
	ev := s.monitor.UpdateResult(r)
	s.events.Publish(EventPrediction, ev)
}

// PublishResult lets the presenter act as an orchestrator result sink.
func (s *Server) PublishResult(r types.ClassificationResult) {
	s.OnResult(r)
}

// OnServerMessage records controller text and pushes server_message.
func (s *Server) OnServerMessage(text string) {
	s.onServerMessage(text, time.Now())
}

func (s *Server) onServerMessage(text string, at time.Time) {
	ev := s.monitor.AddMessage(text, at)
	s.events.Publish(EventServerMessage, ev)
}

// OnLinkState records a link transition and pushes link_state.
func (s *Server) OnLinkState(state string) {
	s.onLinkState(state, time.Now())
}

func (s *Server) onLinkState(state string, at time.Time) {
	ev := s.monitor.SetLinkState(state, at)
	s.events.Publish(EventLinkState, ev)
}

// Subscribe registers the presenter's topics on b. Events published after it
// returns are buffered until Consume reads them.
func (s *Server) Subscribe(b bus.MessageBus) bus.Subscription {
	return b.Subscribe(bus.TopicPrediction, bus.TopicServerMessage, bus.TopicLinkState)
}

// Run subscribes and feeds the presenter from b until ctx is cancelled or the
// bus closes. Publishers that start before Run may lose their first events;
// call Subscribe first and Consume in a goroutine instead.
func (s *Server) Run(ctx context.Context, b bus.MessageBus) {
	s.Consume(ctx, b, s.Subscribe(b))
}

// Consume applies events from sub until ctx is cancelled or the bus closes.
func (s *Server) Consume(ctx context.Context, b bus.MessageBus, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			bus.Release(b, sub)
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case types.ClassificationResult:
				s.OnResult(m)
			case bus.ServerMessage:
				s.onServerMessage(m.Text, time.UnixMilli(m.ReceivedAt))
			case bus.LinkState:
				s.onLinkState(m.State, time.UnixMilli(m.At))
			default:
				logger.Debug("Presenter", "Ignoring bus payload %T", msg)
			}
		}
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	prefix := s.cfg.CaptureURL
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle(prefix, http.StripPrefix(prefix, newCaptureHandler(s.cfg.CaptureDir)))
	mux.HandleFunc("/video_feed", s.handleVideoFeed)
	mux.HandleFunc("/capture", s.handleCapture)
	mux.HandleFunc("/get_prediction", s.handleGetPrediction)
	mux.HandleFunc("/get_captured_image", s.handleGetCapturedImage)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/ws", s.handleWebSocket)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh, s.placeholder, 5*time.Second)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.trigMu.RLock()
	trigger := s.trigger
	s.trigMu.RUnlock()
	if trigger == nil {
		writeJSONWithStatus(w, map[string]any{"error": "capture is not configured"}, http.StatusServiceUnavailable)
		return
	}

	// The cycle runs to completion even if the client gives up waiting.
	res, err := trigger(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		writeJSONWithStatus(w, map[string]any{"error": orchestrator.ErrBusy.Error()}, http.StatusConflict)
		return
	case err != nil:
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}

	writeJSON(w, PredictionResponse{Prediction: res.Label})
}

func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, PredictionResponse{Prediction: s.monitor.Prediction()})
}

func (s *Server) handleGetCapturedImage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, CapturedImageResponse{ImagePath: s.monitor.CapturedImage()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	latest, messages, received := s.monitor.Snapshot()
	payload := map[string]any{
		"prediction":    s.monitor.Prediction(),
		"image_path":    s.monitor.CapturedImage(),
		"latest_result": latest,
		"messages":      messages,
		"presenter": PresenterStats{
			StreamClients: s.broadcaster.ClientCount(),
			EventClients:  s.events.ClientCount(),
			LinkState:     s.monitor.LinkState(),
			Messages:      received,
		},
		"timestamp": float64(time.Now().Unix()),
	}
	for _, sec := range s.sections {
		payload[sec.name] = sec.fn()
	}
	writeJSON(w, payload)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEventsFromChannel(w, r, eventCh, useProtobuf, s.cfg.KeepAlive)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)
	streamEventsToWebSocket(w, r, eventCh, s.cfg.KeepAlive)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONWithStatus(w, map[string]any{"error": "history is disabled"}, http.StatusNotFound)
		return
	}

	limit := s.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONWithStatus(w, map[string]any{"error": "limit must be a positive integer"}, http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		logger.Warn("Presenter", "History query failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "history unavailable"}, http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []types.ClassificationResult{}
	}
	writeJSON(w, map[string]any{"cycles": rows, "limit": limit})
}

// runStater is implemented by frame providers that report liveness.
type runStater interface {
	State() types.RunState
}

func (s *Server) overlayLines() []string {
	lines := []string{
		time.Now().Format("2006/01/02 15:04:05"),
		"Prediction: " + s.monitor.Prediction(),
		"Link: " + s.monitor.LinkState(),
	}
	if rs, ok := s.frames.(runStater); ok {
		lines = append(lines, "Camera: "+rs.State().String())
	}
	return lines
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
