package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

// FrameProvider exposes the latest camera frame. camera.Source satisfies it.
type FrameProvider interface {
	CurrentFrame() (*types.Frame, bool)
}

// FrameBroadcaster encodes the current frame once per interval and fans the
// JPEG out to every MJPEG client.
type FrameBroadcaster struct {
	frames   FrameProvider
	interval time.Duration
	quality  int
	overlay  func() []string
	metrics  *metrics.Metrics

	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	stop      chan struct{}
	stopped   bool
	skipCount int

	// last encoded frame, reused while the source has nothing new
	lastSeq  uint64
	lastText string
	lastJPEG []byte
}

// NewFrameBroadcaster creates a broadcaster. overlay may be nil.
func NewFrameBroadcaster(frames FrameProvider, interval time.Duration, quality int, overlay func() []string, m *metrics.Metrics) *FrameBroadcaster {
	if m == nil {
		m = metrics.New()
	}
	return &FrameBroadcaster{
		frames:   frames,
		interval: interval,
		quality:  quality,
		overlay:  overlay,
		metrics:  m,
		clients:  make(map[int]chan []byte),
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	if fb.stopped {
		close(ch)
		return id, ch
	}
	fb.clients[id] = ch
	fb.metrics.StreamClients.Add(1)

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.metrics.StreamClients.Add(-1)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
		if len(fb.clients) == 0 {
			logger.Info("FrameBroadcaster", "No clients remaining - frame encoding will be skipped")
		}
	}
}

// ClientCount returns the number of connected MJPEG clients.
func (fb *FrameBroadcaster) ClientCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Start begins the encode and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster and disconnects every client.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.stopped {
		return
	}
	close(fb.stop)
	fb.stopped = true
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
		fb.metrics.StreamClients.Add(-1)
	}
}

func (fb *FrameBroadcaster) run() {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		if fb.ClientCount() == 0 {
			fb.skipCount++
			if fb.skipCount%100 == 0 {
				logger.Debug("FrameBroadcaster", "No clients connected (idle for %d ticks)", fb.skipCount)
			}
			continue
		}
		fb.skipCount = 0

		if data := fb.render(); data != nil {
			fb.broadcast(data)
		}
	}
}

// render encodes the current frame, or the placeholder when there is none.
func (fb *FrameBroadcaster) render() []byte {
	var lines []string
	if fb.overlay != nil {
		lines = fb.overlay()
	}
	text := strings.Join(lines, "\n")

	frame, ok := fb.frames.CurrentFrame()
	var seq uint64
	if ok {
		seq = frame.Seq
	}
	if fb.lastJPEG != nil && seq == fb.lastSeq && text == fb.lastText {
		return fb.lastJPEG
	}

	var (
		data []byte
		err  error
	)
	if ok && frame.Valid() {
		data, err = frameJPEG(frame, fb.quality, lines)
	} else {
		data, err = placeholderJPEG(640, 480, fb.quality, lines)
	}
	if err != nil {
		logger.Warn("FrameBroadcaster", "JPEG encode failed: %v", err)
		return nil
	}

	fb.lastSeq, fb.lastText, fb.lastJPEG = seq, text, data
	return data
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for this client
		}
	}
}

// SerializedEvent holds one event pre-serialised for every transport.
type SerializedEvent struct {
	Name         string
	JSONData     []byte // data JSON for SSE
	ProtobufData []byte // structpb.Struct, base64 encoded for SSE
	WSData       []byte // {"event": name, "data": ...}
}

// NewSerializedEvent marshals payload once for JSON, protobuf and WebSocket clients.
func NewSerializedEvent(name string, payload any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}

	wsData, err := json.Marshal(struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{name, jsonData})
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		Name:         name,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
		WSData:       wsData,
	}, nil
}

// EventBroadcaster fans events out to SSE and WebSocket clients.
type EventBroadcaster struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	closed  bool
}

func NewEventBroadcaster(m *metrics.Metrics) *EventBroadcaster {
	if m == nil {
		m = metrics.New()
	}
	return &EventBroadcaster{
		metrics: m,
		clients: make(map[int]chan *SerializedEvent),
	}
}

// Subscribe adds a client. The channel is closed by Unsubscribe or Close.
func (eb *EventBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.nextID
	eb.nextID++
	ch := make(chan *SerializedEvent, 16)
	if eb.closed {
		close(ch)
		return id, ch
	}
	eb.clients[id] = ch
	eb.metrics.EventClients.Add(1)
	logger.Debug("EventBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(eb.clients))
	return id, ch
}

func (eb *EventBroadcaster) Unsubscribe(id int) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if ch, ok := eb.clients[id]; ok {
		close(ch)
		delete(eb.clients, id)
		eb.metrics.EventClients.Add(-1)
		logger.Debug("EventBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(eb.clients))
	}
}

func (eb *EventBroadcaster) ClientCount() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.clients)
}

// Publish serialises payload and delivers it to every client that keeps up.
func (eb *EventBroadcaster) Publish(name string, payload any) {
	event, err := NewSerializedEvent(name, payload)
	if err != nil {
		logger.Error("EventBroadcaster", "Serialize %s failed: %v", name, err)
		return
	}
	eb.broadcast(event)
}

func (eb *EventBroadcaster) broadcast(event *SerializedEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for id, ch := range eb.clients {
		select {
		case ch <- event:
		default:
			logger.Debug("EventBroadcaster", "Client #%d too slow, dropped %s", id, event.Name)
		}
	}
}

// Close disconnects every client.
func (eb *EventBroadcaster) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for id, ch := range eb.clients {
		close(ch)
		delete(eb.clients, id)
		eb.metrics.EventClients.Add(-1)
	}
}
