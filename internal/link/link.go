package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

var (
	// ErrNotConnected is returned by Send while the link is not connected.
	ErrNotConnected = errors.New("link: not connected")
	// ErrSendFailed is returned when a write to the socket fails.
	ErrSendFailed = errors.New("link: send failed")
)

// Config describes the remote endpoint and retry policy.
type Config struct {
	Host           string
	Port           int
	DialTimeout    time.Duration
	ReconnectDelay time.Duration // fixed wait between connection attempts
	WriteTimeout   time.Duration
	ReadBufferSize int
	Framing        Framing
}

// DefaultConfig matches the sorting controller on the plant network.
func DefaultConfig() Config {
	return Config{
		Host:           "192.168.12.98",
		Port:           65432,
		DialTimeout:    5 * time.Second,
		ReconnectDelay: 5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadBufferSize: 1024,
		Framing:        FramingRaw,
	}
}

// Dialer opens the TCP connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option customizes a Link.
type Option func(*Link)

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) Option {
	return func(l *Link) { l.dialer = d }
}

// WithMetrics reports counters to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Link) { l.metrics = m }
}

// Status is a point-in-time view of the link.
type Status struct {
	State       string    `json:"state"`
	Remote      string    `json:"remote"`
	Framing     Framing   `json:"framing"`
	Connects    uint64    `json:"connects"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Link keeps one TCP connection to the controller alive, reconnecting with
// a fixed delay, and fans inbound messages out to listeners.
type Link struct {
	cfg     Config
	addr    string
	codec   codec
	dialer  Dialer
	metrics *metrics.Metrics
	log     logger.Module

	mu          sync.Mutex
	conn        net.Conn
	state       types.ConnectionState
	connects    uint64
	connectedAt time.Time
	lastErr     error

	writeMu sync.Mutex

	lmu            sync.RWMutex
	nextID         int
	listeners      map[int]func(string)
	stateListeners map[int]func(types.ConnectionState)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a link. Nothing is dialled until Start.
func New(cfg Config, opts ...Option) *Link {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.Framing == "" {
		cfg.Framing = FramingRaw
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		cfg:            cfg,
		addr:           net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		codec:          newCodec(cfg.Framing, cfg.ReadBufferSize),
		log:            logger.For("Link"),
		listeners:      make(map[int]func(string)),
		stateListeners: make(map[int]func(types.ConnectionState)),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.dialer == nil {
		l.dialer = &net.Dialer{Timeout: cfg.DialTimeout}
	}
	if l.metrics == nil {
		l.metrics = metrics.New()
	}
	return l
}

// Addr returns the remote host:port.
func (l *Link) Addr() string {
	return l.addr
}

// Start launches the connection loop. It is a no-op after the first call.
func (l *Link) Start() {
	l.startOnce.Do(func() {
		if l.ctx.Err() != nil {
			return
		}
		l.log.Info("Starting link to %s (framing=%s, reconnect every %s)", l.addr, l.cfg.Framing, l.cfg.ReconnectDelay)
		l.wg.Add(1)
		go l.runConnector()
	})
}

// Stop disables reconnection, closes the socket and waits for the loops to exit.
func (l *Link) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		l.mu.Lock()
		if l.conn != nil {
			_ = l.conn.Close()
		}
		l.mu.Unlock()
	})
	l.wg.Wait()
}

// State returns the current connection state.
func (l *Link) State() types.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status returns the connection state and counters.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		State:    l.state.String(),
		Remote:   l.addr,
		Framing:  l.cfg.Framing,
		Connects: l.connects,
	}
	if l.state == types.Connected {
		st.ConnectedAt = l.connectedAt
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	return st
}

// Subscribe registers fn for inbound messages. Listeners run on the receive
// goroutine and should not block. The returned func removes the listener.
func (l *Link) Subscribe(fn func(msg string)) (unsubscribe func()) {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	return func() {
		l.lmu.Lock()
		delete(l.listeners, id)
		l.lmu.Unlock()
	}
}

// OnStateChange registers fn for connection state transitions.
func (l *Link) OnStateChange(fn func(types.ConnectionState)) (unsubscribe func()) {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	id := l.nextID
	l.nextID++
	l.stateListeners[id] = fn
	return func() {
		l.lmu.Lock()
		delete(l.stateListeners, id)
		l.lmu.Unlock()
	}
}

// Send writes payload to the controller.
func (l *Link) Send(payload []byte) error {
	l.mu.Lock()
	conn, state := l.conn, l.state
	l.mu.Unlock()

	if state != types.Connected || conn == nil {
		return ErrNotConnected
	}

	frame := l.codec.encode(payload)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	}
	n, err := conn.Write(frame)
	if err == nil && n != len(frame) {
		err = io.ErrShortWrite
	}
	if err != nil {
		l.metrics.SendsFailed.Add(1)
		l.log.Warn("Error sending to server: %v", err)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	l.metrics.SendsOK.Add(1)
	l.log.Info("Sent to server: %q", payload)
	return nil
}

func (l *Link) runConnector() {
	defer l.wg.Done()
	defer l.setState(types.Disconnected, nil)

	for {
		if l.ctx.Err() != nil {
			return
		}

		l.setState(types.Connecting, nil)
		dialCtx, cancel := context.WithTimeout(l.ctx, l.cfg.DialTimeout)
		conn, err := l.dialer.DialContext(dialCtx, "tcp", l.addr)
		cancel()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.setState(types.Disconnected, err)
			l.log.Warn("Connect to %s failed: %v (retry in %s)", l.addr, err, l.cfg.ReconnectDelay)
			if !sleepWithContext(l.ctx, l.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		if !l.attach(conn) {
			_ = conn.Close()
			return
		}
		l.log.Info("Connected to socket server at %s", l.addr)

		err = l.codec.receive(conn, l.deliver)
		l.detach(conn, err)

		if l.ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			l.log.Warn("Socket server disconnected (retry in %s)", l.cfg.ReconnectDelay)
		} else {
			l.log.Warn("Socket error: %v (retry in %s)", err, l.cfg.ReconnectDelay)
		}
		if !sleepWithContext(l.ctx, l.cfg.ReconnectDelay) {
			return
		}
	}
}

// attach installs conn as the live connection unless Stop has begun.
func (l *Link) attach(conn net.Conn) bool {
	l.mu.Lock()
	if l.ctx.Err() != nil {
		l.mu.Unlock()
		return false
	}
	l.conn = conn
	l.connects++
	l.connectedAt = time.Now()
	l.mu.Unlock()

	l.metrics.LinkConnects.Add(1)
	l.setState(types.Connected, nil)
	return true
}

func (l *Link) detach(conn net.Conn, cause error) {
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()

	_ = conn.Close()
	l.metrics.LinkDisconnects.Add(1)
	if l.ctx.Err() != nil {
		cause = nil
	}
	l.setState(types.Disconnected, cause)
}

func (l *Link) deliver(msg string) {
	l.metrics.MessagesReceived.Add(1)
	l.log.Info("Received from socket server: %q", msg)

	l.lmu.RLock()
	fns := make([]func(string), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.lmu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func (l *Link) setState(st types.ConnectionState, cause error) {
	l.mu.Lock()
	changed := l.state != st
	l.state = st
	if cause != nil {
		l.lastErr = cause
	}
	l.mu.Unlock()

	l.metrics.LinkState.Store(int32(st))
	if !changed {
		return
	}

	l.lmu.RLock()
	fns := make([]func(types.ConnectionState), 0, len(l.stateListeners))
	for _, fn := range l.stateListeners {
		fns = append(fns, fn)
	}
	l.lmu.RUnlock()

	for _, fn := range fns {
		fn(st)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
