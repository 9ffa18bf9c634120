package link

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

func listen(t *testing.T) (net.Listener, Config) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback listen unavailable: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.DialTimeout = time.Second
	return ln, cfg
}

func accept(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	type res struct {
		c   net.Conn
		err error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := ln.Accept()
		ch <- res{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("accept: %v", r.err)
		}
		return r.c
	case <-time.After(3 * time.Second):
		t.Fatalf("no connection accepted")
		return nil
	}
}

func waitState(t *testing.T, l *Link, want types.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if l.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", l.State(), want)
}

func TestSendNotConnected(t *testing.T) {
	l := New(DefaultConfig())
	if err := l.Send([]byte("1")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send err = %v, want ErrNotConnected", err)
	}
	if l.State() != types.Disconnected {
		t.Fatalf("initial state = %s", l.State())
	}
	l.Stop()
}

func TestSendRawAndReceive(t *testing.T) {
	ln, cfg := listen(t)
	m := metrics.New()
	l := New(cfg, WithMetrics(m))

	got := make(chan string, 4)
	l.Subscribe(func(msg string) { got <- msg })

	l.Start()
	defer l.Stop()

	peer := accept(t, ln)
	defer peer.Close()
	waitState(t, l, types.Connected)

	if err := l.Send([]byte("2")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 16)
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := peer.Read(buf)
	if err != nil || string(buf[:n]) != "2" {
		t.Fatalf("peer read %q, %v", buf[:n], err)
	}

	if _, err := peer.Write([]byte("Server received: 2")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	select {
	case msg := <-got:
		if msg != "Server received: 2" {
			t.Fatalf("message = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message delivered")
	}

	if m.SendsOK.Load() != 1 || m.MessagesReceived.Load() != 1 || m.LinkConnects.Load() != 1 {
		t.Fatalf("metrics sends=%d received=%d connects=%d", m.SendsOK.Load(), m.MessagesReceived.Load(), m.LinkConnects.Load())
	}
}

func TestLineFraming(t *testing.T) {
	ln, cfg := listen(t)
	cfg.Framing = FramingLine
	l := New(cfg)

	var mu sync.Mutex
	var msgs []string
	l.Subscribe(func(msg string) {
		mu.Lock()
		msgs = append(msgs, msg)
		mu.Unlock()
	})
	l.Start()
	defer l.Stop()

	peer := accept(t, ln)
	defer peer.Close()
	waitState(t, l, types.Connected)

	for _, p := range []string{"1", "3"} {
		if err := l.Send([]byte(p)); err != nil {
			t.Fatalf("Send(%s): %v", p, err)
		}
	}
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(peer)
	for _, want := range []string{"1", "3"} {
		line, err := r.ReadString('\n')
		if err != nil || strings.TrimSuffix(line, "\n") != want {
			t.Fatalf("line = %q, %v; want %q", line, err, want)
		}
	}

	_, _ = peer.Write([]byte("a\r\nb\n"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(msgs)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(msgs) != 2 || msgs[0] != "a" || msgs[1] != "b" {
		t.Fatalf("messages = %q", msgs)
	}
}

func TestReconnectAfterPeerClose(t *testing.T) {
	ln, cfg := listen(t)
	l := New(cfg)

	var mu sync.Mutex
	var states []types.ConnectionState
	l.OnStateChange(func(st types.ConnectionState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	l.Start()
	defer l.Stop()

	first := accept(t, ln)
	waitState(t, l, types.Connected)
	first.Close()

	second := accept(t, ln)
	defer second.Close()
	waitState(t, l, types.Connected)

	if err := l.Send([]byte("4")); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	if st := l.Status(); st.Connects != 2 {
		t.Fatalf("Connects = %d, want 2", st.Connects)
	}

	mu.Lock()
	defer mu.Unlock()
	sawDisconnect := false
	for _, st := range states {
		if st == types.Disconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatalf("state history %v has no Disconnected", states)
	}
}

func TestRetriesWhileUnreachable(t *testing.T) {
	ln, cfg := listen(t)
	addr := ln.Addr().String()
	ln.Close()

	l := New(cfg)
	l.Start()
	time.Sleep(150 * time.Millisecond)
	if err := l.Send([]byte("1")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send err = %v", err)
	}

	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		l.Stop()
		t.Skipf("cannot rebind %s: %v", addr, err)
	}
	defer ln2.Close()

	peer := accept(t, ln2)
	defer peer.Close()
	waitState(t, l, types.Connected)
	l.Stop()
}

func TestStopClosesConnection(t *testing.T) {
	ln, cfg := listen(t)
	l := New(cfg)
	l.Start()

	peer := accept(t, ln)
	defer peer.Close()
	waitState(t, l, types.Connected)

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return")
	}

	if l.State() != types.Disconnected {
		t.Fatalf("state after Stop = %s", l.State())
	}
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(make([]byte, 1)); err == nil {
		t.Fatalf("peer still open after Stop")
	}
	if err := l.Send([]byte("1")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after Stop = %v", err)
	}

	// Start after Stop must not dial again.
	l.Start()
	l.Stop()
}

func TestParseFraming(t *testing.T) {
	for in, want := range map[string]Framing{"": FramingRaw, "RAW": FramingRaw, " line ": FramingLine} {
		got, err := ParseFraming(in)
		if err != nil || got != want {
			t.Fatalf("ParseFraming(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFraming("json"); err == nil {
		t.Fatalf("expected error for unknown framing")
	}
}

// flakyDialer fails the first failures dials and records when each dial
// started and how many overlapped.
type flakyDialer struct {
	failures int

	mu          sync.Mutex
	dials       []time.Time
	inFlight    int
	maxInFlight int
}

var errDialRefused = errors.New("dial refused")

func (d *flakyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, time.Now())
	n := len(d.dials)
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	// Hold each dial briefly so overlapping attempts would be observed.
	time.Sleep(5 * time.Millisecond)
	if n <= d.failures {
		return nil, errDialRefused
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, address)
}

func TestReconnectBackoffIsSerialAndSpaced(t *testing.T) {
	ln, cfg := listen(t)
	d := &flakyDialer{failures: 3}
	l := New(cfg, WithDialer(d))
	l.Start()
	defer l.Stop()

	peer := accept(t, ln)
	defer peer.Close()
	waitState(t, l, types.Connected)

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dials) != d.failures+1 {
		t.Fatalf("dials = %d, want %d", len(d.dials), d.failures+1)
	}
	if d.maxInFlight != 1 {
		t.Fatalf("max concurrent dials = %d, want 1", d.maxInFlight)
	}
	// Timer granularity can shave a little off each wait.
	minGap := cfg.ReconnectDelay - 5*time.Millisecond
	for i := 1; i < len(d.dials); i++ {
		if gap := d.dials[i].Sub(d.dials[i-1]); gap < minGap {
			t.Fatalf("dial %d started %s after dial %d, want >= %s", i, gap, i-1, cfg.ReconnectDelay)
		}
	}
	if st := l.Status(); st.Connects != 1 {
		t.Fatalf("Connects = %d, want 1", st.Connects)
	}
}
