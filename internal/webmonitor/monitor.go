package webmonitor

import (
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

// Monitor holds what the page displays: the latest result, the latest
// captured image, the link state and a bounded log of controller messages.
type Monitor struct {
	captureURL string
	logSize    int

	mu        sync.Mutex
	latest    *types.ClassificationResult
	imagePath string
	linkState string
	messages  []ServerMessageEvent
	received  int
}

// NewMonitor creates a Monitor that keeps up to logSize messages.
func NewMonitor(captureURL string, logSize int) *Monitor {
	return &Monitor{
		captureURL: captureURL,
		logSize:    logSize,
		linkState:  types.Disconnected.String(),
	}
}

// ImagePath maps a snapshot name to the path the page loads it from. The
// leading slash is dropped to match the Flask app's relative paths.
func (m *Monitor) ImagePath(snapshot string) string {
	if snapshot == "" {
		return ""
	}
	prefix := m.captureURL
	if len(prefix) > 0 && prefix[0] == '/' {
		prefix = prefix[1:]
	}
	return prefix + snapshot
}

// UpdateResult records a finished cycle and returns its event payload.
// Failed cycles keep the previous prediction but still update the image.
func (m *Monitor) UpdateResult(r types.ClassificationResult) PredictionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.imagePath = m.ImagePath(r.Snapshot)
	if r.OK() {
		res := r
		m.latest = &res
	}

	ts := r.FinishedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return PredictionEvent{
		Prediction: m.predictionLocked(),
		ImagePath:  m.imagePath,
		CycleID:    r.CycleID,
		Code:       r.Code,
		Sent:       r.Sent,
		Error:      r.Error,
		SendError:  r.SendError,
		Timestamp:  ts.UnixMilli(),
	}
}

// AddMessage appends a controller message to the log.
func (m *Monitor) AddMessage(text string, at time.Time) ServerMessageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := ServerMessageEvent{Message: text, Timestamp: at.UnixMilli()}
	m.messages = append(m.messages, ev)
	if len(m.messages) > m.logSize {
		m.messages = m.messages[len(m.messages)-m.logSize:]
	}
	m.received++
	return ev
}

// SetLinkState records the link state.
func (m *Monitor) SetLinkState(state string, at time.Time) LinkStateEvent {
	m.mu.Lock()
	m.linkState = state
	m.mu.Unlock()
	return LinkStateEvent{State: state, Timestamp: at.UnixMilli()}
}

// Prediction returns the latest label or NoPrediction.
func (m *Monitor) Prediction() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predictionLocked()
}

func (m *Monitor) predictionLocked() string {
	if m.latest == nil {
		return NoPrediction
	}
	return m.latest.Label
}

// CapturedImage returns the path of the latest snapshot, or "".
func (m *Monitor) CapturedImage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.imagePath
}

// LinkState returns the last recorded link state.
func (m *Monitor) LinkState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkState
}

// Snapshot returns the latest result and a copy of the message log.
func (m *Monitor) Snapshot() (*types.ClassificationResult, []ServerMessageEvent, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *types.ClassificationResult
	if m.latest != nil {
		r := *m.latest
		latest = &r
	}
	msgs := make([]ServerMessageEvent, len(m.messages))
	copy(msgs, m.messages)
	return latest, msgs, m.received
}
