package types

import "time"

// ConnectionState is the state of the link to the remote controller.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// RunState is the liveness of a long-running component.
// It moves Stopped -> Running -> Stopped once; a stopped component is not restarted.
type RunState int32

const (
	Stopped RunState = iota
	Running
)

func (s RunState) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// ClassificationResult is the outcome of one capture cycle.
type ClassificationResult struct {
	CycleID    string    `json:"cycle_id"`
	Snapshot   string    `json:"snapshot"`
	Label      string    `json:"label,omitempty"`
	Code       int       `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Sent       bool      `json:"sent"`
	SendError  string    `json:"send_error,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// OK reports whether classification succeeded.
func (r ClassificationResult) OK() bool {
	return r.Error == "" && r.Label != ""
}
