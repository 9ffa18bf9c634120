package webmonitor

// NoPrediction is reported before the first cycle finishes.
const NoPrediction = "None yet"

// Event names pushed over SSE and WebSocket.
const (
	EventPrediction    = "prediction_update"
	EventServerMessage = "server_message"
	EventLinkState     = "link_state"
)

// PredictionResponse mirrors the Flask /get_prediction and /capture body.
type PredictionResponse struct {
	Prediction string `json:"prediction"`
}

// CapturedImageResponse mirrors the Flask /get_captured_image body.
type CapturedImageResponse struct {
	ImagePath string `json:"image_path"`
}

// PredictionEvent is the payload of prediction_update.
type PredictionEvent struct {
	Prediction string `json:"prediction"`
	ImagePath  string `json:"image_path"`
	CycleID    string `json:"cycle_id"`
	Code       int    `json:"code,omitempty"`
	Sent       bool   `json:"sent"`
	Error      string `json:"error,omitempty"`
	SendError  string `json:"send_error,omitempty"`
	Timestamp  int64  `json:"timestamp"` // unix millis
}

// ServerMessageEvent is the payload of server_message.
type ServerMessageEvent struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// LinkStateEvent is the payload of link_state.
type LinkStateEvent struct {
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

// PresenterStats reports the presenter's own counters.
type PresenterStats struct {
	StreamClients int    `json:"stream_clients"`
	EventClients  int    `json:"event_clients"`
	LinkState     string `json:"link_state"`
	Messages      int    `json:"messages_received"`
}
