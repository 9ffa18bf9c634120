package webmonitor

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The page is served from any host on the plant network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEventsToWebSocket upgrades the request and pushes every event as a
// JSON text message until either side closes.
func streamEventsToWebSocket(w http.ResponseWriter, r *http.Request, eventCh <-chan *SerializedEvent, keepAlive time.Duration) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("WebSocket", "Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Inbound messages are ignored; reading detects the close handshake.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("WebSocket", "Read error: %v", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(keepAlive)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-eventCh:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, event.WSData); err != nil {
				logger.Debug("WebSocket", "Client disconnected during write: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				logger.Debug("WebSocket", "Ping failed: %v", err)
				return
			}
		}
	}
}
