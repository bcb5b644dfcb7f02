package sensor

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/fallguard/internal/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// DeviceHandler accepts a WebSocket from the phone and forwards every text
// frame to the feed as a device message. The connection is closed when the
// request context ends.
func DeviceHandler(feed *Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("Device websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-r.Context().Done():
				_ = conn.Close()
			case <-done:
			}
		}()

		logger.Info("Device connected from %s", r.RemoteAddr)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn("Device websocket closed: %v", err)
				}
				return
			}
			if err := feed.HandlePayload("", payload); err != nil {
				logger.Warn("Dropped device message: %v", err)
			}
		}
	}
}
