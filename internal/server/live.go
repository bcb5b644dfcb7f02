package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/fallguard/internal/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// LiveHandler pushes the pipeline snapshot over a WebSocket whenever it
// changes, checking every LiveInterval.
func (s *Server) LiveHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Live websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Reads are only needed to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.LiveInterval)
	defer ticker.Stop()

	var last time.Time
	for {
		snap := s.pipeline.Snapshot()
		if !snap.UpdatedAt.Equal(last) {
			last = snap.UpdatedAt
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}

		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
