package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// handleCallWS streams call lifecycle events to a websocket client. The feed
// carries events only; segment and quality writes go through the REST
// endpoints so ordering stays with the call manager.
func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.URL.Query().Get("call_id"))
	if callID == "" {
		respondError(w, http.StatusBadRequest, "missing_call_id", "query parameter call_id is required")
		return
	}
	if _, err := s.calls.Get(callID); err != nil {
		respondDomainError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.calls.Subscribe(callID)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 16)
		for {
			// Drain client frames so pings and close frames are processed.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
					time.Now().Add(time.Second),
				)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
