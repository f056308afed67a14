package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const wsWriteTimeout = 15 * time.Second

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// sessionEventsHandler streams session snapshots over a websocket, starting
// with the current one. Countdown ticks and late scenario data reach the
// participant this way without polling.
func (s *Server) sessionEventsHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("Server.sessionEventsHandler: accept failed", "error", err)
		return
	}
	defer ws.CloseNow()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			data, err := json.Marshal(wsEnvelope{Type: "snapshot", Data: snap})
			if err != nil {
				slog.Error("Server.sessionEventsHandler: failed to marshal snapshot", "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("Server.sessionEventsHandler: write failed", "participantID", c.ParticipantID(), "error", err)
				return
			}
		}
	}
}
