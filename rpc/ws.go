package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"cylo/core/events"
	"cylo/core/types"
)

const wsWriteTimeout = 10 * time.Second

// wsEventFrame is the wire shape delivered to websocket subscribers.
type wsEventFrame struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// handleEventsWS streams escrow lifecycle events to the connected client. The
// optional cursor query parameter replays every retained event with a higher
// sequence number before live delivery begins.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		http.Error(w, "event streaming disabled", http.StatusNotFound)
		return
	}

	var cursor uint64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "cursor must be an unsigned integer", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("err", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ch, backlog, cancel := s.broadcaster.Subscribe(cursor)
	defer cancel()

	ctx := r.Context()
	for _, entry := range backlog {
		if err := writeBroadcast(ctx, conn, entry); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if err := writeBroadcast(ctx, conn, entry); err != nil {
				return
			}
		}
	}
}

func writeBroadcast(ctx context.Context, conn *websocket.Conn, entry events.Broadcast) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, renderBroadcast(entry))
}

func renderBroadcast(entry events.Broadcast) wsEventFrame {
	frame := wsEventFrame{Sequence: entry.Sequence}
	if entry.Event != nil {
		frame.Type = entry.Event.Type
		frame.Attributes = cloneAttributes(entry.Event)
	}
	return frame
}

func cloneAttributes(evt *types.Event) map[string]string {
	if len(evt.Attributes) == 0 {
		return nil
	}
	out := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		out[k] = v
	}
	return out
}
