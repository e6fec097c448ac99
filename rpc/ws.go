package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"statechannels/core/events"
)

const (
	wsWriteTimeout = 10 * time.Second
)

// handleEventsWS streams node events. A client resumes with ?cursor=<n>,
// the sequence of the last event it received.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if cursor := strings.TrimSpace(r.URL.Query().Get("cursor")); cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Reads only serve close frames; the stream is one way.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, since); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, since uint64) error {
	updates, cancel, backlog := s.bus.Subscribe(ctx, since)
	defer cancel()

	for _, delivery := range backlog {
		if err := writeDelivery(ctx, conn, delivery); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeDelivery(ctx, conn, delivery); err != nil {
				return err
			}
		}
	}
}

func writeDelivery(ctx context.Context, conn *websocket.Conn, delivery events.Delivery) error {
	data, err := json.Marshal(delivery)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
