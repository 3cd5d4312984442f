package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentleash/agentleash/internal/journal"
	"github.com/agentleash/agentleash/internal/store"
)

const (
	// wsReplayBatch bounds how many journal records one replay read pulls.
	wsReplayBatch = 500

	// wsWriteWait is the per-frame write deadline; a client that cannot
	// drain within it is disconnected.
	wsWriteWait = 10 * time.Second
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin header must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// wsFrame is one live-feed message. Type mirrors the record kind except for
// decision events still waiting on consent, which surface as "ask" so
// dashboards can raise a prompt.
type wsFrame struct {
	Type string        `json:"type"`
	Data *store.Record `json:"data"`
}

// handleWebSocket streams journal records. A cursor query parameter replays
// everything after that cursor before going live; without one the stream
// starts at the current head. The subscription is opened before the replay
// reads so records appended in between are never lost, and the live loop
// skips cursors the replay already sent.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	cursor := s.jnl.Cursor()
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		c, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cursor must be a non-negative integer")
			return
		}
		cursor = c
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub.ID)

	s.logger.Debug("websocket client connected", "remote", conn.RemoteAddr(), "cursor", cursor)

	// Read pump — discards client frames, signals disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	last := cursor
	for {
		records, next, err := s.jnl.Tail(last, wsReplayBatch)
		if err != nil {
			s.logger.Warn("websocket replay failed", "cursor", last, "error", err)
			return
		}
		for _, rec := range records {
			if err := writeFrame(conn, rec); err != nil {
				return
			}
		}
		if len(records) == 0 || next == last {
			break
		}
		last = next
	}

	for {
		select {
		case <-done:
			return
		case rec, ok := <-sub.C:
			if !ok {
				// Dropped as a slow consumer; the client reconnects
				// with its last cursor to fill the gap.
				s.logger.Debug("websocket client dropped", "remote", conn.RemoteAddr())
				return
			}
			if rec.Cursor <= last {
				continue // replay already delivered it
			}
			last = rec.Cursor
			if err := writeFrame(conn, rec); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, rec *store.Record) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(wsFrame{Type: frameType(rec), Data: rec})
}

func frameType(rec *store.Record) string {
	if rec.Kind == journal.KindEvent {
		var payload struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(rec.Payload, &payload) == nil && payload.Status == "ask" {
			return "ask"
		}
	}
	return rec.Kind
}
