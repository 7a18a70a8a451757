package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
)

const wsWriteTimeout = 5 * time.Second

// handleEvents streams snapshots of one execution via Server-Sent Events
// until it reaches a terminal status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	id := chi.URLParam(r, "id")
	snaps, err := s.deps.Reader.Subscribe(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", snap.Version, data)
		flusher.Flush()
	}
	fmt.Fprint(w, "event: end\ndata: {}\n\n")
	flusher.Flush()
}

// handleWebSocket streams the same snapshots as handleEvents as JSON text
// frames, then closes normally.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Reader.Get(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.deps.CORSOrigins})
	if err != nil {
		s.deps.Logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())
	snaps, err := s.deps.Reader.Subscribe(ctx, id)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	for snap := range snaps {
		if err := writeTimeout(ctx, conn, snap); err != nil {
			s.deps.Logger.Debug("websocket write failed",
				slog.String("execution_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "execution finished")
}
