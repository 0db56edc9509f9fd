package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// eventWriteTimeout bounds a single WebSocket write to a slow client.
const eventWriteTimeout = 10 * time.Second

// handleJobEvents upgrades to a WebSocket and sends the job snapshot once
// immediately and again on every status change. The connection is closed
// normally after the terminal snapshot.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.jobs.Get(id); !ok {
		writeMessage(w, http.StatusNotFound, "Job not found.")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("job events: accept failed", "job", id, "err", err)
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead keeps control frames flowing and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		job, changed, ok := s.jobs.Watch(id)
		if !ok {
			conn.Close(websocket.StatusGoingAway, "job expired")
			return
		}
		if err := writeEvent(ctx, conn, job); err != nil {
			slog.Debug("job events: client gone", "job", id, "err", err)
			return
		}
		if job.Status.Terminal() {
			conn.Close(websocket.StatusNormalClosure, string(job.Status))
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, job)
}
