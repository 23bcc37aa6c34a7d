package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is the interval between ping frames sent to the client.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong response before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing a message to the client.
	wsWriteTimeout = 5 * time.Second
	// DefaultStatusInterval is how often autopilot status is pushed.
	DefaultStatusInterval = 2 * time.Second
)

// handleStatusWebSocket upgrades the connection and pushes the autopilot
// status immediately and then every status interval until the client goes
// away or the server shuts down.
func (s *Server) handleStatusWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade error", slog.Any("error", err))
		return
	}

	client := s.clients.Add(conn)
	defer s.clients.Remove(client.ID)

	log := s.log.With("client_id", client.ID)
	log.Info("status stream connected", slog.String("remote", r.RemoteAddr))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	// Read pump: drain client messages (none expected) and detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Warn("status stream read error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	push := func() bool {
		ctx, cancel := context.WithTimeout(r.Context(), wsWriteTimeout)
		defer cancel()
		if err := client.WriteJSON(s.autopilot.Status(ctx)); err != nil {
			log.Debug("status stream write error", slog.Any("error", err))
			return false
		}
		return true
	}
	if !push() {
		return
	}

	statusTicker := time.NewTicker(s.statusInterval)
	defer statusTicker.Stop()
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-statusTicker.C:
			if !push() {
				return
			}
		case <-pingTicker.C:
			if err := client.Ping(); err != nil {
				return
			}
		case <-done:
			log.Info("status stream disconnected")
			return
		case <-s.closing:
			return
		}
	}
}
