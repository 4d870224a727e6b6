package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/moto-dispatch/internal/dispatch"
	"github.com/example/moto-dispatch/internal/models"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS binds the caller's socket for live pushes. When the last socket
// of a rider or driver goes away their session is closed; a reconnect
// resumes any unfinished trip.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("ws upgrade failed", "user_id", sess.UserID, "err", err)
		return
	}
	key := dispatch.Key(sess.Role, sess.UserID)
	ws := s.deps.Registry.Add(key, conn)
	s.logger.Infow("ws connected", "key", key)

	stop := make(chan struct{})
	go s.pinger(conn, stop)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(stop)
	conn.Close()

	if !s.deps.Registry.Remove(key, ws) {
		return
	}
	s.logger.Infow("ws disconnected", "key", key)
	switch sess.Role {
	case models.RoleRider:
		s.deps.Riders.Drop(sess.UserID)
	case models.RoleDriver:
		s.deps.Drivers.Drop(sess.UserID)
	}
}

func (s *Server) pinger(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}
