package dispatch

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// Envelope is every frame pushed to a client.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Sink is what sessions push live updates through.
type Sink interface {
	Send(key string, env Envelope) error
	Broadcast(role models.SenderRole, env Envelope) int
}

// Key names the socket of one rider, driver or admin.
func Key(role models.SenderRole, id string) string {
	return string(role) + ":" + id
}

// WSSession is one connected client. Writes are serialized because
// gorilla/websocket allows a single concurrent writer.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *WSSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	s.conn.Close()
}

// WSRegistry holds one socket per key. A reconnect replaces and closes the
// previous socket.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	log      *zap.SugaredLogger
}

var _ Sink = (*WSRegistry)(nil)

func NewWSRegistry(log *zap.SugaredLogger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), log: log}
}

func (r *WSRegistry) Add(key string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[key]
	r.sessions[key] = s
	r.mu.Unlock()
	if old != nil {
		old.close()
	}
	return s
}

// Remove drops key only while it still maps to s and reports whether it did.
// A false result means a newer socket took over the key.
func (r *WSRegistry) Remove(key string, s *WSSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[key] != s {
		return false
	}
	delete(r.sessions, key)
	return true
}

func (r *WSRegistry) Send(key string, env Envelope) error {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(env); err != nil {
		r.log.Warnw("ws send error", "key", key, "type", env.Type, "err", err)
		return err
	}
	return nil
}

// Broadcast sends env to every socket of role and returns how many got it.
func (r *WSRegistry) Broadcast(role models.SenderRole, env Envelope) int {
	prefix := string(role) + ":"
	r.mu.RLock()
	targets := make(map[string]*WSSession)
	for k, s := range r.sessions {
		if strings.HasPrefix(k, prefix) {
			targets[k] = s
		}
	}
	r.mu.RUnlock()

	sent := 0
	for k, s := range targets {
		if err := s.Send(env); err != nil {
			r.log.Warnw("ws broadcast error", "key", k, "type", env.Type, "err", err)
			continue
		}
		sent++
	}
	return sent
}

func (r *WSRegistry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*WSSession)
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
