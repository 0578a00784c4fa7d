package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/netaudio/internal/events"
	"github.com/muurk/netaudio/internal/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Events buffered per session before new ones are dropped
	sendBuffer = 256
)

// Message types on the event stream.
const (
	MessageSession = "session" // first message, carries the device snapshot
)

// Message is one JSON frame on the /events stream. Type is MessageSession or
// an event name such as "device-added".
type Message struct {
	Type      string    `json:"type"`
	Session   string    `json:"session,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type session struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	// mu orders the session frame ahead of the first event.
	mu sync.Mutex
}

func newSession(conn *websocket.Conn, remote string) *session {
	return &session{
		id:     uuid.NewString(),
		remote: remote,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// push queues a frame without blocking the event dispatcher.
func (s *session) push(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueue(msg)
}

func (s *session) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error("Failed to encode event", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	default:
		logging.Warn("Event stream client too slow, dropping event",
			zap.String("session", s.id),
			zap.String("type", msg.Type),
		)
	}
}

// readPump discards client messages and keeps the read deadline fresh on
// pongs. It closes the session when the peer goes away.
func (s *session) readPump() {
	defer s.close()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Info("Event stream read error",
					zap.String("session", s.id),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// writePump is the only writer of data frames.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Debug("Event stream write failed", zap.String("session", s.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// handleEvents upgrades to a websocket and streams every bus event as JSON
// until either side closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Debug("Websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	sess := newSession(conn, r.RemoteAddr)
	if !s.addSession(sess) {
		_ = conn.Close()
		return
	}
	defer func() {
		s.removeSession(sess)
		_ = conn.Close()
		logging.LogConnection(sess.remote, "event_stream_closed")
	}()
	logging.LogConnection(sess.remote, "event_stream_opened")

	// Events published after the snapshot are queued behind it.
	sess.mu.Lock()
	unsub := s.source.Events().SubscribeAll(func(ev events.Event) {
		sess.push(Message{Type: events.Name(ev), Data: ev, Timestamp: time.Now()})
	})
	sess.enqueue(Message{
		Type:      MessageSession,
		Session:   sess.id,
		Data:      DevicesResponse{Devices: s.source.ListDeviceDescriptions()},
		Timestamp: time.Now(),
	})
	sess.mu.Unlock()
	defer unsub()

	go sess.readPump()
	sess.writePump()
	sess.close()
}
