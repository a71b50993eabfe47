package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/switchboard/internal/chaterr"
	"github.com/zulandar/switchboard/internal/fanout"
)

// maxFrameBytes bounds a single client frame.
const maxFrameBytes = 64 << 10

var errSessionClosed = errors.New("server: session closed")

// clientFrame is a frame sent by the client.
type clientFrame struct {
	Type           string          `json:"type"`
	Timestamp      json.RawMessage `json:"timestamp,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
}

// session is one websocket connection. It implements fanout.Session; Send
// queues frames on a bounded buffer drained by the write pump, so a slow
// client never blocks a publisher.
type session struct {
	id     string
	user   string
	conn   *websocket.Conn
	srv    *Server
	log    logrus.FieldLogger
	send   chan []byte
	done   chan struct{}
	closer sync.Once
}

func newSession(srv *Server, conn *websocket.Conn, user string) *session {
	id := uuid.NewString()
	return &session{
		id:   id,
		user: user,
		conn: conn,
		srv:  srv,
		log:  srv.log.WithFields(logrus.Fields{"user": user, "session": id}),
		send: make(chan []byte, srv.sendBuffer),
		done: make(chan struct{}),
	}
}

// ID implements fanout.Session.
func (s *session) ID() string { return s.id }

// Send implements fanout.Session. It fails when the buffer is full or the
// session is closed.
func (s *session) Send(ctx context.Context, e fanout.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("server: encode %s: %w", e.Type, err)
	}
	return s.enqueue(data)
}

func (s *session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return fmt.Errorf("server: session %s send buffer full", s.id)
	}
}

// Close implements io.Closer. It is safe to call more than once.
func (s *session) Close() error {
	s.closer.Do(func() { close(s.done) })
	return nil
}

// run registers the session, pumps frames until either side goes away, and
// unregisters it.
func (s *session) run(ctx context.Context) {
	s.srv.hub.Register(s.user, s)
	s.log.Info("server: session opened")
	defer func() {
		s.srv.hub.Unregister(s.user, s)
		s.Close()
		s.conn.Close()
		s.log.Info("server: session closed")
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()
	s.readPump(ctx)
	s.Close()
	<-writerDone
}

func (s *session) readPump(ctx context.Context) {
	pongWait := 2 * s.srv.pingInterval
	s.conn.SetReadLimit(maxFrameBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Debug("server: read failed")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(ctx, data)
	}
}

// handle answers one client frame. Unknown frames are ignored.
func (s *session) handle(ctx context.Context, data []byte) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.reject(chaterr.Validation("server: malformed frame"))
		return
	}
	switch f.Type {
	case "ping":
		payload := map[string]any{}
		if len(f.Timestamp) > 0 {
			payload["timestamp"] = f.Timestamp
		}
		s.Send(ctx, fanout.Event{Type: fanout.EventPong, Payload: payload})
	case "read":
		if s.srv.reads == nil {
			return
		}
		if f.ConversationID == "" {
			s.reject(chaterr.Validation("server: read frame needs conversation_id"))
			return
		}
		if _, err := s.srv.reads.MarkRead(ctx, f.ConversationID, s.user); err != nil {
			s.reject(err)
		}
	default:
		s.log.WithField("type", f.Type).Debug("server: ignoring client frame")
	}
}

// reject reports err to this session only.
func (s *session) reject(err error) {
	code, msg := chaterr.CodeOf(err), err.Error()
	if code == "" || code == chaterr.CodeInternal {
		s.log.WithError(err).Warn("server: client frame failed")
		code, msg = chaterr.CodeInternal, "internal error"
	}
	s.Send(context.Background(), fanout.Event{
		Type:    fanout.EventError,
		Payload: map[string]any{"code": string(code), "message": msg},
	})
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.srv.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.WithError(err).Debug("server: write failed")
				s.Close()
				s.conn.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				s.conn.Close()
				return
			}
		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.srv.writeTimeout))
			s.conn.Close()
			return
		}
	}
}
