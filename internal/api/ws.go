package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/vrutest/internal/broadcast"
	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/health"
	"github.com/banshee-data/vrutest/internal/httputil"
	"github.com/banshee-data/vrutest/internal/protocol"
	"github.com/banshee-data/vrutest/internal/session"
)

const (
	wsReadLimit  = 1 << 20
	replyBacklog = 32
	callTimeout  = 5 * time.Second
)

// wsConn is one observer connection. The reader goroutine owns inbound
// frames; the writer goroutine owns every data frame written. Health pings
// are control frames, which gorilla allows concurrently with the writer.
type wsConn struct {
	s         *Server
	conn      *websocket.Conn
	id        string
	sessionID string
	replies   chan protocol.Envelope
	quit      chan struct{}
	quitOnce  sync.Once
}

// serveWS upgrades to a WebSocket, subscribes the connection to the session
// stream and registers it with the health monitor. The session is loaded
// from the store if it is defined but not yet active.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	planeName := r.URL.Query().Get("plane")
	if planeName == "" {
		planeName = string(health.DataPlane)
	}
	plane, err := health.ParsePlane(planeName)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	if _, err := s.reg.Load(r.Context(), sessionID); err != nil {
		httputil.WriteFault(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed for session %s: %v", sessionID, err)
		return
	}
	c := &wsConn{
		s:         s,
		conn:      conn,
		id:        uuid.New().String(),
		sessionID: sessionID,
		replies:   make(chan protocol.Envelope, replyBacklog),
		quit:      make(chan struct{}),
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	obs, err := s.reg.Subscribe(ctx, sessionID, c.id)
	cancel()
	if err != nil {
		c.writeNow(c.envelope(protocol.TypeError, protocol.ErrorFor(err)))
		c.closeWith(websocket.CloseGoingAway, fault.Reason(err))
		return
	}

	monitor := s.reg.Health()
	monitor.Register(c.id, sessionID, plane, c.ping)
	defer monitor.Unregister(c.id)
	conn.SetPongHandler(func(string) error {
		monitor.Pong(c.id)
		return nil
	})
	log.Printf("[WS] %s connected to session %s (%s plane)", c.id, sessionID, plane)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(obs)
	}()

	c.readLoop()

	s.reg.Unsubscribe(sessionID, c.id)
	c.stop()
	<-writerDone
	log.Printf("[WS] %s disconnected from session %s", c.id, sessionID)
}

func (c *wsConn) stop() { c.quitOnce.Do(func() { close(c.quit) }) }

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.s.writeWait))
}

// envelope builds a reply addressed to this connection only. It carries the
// session's current sequence number so it sorts after the events already
// delivered.
func (c *wsConn) envelope(typ protocol.MessageType, payload any) protocol.Envelope {
	var seq uint64
	if m, err := c.s.reg.Lookup(c.sessionID); err == nil {
		seq = m.BroadcastStats().Seq
	}
	return protocol.Envelope{
		Type:      typ,
		Seq:       seq,
		SessionID: c.sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

func (c *wsConn) reply(typ protocol.MessageType, payload any) {
	select {
	case c.replies <- c.envelope(typ, payload):
	default:
		log.Printf("[WS] %s reply backlog full, dropping %s", c.id, typ)
	}
}

func (c *wsConn) writeNow(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.s.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.s.writeWait))
}

// writeLoop drains the observer stream and the reply queue. When the stream
// ends (session stopped or observer overflowed) it sends a close frame,
// which unblocks the reader.
func (c *wsConn) writeLoop(obs *broadcast.Observer) {
	events := obs.Events()
	for {
		select {
		case env, ok := <-events:
			if !ok {
				c.closeWith(websocket.CloseNormalClosure, "stream ended")
				c.conn.Close()
				return
			}
			if err := c.writeNow(env); err != nil {
				c.conn.Close()
				return
			}
		case env := <-c.replies:
			if err := c.writeNow(env); err != nil {
				c.conn.Close()
				return
			}
		case <-c.quit:
			return
		}
	}
}

// readLoop decodes inbound messages until the connection fails. A message
// that does not decode is answered with an error on this connection and the
// loop carries on.
func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsReadLimit)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				log.Printf("[WS] %s read error: %v", c.id, err)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.reply(protocol.TypeError, protocol.ErrorFor(err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *wsConn) dispatch(msg protocol.Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	reg := c.s.reg

	var err error
	switch m := msg.(type) {
	case protocol.TimeUpdate:
		_, err = reg.UpdateTime(ctx, c.sessionID, m.CurrentTime, m.FrameNumber)
	case protocol.VideoEnd:
		_, err = reg.VideoEnd(ctx, c.sessionID)
	case protocol.SyncRequest:
		var res session.SyncPayload
		res.ExternalTime = m.ExternalTime
		res.Result, err = reg.Sync(ctx, c.sessionID, m.ExternalTime)
		if fault.KindOf(err) == fault.SyncNotEnabled {
			c.reply(protocol.TypeSyncUpdate, res)
			return
		}
	case protocol.Ping:
		reg.Health().Pong(c.id)
		c.reply(protocol.TypePong, protocol.PongPayload{Timestamp: time.Now().UTC()})
	case protocol.Detection:
		_, err = reg.Detect(ctx, c.sessionID, m.Detection)
	case protocol.Control:
		_, err = reg.Control(ctx, c.sessionID, m.Action)
	case protocol.Mark:
		_, err = reg.Mark(ctx, c.sessionID, m.ClassLabel, m.ExternalTime)
	}
	if err != nil {
		c.reply(protocol.TypeError, protocol.ErrorFor(err))
	}
}
