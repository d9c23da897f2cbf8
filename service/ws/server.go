// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nodegst/playerd/service/random"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	sendChSize    = 256
	receiveChSize = 256
	writeWaitTime = 10 * time.Second
)

type UpgradeCb func(connID string, w http.ResponseWriter, r *http.Request) error

type Server struct {
	cfg          ServerConfig
	log          mlog.LoggerIFace
	conns        map[string]*conn
	upgradeCb    UpgradeCb
	mut          sync.RWMutex
	closed       bool
	sendCh       chan Message
	receiveCh    chan Message
	writerDoneCh chan struct{}
}

func NewServer(cfg ServerConfig, log mlog.LoggerIFace, opts ...ServerOption) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}

	s := &Server{
		cfg:          cfg,
		log:          log,
		conns:        make(map[string]*conn),
		sendCh:       make(chan Message, sendChSize),
		receiveCh:    make(chan Message, receiveChSize),
		writerDoneCh: make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	go s.connWriter()

	return s, nil
}

// Send queues msg to be written to its connection. It never blocks.
func (s *Server) Send(msg Message) error {
	s.mut.RLock()
	defer s.mut.RUnlock()

	if s.closed {
		return fmt.Errorf("server is closed")
	}

	select {
	case s.sendCh <- msg:
	default:
		return fmt.Errorf("failed to send message: channel is full")
	}

	return nil
}

// ReceiveCh returns the channel carrying incoming messages along with
// connection open and close events. It's closed once the server is closed.
func (s *Server) ReceiveCh() <-chan Message {
	return s.receiveCh
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := random.NewID()

	if s.upgradeCb != nil {
		if err := s.upgradeCb(connID, w, r); err != nil {
			s.log.Error("upgradeCb failed", mlog.Err(err))
			return
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
		// Players are embedded in arbitrary pages.
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade connection", mlog.Err(err))
		return
	}
	wsConn.SetReadLimit(connMaxReadBytes)

	conn := newConn(connID, wsConn)
	if !s.addConn(conn) {
		s.log.Debug("server is closed, dropping connection", mlog.String("connID", connID))
		_ = wsConn.Close()
		return
	}

	s.receiveCh <- newOpenMessage(connID)

	go s.pinger(conn)
	abrupt := s.readLoop(conn)

	s.receiveCh <- newCloseMessage(connID, abrupt)
	s.removeConn(connID)
	close(conn.closeCh)
	if err := conn.close(); err != nil {
		s.log.Debug("failed to close ws conn", mlog.String("connID", connID), mlog.Err(err))
	}
}

// readLoop forwards incoming messages until the connection fails. It
// returns whether the connection ended without a proper close handshake.
func (s *Server) readLoop(c *conn) bool {
	pongWait := 2 * s.cfg.PingInterval
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Error("failed to set read deadline", mlog.String("connID", c.id), mlog.Err(err))
		return true
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws closed", mlog.String("connID", c.id))
				return false
			}
			s.log.Debug("ws read failed", mlog.String("connID", c.id), mlog.Err(err))
			return true
		}

		var msgType MessageType
		switch mt {
		case websocket.TextMessage:
			msgType = TextMessage
		case websocket.BinaryMessage:
			msgType = BinaryMessage
		default:
			continue
		}

		s.receiveCh <- Message{
			ConnID: c.id,
			Type:   msgType,
			Data:   data,
		}
	}
}

func (s *Server) pinger(c *conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWaitTime)); err != nil {
				s.log.Debug("failed to send ping", mlog.String("connID", c.id), mlog.Err(err))
			}
		case <-c.closeCh:
			return
		}
	}
}

func (s *Server) connWriter() {
	defer close(s.writerDoneCh)

	for msg := range s.sendCh {
		conn := s.getConn(msg.ConnID)
		if conn == nil {
			s.log.Debug("failed to get conn for sending", mlog.String("connID", msg.ConnID))
			continue
		}

		var msgType int
		switch msg.Type {
		case TextMessage:
			msgType = websocket.TextMessage
		case BinaryMessage:
			msgType = websocket.BinaryMessage
		case CloseMessage:
			msgType = websocket.CloseMessage
		default:
			s.log.Error("unexpected message type", mlog.String("connID", msg.ConnID), mlog.Int("type", int(msg.Type)))
			continue
		}

		if err := conn.ws.SetWriteDeadline(time.Now().Add(writeWaitTime)); err != nil {
			s.log.Error("failed to set write deadline", mlog.String("connID", msg.ConnID), mlog.Err(err))
		}
		if err := conn.ws.WriteMessage(msgType, msg.Data); err != nil {
			s.log.Error("failed to write message", mlog.String("connID", msg.ConnID), mlog.Err(err))
		}
	}
}

// Close drops all connections and waits for their close events to be
// queued before closing the receive channel.
func (s *Server) Close() {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mut.Unlock()

	for _, c := range conns {
		if err := c.close(); err != nil {
			s.log.Error("failed to close ws conn", mlog.String("connID", c.id), mlog.Err(err))
		}
		<-c.closeCh
	}

	close(s.sendCh)
	<-s.writerDoneCh
	close(s.receiveCh)
}
