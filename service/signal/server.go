// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodegst/playerd/service/extract"
	"github.com/nodegst/playerd/service/ws"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const forceEndTimeout = 5 * time.Second

// Transport is the message oriented connection layer the server routes from.
type Transport interface {
	ReceiveCh() <-chan ws.Message
	Send(msg ws.Message) error
}

type Server struct {
	cfg       Config
	log       mlog.LoggerIFace
	transport Transport
	registry  *Registry
	extractor extract.Extractor
	metrics   Metrics

	// conns is only accessed by the router goroutine.
	conns    map[string]*Conn
	draining atomic.Bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config, log mlog.LoggerIFace, transport Transport, registry *Registry, extractor extract.Extractor, metrics Metrics) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport should not be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry should not be nil")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor should not be nil")
	}

	return &Server{
		cfg:       cfg,
		log:       log,
		transport: transport,
		registry:  registry,
		extractor: extractor,
		metrics:   metrics,
		conns:     make(map[string]*Conn),
	}, nil
}

// Start routes transport messages until the transport's receive channel is
// closed.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.route()
}

func (s *Server) route() {
	defer s.wg.Done()

	for msg := range s.transport.ReceiveCh() {
		switch msg.Type {
		case ws.OpenMessage:
			s.openConn(msg.ConnID)
		case ws.TextMessage:
			conn := s.conns[msg.ConnID]
			if conn == nil {
				s.log.Warn("message for unknown connection", mlog.String("connID", msg.ConnID))
				continue
			}
			conn.Deliver(msg.Data)
		case ws.BinaryMessage:
			if conn := s.conns[msg.ConnID]; conn != nil {
				conn.Reject(newMalformedError("binary messages are not supported"))
			}
		case ws.CloseMessage:
			s.closeConn(msg.ConnID, msg.Abrupt)
		}
	}

	for id := range s.conns {
		s.closeConn(id, true)
	}
}

func (s *Server) openConn(connID string) {
	if _, ok := s.conns[connID]; ok {
		s.log.Warn("connection already open", mlog.String("connID", connID))
		return
	}

	conn := newConn(connID, s)
	s.conns[connID] = conn

	if s.metrics != nil {
		s.metrics.IncWSConnections()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.run()
	}()
}

func (s *Server) closeConn(connID string, abrupt bool) {
	conn := s.conns[connID]
	if conn == nil {
		return
	}
	delete(s.conns, connID)
	conn.Close(abrupt)

	if s.metrics != nil {
		s.metrics.DecWSConnections()
	}
}

func (s *Server) sendData(connID string, data []byte) error {
	return s.transport.Send(ws.Message{
		ConnID: connID,
		Type:   ws.TextMessage,
		Data:   data,
	})
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Drain makes the server refuse new sessions. Live sessions are unaffected.
func (s *Server) Drain() {
	s.draining.Store(true)
}

func (s *Server) Draining() bool {
	return s.draining.Load()
}

// Shutdown stops accepting new sessions and lets the live ones end on their
// own until ctx is done. Whatever is still running then is ended with
// ReasonShuttingDown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Drain()

	if s.waitSessions(ctx) == nil {
		return nil
	}

	sessions := s.registry.getSessions()
	s.log.Warn("drain timed out, ending remaining sessions", mlog.Int("count", len(sessions)))
	for _, session := range sessions {
		if !session.sched.Post(func() { session.End(ReasonShuttingDown) }) {
			session.End(ReasonShuttingDown)
		}
	}

	forceCtx, cancel := context.WithTimeout(context.Background(), forceEndTimeout)
	defer cancel()
	if err := s.waitSessions(forceCtx); err != nil {
		return fmt.Errorf("failed to end %d sessions: %w", s.registry.Len(), err)
	}

	return nil
}

func (s *Server) waitSessions(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.registry.Len() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Wait blocks until the router and every connection loop have exited.
func (s *Server) Wait() {
	s.wg.Wait()
}
