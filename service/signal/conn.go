// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"context"
	"errors"

	"github.com/nodegst/playerd/service/engine"
	"github.com/nodegst/playerd/service/extract"
	"github.com/nodegst/playerd/service/media"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"golang.org/x/time/rate"
)

const (
	msgChSize  = 64
	taskChSize = 256
)

type sendFn func(connID string, data []byte) error

// inbound is a client frame, or the error answering it.
type inbound struct {
	data []byte
	perr *ProtocolError
}

// Conn is the signaling side of a single client connection. All of its state,
// including the session it owns, is only touched from the goroutine running
// its loop.
type Conn struct {
	id        string
	log       mlog.LoggerIFace
	send      sendFn
	registry  *Registry
	extractor extract.Extractor
	limiter   *rate.Limiter
	metrics   Metrics
	draining  func() bool

	ctx    context.Context
	cancel context.CancelFunc

	msgCh   chan inbound
	taskCh  chan func()
	closeCh chan bool
	doneCh  chan struct{}

	session    *Session
	extracting bool
}

func newConn(id string, s *Server) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:        id,
		log:       s.log,
		send:      s.sendData,
		registry:  s.registry,
		extractor: s.extractor,
		limiter:   rate.NewLimiter(rate.Limit(s.cfg.MessageRateLimit), s.cfg.MessageBurst),
		metrics:   s.metrics,
		draining:  s.draining.Load,
		ctx:       ctx,
		cancel:    cancel,
		msgCh:     make(chan inbound, msgChSize),
		taskCh:    make(chan func(), taskChSize),
		closeCh:   make(chan bool, 1),
		doneCh:    make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Deliver queues a client frame. Frames are handled one at a time. Frames
// over the rate limit are queued too so that the error answering them keeps
// its place among the other replies.
func (c *Conn) Deliver(data []byte) bool {
	in := inbound{data: data}
	if !c.limiter.Allow() {
		in.perr = &ProtocolError{
			Code:   ProtocolErrorRateLimited,
			Reason: "too many messages",
		}
	}
	return c.enqueue(in) && in.perr == nil
}

// Reject queues a protocol error answering a frame that could not be
// delivered.
func (c *Conn) Reject(perr *ProtocolError) bool {
	return c.enqueue(inbound{perr: perr})
}

func (c *Conn) enqueue(in inbound) bool {
	select {
	case <-c.doneCh:
		return false
	default:
	}

	select {
	case c.msgCh <- in:
		return true
	default:
		c.log.Warn("message queue is full, dropping message", mlog.String("connID", c.id))
		c.Post(func() {
			c.sendProtocolError(&ProtocolError{
				Code:   ProtocolErrorRateLimited,
				Reason: "message queue is full",
			})
		})
		return false
	}
}

// Post schedules task to run on the connection loop.
func (c *Conn) Post(task func()) bool {
	select {
	case <-c.doneCh:
		return false
	default:
	}

	select {
	case c.taskCh <- task:
		return true
	case <-c.doneCh:
		return false
	}
}

// Close notifies the loop that the transport went away. abrupt tells whether
// the client closed without a proper close handshake.
func (c *Conn) Close(abrupt bool) {
	select {
	case c.closeCh <- abrupt:
	default:
	}
}

// Done is closed once the loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.doneCh
}

func (c *Conn) run() {
	defer close(c.doneCh)

	for {
		// Client frames wait while an extraction is in flight, tasks don't.
		msgCh := c.msgCh
		if c.extracting {
			msgCh = nil
		}

		select {
		case in := <-msgCh:
			if in.perr != nil {
				c.sendProtocolError(in.perr)
				continue
			}
			c.handleMessage(in.data)
		case task := <-c.taskCh:
			task()
		case abrupt := <-c.closeCh:
			c.handleClose(abrupt)
			return
		}
	}
}

func (c *Conn) handleMessage(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		c.log.Debug("invalid message", mlog.String("connID", c.id), mlog.Err(err))
		c.sendProtocolError(asProtocolError(err))
		return
	}

	if c.metrics != nil {
		c.metrics.IncWSMessages(string(msg.Type), "in")
	}

	switch msg.Type {
	case NewSessionMessage:
		c.handleNewSession(msg)
	case ResumeSessionMessage:
		c.log.Debug("session resumption requested", mlog.String("connID", c.id), mlog.String("sessionID", msg.SessionID))
		c.sendMessage(NewSessionEndedMessage(msg.SessionID, ReasonResumeNotSupported))
	case EndSessionMessage:
		if c.session == nil {
			c.sendMessage(NewSessionEndedMessage("", ReasonNoSession))
			return
		}
		c.session.End(ReasonRequestedByClient)
	case ICECandidateMessage:
		if c.session == nil {
			c.sendNoSession(msg.Type)
			return
		}
		if err := c.session.HandleRemoteICE(msg.Candidate.toEngine()); err != nil {
			c.log.Warn("failed to handle ICE candidate", mlog.String("connID", c.id), mlog.Err(err))
		}
	case NewSDPMessage:
		if c.session == nil {
			c.sendNoSession(msg.Type)
			return
		}
		if err := c.session.HandleRemoteSDP(msg.SDP.toEngine()); err != nil {
			c.log.Warn("failed to handle SDP", mlog.String("connID", c.id), mlog.Err(err))
			c.sendProtocolError(&ProtocolError{
				Code:   ProtocolErrorNegotiationFailed,
				Reason: err.Error(),
			})
		}
	default:
		c.sendProtocolError(newMalformedError("unexpected message type %q", msg.Type))
	}
}

func (c *Conn) handleNewSession(msg Message) {
	if c.session != nil {
		c.log.Warn("new session requested while one is active, ending it",
			mlog.String("connID", c.id), mlog.String("sessionID", c.session.ID()))
		c.session.End(ReasonRequestedByClient)
	}

	if c.draining() {
		c.sendMessage(NewSessionEndedMessage("", ReasonShuttingDown))
		return
	}

	wantVideo := msg.WantVideo != nil && *msg.WantVideo
	ctx, cancel := context.WithCancel(c.ctx)
	c.extracting = true

	go func() {
		sources, err := c.extractor.Extract(ctx, msg.VideoURL, wantVideo)
		if !c.Post(func() {
			defer cancel()
			c.extracting = false
			c.handleExtraction(ctx, msg.VideoURL, sources, err)
		}) {
			cancel()
		}
	}()
}

func (c *Conn) handleExtraction(ctx context.Context, videoURL string, sources []media.Source, err error) {
	if ctx.Err() != nil {
		c.log.Debug("discarding extraction result", mlog.String("connID", c.id))
		return
	}

	if err != nil || len(sources) == 0 {
		if err != nil {
			c.log.Warn("failed to extract media", mlog.String("connID", c.id),
				mlog.String("videoURL", videoURL), mlog.Err(err))
		}
		c.incExtractions("none")
		c.sendMessage(NewSessionEndedMessage("", ReasonExtractionFailed))
		return
	}
	c.incExtractions("ok")

	if c.draining() {
		c.sendMessage(NewSessionEndedMessage("", ReasonShuttingDown))
		return
	}

	session, err := c.registry.Create(sources, c, c)
	if errors.Is(err, ErrIDSpaceExhausted) {
		c.log.Critical("failed to allocate session id", mlog.String("connID", c.id), mlog.Err(err))
		c.sendMessage(NewSessionEndedMessage("", ReasonIDSpaceExhausted))
		return
	} else if err != nil {
		c.log.Error("failed to create session", mlog.String("connID", c.id), mlog.Err(err))
		c.sendMessage(NewSessionEndedMessage("", ReasonPipelineFailed))
		return
	}

	c.session = session
	c.sendMessage(NewSessionConnectedMessage(session.ID()))

	if err := session.Start(); err != nil {
		c.log.Error("failed to start session", mlog.String("sessionID", session.ID()), mlog.Err(err))
		session.End(ReasonPipelineFailed)
	}
}

func (c *Conn) handleClose(abrupt bool) {
	if abrupt {
		c.log.Debug("connection lost", mlog.String("connID", c.id))
	} else {
		c.log.Debug("connection closed", mlog.String("connID", c.id))
	}

	c.cancel()
	c.extracting = false

	if c.session != nil {
		s := c.session
		c.session = nil
		s.DetachOwner()
		s.End(ReasonDisconnected)
	}
}

func (c *Conn) SendSDP(_ string, desc engine.SessionDescription) {
	c.sendMessage(NewDescriptionMessage(desc))
}

func (c *Conn) SendICE(_ string, candidate engine.ICECandidate) {
	c.sendMessage(NewICECandidateMessage(candidate))
}

func (c *Conn) SessionEnded(sessionID string, reason string) {
	if c.session != nil && c.session.ID() == sessionID {
		c.session = nil
	}
	c.sendMessage(NewSessionEndedMessage(sessionID, reason))
}

func (c *Conn) sendNoSession(msgType MessageType) {
	c.sendProtocolError(&ProtocolError{
		Code:   ProtocolErrorNoSession,
		Reason: "no session bound to connection for " + string(msgType),
	})
}

func (c *Conn) sendProtocolError(err *ProtocolError) {
	if c.metrics != nil {
		c.metrics.IncProtocolErrors(string(err.Code))
	}
	c.sendMessage(NewProtocolErrorMessage(err))
}

func (c *Conn) sendMessage(msg Message) {
	data, err := msg.Pack()
	if err != nil {
		c.log.Error("failed to pack message", mlog.String("connID", c.id), mlog.Err(err))
		return
	}

	if err := c.send(c.id, data); err != nil {
		c.log.Error("failed to send message", mlog.String("connID", c.id), mlog.Err(err))
		return
	}

	if c.metrics != nil {
		c.metrics.IncWSMessages(string(msg.Type), "out")
	}
}

func (c *Conn) incExtractions(result string) {
	if c.metrics != nil {
		c.metrics.IncExtractions(result)
	}
}
