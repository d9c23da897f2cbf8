// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nodegst/playerd/service/engine"
	"github.com/nodegst/playerd/service/media"

	"github.com/looplab/fsm"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	ReasonRequestedByClient   = "Requested by client"
	ReasonDisconnected        = "Disconnected"
	ReasonFinished            = "finished"
	ReasonPeerEnded           = "WebRTC session ended"
	ReasonShuttingDown        = "Server shutting down"
	ReasonExtractionFailed    = "Unable to extract media URL"
	ReasonNoSession           = "No session bounded to connection"
	ReasonIDSpaceExhausted    = "Unable to allocate session id"
	ReasonPipelineFailed      = "Unable to start media pipeline"
	ReasonResumeNotSupported  = "Session resumption is not supported"
	engineErrorReasonTemplate = "Gstreamer error: %s"
)

const (
	stateActive = "active"
	stateEnded  = "ended"
	eventEnd    = "end"
)

var ErrSessionEnded = errors.New("session has ended")

// Session is a single playback negotiation. Apart from Info and ID, its
// methods must only be called from the scheduler it was created with.
type Session struct {
	id        string
	sources   []media.Source
	plan      media.Plan
	createdAt time.Time

	registry *Registry
	log      mlog.LoggerIFace
	sched    Scheduler
	engine   engine.Engine
	state    *fsm.FSM

	owner    Owner
	hasOwner atomic.Bool

	isMakingOffer bool
	eosTimer      *time.Timer
}

func newSession(id string, sources []media.Source, plan media.Plan, eng engine.Engine, r *Registry, owner Owner, sched Scheduler) *Session {
	s := &Session{
		id:        id,
		sources:   append([]media.Source(nil), sources...),
		plan:      plan,
		createdAt: time.Now(),
		registry:  r,
		log:       r.log,
		sched:     sched,
		engine:    eng,
		owner:     owner,
		state: fsm.NewFSM(
			stateActive,
			fsm.Events{
				{Name: eventEnd, Src: []string{stateActive}, Dst: stateEnded},
			},
			fsm.Callbacks{},
		),
	}
	s.hasOwner.Store(owner != nil)
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Plan() media.Plan {
	return s.plan
}

func (s *Session) IsMakingOffer() bool {
	return s.isMakingOffer
}

func (s *Session) Ended() bool {
	return s.state.Is(stateEnded)
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:        s.id,
		Class:     s.plan.Class,
		Sources:   append([]media.Source(nil), s.sources...),
		CreatedAt: s.createdAt,
		HasOwner:  s.hasOwner.Load(),
	}
}

// Start begins forwarding engine events and asks the engine to negotiate.
// The engine sets its local offer before the matching event reaches us, so
// the session counts as offering from here on.
func (s *Session) Start() error {
	go s.pumpEvents()

	s.isMakingOffer = true
	if err := s.engine.Start(); err != nil {
		s.isMakingOffer = false
		return fmt.Errorf("failed to start engine: %w", err)
	}

	return nil
}

// pumpEvents moves engine events onto the scheduler, preserving their order.
func (s *Session) pumpEvents() {
	for ev := range s.engine.Events() {
		if !s.sched.Post(func() { s.handleEvent(ev) }) {
			s.log.Debug("dropping engine event, scheduler is gone",
				mlog.String("sessionID", s.id), mlog.String("event", ev.Kind.String()))
		}
	}
}

func (s *Session) handleEvent(ev engine.Event) {
	if s.Ended() {
		s.log.Debug("ignoring engine event on ended session",
			mlog.String("sessionID", s.id), mlog.String("event", ev.Kind.String()))
		return
	}

	switch ev.Kind {
	case engine.EventLocalSDP:
		if ev.SDP == nil {
			return
		}
		if ev.SDP.Type == engine.SDPTypeOffer {
			s.isMakingOffer = true
		}
		if s.owner != nil {
			s.owner.SendSDP(s.id, *ev.SDP)
		}
	case engine.EventLocalICE:
		if ev.Candidate != nil && s.owner != nil {
			s.owner.SendICE(s.id, *ev.Candidate)
		}
	case engine.EventPeerEnded:
		s.End(ReasonPeerEnded)
	case engine.EventEncoderSetup:
		if ev.Encoder == nil {
			return
		}
		bitrate := s.plan.BitrateFor(ev.Encoder.Track)
		s.log.Debug("configuring encoder",
			mlog.String("sessionID", s.id),
			mlog.String("track", string(ev.Encoder.Track)),
			mlog.String("codec", ev.Encoder.Codec),
			mlog.Int("bitrate", bitrate),
		)
		ev.Encoder.SetBitrate(bitrate)
	case engine.EventError:
		msg := "unknown error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.log.Error("media pipeline failed", mlog.String("sessionID", s.id), mlog.String("err", msg))
		s.End(fmt.Sprintf(engineErrorReasonTemplate, msg))
	case engine.EventEOS:
		if s.eosTimer != nil {
			return
		}
		s.log.Debug("end of stream reached", mlog.String("sessionID", s.id))
		s.eosTimer = time.AfterFunc(s.registry.eosDelay, func() {
			s.sched.Post(func() { s.End(ReasonFinished) })
		})
	default:
		s.log.Warn("unexpected engine event", mlog.String("sessionID", s.id), mlog.Int("kind", int(ev.Kind)))
	}
}

// HandleRemoteSDP applies a description received from the client. We are
// always the impolite peer: a remote offer colliding with our own pending
// offer is dropped.
func (s *Session) HandleRemoteSDP(desc engine.SessionDescription) error {
	if s.Ended() {
		return ErrSessionEnded
	}

	if desc.Type == engine.SDPTypeOffer && s.isMakingOffer {
		s.log.Debug("dropping colliding remote offer", mlog.String("sessionID", s.id))
		return nil
	}

	if err := s.engine.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	switch desc.Type {
	case engine.SDPTypeAnswer, engine.SDPTypeRollback:
		s.isMakingOffer = false
	}

	return nil
}

func (s *Session) HandleRemoteICE(candidate engine.ICECandidate) error {
	if s.Ended() {
		return ErrSessionEnded
	}

	if err := s.engine.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate for session %s: %w", s.id, err)
	}

	return nil
}

// DetachOwner drops the reference to the owning connection. The session
// keeps running.
func (s *Session) DetachOwner() {
	s.owner = nil
	s.hasOwner.Store(false)
}

// End tears the session down. Only the first call has any effect.
func (s *Session) End(reason string) bool {
	if err := s.state.Event(context.Background(), eventEnd); err != nil {
		s.log.Warn("session already ended, ended twice?",
			mlog.String("sessionID", s.id), mlog.String("reason", reason))
		return false
	}

	s.log.Debug("ending session", mlog.String("sessionID", s.id), mlog.String("reason", reason))

	if s.eosTimer != nil {
		s.eosTimer.Stop()
		s.eosTimer = nil
	}

	if s.owner != nil {
		owner := s.owner
		s.DetachOwner()
		owner.SessionEnded(s.id, reason)
	}

	if err := s.engine.Close(); err != nil {
		s.log.Error("failed to close engine", mlog.String("sessionID", s.id), mlog.Err(err))
	}

	s.registry.sessionEnded(s, reason)

	return true
}
