// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nodegst/playerd/service/engine"
	"github.com/nodegst/playerd/service/media"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

const (
	eventsChSize = 32
)

type pipelineConfig struct {
	sessionID    string
	plan         media.Plan
	pc           *webrtc.PeerConnection
	log          mlog.LoggerIFace
	metrics      Metrics
	newReader    readerFactory
	setupTimeout time.Duration
}

type outTrack struct {
	kind   media.TrackKind
	source media.SourcePlan
	sender *webrtc.RTPSender

	// track can be swapped by the negotiation until feeding starts.
	track *webrtc.TrackLocalStaticSample
	mut   sync.RWMutex
}

func (t *outTrack) getTrack() *webrtc.TrackLocalStaticSample {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return t.track
}

func (t *outTrack) setTrack(track *webrtc.TrackLocalStaticSample) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.track = track
}

// pipeline is the pion based media engine for a single session. Each planned
// track is fed by its own reader goroutine once the peer connects.
type pipeline struct {
	cfg    pipelineConfig
	pc     *webrtc.PeerConnection
	log    mlog.LoggerIFace
	tracks []*outTrack

	ctx    context.Context
	cancel context.CancelFunc

	eventsCh chan engine.Event
	closeCh  chan struct{}
	closed   bool
	mut      sync.RWMutex

	// negMut makes sure a local description is sent out before any of the
	// candidates gathered for it.
	negMut sync.Mutex

	feedOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	feedersMut  sync.Mutex
	feedersLeft int
	failed      bool
}

func newPipeline(cfg pipelineConfig) (*pipeline, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		cfg:      cfg,
		pc:       cfg.pc,
		log:      cfg.log,
		ctx:      ctx,
		cancel:   cancel,
		eventsCh: make(chan engine.Event, eventsChSize),
		closeCh:  make(chan struct{}),
	}

	for _, src := range cfg.plan.Sources {
		for _, kind := range src.Tracks {
			track, err := p.newTrack(kind, p.initialCodec(kind))
			if err != nil {
				cancel()
				return nil, err
			}

			sender, err := p.pc.AddTrack(track)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("failed to add track: %w", err)
			}

			p.tracks = append(p.tracks, &outTrack{
				kind:   kind,
				source: src,
				sender: sender,
				track:  track,
			})
		}
	}

	p.pc.OnICECandidate(p.onICECandidate)
	p.pc.OnConnectionStateChange(p.onConnectionStateChange)

	for _, t := range p.tracks {
		p.wg.Add(1)
		go p.handleSenderRTCP(t.sender)
	}

	return p, nil
}

func (p *pipeline) initialCodec(kind media.TrackKind) string {
	if kind == media.TrackKindVideo {
		return p.cfg.plan.Video.Codecs[0]
	}
	return p.cfg.plan.Audio.Codec
}

func (p *pipeline) newTrack(kind media.TrackKind, mimeType string) (*webrtc.TrackLocalStaticSample, error) {
	capability := rtpAudioCodec
	if kind == media.TrackKindVideo {
		params, ok := rtpVideoCodecs[mimeType]
		if !ok {
			return nil, fmt.Errorf("unsupported video codec %q", mimeType)
		}
		capability = params.RTPCodecCapability
	}

	// All tracks share the session as stream so the client keeps them in sync.
	track, err := webrtc.NewTrackLocalStaticSample(capability, string(kind), p.cfg.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	return track, nil
}

func (p *pipeline) Events() <-chan engine.Event {
	return p.eventsCh
}

func (p *pipeline) Start() error {
	p.negMut.Lock()
	defer p.negMut.Unlock()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	p.sendLocalSDP(offer)

	return nil
}

func (p *pipeline) SetRemoteDescription(desc engine.SessionDescription) error {
	switch desc.Type {
	case engine.SDPTypeRollback:
		if p.pc.SignalingState() != webrtc.SignalingStateHaveRemoteOffer {
			p.log.Debug("rtc: nothing to roll back", mlog.String("state", p.pc.SignalingState().String()))
			return nil
		}
		return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
	case engine.SDPTypeOffer:
		p.negMut.Lock()
		defer p.negMut.Unlock()
		if err := p.selectVideoCodec(desc.SDP); err != nil {
			return err
		}
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
		p.sendLocalSDP(answer)
		return nil
	case engine.SDPTypeAnswer, engine.SDPTypePranswer:
		if err := p.selectVideoCodec(desc.SDP); err != nil {
			return err
		}
		sdpType := webrtc.SDPTypeAnswer
		if desc.Type == engine.SDPTypePranswer {
			sdpType = webrtc.SDPTypePranswer
		}
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}
		return nil
	}

	return fmt.Errorf("invalid sdp type %q", desc.Type)
}

// selectVideoCodec swaps the video track for one using the most preferred
// codec the remote accepts. This only has effect before the track is bound.
func (p *pipeline) selectVideoCodec(remoteSDP string) error {
	if !p.cfg.plan.HasVideo() {
		return nil
	}

	mimeType, err := negotiatedVideoCodec(remoteSDP, p.cfg.plan.Video.Codecs)
	if err != nil {
		return err
	}
	if mimeType == "" {
		p.log.Warn("rtc: remote accepts none of the video codecs")
		return nil
	}

	for _, t := range p.tracks {
		if t.kind != media.TrackKindVideo || t.getTrack().Codec().MimeType == mimeType {
			continue
		}

		track, err := p.newTrack(t.kind, mimeType)
		if err != nil {
			return err
		}
		if err := t.sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("failed to replace track: %w", err)
		}
		t.setTrack(track)

		p.log.Debug("rtc: switched video codec", mlog.String("codec", mimeType))
	}

	return nil
}

func (p *pipeline) AddICECandidate(candidate engine.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (p *pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		// Unblocks pending senders before taking the lock.
		close(p.closeCh)

		p.mut.Lock()
		p.closed = true
		p.mut.Unlock()

		if closeErr := p.pc.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close peer connection: %w", closeErr)
		}

		p.wg.Wait()

		close(p.eventsCh)
	})
	return err
}

func (p *pipeline) sendEvent(ev engine.Event) {
	p.mut.RLock()
	defer p.mut.RUnlock()

	if p.closed {
		return
	}

	select {
	case p.eventsCh <- ev:
	case <-p.closeCh:
	}
}

func (p *pipeline) sendLocalSDP(desc webrtc.SessionDescription) {
	sdpType := engine.SDPTypeOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		sdpType = engine.SDPTypeAnswer
	}
	p.sendEvent(engine.Event{
		Kind: engine.EventLocalSDP,
		SDP: &engine.SessionDescription{
			Type: sdpType,
			SDP:  desc.SDP,
		},
	})
}

func (p *pipeline) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}

	p.negMut.Lock()
	defer p.negMut.Unlock()

	init := c.ToJSON()
	p.sendEvent(engine.Event{
		Kind: engine.EventLocalICE,
		Candidate: &engine.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		},
	})
}

func (p *pipeline) onConnectionStateChange(st webrtc.PeerConnectionState) {
	p.cfg.metrics.IncRTCConnState(st.String())

	switch st {
	case webrtc.PeerConnectionStateConnected:
		p.log.Debug("rtc: connected")
		p.feedOnce.Do(p.startFeeders)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		p.log.Debug("rtc: peer connection ended", mlog.String("state", st.String()))
		p.sendEvent(engine.Event{Kind: engine.EventPeerEnded})
	}
}

func (p *pipeline) handleSenderRTCP(sender *webrtc.RTPSender) {
	defer p.wg.Done()
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Debug("rtc: stopped reading RTCP", mlog.Err(err))
			}
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication:
				p.cfg.metrics.IncRTCPPackets("pli")
			case *rtcp.TransportLayerNack:
				p.cfg.metrics.IncRTCPPackets("nack")
			case *rtcp.ReceiverReport:
				p.cfg.metrics.IncRTCPPackets("rr")
			}
		}
	}
}

func (p *pipeline) startFeeders() {
	p.feedersMut.Lock()
	p.feedersLeft = len(p.tracks)
	p.feedersMut.Unlock()

	// Feeders must not be added once Close started waiting.
	p.mut.RLock()
	defer p.mut.RUnlock()
	if p.closed {
		return
	}

	for _, t := range p.tracks {
		p.wg.Add(1)
		go p.feed(t)
	}
}

// feederDone tracks feeders completion. The first failure is reported as an
// error, EOS is raised only once every feeder ran out of media.
func (p *pipeline) feederDone(err error) {
	p.feedersMut.Lock()
	p.feedersLeft--
	left := p.feedersLeft
	failed := p.failed
	if err != nil {
		p.failed = true
	}
	p.feedersMut.Unlock()

	if err != nil && !failed {
		p.cfg.metrics.IncRTCErrors("feeder")
		p.sendEvent(engine.Event{Kind: engine.EventError, Err: err})
		return
	}

	if left == 0 && !failed && err == nil {
		p.sendEvent(engine.Event{Kind: engine.EventEOS})
	}
}

func (p *pipeline) readerParams(t *outTrack, bitrate int) readerParams {
	params := readerParams{
		URL:      t.source.URL,
		Kind:     t.kind,
		MimeType: t.getTrack().Codec().MimeType,
		Bitrate:  bitrate,
	}
	if t.kind == media.TrackKindVideo {
		params.MaxBitrate = max(p.cfg.plan.Video.MaxBitrate, bitrate)
		params.Height = p.cfg.plan.Video.MaxHeight
		params.FrameRate = p.cfg.plan.Video.MaxFrameRate
	} else {
		params.Channels = p.cfg.plan.Audio.Channels
	}
	return params
}

func (p *pipeline) feed(t *outTrack) {
	defer p.wg.Done()

	setup := engine.NewEncoderSetup(t.kind, t.getTrack().Codec().MimeType)
	p.sendEvent(engine.Event{Kind: engine.EventEncoderSetup, Encoder: setup})

	bitrate := p.cfg.plan.BitrateFor(t.kind)
	timer := time.NewTimer(p.cfg.setupTimeout)
	select {
	case bitrate = <-setup.Reply():
		timer.Stop()
	case <-timer.C:
		p.log.Warn("rtc: timed out waiting for encoder setup", mlog.String("kind", string(t.kind)))
	case <-p.closeCh:
		timer.Stop()
		return
	}

	rd, err := p.cfg.newReader(p.ctx, p.readerParams(t, bitrate))
	if err != nil {
		p.feederDone(fmt.Errorf("failed to open %s source: %w", t.kind, err))
		return
	}

	for {
		sample, err := rd.NextSample()
		if err != nil {
			closeErr := rd.Close()
			select {
			case <-p.closeCh:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				err = closeErr
			}
			p.feederDone(err)
			return
		}

		if err := t.getTrack().WriteSample(sample); err != nil {
			p.log.Warn("rtc: failed to write sample", mlog.Err(err), mlog.String("kind", string(t.kind)))
			continue
		}
		p.cfg.metrics.IncRTPPackets(string(t.kind))
		p.cfg.metrics.AddRTPPacketBytes(string(t.kind), len(sample.Data))
	}
}
