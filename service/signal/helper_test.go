// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nodegst/playerd/service/engine"
	"github.com/nodegst/playerd/service/media"
	"github.com/nodegst/playerd/service/ws"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type fakeEngine struct {
	sessionID string
	plan      media.Plan
	startErr  error
	remoteErr error

	eventsCh  chan engine.Event
	closeOnce sync.Once

	mut        sync.Mutex
	started    bool
	closed     bool
	remoteSDPs []engine.SessionDescription
	candidates []engine.ICECandidate
}

func newFakeEngine(sessionID string, plan media.Plan) *fakeEngine {
	return &fakeEngine{
		sessionID: sessionID,
		plan:      plan,
		eventsCh:  make(chan engine.Event, 16),
	}
}

func (e *fakeEngine) Start() error {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.started = true
	if e.startErr != nil {
		return e.startErr
	}
	e.eventsCh <- engine.Event{
		Kind: engine.EventLocalSDP,
		SDP:  &engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: testSDP},
	}
	return nil
}

func (e *fakeEngine) SetRemoteDescription(desc engine.SessionDescription) error {
	e.mut.Lock()
	defer e.mut.Unlock()
	if e.remoteErr != nil {
		return e.remoteErr
	}
	e.remoteSDPs = append(e.remoteSDPs, desc)
	return nil
}

func (e *fakeEngine) AddICECandidate(candidate engine.ICECandidate) error {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.candidates = append(e.candidates, candidate)
	return nil
}

func (e *fakeEngine) Events() <-chan engine.Event {
	return e.eventsCh
}

func (e *fakeEngine) Close() error {
	e.closeOnce.Do(func() {
		e.mut.Lock()
		e.closed = true
		close(e.eventsCh)
		e.mut.Unlock()
	})
	return nil
}

// emit raises an event as the engine would from its own goroutine.
func (e *fakeEngine) emit(ev engine.Event) {
	e.mut.Lock()
	defer e.mut.Unlock()
	if e.closed {
		return
	}
	e.eventsCh <- ev
}

func (e *fakeEngine) isClosed() bool {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.closed
}

func (e *fakeEngine) getRemoteSDPs() []engine.SessionDescription {
	e.mut.Lock()
	defer e.mut.Unlock()
	return append([]engine.SessionDescription(nil), e.remoteSDPs...)
}

func (e *fakeEngine) getCandidates() []engine.ICECandidate {
	e.mut.Lock()
	defer e.mut.Unlock()
	return append([]engine.ICECandidate(nil), e.candidates...)
}

type fakeFactory struct {
	mut      sync.Mutex
	engines  map[string]*fakeEngine
	err      error
	startErr error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		engines: make(map[string]*fakeEngine),
	}
}

func (f *fakeFactory) NewEngine(sessionID string, plan media.Plan) (engine.Engine, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := newFakeEngine(sessionID, plan)
	e.startErr = f.startErr
	f.engines[sessionID] = e
	return e, nil
}

func (f *fakeFactory) getEngine(sessionID string) *fakeEngine {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.engines[sessionID]
}

type fakeExtractor struct {
	extractFn func(ctx context.Context, videoURL string, wantVideo bool) ([]media.Source, error)
}

func (e *fakeExtractor) Extract(ctx context.Context, videoURL string, wantVideo bool) ([]media.Source, error) {
	return e.extractFn(ctx, videoURL, wantVideo)
}

func audioExtractor() *fakeExtractor {
	return &fakeExtractor{
		extractFn: func(_ context.Context, videoURL string, wantVideo bool) ([]media.Source, error) {
			if wantVideo {
				return []media.Source{
					{URL: videoURL + "/video", ExpectVideo: true},
					{URL: videoURL + "/audio", ExpectAudio: true},
				}, nil
			}
			return []media.Source{{URL: videoURL + "/audio", ExpectAudio: true}}, nil
		},
	}
}

// syncScheduler runs tasks right away, one at a time.
type syncScheduler struct {
	mut     sync.Mutex
	stopped bool
}

func (s *syncScheduler) Post(task func()) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.stopped {
		return false
	}
	task()
	return true
}

type ownerCall struct {
	kind      string
	sessionID string
	desc      engine.SessionDescription
	candidate engine.ICECandidate
	reason    string
}

type fakeOwner struct {
	mut   sync.Mutex
	calls []ownerCall
}

func (o *fakeOwner) SendSDP(sessionID string, desc engine.SessionDescription) {
	o.mut.Lock()
	defer o.mut.Unlock()
	o.calls = append(o.calls, ownerCall{kind: "sdp", sessionID: sessionID, desc: desc})
}

func (o *fakeOwner) SendICE(sessionID string, candidate engine.ICECandidate) {
	o.mut.Lock()
	defer o.mut.Unlock()
	o.calls = append(o.calls, ownerCall{kind: "ice", sessionID: sessionID, candidate: candidate})
}

func (o *fakeOwner) SessionEnded(sessionID string, reason string) {
	o.mut.Lock()
	defer o.mut.Unlock()
	o.calls = append(o.calls, ownerCall{kind: "ended", sessionID: sessionID, reason: reason})
}

func (o *fakeOwner) getCalls() []ownerCall {
	o.mut.Lock()
	defer o.mut.Unlock()
	return append([]ownerCall(nil), o.calls...)
}

type fakeTransport struct {
	receiveCh chan ws.Message
	sendCh    chan ws.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		receiveCh: make(chan ws.Message, 64),
		sendCh:    make(chan ws.Message, 64),
	}
}

func (t *fakeTransport) ReceiveCh() <-chan ws.Message {
	return t.receiveCh
}

func (t *fakeTransport) Send(msg ws.Message) error {
	select {
	case t.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("send channel is full")
	}
}

func (t *fakeTransport) open(connID string) {
	t.receiveCh <- ws.Message{ConnID: connID, Type: ws.OpenMessage}
}

func (t *fakeTransport) sendText(connID string, data string) {
	t.receiveCh <- ws.Message{ConnID: connID, Type: ws.TextMessage, Data: []byte(data)}
}

func (t *fakeTransport) close(connID string, abrupt bool) {
	t.receiveCh <- ws.Message{ConnID: connID, Type: ws.CloseMessage, Abrupt: abrupt}
}

func (t *fakeTransport) expectMessage(tb testing.TB, connID string) Message {
	tb.Helper()
	select {
	case msg := <-t.sendCh:
		require.Equal(tb, connID, msg.ConnID)
		require.Equal(tb, ws.TextMessage, msg.Type)
		var m Message
		require.NoError(tb, json.Unmarshal(msg.Data, &m))
		return m
	case <-time.After(5 * time.Second):
		require.FailNow(tb, "timed out waiting for message")
	}
	return Message{}
}

func (t *fakeTransport) expectNoMessage(tb testing.TB) {
	tb.Helper()
	select {
	case msg := <-t.sendCh:
		require.FailNow(tb, "unexpected message", string(msg.Data))
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestLogger(tb testing.TB) mlog.LoggerIFace {
	tb.Helper()
	log, err := mlog.NewLogger()
	require.NoError(tb, err)
	tb.Cleanup(func() {
		require.NoError(tb, log.Shutdown())
	})
	return log
}

type testEnv struct {
	log       mlog.LoggerIFace
	factory   *fakeFactory
	registry  *Registry
	transport *fakeTransport
	server    *Server
	ended     chan string
}

func setupServer(tb testing.TB, extractor *fakeExtractor, opts ...RegistryOption) *testEnv {
	tb.Helper()

	env := &testEnv{
		log:       newTestLogger(tb),
		factory:   newFakeFactory(),
		transport: newFakeTransport(),
		ended:     make(chan string, 16),
	}

	opts = append([]RegistryOption{
		WithEOSDelay(50 * time.Millisecond),
		WithEndedCb(func(info SessionInfo, reason string, _ time.Time) {
			env.ended <- info.ID + ":" + reason
		}),
	}, opts...)

	var err error
	env.registry, err = NewRegistry(env.factory, env.log, opts...)
	require.NoError(tb, err)

	var cfg Config
	cfg.SetDefaults()
	env.server, err = NewServer(cfg, env.log, env.transport, env.registry, extractor, nil)
	require.NoError(tb, err)
	env.server.Start()

	tb.Cleanup(func() {
		close(env.transport.receiveCh)
		env.server.Wait()
	})

	return env
}

// newSessionFor opens connID and negotiates a session up to the engine's
// offer, returning the session id.
func (env *testEnv) newSessionFor(tb testing.TB, connID string, wantVideo bool) string {
	tb.Helper()

	env.transport.sendText(connID, fmt.Sprintf(`{"type":"newSession","videoUrl":"https://example.com/watch","wantVideo":%t}`, wantVideo))

	msg := env.transport.expectMessage(tb, connID)
	require.Equal(tb, SessionConnectedMessage, msg.Type)
	require.NotEmpty(tb, msg.SessionID)
	sessionID := msg.SessionID

	msg = env.transport.expectMessage(tb, connID)
	require.Equal(tb, NewSDPMessage, msg.Type)
	require.Equal(tb, engine.SDPTypeOffer, msg.SDP.Type)

	return sessionID
}

func (env *testEnv) expectEnded(tb testing.TB) string {
	tb.Helper()
	select {
	case ended := <-env.ended:
		return ended
	case <-time.After(5 * time.Second):
		require.FailNow(tb, "timed out waiting for session to end")
	}
	return ""
}
