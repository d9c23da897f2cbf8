// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nodegst/playerd/service/engine"
	"github.com/nodegst/playerd/service/media"
	"github.com/nodegst/playerd/service/ws"

	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	log := newTestLogger(t)
	registry, err := NewRegistry(newFakeFactory(), log)
	require.NoError(t, err)

	var cfg Config
	cfg.SetDefaults()

	t.Run("invalid config", func(t *testing.T) {
		s, err := NewServer(Config{}, log, newFakeTransport(), registry, audioExtractor(), nil)
		require.EqualError(t, err, "failed to validate config: invalid MaxIDAttempts value: should be greater than zero")
		require.Nil(t, s)
	})

	t.Run("missing deps", func(t *testing.T) {
		_, err := NewServer(cfg, nil, newFakeTransport(), registry, audioExtractor(), nil)
		require.EqualError(t, err, "log should not be nil")
		_, err = NewServer(cfg, log, nil, registry, audioExtractor(), nil)
		require.EqualError(t, err, "transport should not be nil")
		_, err = NewServer(cfg, log, newFakeTransport(), nil, audioExtractor(), nil)
		require.EqualError(t, err, "registry should not be nil")
		_, err = NewServer(cfg, log, newFakeTransport(), registry, nil, nil)
		require.EqualError(t, err, "extractor should not be nil")
	})
}

func TestServerNewSession(t *testing.T) {
	t.Run("audio only", func(t *testing.T) {
		var gotURL string
		var gotWantVideo bool
		env := setupServer(t, &fakeExtractor{
			extractFn: func(_ context.Context, videoURL string, wantVideo bool) ([]media.Source, error) {
				gotURL = videoURL
				gotWantVideo = wantVideo
				return []media.Source{{URL: "https://cdn.example.com/audio", ExpectAudio: true}}, nil
			},
		})
		env.transport.open("connA")

		env.transport.sendText("connA", `{"type":"newSession","videoUrl":"https://example.com/watch","wantVideo":false}`)
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, SessionConnectedMessage, msg.Type)
		require.Len(t, msg.SessionID, 6)

		msg2 := env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSDPMessage, msg2.Type)

		require.Equal(t, "https://example.com/watch", gotURL)
		require.False(t, gotWantVideo)

		s := env.registry.Lookup(msg.SessionID)
		require.NotNil(t, s)
		require.Equal(t, media.ContentClassAudioOnly, s.Plan().Class)
	})

	t.Run("wantVideo defaults to false", func(t *testing.T) {
		wantVideoCh := make(chan bool, 1)
		env := setupServer(t, &fakeExtractor{
			extractFn: func(_ context.Context, _ string, wantVideo bool) ([]media.Source, error) {
				wantVideoCh <- wantVideo
				return nil, nil
			},
		})
		env.transport.open("connA")
		env.transport.sendText("connA", `{"type":"newSession","videoUrl":"https://example.com/watch"}`)
		require.False(t, <-wantVideoCh)
		env.transport.expectMessage(t, "connA")
	})

	t.Run("extraction failure", func(t *testing.T) {
		var calls int
		env := setupServer(t, &fakeExtractor{
			extractFn: func(_ context.Context, _ string, _ bool) ([]media.Source, error) {
				return nil, nil
			},
		}, WithCodeGenerator(func() (string, error) {
			calls++
			return "AAAAAA", nil
		}))
		env.transport.open("connA")

		env.transport.sendText("connA", `{"type":"newSession","videoUrl":"https://example.com/watch"}`)
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage("", ReasonExtractionFailed), msg)
		require.Zero(t, env.registry.Len())
		require.Zero(t, calls)
	})

	t.Run("extractor error", func(t *testing.T) {
		env := setupServer(t, &fakeExtractor{
			extractFn: func(_ context.Context, _ string, _ bool) ([]media.Source, error) {
				return nil, errors.New("yt-dlp exploded")
			},
		})
		env.transport.open("connA")

		env.transport.sendText("connA", `{"type":"newSession","videoUrl":"https://example.com/watch"}`)
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage("", ReasonExtractionFailed), msg)
	})

	t.Run("two sources", func(t *testing.T) {
		env := setupServer(t, audioExtractor())
		env.transport.open("connA")

		id := env.newSessionFor(t, "connA", true)
		s := env.registry.Lookup(id)
		require.NotNil(t, s)

		plan := s.Plan()
		require.Equal(t, media.ContentClassAudioVideo, plan.Class)
		require.Len(t, plan.Sources, 2)
		require.Equal(t, []media.TrackKind{media.TrackKindVideo}, plan.Sources[0].Tracks)
		require.Equal(t, "https://example.com/watch/video", plan.Sources[0].URL)
		require.Equal(t, []media.TrackKind{media.TrackKindAudio}, plan.Sources[1].Tracks)
		require.Equal(t, "https://example.com/watch/audio", plan.Sources[1].URL)
	})

	t.Run("id space exhausted", func(t *testing.T) {
		env := setupServer(t, audioExtractor(), WithMaxIDAttempts(3), WithCodeGenerator(func() (string, error) {
			return "AAAAAA", nil
		}))
		env.transport.open("connA")
		env.transport.open("connB")

		env.newSessionFor(t, "connA", false)

		env.transport.sendText("connB", `{"type":"newSession","videoUrl":"https://example.com/watch"}`)
		msg := env.transport.expectMessage(t, "connB")
		require.Equal(t, NewSessionEndedMessage("", ReasonIDSpaceExhausted), msg)
		require.Equal(t, 1, env.registry.Len())
	})

	t.Run("engine failure", func(t *testing.T) {
		env := setupServer(t, audioExtractor())
		env.factory.err = errors.New("no pipeline")
		env.transport.open("connA")

		env.transport.sendText("connA", `{"type":"newSession","videoUrl":"https://example.com/watch"}`)
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage("", ReasonPipelineFailed), msg)
		require.Zero(t, env.registry.Len())
	})

	t.Run("engine start failure", func(t *testing.T) {
		env := setupServer(t, audioExtractor())
		env.factory.startErr = errors.New("cannot start")
		env.transport.open("connA")

		env.transport.sendText("connA", `{"type":"newSession","videoUrl":"https://example.com/watch"}`)
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, SessionConnectedMessage, msg.Type)
		id := msg.SessionID

		msg = env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage(id, ReasonPipelineFailed), msg)
		require.Equal(t, id+":"+ReasonPipelineFailed, env.expectEnded(t))
		require.Nil(t, env.registry.Lookup(id))
	})

	t.Run("replaces the active session", func(t *testing.T) {
		env := setupServer(t, audioExtractor())
		env.transport.open("connA")

		first := env.newSessionFor(t, "connA", false)

		env.transport.sendText("connA", `{"type":"newSession","videoUrl":"https://example.com/other"}`)
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage(first, ReasonRequestedByClient), msg)
		require.Equal(t, first+":"+ReasonRequestedByClient, env.expectEnded(t))

		msg = env.transport.expectMessage(t, "connA")
		require.Equal(t, SessionConnectedMessage, msg.Type)
		require.NotEqual(t, first, msg.SessionID)
		require.Equal(t, 1, env.registry.Len())
	})

	t.Run("messages wait for extraction", func(t *testing.T) {
		releaseCh := make(chan struct{})
		env := setupServer(t, &fakeExtractor{
			extractFn: func(_ context.Context, videoURL string, _ bool) ([]media.Source, error) {
				<-releaseCh
				return []media.Source{{URL: videoURL, ExpectAudio: true}}, nil
			},
		})
		env.transport.open("connA")

		env.transport.sendText("connA", `{"type":"newSession","videoUrl":"https://example.com/watch"}`)
		env.transport.sendText("connA", `{"type":"endSession"}`)
		env.transport.expectNoMessage(t)

		close(releaseCh)

		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, SessionConnectedMessage, msg.Type)
		id := msg.SessionID

		// The offer is dropped if the session ended before it was relayed.
		for {
			msg = env.transport.expectMessage(t, "connA")
			if msg.Type == SessionEndedMessage {
				require.Equal(t, NewSessionEndedMessage(id, ReasonRequestedByClient), msg)
				break
			}
			require.Equal(t, NewSDPMessage, msg.Type)
		}
	})
}

func TestServerEndSession(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		env := setupServer(t, audioExtractor())
		env.transport.open("connA")

		env.transport.sendText("connA", `{"type":"endSession"}`)
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage("", ReasonNoSession), msg)
	})

	t.Run("active session", func(t *testing.T) {
		env := setupServer(t, audioExtractor())
		env.transport.open("connA")
		id := env.newSessionFor(t, "connA", false)

		env.transport.sendText("connA", `{"type":"endSession"}`)
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage(id, ReasonRequestedByClient), msg)
		require.Equal(t, id+":"+ReasonRequestedByClient, env.expectEnded(t))
		require.Nil(t, env.registry.Lookup(id))
		require.True(t, env.factory.getEngine(id).isClosed())

		env.transport.sendText("connA", `{"type":"endSession"}`)
		msg = env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage("", ReasonNoSession), msg)
	})
}

func TestServerEngineEvents(t *testing.T) {
	t.Run("fatal error", func(t *testing.T) {
		env := setupServer(t, audioExtractor(), WithCodeGenerator(func() (string, error) {
			return "ABC123", nil
		}))
		env.transport.open("connA")
		id := env.newSessionFor(t, "connA", false)
		require.Equal(t, "ABC123", id)

		env.factory.getEngine(id).emit(engine.Event{Kind: engine.EventError, Err: errors.New("not negotiated")})

		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage("ABC123", "Gstreamer error: not negotiated"), msg)
		require.Equal(t, "ABC123:Gstreamer error: not negotiated", env.expectEnded(t))
		require.Nil(t, env.registry.Lookup("ABC123"))
	})

	t.Run("local candidates", func(t *testing.T) {
		env := setupServer(t, audioExtractor())
		env.transport.open("connA")
		id := env.newSessionFor(t, "connA", false)

		mid := "0"
		idx := uint16(0)
		env.factory.getEngine(id).emit(engine.Event{
			Kind:      engine.EventLocalICE,
			Candidate: &engine.ICECandidate{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &idx},
		})

		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, ICECandidateMessage, msg.Type)
		require.Equal(t, "candidate:1", *msg.Candidate.Candidate)
		require.Equal(t, "0", *msg.Candidate.SDPMid)
	})

	t.Run("end of stream", func(t *testing.T) {
		env := setupServer(t, audioExtractor())
		env.transport.open("connA")
		id := env.newSessionFor(t, "connA", false)

		env.factory.getEngine(id).emit(engine.Event{Kind: engine.EventEOS})

		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage(id, ReasonFinished), msg)
	})
}

func TestServerNegotiation(t *testing.T) {
	env := setupServer(t, audioExtractor())
	env.transport.open("connA")

	t.Run("no session", func(t *testing.T) {
		env.transport.sendText("connA", fmt.Sprintf(`{"type":"newSdp","sdp":{"type":"answer","sdp":%q}}`, testSDP))
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, ProtocolErrorMessage, msg.Type)
		require.Equal(t, ProtocolErrorNoSession, msg.Code)

		env.transport.sendText("connA", `{"type":"iceCandidate","candidate":{"candidate":"candidate:1"}}`)
		msg = env.transport.expectMessage(t, "connA")
		require.Equal(t, ProtocolErrorMessage, msg.Type)
		require.Equal(t, ProtocolErrorNoSession, msg.Code)
	})

	id := env.newSessionFor(t, "connA", false)
	eng := env.factory.getEngine(id)

	t.Run("glare", func(t *testing.T) {
		env.transport.sendText("connA", fmt.Sprintf(`{"type":"newSdp","sdp":{"type":"offer","sdp":%q}}`, testSDP))
		env.transport.expectNoMessage(t)
		require.Empty(t, eng.getRemoteSDPs())
	})

	t.Run("answer and candidates", func(t *testing.T) {
		env.transport.sendText("connA", fmt.Sprintf(`{"type":"newSdp","sdp":{"type":"answer","sdp":%q}}`, testSDP))
		env.transport.sendText("connA", `{"type":"iceCandidate","candidate":{"candidate":"candidate:1","sdpMid":"0"}}`)
		require.Eventually(t, func() bool {
			return len(eng.getRemoteSDPs()) == 1 && len(eng.getCandidates()) == 1
		}, time.Second, 5*time.Millisecond)
		require.Equal(t, engine.SDPTypeAnswer, eng.getRemoteSDPs()[0].Type)
		require.Equal(t, "candidate:1", eng.getCandidates()[0].Candidate)
	})

	t.Run("negotiation failure", func(t *testing.T) {
		eng.mut.Lock()
		eng.remoteErr = errors.New("bad sdp")
		eng.mut.Unlock()

		env.transport.sendText("connA", fmt.Sprintf(`{"type":"newSdp","sdp":{"type":"answer","sdp":%q}}`, testSDP))
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, ProtocolErrorMessage, msg.Type)
		require.Equal(t, ProtocolErrorNegotiationFailed, msg.Code)
		require.NotNil(t, env.registry.Lookup(id))
	})
}

func TestServerOfferRightAfterStart(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := setupServer(t, audioExtractor())
		env.transport.open("connA")

		// The remote offer is queued behind the extraction and is handled as
		// soon as the session starts, before the local offer event comes back.
		env.transport.sendText("connA", `{"type":"newSession","videoUrl":"https://example.com/watch"}`)
		env.transport.sendText("connA", fmt.Sprintf(`{"type":"newSdp","sdp":{"type":"offer","sdp":%q}}`, testSDP))

		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, SessionConnectedMessage, msg.Type)
		id := msg.SessionID

		msg = env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSDPMessage, msg.Type)
		require.Equal(t, engine.SDPTypeOffer, msg.SDP.Type)

		env.transport.expectNoMessage(t)
		require.Empty(t, env.factory.getEngine(id).getRemoteSDPs())
	}
}

func TestServerProtocolErrors(t *testing.T) {
	env := setupServer(t, audioExtractor())
	env.transport.open("connA")

	t.Run("malformed", func(t *testing.T) {
		env.transport.sendText("connA", `not json`)
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, ProtocolErrorMessage, msg.Type)
		require.Equal(t, ProtocolErrorMalformed, msg.Code)
	})

	t.Run("server only message", func(t *testing.T) {
		env.transport.sendText("connA", `{"type":"sessionConnected","sessionId":"ABC123"}`)
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, ProtocolErrorMessage, msg.Type)
		require.Equal(t, ProtocolErrorMalformed, msg.Code)
		require.Equal(t, `unexpected message type "sessionConnected"`, msg.Reason)
	})

	t.Run("binary", func(t *testing.T) {
		env.transport.receiveCh <- ws.Message{ConnID: "connA", Type: ws.BinaryMessage, Data: []byte{0x01}}
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, ProtocolErrorMessage, msg.Type)
		require.Equal(t, "binary messages are not supported", msg.Reason)
	})

	t.Run("resume", func(t *testing.T) {
		env.transport.sendText("connA", `{"type":"resumeSession","sessionId":"ABC123"}`)
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage("ABC123", ReasonResumeNotSupported), msg)
	})

	t.Run("unknown connection", func(t *testing.T) {
		env.transport.sendText("connZ", `{"type":"endSession"}`)
		env.transport.expectNoMessage(t)
	})
}

func TestServerRateLimit(t *testing.T) {
	log := newTestLogger(t)
	registry, err := NewRegistry(newFakeFactory(), log)
	require.NoError(t, err)

	var cfg Config
	cfg.SetDefaults()
	cfg.MessageRateLimit = 0.001
	cfg.MessageBurst = 1

	transport := newFakeTransport()
	s, err := NewServer(cfg, log, transport, registry, audioExtractor(), nil)
	require.NoError(t, err)
	s.Start()
	defer func() {
		close(transport.receiveCh)
		s.Wait()
	}()

	transport.open("connA")
	transport.sendText("connA", `{"type":"endSession"}`)
	transport.sendText("connA", `{"type":"endSession"}`)

	// Replies keep the order of the messages they answer.
	msg := transport.expectMessage(t, "connA")
	require.Equal(t, NewSessionEndedMessage("", ReasonNoSession), msg)
	msg = transport.expectMessage(t, "connA")
	require.Equal(t, ProtocolErrorMessage, msg.Type)
	require.Equal(t, ProtocolErrorRateLimited, msg.Code)
	transport.expectNoMessage(t)
}

func TestServerConnectionClose(t *testing.T) {
	for _, abrupt := range []bool{false, true} {
		t.Run(fmt.Sprintf("abrupt=%t", abrupt), func(t *testing.T) {
			env := setupServer(t, audioExtractor())
			env.transport.open("connA")
			id := env.newSessionFor(t, "connA", false)

			env.transport.close("connA", abrupt)
			require.Equal(t, id+":"+ReasonDisconnected, env.expectEnded(t))
			require.Nil(t, env.registry.Lookup(id))
			require.True(t, env.factory.getEngine(id).isClosed())
			env.transport.expectNoMessage(t)
		})
	}

	t.Run("during extraction", func(t *testing.T) {
		releaseCh := make(chan struct{})
		var calls int
		env := setupServer(t, &fakeExtractor{
			extractFn: func(ctx context.Context, videoURL string, _ bool) ([]media.Source, error) {
				select {
				case <-releaseCh:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return []media.Source{{URL: videoURL, ExpectAudio: true}}, nil
			},
		}, WithCodeGenerator(func() (string, error) {
			calls++
			return "AAAAAA", nil
		}))
		env.transport.open("connA")
		env.transport.sendText("connA", `{"type":"newSession","videoUrl":"https://example.com/watch"}`)
		env.transport.expectNoMessage(t)

		env.transport.close("connA", true)
		close(releaseCh)

		env.transport.expectNoMessage(t)
		require.Zero(t, env.registry.Len())
		require.Zero(t, calls)
	})
}

func TestServerShutdown(t *testing.T) {
	t.Run("lets live sessions finish", func(t *testing.T) {
		env := setupServer(t, audioExtractor())
		env.transport.open("connA")
		env.transport.open("connB")
		idA := env.newSessionFor(t, "connA", false)
		idB := env.newSessionFor(t, "connB", false)
		require.Equal(t, 2, env.registry.Len())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh := make(chan error, 1)
		go func() {
			errCh <- env.server.Shutdown(ctx)
		}()
		require.Eventually(t, env.server.Draining, time.Second, 5*time.Millisecond)

		env.factory.getEngine(idA).emit(engine.Event{Kind: engine.EventEOS})
		require.Equal(t, idA+":"+ReasonFinished, env.expectEnded(t))
		require.Equal(t, 1, env.registry.Len())

		env.factory.getEngine(idB).emit(engine.Event{Kind: engine.EventPeerEnded})
		require.Equal(t, idB+":"+ReasonPeerEnded, env.expectEnded(t))

		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "timed out waiting for shutdown")
		}
		require.Zero(t, env.registry.Len())
		require.Empty(t, env.ended)
	})

	t.Run("refuses new sessions while draining", func(t *testing.T) {
		env := setupServer(t, audioExtractor())
		env.transport.open("connA")
		env.server.Drain()

		env.transport.sendText("connA", `{"type":"newSession","videoUrl":"https://example.com/watch"}`)
		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage("", ReasonShuttingDown), msg)
		require.Zero(t, env.registry.Len())
	})

	t.Run("ends what is left after the drain timeout", func(t *testing.T) {
		env := setupServer(t, audioExtractor())
		env.transport.open("connA")
		id := env.newSessionFor(t, "connA", false)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		require.NoError(t, env.server.Shutdown(ctx))
		require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
		require.Zero(t, env.registry.Len())
		require.Equal(t, id+":"+ReasonShuttingDown, env.expectEnded(t))

		msg := env.transport.expectMessage(t, "connA")
		require.Equal(t, NewSessionEndedMessage(id, ReasonShuttingDown), msg)
	})
}
