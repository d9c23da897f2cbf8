// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"fmt"
	"net"

	"github.com/nodegst/playerd/service/engine"
	"github.com/nodegst/playerd/service/media"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

// Server owns the network resources shared by every peer connection and
// builds a pipeline per session.
type Server struct {
	cfg     ServerConfig
	log     mlog.LoggerIFace
	metrics Metrics

	udpConn  net.PacketConn
	udpMux   ice.UDPMux
	publicIP string

	newReader readerFactory
}

func NewServer(cfg ServerConfig, log mlog.LoggerIFace, metrics Metrics) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics should not be nil")
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
	}
	s.newReader = newFFmpegReaderFactory(cfg.FFmpegPath, log)

	return s, nil
}

func (s *Server) Start() error {
	if s.cfg.ICEHostOverride == "" {
		if stunURL := s.cfg.ICEServers.getSTUN(); stunURL != "" {
			conn, err := net.ListenPacket("udp4", ":0")
			if err != nil {
				return fmt.Errorf("failed to listen on udp: %w", err)
			}
			addr, err := getPublicIP(conn, stunURL)
			conn.Close()
			if err != nil {
				return fmt.Errorf("failed to get public IP address: %w", err)
			}
			s.publicIP = addr
			s.log.Info("rtc: got public IP address", mlog.String("addr", addr))
		}
	}

	listenAddress := net.JoinHostPort(s.cfg.ICEAddressUDP, fmt.Sprintf("%d", s.cfg.ICEPortUDP))
	conns, err := createUDPConns(s.log, "udp4", listenAddress, s.cfg.UDPSocketsCount)
	if err != nil {
		return fmt.Errorf("failed to create udp conns: %w", err)
	}

	s.udpConn, err = newMultiConn(conns)
	if err != nil {
		for _, conn := range conns {
			conn.Close()
		}
		return fmt.Errorf("failed to create multiconn: %w", err)
	}

	s.udpMux = webrtc.NewICEUDPMux(s.NewLogger("ice_mux"), s.udpConn)

	return nil
}

func (s *Server) Stop() error {
	if s.udpMux != nil {
		if err := s.udpMux.Close(); err != nil {
			return fmt.Errorf("failed to close udp mux: %w", err)
		}
	}

	if s.udpConn != nil {
		if err := s.udpConn.Close(); err != nil {
			return fmt.Errorf("failed to close udp conn: %w", err)
		}
	}

	s.log.Info("rtc: server was shutdown")

	return nil
}

// NewEngine creates the peer connection for a session along with one
// outgoing track per planned track.
func (s *Server) NewEngine(sessionID string, plan media.Plan) (engine.Engine, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("invalid sessionID: should not be empty")
	}
	if plan.TrackCount() == 0 {
		return nil, fmt.Errorf("invalid plan: no tracks")
	}

	api, err := s.newAPI(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtc api: %w", err)
	}

	iceServers, err := genICEServers(s.cfg.ICEServers, s.cfg.TURNConfig, sessionID)
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   iceServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p, err := newPipeline(pipelineConfig{
		sessionID:    sessionID,
		plan:         plan,
		pc:           pc,
		log:          s.log.With(mlog.String("sessionID", sessionID)),
		metrics:      s.metrics,
		newReader:    s.newReader,
		setupTimeout: s.cfg.encoderSetupTimeout(),
	})
	if err != nil {
		if closeErr := pc.Close(); closeErr != nil {
			s.log.Error("failed to close peer connection", mlog.Err(closeErr))
		}
		return nil, err
	}

	return p, nil
}

func (s *Server) newAPI(plan media.Plan) (*webrtc.API, error) {
	sEngine, err := s.initSettingEngine()
	if err != nil {
		return nil, err
	}

	m, err := initMediaEngine(plan)
	if err != nil {
		return nil, err
	}

	i, err := initInterceptors(m)
	if err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(sEngine),
		webrtc.WithInterceptorRegistry(i),
	), nil
}
