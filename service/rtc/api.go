// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"fmt"
	"strings"

	"github.com/nodegst/playerd/service/media"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

const (
	nackResponderBufferSize = 256
)

var (
	videoRTCPFeedback = []webrtc.RTCPFeedback{
		{Type: "goog-remb", Parameter: ""},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack", Parameter: ""},
		{Type: "nack", Parameter: "pli"},
	}
	rtpAudioCodec = webrtc.RTPCodecCapability{
		MimeType:     webrtc.MimeTypeOpus,
		ClockRate:    48000,
		Channels:     2,
		SDPFmtpLine:  "minptime=10;useinbandfec=1",
		RTCPFeedback: nil,
	}
	rtpVideoCodecs = map[string]webrtc.RTPCodecParameters{
		webrtc.MimeTypeVP9: {
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP9,
				ClockRate:    90000,
				SDPFmtpLine:  "profile-id=0",
				RTCPFeedback: videoRTCPFeedback,
			},
			PayloadType: 98,
		},
		webrtc.MimeTypeVP8: {
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				RTCPFeedback: videoRTCPFeedback,
			},
			PayloadType: 96,
		},
		webrtc.MimeTypeH264: {
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoRTCPFeedback,
			},
			PayloadType: 102,
		},
	}
)

func (s *Server) initSettingEngine() (webrtc.SettingEngine, error) {
	sEngine := webrtc.SettingEngine{
		LoggerFactory: s,
	}
	sEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	networkTypes := []webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
	}
	if s.cfg.EnableIPv6 {
		networkTypes = append(networkTypes, webrtc.NetworkTypeUDP6)
	}
	sEngine.SetNetworkTypes(networkTypes)
	if s.udpMux != nil {
		sEngine.SetICEUDPMux(s.udpMux)
	}
	sEngine.SetIncludeLoopbackCandidate(true)

	hostOverride := s.cfg.ICEHostOverride
	if hostOverride == "" {
		hostOverride = s.publicIP
	}
	if hostOverride != "" {
		s.log.Debug("rtc: using host override", mlog.String("addr", hostOverride))
		sEngine.SetNAT1To1IPs([]string{hostOverride}, webrtc.ICECandidateTypeHost)
	}

	return sEngine, nil
}

// initMediaEngine registers only the codecs the plan allows so that the
// offer never advertises something we can't encode.
func initMediaEngine(plan media.Plan) (*webrtc.MediaEngine, error) {
	var m webrtc.MediaEngine

	if plan.HasVideo() {
		for _, mimeType := range plan.Video.Codecs {
			params, ok := rtpVideoCodecs[mimeType]
			if !ok {
				return nil, fmt.Errorf("unsupported video codec %q", mimeType)
			}
			if err := m.RegisterCodec(params, webrtc.RTPCodecTypeVideo); err != nil {
				return nil, err
			}
		}
	}

	if plan.HasAudio() {
		if err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: rtpAudioCodec,
			PayloadType:        111,
		}, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, err
		}
	}

	return &m, nil
}

func initInterceptors(m *webrtc.MediaEngine) (*interceptor.Registry, error) {
	var i interceptor.Registry

	// NACK
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, err
	}
	responder, err := nack.NewResponderInterceptor(nack.ResponderSize(nackResponderBufferSize))
	if err != nil {
		return nil, err
	}
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"}, webrtc.RTPCodecTypeVideo)
	i.Add(responder)
	i.Add(generator)

	// RTCP Reports
	if err := webrtc.ConfigureRTCPReports(&i); err != nil {
		return nil, err
	}

	// TWCC
	if err := webrtc.ConfigureTWCCSender(m, &i); err != nil {
		return nil, err
	}

	return &i, nil
}

// negotiatedVideoCodec returns the first of the preferred mime types that
// the remote description accepts for video. An empty string means video was
// rejected or the description has no video section.
func negotiatedVideoCodec(remoteSDP string, prefs []string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(remoteSDP)); err != nil {
		return "", fmt.Errorf("failed to parse sdp: %w", err)
	}

	accepted := map[string]bool{}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" || md.MediaName.Port.Value == 0 {
			continue
		}
		for _, attr := range md.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			// e.g. "96 VP8/90000"
			fields := strings.Fields(attr.Value)
			if len(fields) != 2 {
				continue
			}
			name, _, _ := strings.Cut(fields[1], "/")
			accepted[strings.ToLower("video/"+name)] = true
		}
	}

	for _, mimeType := range prefs {
		if accepted[strings.ToLower(mimeType)] {
			return mimeType, nil
		}
	}

	return "", nil
}
