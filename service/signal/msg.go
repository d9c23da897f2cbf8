// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/nodegst/playerd/service/engine"

	"github.com/pion/sdp/v3"
)

type MessageType string

const (
	NewSessionMessage       MessageType = "newSession"
	ResumeSessionMessage    MessageType = "resumeSession"
	EndSessionMessage       MessageType = "endSession"
	SessionConnectedMessage MessageType = "sessionConnected"
	SessionEndedMessage     MessageType = "sessionEnded"
	ICECandidateMessage     MessageType = "iceCandidate"
	NewSDPMessage           MessageType = "newSdp"
	ProtocolErrorMessage    MessageType = "protocolError"
)

type ProtocolErrorCode string

const (
	ProtocolErrorMalformed         ProtocolErrorCode = "malformedMessage"
	ProtocolErrorNoSession         ProtocolErrorCode = "noSession"
	ProtocolErrorRateLimited       ProtocolErrorCode = "rateLimited"
	ProtocolErrorNegotiationFailed ProtocolErrorCode = "negotiationFailed"
)

func (c ProtocolErrorCode) IsValid() bool {
	switch c {
	case ProtocolErrorMalformed, ProtocolErrorNoSession, ProtocolErrorRateLimited, ProtocolErrorNegotiationFailed:
		return true
	}
	return false
}

// ProtocolError is returned to the client whenever one of its messages could
// not be accepted.
type ProtocolError struct {
	Code   ProtocolErrorCode
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func newMalformedError(format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Code:   ProtocolErrorMalformed,
		Reason: fmt.Sprintf(format, args...),
	}
}

type CandidateData struct {
	Candidate        *string `json:"candidate,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c CandidateData) toEngine() engine.ICECandidate {
	var candidate string
	if c.Candidate != nil {
		candidate = *c.Candidate
	}
	return engine.ICECandidate{
		Candidate:        candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type SDPData struct {
	Type engine.SDPType `json:"type"`
	SDP  *string        `json:"sdp,omitempty"`
}

func (d SDPData) toEngine() engine.SessionDescription {
	desc := engine.SessionDescription{
		Type: d.Type,
	}
	if d.SDP != nil {
		desc.SDP = *d.SDP
	}
	return desc
}

// Message is a signaling message. Which fields are set depends on Type.
type Message struct {
	Type      MessageType       `json:"type"`
	VideoURL  string            `json:"videoUrl,omitempty"`
	WantVideo *bool             `json:"wantVideo,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Code      ProtocolErrorCode `json:"code,omitempty"`
	Candidate *CandidateData    `json:"candidate,omitempty"`
	SDP       *SDPData          `json:"sdp,omitempty"`
}

func NewSessionConnectedMessage(sessionID string) Message {
	return Message{
		Type:      SessionConnectedMessage,
		SessionID: sessionID,
	}
}

func NewSessionEndedMessage(sessionID, reason string) Message {
	return Message{
		Type:      SessionEndedMessage,
		SessionID: sessionID,
		Reason:    reason,
	}
}

func NewICECandidateMessage(c engine.ICECandidate) Message {
	candidate := c.Candidate
	return Message{
		Type: ICECandidateMessage,
		Candidate: &CandidateData{
			Candidate:        &candidate,
			SDPMLineIndex:    c.SDPMLineIndex,
			SDPMid:           c.SDPMid,
			UsernameFragment: c.UsernameFragment,
		},
	}
}

func NewDescriptionMessage(desc engine.SessionDescription) Message {
	data := &SDPData{
		Type: desc.Type,
	}
	if desc.Type != engine.SDPTypeRollback {
		sdp := desc.SDP
		data.SDP = &sdp
	}
	return Message{
		Type: NewSDPMessage,
		SDP:  data,
	}
}

func NewProtocolErrorMessage(err *ProtocolError) Message {
	return Message{
		Type:   ProtocolErrorMessage,
		Code:   err.Code,
		Reason: err.Reason,
	}
}

func (m Message) IsValid() error {
	switch m.Type {
	case "":
		return newMalformedError("missing message type")
	case NewSessionMessage:
		return validateVideoURL(m.VideoURL)
	case ResumeSessionMessage, SessionConnectedMessage:
		if m.SessionID == "" {
			return newMalformedError("missing sessionId")
		}
	case EndSessionMessage:
	case SessionEndedMessage:
		if m.Reason == "" {
			return newMalformedError("missing reason")
		}
	case ICECandidateMessage:
		if m.Candidate == nil {
			return newMalformedError("missing candidate")
		}
	case NewSDPMessage:
		return validateSDP(m.SDP)
	case ProtocolErrorMessage:
		if !m.Code.IsValid() {
			return newMalformedError("invalid code %q", m.Code)
		}
	default:
		return newMalformedError("unknown message type %q", m.Type)
	}

	return nil
}

func validateVideoURL(videoURL string) error {
	if videoURL == "" {
		return newMalformedError("missing videoUrl")
	}

	u, err := url.Parse(videoURL)
	if err != nil {
		return newMalformedError("invalid videoUrl: %s", err.Error())
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return newMalformedError("invalid videoUrl: should be an absolute http(s) URL")
	}

	return nil
}

func validateSDP(data *SDPData) error {
	if data == nil {
		return newMalformedError("missing sdp")
	}

	if !data.Type.IsValid() {
		return newMalformedError("invalid sdp type %q", data.Type)
	}

	if data.Type == engine.SDPTypeRollback {
		return nil
	}

	if data.SDP == nil || *data.SDP == "" {
		return newMalformedError("missing sdp payload for %s", data.Type)
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(*data.SDP)); err != nil {
		return newMalformedError("invalid sdp payload: %s", err.Error())
	}

	return nil
}

// ParseMessage decodes and validates a signaling message. Any failure is
// returned as a *ProtocolError.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, newMalformedError("invalid JSON: %s", err.Error())
	}

	if err := msg.IsValid(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (m Message) Pack() ([]byte, error) {
	return json.Marshal(&m)
}

func asProtocolError(err error) *ProtocolError {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr
	}
	return newMalformedError("%s", err.Error())
}
