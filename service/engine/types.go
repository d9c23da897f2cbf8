// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package engine

import (
	"fmt"

	"github.com/nodegst/playerd/service/media"
)

type SDPType string

const (
	SDPTypeOffer    SDPType = "offer"
	SDPTypePranswer SDPType = "pranswer"
	SDPTypeAnswer   SDPType = "answer"
	SDPTypeRollback SDPType = "rollback"
)

func (t SDPType) IsValid() bool {
	switch t {
	case SDPTypeOffer, SDPTypePranswer, SDPTypeAnswer, SDPTypeRollback:
		return true
	}
	return false
}

type SessionDescription struct {
	Type SDPType
	SDP  string
}

type ICECandidate struct {
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}

type EventKind int

const (
	EventLocalSDP EventKind = iota + 1
	EventLocalICE
	EventPeerEnded
	EventEncoderSetup
	EventError
	EventEOS
)

func (k EventKind) String() string {
	switch k {
	case EventLocalSDP:
		return "localSDP"
	case EventLocalICE:
		return "localICE"
	case EventPeerEnded:
		return "peerEnded"
	case EventEncoderSetup:
		return "encoderSetup"
	case EventError:
		return "error"
	case EventEOS:
		return "eos"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Event is raised by an engine. Only the field matching Kind is set.
type Event struct {
	Kind      EventKind
	SDP       *SessionDescription
	Candidate *ICECandidate
	Encoder   *EncoderSetup
	Err       error
}

// EncoderSetup is raised when an encoder is ready to be configured. The
// engine waits for SetBitrate (or its own timeout) before starting to encode.
type EncoderSetup struct {
	Track media.TrackKind
	Codec string

	replyCh chan int
}

func NewEncoderSetup(track media.TrackKind, codec string) *EncoderSetup {
	return &EncoderSetup{
		Track:   track,
		Codec:   codec,
		replyCh: make(chan int, 1),
	}
}

// SetBitrate answers the setup request. Only the first call has effect.
func (e *EncoderSetup) SetBitrate(bitrate int) {
	select {
	case e.replyCh <- bitrate:
	default:
	}
}

// Reply returns the channel the engine should wait on for the bitrate.
func (e *EncoderSetup) Reply() <-chan int {
	return e.replyCh
}
