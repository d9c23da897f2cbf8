// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package engine defines the contract between the signaling core and the
// media pipeline executing a topology plan.
package engine

import (
	"github.com/nodegst/playerd/service/media"
)

// Engine is a running media pipeline for a single session. Implementations
// raise events from their own goroutines through the channel returned by
// Events. Once Close returns no more events are sent and the channel is
// closed.
type Engine interface {
	// Start kicks off negotiation. The engine is expected to produce a local
	// offer as a result.
	Start() error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(candidate ICECandidate) error
	Events() <-chan Event
	Close() error
}

// Factory builds engines executing the given plan.
type Factory interface {
	NewEngine(sessionID string, plan media.Plan) (Engine, error)
}
