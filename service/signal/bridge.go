// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"github.com/nodegst/playerd/service/engine"
)

// Scheduler runs tasks one at a time, in the order they were posted, on the
// goroutine that owns a connection and its session. Post returns false when
// the scheduler has stopped, in which case the task is dropped.
type Scheduler interface {
	Post(task func()) bool
}

// Owner receives the outgoing signaling of a session. It's only called from
// the session's scheduler.
type Owner interface {
	SendSDP(sessionID string, desc engine.SessionDescription)
	SendICE(sessionID string, candidate engine.ICECandidate)
	SessionEnded(sessionID string, reason string)
}

type Metrics interface {
	IncSessions()
	DecSessions()
	IncSessionEnds(reason string)
	IncProtocolErrors(code string)
	IncExtractions(result string)
	IncWSConnections()
	DecWSConnections()
	IncWSMessages(msgType, direction string)
}
