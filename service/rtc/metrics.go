// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

type Metrics interface {
	IncRTCConnState(state string)
	IncRTCErrors(errType string)
	IncRTPPackets(trackType string)
	AddRTPPacketBytes(trackType string, value int)
	IncRTCPPackets(pktType string)
}
