// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

type MessageType int

const (
	TextMessage MessageType = iota + 1
	BinaryMessage
	OpenMessage
	CloseMessage
)

type Message struct {
	ConnID string
	Type   MessageType
	Data   []byte
	// Abrupt is only meaningful for CloseMessage. It's set when the
	// connection went away without a close handshake.
	Abrupt bool
}

func newOpenMessage(connID string) Message {
	return Message{
		ConnID: connID,
		Type:   OpenMessage,
	}
}

func newCloseMessage(connID string, abrupt bool) Message {
	return Message{
		ConnID: connID,
		Type:   CloseMessage,
		Abrupt: abrupt,
	}
}
