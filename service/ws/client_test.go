// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	server, addr, shutdown := setupServer(t)
	defer shutdown()

	t.Run("invalid config", func(t *testing.T) {
		c, err := NewClient(ClientConfig{})
		require.Error(t, err)
		require.Nil(t, c)
	})

	t.Run("dial failure", func(t *testing.T) {
		c, err := NewClient(ClientConfig{URL: "ws://localhost:1/ws", DialTimeout: time.Second})
		require.Error(t, err)
		require.Nil(t, c)
	})

	t.Run("valid config", func(t *testing.T) {
		c, err := NewClient(ClientConfig{URL: wsURL(t, addr)})
		require.NoError(t, err)
		require.NotNil(t, c)

		msg, ok := <-server.ReceiveCh()
		require.True(t, ok)
		require.NotEmpty(t, msg.ConnID)
		require.Equal(t, OpenMessage, msg.Type)

		err = c.Close()
		require.NoError(t, err)

		msg, ok = <-server.ReceiveCh()
		require.True(t, ok)
		require.NotEmpty(t, msg.ConnID)
		require.Equal(t, CloseMessage, msg.Type)

		require.ErrorIs(t, c.Send(TextMessage, []byte("data")), ErrClientClosed)
	})
}

func TestClientHeader(t *testing.T) {
	originCh := make(chan string, 1)
	upgradeCb := func(_ string, _ http.ResponseWriter, r *http.Request) error {
		originCh <- r.Header.Get("Origin")
		return nil
	}

	_, addr, shutdown := setupServer(t, WithUpgradeCb(upgradeCb))
	defer shutdown()

	c, closeClient := setupClientWithConfig(t, ClientConfig{
		URL:    wsURL(t, addr),
		Header: http.Header{"Origin": []string{"https://player.example.com"}},
	})
	defer closeClient()

	require.NotNil(t, c)
	require.Equal(t, "https://player.example.com", <-originCh)
}

func TestClientJSON(t *testing.T) {
	s, addr, shutdown := setupServer(t)
	defer shutdown()

	c, closeClient := setupClient(t, addr)
	defer closeClient()

	openMsg := <-s.ReceiveCh()
	require.Equal(t, OpenMessage, openMsg.Type)

	type payload struct {
		Type      string `json:"type"`
		WantVideo bool   `json:"wantVideo"`
	}

	t.Run("send", func(t *testing.T) {
		require.NoError(t, c.SendJSON(payload{Type: "newSession", WantVideo: true}))
		msg := <-s.ReceiveCh()
		require.Equal(t, TextMessage, msg.Type)
		require.JSONEq(t, `{"type":"newSession","wantVideo":true}`, string(msg.Data))
	})

	t.Run("marshal failure", func(t *testing.T) {
		require.Error(t, c.SendJSON(make(chan int)))
	})

	t.Run("receive skips binary", func(t *testing.T) {
		require.NoError(t, s.Send(Message{ConnID: openMsg.ConnID, Type: BinaryMessage, Data: []byte{0x01}}))
		require.NoError(t, s.Send(Message{ConnID: openMsg.ConnID, Type: TextMessage, Data: []byte(`{"type":"sessionConnected"}`)}))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var p payload
		require.NoError(t, c.ReceiveJSON(ctx, &p))
		require.Equal(t, "sessionConnected", p.Type)
	})

	t.Run("receive timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		var p payload
		require.ErrorIs(t, c.ReceiveJSON(ctx, &p), context.DeadlineExceeded)
	})
}

func TestClientCloseError(t *testing.T) {
	s, addr, shutdown := setupServer(t)
	defer shutdown()

	c, err := NewClient(ClientConfig{URL: wsURL(t, addr)})
	require.NoError(t, err)
	defer c.Drop()

	openMsg := <-s.ReceiveCh()
	require.Nil(t, c.CloseError())

	require.NoError(t, s.Send(Message{
		ConnID: openMsg.ConnID,
		Type:   CloseMessage,
		Data:   websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
	}))

	var p struct{}
	require.ErrorIs(t, c.ReceiveJSON(context.Background(), &p), ErrClientClosed)

	closeErr := c.CloseError()
	require.NotNil(t, closeErr)
	require.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	require.Equal(t, "shutting down", closeErr.Text)
}
