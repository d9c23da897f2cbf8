// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodegst/playerd/service/random"

	"github.com/gorilla/websocket"
)

const (
	wsConnClosed int32 = iota
	wsConnOpen
	wsConnClosing
)

var ErrClientClosed = errors.New("connection is closed")

// Client is a WebSocket client for the signaling endpoint. It backs the
// service tests and any tooling that needs to drive a session by hand.
type Client struct {
	cfg       ClientConfig
	conn      *conn
	sendCh    chan Message
	receiveCh chan Message
	errorCh   chan error
	wg        sync.WaitGroup
	connState atomic.Int32

	closeErrMut sync.Mutex
	closeErr    *websocket.CloseError
}

// NewClient dials the configured URL and starts the read and write loops.
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		conn:      newConn(random.NewID(), ws),
		sendCh:    make(chan Message, sendChSize),
		receiveCh: make(chan Message, receiveChSize),
		errorCh:   make(chan error, 1),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	c.connState.Store(wsConnOpen)
	c.wg.Add(2)
	go c.connReader()
	go c.connWriter()

	return c, nil
}

func (c *Client) connReader() {
	defer func() {
		close(c.receiveCh)
		close(c.conn.closeCh)
		c.connState.Store(wsConnClosed)
		c.wg.Done()
	}()

	c.conn.ws.SetReadLimit(connMaxReadBytes)

	for {
		mt, data, err := c.conn.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.closeErrMut.Lock()
				c.closeErr = closeErr
				c.closeErrMut.Unlock()
			}
			c.sendError(fmt.Errorf("failed to read message: %w", err))
			return
		}

		var msgType MessageType
		switch mt {
		case websocket.TextMessage:
			msgType = TextMessage
		case websocket.BinaryMessage:
			msgType = BinaryMessage
		default:
			c.sendError(fmt.Errorf("unexpected message type: %d", mt))
			continue
		}

		c.receiveCh <- Message{
			ConnID: c.conn.id,
			Type:   msgType,
			Data:   data,
		}
	}
}

func (c *Client) connWriter() {
	defer c.wg.Done()

	for {
		select {
		case msg := <-c.sendCh:
			msgType := websocket.TextMessage
			if msg.Type == BinaryMessage {
				msgType = websocket.BinaryMessage
			}
			if err := c.conn.ws.SetWriteDeadline(time.Now().Add(writeWaitTime)); err != nil {
				c.sendError(fmt.Errorf("failed to set write deadline: %w", err))
			}
			if err := c.conn.ws.WriteMessage(msgType, msg.Data); err != nil {
				c.sendError(fmt.Errorf("failed to write message: %w", err))
			}
		case <-c.conn.closeCh:
			return
		}
	}
}

func (c *Client) sendError(err error) {
	if c.connState.Load() != wsConnOpen {
		return
	}
	select {
	case c.errorCh <- err:
	default:
	}
}

// Send queues a message with the given type and data.
func (c *Client) Send(mt MessageType, data []byte) error {
	if c.connState.Load() != wsConnOpen {
		return fmt.Errorf("failed to send message: %w", ErrClientClosed)
	}

	select {
	case c.sendCh <- Message{Type: mt, Data: data}:
	default:
		return fmt.Errorf("failed to send message: channel is full")
	}
	return nil
}

// SendJSON marshals v and sends it as a text message.
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.Send(TextMessage, data)
}

// ReceiveJSON waits for the next text message and unmarshals it into v.
func (c *Client) ReceiveJSON(ctx context.Context, v any) error {
	for {
		select {
		case msg, ok := <-c.receiveCh:
			if !ok {
				return ErrClientClosed
			}
			if msg.Type != TextMessage {
				continue
			}
			if err := json.Unmarshal(msg.Data, v); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReceiveCh returns the channel of messages read from the connection. It's
// closed once the connection goes away.
func (c *Client) ReceiveCh() <-chan Message {
	return c.receiveCh
}

// ErrorCh returns a channel that is used to receive client errors
// asynchronously.
func (c *Client) ErrorCh() <-chan error {
	return c.errorCh
}

// CloseError returns the close frame sent by the server, if any.
func (c *Client) CloseError() *websocket.CloseError {
	c.closeErrMut.Lock()
	defer c.closeErrMut.Unlock()
	return c.closeErr
}

// Close performs a clean close handshake and waits for the connection to be
// torn down.
func (c *Client) Close() error {
	c.connState.Store(wsConnClosing)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWaitTime))
	select {
	case <-c.conn.closeCh:
	case <-time.After(writeWaitTime):
	}
	err := c.conn.close()
	c.wg.Wait()
	return err
}

// Drop closes the underlying connection without a close handshake.
func (c *Client) Drop() error {
	c.connState.Store(wsConnClosing)
	err := c.conn.close()
	c.wg.Wait()
	return err
}
