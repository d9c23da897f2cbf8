// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"fmt"
	"time"
)

type Config struct {
	// MaxIDAttempts caps how many codes are generated when looking for a
	// free session id before giving up.
	MaxIDAttempts int `toml:"max_id_attempts"`
	// EOSDelayMs is how long a session stays up after its media has been
	// fully sent so the client can play what it has buffered.
	EOSDelayMs int `toml:"eos_delay_ms"`
	// ShutdownTimeoutSec bounds how long the server waits for live sessions
	// to end when shutting down.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec"`
	// MessageRateLimit is the number of client messages per second a single
	// connection is allowed to send.
	MessageRateLimit float64 `toml:"message_rate_limit"`
	MessageBurst     int     `toml:"message_burst"`
}

func (c Config) IsValid() error {
	if c.MaxIDAttempts <= 0 {
		return fmt.Errorf("invalid MaxIDAttempts value: should be greater than zero")
	}

	if c.EOSDelayMs < 0 {
		return fmt.Errorf("invalid EOSDelayMs value: should not be negative")
	}

	if c.ShutdownTimeoutSec < 0 {
		return fmt.Errorf("invalid ShutdownTimeoutSec value: should not be negative")
	}

	if c.MessageRateLimit <= 0 {
		return fmt.Errorf("invalid MessageRateLimit value: should be greater than zero")
	}

	if c.MessageBurst <= 0 {
		return fmt.Errorf("invalid MessageBurst value: should be greater than zero")
	}

	return nil
}

func (c *Config) SetDefaults() {
	c.MaxIDAttempts = defaultMaxIDAttempts
	c.EOSDelayMs = int(defaultEOSDelay / time.Millisecond)
	c.ShutdownTimeoutSec = 30
	c.MessageRateLimit = 20
	c.MessageBurst = 40
}

func (c Config) EOSDelay() time.Duration {
	return time.Duration(c.EOSDelayMs) * time.Millisecond
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}
