// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package extract

import (
	"fmt"
	"time"
)

type Config struct {
	// Binary is the path (or name in $PATH) of the yt-dlp executable.
	Binary string `toml:"binary"`
	// MaxRetries is the number of times a failed extraction process is
	// retried. Zero disables retries.
	MaxRetries int `toml:"max_retries"`
	// Timeout bounds a single extraction attempt. Zero means no timeout.
	Timeout time.Duration `toml:"timeout"`
}

func (c Config) IsValid() error {
	if c.Binary == "" {
		return fmt.Errorf("invalid Binary value: should not be empty")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid MaxRetries value: should not be negative")
	}

	if c.Timeout < 0 {
		return fmt.Errorf("invalid Timeout value: should not be negative")
	}

	return nil
}

func (c *Config) SetDefaults() {
	c.Binary = "yt-dlp"
	c.MaxRetries = 2
}
