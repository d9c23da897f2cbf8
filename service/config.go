// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"

	"github.com/nodegst/playerd/logger"
	"github.com/nodegst/playerd/service/api"
	"github.com/nodegst/playerd/service/extract"
	"github.com/nodegst/playerd/service/rtc"
	"github.com/nodegst/playerd/service/signal"
	"github.com/nodegst/playerd/service/ws"
)

const defaultPort = 8001

type APIConfig struct {
	HTTP api.Config      `toml:"http"`
	WS   ws.ServerConfig `toml:"ws"`
}

func (c APIConfig) IsValid() error {
	if err := c.HTTP.IsValid(); err != nil {
		return fmt.Errorf("failed to validate http config: %w", err)
	}

	if err := c.WS.IsValid(); err != nil {
		return fmt.Errorf("failed to validate ws config: %w", err)
	}

	return nil
}

type StoreConfig struct {
	DataSource string `toml:"data_source"`
}

func (c StoreConfig) IsValid() error {
	if c.DataSource == "" {
		return fmt.Errorf("invalid DataSource value: should not be empty")
	}
	return nil
}

type Config struct {
	API       APIConfig
	RTC       rtc.ServerConfig
	Signal    signal.Config
	Extractor extract.Config
	Store     StoreConfig
	Logger    logger.Config
}

func (c Config) IsValid() error {
	if err := c.API.IsValid(); err != nil {
		return err
	}

	if err := c.RTC.IsValid(); err != nil {
		return fmt.Errorf("failed to validate rtc config: %w", err)
	}

	if err := c.Signal.IsValid(); err != nil {
		return fmt.Errorf("failed to validate signal config: %w", err)
	}

	if err := c.Extractor.IsValid(); err != nil {
		return fmt.Errorf("failed to validate extractor config: %w", err)
	}

	if err := c.Store.IsValid(); err != nil {
		return err
	}

	return c.Logger.IsValid()
}

func (c *Config) SetDefaults() {
	c.API.HTTP.ListenAddress = fmt.Sprintf(":%d", defaultPort)
	c.API.WS.SetDefaults()
	c.RTC.SetDefaults()
	c.Signal.SetDefaults()
	c.Extractor.SetDefaults()
	c.Store.DataSource = "/tmp/playerd_db"
	c.Logger.EnableConsole = true
	c.Logger.ConsoleJSON = false
	c.Logger.ConsoleLevel = "INFO"
	c.Logger.EnableFile = true
	c.Logger.FileJSON = true
	c.Logger.FileLocation = "playerd.log"
	c.Logger.FileLevel = "DEBUG"
	c.Logger.EnableColor = false
}
