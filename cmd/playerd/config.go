// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"

	"github.com/nodegst/playerd/service"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "playerd"

// platformEnv holds settings commonly injected by hosting platforms which
// don't follow the service prefix.
type platformEnv struct {
	Port int `envconfig:"PORT"`
}

// loadConfig returns a service.Config made of the defaults, overridden by the
// config file if one exists at path, overridden in turn by any environment
// variables matching a specific setting.
func loadConfig(path string) (service.Config, error) {
	var cfg service.Config
	cfg.SetDefaults()

	if path != "" {
		_, err := toml.DecodeFile(path, &cfg)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to process env: %w", err)
	}

	var penv platformEnv
	if err := envconfig.Process("", &penv); err != nil {
		return cfg, fmt.Errorf("failed to process env: %w", err)
	}
	if penv.Port != 0 {
		host, _, err := net.SplitHostPort(cfg.API.HTTP.ListenAddress)
		if err != nil {
			return cfg, fmt.Errorf("failed to parse listen address: %w", err)
		}
		cfg.API.HTTP.ListenAddress = net.JoinHostPort(host, strconv.Itoa(penv.Port))
	}

	return cfg, nil
}
