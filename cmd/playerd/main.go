// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nodegst/playerd/logger"
	"github.com/nodegst/playerd/service"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.toml", "Path to the configuration file for the playerd service.")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("playerd: failed to load config: %s", err.Error())
	}

	if err := cfg.IsValid(); err != nil {
		log.Fatalf("playerd: failed to validate config: %s", err.Error())
	}

	logger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("playerd: failed to init logger: %s", err.Error())
	}
	defer func() {
		if err := logger.Shutdown(); err != nil {
			log.Printf("playerd: failed to shutdown logger: %s", err.Error())
		}
	}()

	service, err := service.New(cfg, logger)
	if err != nil {
		logger.Critical("failed to create service", mlog.Err(err))
		return
	}

	if err := service.Start(); err != nil {
		logger.Critical("failed to start service", mlog.Err(err))
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	logger.Info("playerd: shutting down", mlog.String("signal", s.String()))

	if err := service.Stop(); err != nil {
		logger.Error("failed to stop service", mlog.Err(err))
	}
}
