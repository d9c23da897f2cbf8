// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package logger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	defaultFileMaxSizeMB = 100
	targetMaxQueueSize   = 1000
)

func getLevels(level string) []mlog.Level {
	var levels []mlog.Level
	for _, l := range mlog.StdAll {
		levels = append(levels, l)
		if l.Name == strings.ToLower(level) {
			break
		}
	}
	return levels
}

// targetFormat returns the mlog format name and options for a target.
func targetFormat(asJSON, color bool) (string, json.RawMessage) {
	if asJSON {
		return "json", json.RawMessage(`{"enable_caller": true}`)
	}
	return "plain", json.RawMessage(fmt.Sprintf(`{"delim": " ", "min_level_len": 5, "min_msg_len": 45, "enable_color": %t, "enable_caller": true}`, color))
}

func targetsFromConfig(config Config) (mlog.LoggerConfiguration, error) {
	cfg := mlog.LoggerConfiguration{}

	if config.EnableConsole {
		format, formatOpts := targetFormat(config.ConsoleJSON, config.EnableColor)
		cfg["_defConsole"] = mlog.TargetCfg{
			Type:          "console",
			Levels:        getLevels(config.ConsoleLevel),
			Options:       json.RawMessage(`{"out": "stdout"}`),
			Format:        format,
			FormatOptions: formatOpts,
			MaxQueueSize:  targetMaxQueueSize,
		}
	}

	if config.EnableFile {
		maxSize := config.FileMaxSizeMB
		if maxSize == 0 {
			maxSize = defaultFileMaxSizeMB
		}

		opts, err := json.Marshal(map[string]any{
			"filename":    config.FileLocation,
			"max_size":    maxSize,
			"max_age":     0,
			"max_backups": config.FileMaxBackups,
			"compress":    true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode file target options: %w", err)
		}

		format, formatOpts := targetFormat(config.FileJSON, false)
		cfg["_defFile"] = mlog.TargetCfg{
			Type:          "file",
			Levels:        getLevels(config.FileLevel),
			Options:       opts,
			Format:        format,
			FormatOptions: formatOpts,
			MaxQueueSize:  targetMaxQueueSize,
		}
	}

	return cfg, nil
}

// New returns a newly created and initialized logger with the given cfg.
func New(config Config) (*mlog.Logger, error) {
	if err := config.IsValid(); err != nil {
		return nil, err
	}

	targets, err := targetsFromConfig(config)
	if err != nil {
		return nil, err
	}

	logger, err := mlog.NewLogger()
	if err != nil {
		return nil, err
	}

	if err := logger.ConfigureTargets(targets, nil); err != nil {
		_ = logger.Shutdown()
		return nil, err
	}

	return logger, nil
}
