// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/logging"
)

// Pion warnings that show up on every short lived playback session and carry
// no actionable information for us.
var quietWarnings = []string{
	"Failed to ping without candidate pairs",
	"Failed to discover mDNS candidate",
	"Failed to close dtlsTransport",
	"undeclared SSRC",
}

// pionLogger routes pion's leveled logs through mlog, tagged with the pion
// scope they come from. Pion debug output is demoted to trace and errors are
// counted per scope.
type pionLogger struct {
	log     mlog.LoggerIFace
	scope   string
	metrics Metrics
}

func (s *Server) NewLogger(scope string) logging.LeveledLogger {
	return newPionLogger(s.log, s.metrics, scope)
}

func newPionLogger(log mlog.LoggerIFace, metrics Metrics, scope string) *pionLogger {
	return &pionLogger{
		log:     log.With(mlog.String("origin", "pion/"+scope)),
		scope:   scope,
		metrics: metrics,
	}
}

func isQuietWarning(msg string) bool {
	for _, s := range quietWarnings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (log *pionLogger) Trace(msg string) {
	log.log.Trace(msg)
}

func (log *pionLogger) Tracef(format string, args ...any) {
	log.Trace(fmt.Sprintf(format, args...))
}

func (log *pionLogger) Debug(msg string) {
	log.log.Trace(msg)
}

func (log *pionLogger) Debugf(format string, args ...any) {
	log.Debug(fmt.Sprintf(format, args...))
}

func (log *pionLogger) Info(msg string) {
	log.log.Debug(msg)
}

func (log *pionLogger) Infof(format string, args ...any) {
	log.Info(fmt.Sprintf(format, args...))
}

func (log *pionLogger) Warn(msg string) {
	if isQuietWarning(msg) {
		log.log.Debug(msg)
		return
	}
	log.log.Warn(msg)
}

func (log *pionLogger) Warnf(format string, args ...any) {
	log.Warn(fmt.Sprintf(format, args...))
}

func (log *pionLogger) Error(msg string) {
	log.log.Error(msg)
	if log.metrics != nil {
		log.metrics.IncRTCErrors("pion_" + log.scope)
	}
}

func (log *pionLogger) Errorf(format string, args ...any) {
	log.Error(fmt.Sprintf(format, args...))
}
