// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nodegst/playerd/service/api"
	"github.com/nodegst/playerd/service/engine"
	"github.com/nodegst/playerd/service/extract"
	"github.com/nodegst/playerd/service/perf"
	"github.com/nodegst/playerd/service/rtc"
	"github.com/nodegst/playerd/service/signal"
	"github.com/nodegst/playerd/service/store"
	"github.com/nodegst/playerd/service/ws"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/prometheus/procfs"
)

type Service struct {
	cfg          Config
	apiServer    *api.Server
	wsServer     *ws.Server
	rtcServer    *rtc.Server
	signalServer *signal.Server
	registry     *signal.Registry
	extractor    extract.Extractor
	factory      engine.Factory
	store        store.Store
	journal      *store.Journal
	metrics      *perf.Metrics
	log          mlog.LoggerIFace
	proc         procfs.FS
}

func New(cfg Config, log mlog.LoggerIFace, opts ...Option) (*Service, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}

	s := &Service{
		log:     log,
		cfg:     cfg,
		metrics: perf.NewMetrics("playerd", nil),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	var err error
	s.proc, err = procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to get proc fs: %w", err)
	}

	s.store, err = store.New(cfg.Store.DataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	s.journal, err = store.NewJournal(s.store)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}

	s.apiServer, err = api.NewServer(cfg.API.HTTP, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create api server: %w", err)
	}

	s.wsServer, err = ws.NewServer(cfg.API.WS, log, ws.WithUpgradeCb(s.wsUpgradeHandler))
	if err != nil {
		return nil, fmt.Errorf("failed to create ws server: %w", err)
	}

	s.rtcServer, err = rtc.NewServer(cfg.RTC, log, s.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtc server: %w", err)
	}
	if s.factory == nil {
		s.factory = s.rtcServer
	}

	if s.extractor == nil {
		s.extractor, err = extract.NewYTDLP(cfg.Extractor, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create extractor: %w", err)
		}
	}

	s.registry, err = signal.NewRegistry(s.factory, log,
		signal.WithEOSDelay(cfg.Signal.EOSDelay()),
		signal.WithMaxIDAttempts(cfg.Signal.MaxIDAttempts),
		signal.WithEndedCb(s.onSessionEnded),
		signal.WithMetrics(s.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	s.signalServer, err = signal.NewServer(cfg.Signal, log, s.wsServer, s.registry, s.extractor, s.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create signal server: %w", err)
	}

	s.apiServer.RegisterHandleFunc("/version", s.getVersion)
	s.apiServer.RegisterHandleFunc("/system", s.getSystemInfo)
	s.apiServer.RegisterHandleFunc("/stats", s.getStats)
	s.apiServer.RegisterHandleFunc("/sessions", s.getSessions)
	s.apiServer.RegisterHandleFunc("/sessions/{id}", s.getSession)
	s.apiServer.RegisterHandler("/metrics", s.metrics.Handler())
	s.apiServer.RegisterHandler("/ws", s.wsServer)

	return s, nil
}

func (s *Service) Start() error {
	v := getVersionInfo()
	v.Tools = s.tools()
	s.log.Info("playerd: starting up", v.logFields()...)
	for _, t := range v.Tools {
		if !t.Available {
			s.log.Warn("external tool not found, sessions will fail", mlog.String("tool", t.Name), mlog.String("path", t.Path))
		}
	}

	if err := s.rtcServer.Start(); err != nil {
		return fmt.Errorf("failed to start rtc server: %w", err)
	}

	s.signalServer.Start()

	if err := s.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop drains live sessions for up to the configured shutdown timeout, ends
// the ones left, then tears down every server.
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Signal.ShutdownTimeout())
	defer cancel()

	if err := s.signalServer.Shutdown(ctx); err != nil {
		s.log.Warn("failed to end all sessions", mlog.Err(err))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := s.apiServer.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop API server: %w", err)
	}

	s.wsServer.Close()
	s.signalServer.Wait()

	if err := s.rtcServer.Stop(); err != nil {
		return fmt.Errorf("failed to stop rtc server: %w", err)
	}

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	return nil
}

func (s *Service) wsUpgradeHandler(connID string, w http.ResponseWriter, _ *http.Request) error {
	if s.signalServer.Draining() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return fmt.Errorf("refusing connection %s: server is shutting down", connID)
	}
	return nil
}

func (s *Service) onSessionEnded(info signal.SessionInfo, reason string, endedAt time.Time) {
	rec := store.SessionRecord{
		ID:        info.ID,
		Class:     string(info.Class),
		Sources:   info.Sources,
		CreatedAt: info.CreatedAt.UnixMilli(),
		EndedAt:   endedAt.UnixMilli(),
		Reason:    reason,
	}
	if err := s.journal.Record(rec); err != nil {
		s.log.Error("failed to record session", mlog.String("sessionID", info.ID), mlog.Err(err))
	}
}
