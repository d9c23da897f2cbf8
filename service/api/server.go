// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

type Server struct {
	cfg      Config
	listener net.Listener
	srv      *http.Server
	mux      *http.ServeMux
	log      mlog.LoggerIFace
	certs    *certReloader

	mut     sync.Mutex
	started bool
	doneCh  chan struct{}
}

func NewServer(cfg Config, log mlog.LoggerIFace) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}

	mux := http.NewServeMux()
	s := &Server{
		srv: &http.Server{
			Addr:        cfg.ListenAddress,
			ReadTimeout: 30 * time.Second,
			// Long lived WebSocket connections are hijacked so this only
			// applies to regular requests. The /system handler samples for a
			// second before replying.
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  30 * time.Second,
			Handler:      mux,
		},
		log:    log,
		cfg:    cfg,
		mux:    mux,
		doneCh: make(chan struct{}),
	}

	if cfg.TLS.Enable {
		s.certs = newCertReloader(cfg.TLS.CertFile, cfg.TLS.CertKey, log)
		s.srv.TLSConfig = &tls.Config{
			MinVersion:       tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{tls.CurveP256},
			GetCertificate:   s.certs.GetCertificate,
		}
	}

	if cfg.EnableProfiling {
		s.registerProfiling()
	}

	return s, nil
}

// Start binds the listener and serves in the background. A server can only
// be started once.
func (s *Server) Start() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	if s.certs != nil {
		if err := s.certs.load(); err != nil {
			return err
		}
	}

	var err error
	s.listener, err = net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.started = true

	s.log.Info("api: server is listening on " + s.listener.Addr().String())

	go func() {
		defer close(s.doneCh)
		var err error
		if s.certs != nil {
			s.log.Debug("api: serving with tls")
			// Certificates come from GetCertificate.
			err = s.srv.ServeTLS(s.listener, "", "")
		} else {
			s.log.Debug("api: serving plaintext")
			err = s.srv.Serve(s.listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Critical("error starting HTTP server", mlog.Err(err))
		}
	}()

	return nil
}

// Stop closes the listener and waits for in-flight requests to complete or
// for ctx to be done. Hijacked connections are not tracked.
func (s *Server) Stop(ctx context.Context) error {
	s.mut.Lock()
	started := s.started
	s.mut.Unlock()

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	if started {
		select {
		case <-s.doneCh:
		case <-ctx.Done():
			return fmt.Errorf("failed to shutdown server: %w", ctx.Err())
		}
	}
	s.log.Info("api: server was shutdown")
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
