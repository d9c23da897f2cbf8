// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const certCheckInterval = 30 * time.Second

// certReloader serves the configured key pair and picks up renewed files
// without a restart. Files are stat'ed at most once per checkInterval.
type certReloader struct {
	certFile      string
	keyFile       string
	log           mlog.LoggerIFace
	checkInterval time.Duration

	mut       sync.Mutex
	cert      *tls.Certificate
	modTime   time.Time
	lastCheck time.Time
}

func newCertReloader(certFile, keyFile string, log mlog.LoggerIFace) *certReloader {
	return &certReloader{
		certFile:      certFile,
		keyFile:       keyFile,
		log:           log,
		checkInterval: certCheckInterval,
	}
}

func (r *certReloader) latestModTime() (time.Time, error) {
	var latest time.Time
	for _, name := range []string{r.certFile, r.keyFile} {
		info, err := os.Stat(name)
		if err != nil {
			return time.Time{}, err
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}

func (r *certReloader) load() error {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.loadLocked()
}

func (r *certReloader) loadLocked() error {
	modTime, err := r.latestModTime()
	if err != nil {
		return fmt.Errorf("failed to stat cert files: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load cert files: %w", err)
	}
	r.cert = &cert
	r.modTime = modTime
	r.lastCheck = time.Now()
	return nil
}

func (r *certReloader) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.cert == nil {
		if err := r.loadLocked(); err != nil {
			return nil, err
		}
		return r.cert, nil
	}

	if time.Since(r.lastCheck) < r.checkInterval {
		return r.cert, nil
	}
	r.lastCheck = time.Now()

	modTime, err := r.latestModTime()
	if err != nil {
		r.log.Warn("api: failed to check cert files, serving previous cert", mlog.Err(err))
		return r.cert, nil
	}
	if !modTime.After(r.modTime) {
		return r.cert, nil
	}

	// A half written renewal keeps the previous pair in place.
	if err := r.loadLocked(); err != nil {
		r.log.Warn("api: failed to reload cert files, serving previous cert", mlog.Err(err))
		return r.cert, nil
	}
	r.log.Info("api: reloaded TLS certificate", mlog.String("certFile", r.certFile))

	return r.cert, nil
}
