// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"os"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

func copyFile(t *testing.T, src, dst string, modTime time.Time) {
	t.Helper()
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, data, 0600))
	require.NoError(t, os.Chtimes(dst, modTime, modTime))
}

func TestCertReloader(t *testing.T) {
	log, err := mlog.NewLogger()
	require.NoError(t, err)
	defer func() {
		require.NoError(t, log.Shutdown())
	}()

	t.Run("missing files", func(t *testing.T) {
		r := newCertReloader("/nonexistent/cert.pem", "/nonexistent/key.pem", log)
		require.Error(t, r.load())
		cert, err := r.GetCertificate(nil)
		require.Error(t, err)
		require.Nil(t, cert)
	})

	t.Run("reload on change", func(t *testing.T) {
		certFile, keyFile := writeTestCert(t)
		r := newCertReloader(certFile, keyFile, log)
		require.NoError(t, r.load())

		first, err := r.GetCertificate(nil)
		require.NoError(t, err)
		require.NotNil(t, first)

		newCert, newKey := writeTestCert(t)
		future := time.Now().Add(time.Minute)
		copyFile(t, newCert, certFile, future)
		copyFile(t, newKey, keyFile, future)

		cached, err := r.GetCertificate(nil)
		require.NoError(t, err)
		require.Equal(t, first.Certificate, cached.Certificate)

		r.checkInterval = 0
		second, err := r.GetCertificate(nil)
		require.NoError(t, err)
		require.NotEqual(t, first.Certificate, second.Certificate)
	})

	t.Run("broken renewal keeps previous cert", func(t *testing.T) {
		certFile, keyFile := writeTestCert(t)
		r := newCertReloader(certFile, keyFile, log)
		r.checkInterval = 0
		require.NoError(t, r.load())

		first, err := r.GetCertificate(nil)
		require.NoError(t, err)

		future := time.Now().Add(time.Minute)
		require.NoError(t, os.WriteFile(certFile, []byte("garbage"), 0600))
		require.NoError(t, os.Chtimes(certFile, future, future))

		cert, err := r.GetCertificate(nil)
		require.NoError(t, err)
		require.Equal(t, first.Certificate, cert.Certificate)
	})
}
