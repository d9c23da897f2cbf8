// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nodegst/playerd/logger"
	"github.com/nodegst/playerd/service/media"
	"github.com/nodegst/playerd/service/signal"
	"github.com/nodegst/playerd/service/ws"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct{}

func (e *fakeExtractor) Extract(_ context.Context, videoURL string, wantVideo bool) ([]media.Source, error) {
	if wantVideo {
		return []media.Source{
			{URL: videoURL + "/video", ExpectVideo: true},
			{URL: videoURL + "/audio", ExpectAudio: true},
		}, nil
	}
	return []media.Source{{URL: videoURL + "/audio", ExpectAudio: true}}, nil
}

type TestHelper struct {
	srvc   *Service
	cfg    Config
	log    *mlog.Logger
	tb     testing.TB
	apiURL string
	wsURL  string
}

// MakeDefaultCfg returns a config suited to tests: loopback addresses, a
// temporary store and errors only logging.
func MakeDefaultCfg(tb testing.TB) *Config {
	tb.Helper()

	var cfg Config
	cfg.SetDefaults()
	cfg.API.HTTP.ListenAddress = "127.0.0.1:0"
	cfg.RTC.ICEAddressUDP = "127.0.0.1"
	cfg.RTC.ICEPortUDP = 30533
	cfg.RTC.UDPSocketsCount = 1
	cfg.Signal.EOSDelayMs = 10
	// Fake engines never finish on their own, teardown ends them right away.
	cfg.Signal.ShutdownTimeoutSec = 0
	cfg.Store.DataSource = tb.TempDir()
	cfg.Logger = logger.Config{
		EnableConsole: true,
		ConsoleLevel:  "ERROR",
	}
	return &cfg
}

func SetupTestHelper(tb testing.TB, cfg *Config) *TestHelper {
	tb.Helper()
	var err error

	if cfg == nil {
		cfg = MakeDefaultCfg(tb)
	}

	th := &TestHelper{
		tb:  tb,
		cfg: *cfg,
	}

	th.log, err = logger.New(th.cfg.Logger)
	require.NoError(tb, err)

	th.srvc, err = New(th.cfg, th.log, WithExtractor(&fakeExtractor{}))
	require.NoError(th.tb, err)
	require.NotNil(th.tb, th.srvc)

	err = th.srvc.Start()
	require.NoError(th.tb, err)

	_, port, err := net.SplitHostPort(th.srvc.apiServer.Addr())
	require.NoError(th.tb, err)
	th.apiURL = "http://localhost:" + port
	th.wsURL = "ws://localhost:" + port + "/ws"

	return th
}

func (th *TestHelper) Teardown() {
	err := th.srvc.Stop()
	require.NoError(th.tb, err)

	err = th.log.Shutdown()
	require.NoError(th.tb, err)
}

func (th *TestHelper) newWSClient() *ws.Client {
	th.tb.Helper()
	client, err := ws.NewClient(ws.ClientConfig{URL: th.wsURL})
	require.NoError(th.tb, err)
	return client
}

func sendMessage(tb testing.TB, client *ws.Client, data string) {
	tb.Helper()
	require.NoError(tb, client.Send(ws.TextMessage, []byte(data)))
}

func receiveMessage(tb testing.TB, client *ws.Client) signal.Message {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var m signal.Message
	require.NoError(tb, client.ReceiveJSON(ctx, &m))
	return m
}
