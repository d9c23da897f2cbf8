// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	udpSocketBufferSize = 1024 * 1024 * 4 // 4MB
)

func reusePortControl(log mlog.LoggerIFace) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				log.Error("failed to set reuseaddr option", mlog.Err(err))
				return
			}
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
				log.Error("failed to set reuseport option", mlog.Err(err))
				return
			}
		})
	}
}

// createUDPConns opens count sockets all bound to the same address so that
// reads get spread by the kernel.
func createUDPConns(log mlog.LoggerIFace, network, listenAddress string, count int) ([]net.PacketConn, error) {
	conns := make([]net.PacketConn, 0, count)
	closeAll := func() {
		for _, conn := range conns {
			conn.Close()
		}
	}

	listenConfig := net.ListenConfig{
		Control: reusePortControl(log),
	}

	for i := 0; i < count; i++ {
		addr := listenAddress
		if i > 0 {
			// Port 0 must resolve to the same port for every socket.
			addr = conns[0].LocalAddr().String()
		}

		udpConn, err := listenConfig.ListenPacket(context.Background(), network, addr)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to listen on udp: %w", err)
		}

		if err := udpConn.(*net.UDPConn).SetWriteBuffer(udpSocketBufferSize); err != nil {
			log.Warn("rtc: failed to set udp send buffer", mlog.Err(err))
		}

		if err := udpConn.(*net.UDPConn).SetReadBuffer(udpSocketBufferSize); err != nil {
			log.Warn("rtc: failed to set udp receive buffer", mlog.Err(err))
		}

		conns = append(conns, udpConn)
	}

	log.Info(fmt.Sprintf("rtc: server is listening on udp %s", conns[0].LocalAddr().String()),
		mlog.Int("sockets", len(conns)))

	return conns, nil
}
