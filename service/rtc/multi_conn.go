// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	receiveMTU = 1460
)

// multiConn merges several UDP sockets bound to the same address into the
// single net.PacketConn the ICE mux expects. Reads are fanned in, writes are
// spread round robin.
type multiConn struct {
	conns []net.PacketConn
	addr  net.Addr

	packetCh  chan packet
	closeCh   chan struct{}
	closeOnce sync.Once
	bufPool   sync.Pool
	counter   atomic.Uint64
	wg        sync.WaitGroup
}

type packet struct {
	buf  *[]byte
	n    int
	addr net.Addr
	err  error
}

func newMultiConn(conns []net.PacketConn) (*multiConn, error) {
	if len(conns) == 0 {
		return nil, errors.New("conns should not be empty")
	}
	for _, conn := range conns {
		if conn == nil {
			return nil, errors.New("invalid nil conn")
		}
	}

	mc := &multiConn{
		conns:    conns,
		addr:     conns[0].LocalAddr(),
		packetCh: make(chan packet, len(conns)*2),
		closeCh:  make(chan struct{}),
		bufPool: sync.Pool{
			New: func() any {
				buf := make([]byte, receiveMTU)
				return &buf
			},
		},
	}

	mc.wg.Add(len(conns))
	for _, conn := range conns {
		go mc.reader(conn)
	}

	return mc, nil
}

func (mc *multiConn) reader(conn net.PacketConn) {
	defer mc.wg.Done()

	for {
		pkt := packet{buf: mc.bufPool.Get().(*[]byte)}
		pkt.n, pkt.addr, pkt.err = conn.ReadFrom(*pkt.buf)

		select {
		case mc.packetCh <- pkt:
		case <-mc.closeCh:
			return
		}

		if pkt.err != nil && !os.IsTimeout(pkt.err) {
			return
		}
	}
}

// ReadFrom returns the next packet received on any of the sockets. Once the
// conn is closed it fails with net.ErrClosed.
func (mc *multiConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-mc.closeCh:
		return 0, nil, net.ErrClosed
	default:
	}

	select {
	case pkt := <-mc.packetCh:
		n := copy(p, (*pkt.buf)[:pkt.n])
		mc.bufPool.Put(pkt.buf)
		return n, pkt.addr, pkt.err
	case <-mc.closeCh:
		return 0, nil, net.ErrClosed
	}
}

func (mc *multiConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	idx := (mc.counter.Add(1) - 1) % uint64(len(mc.conns))
	return mc.conns[idx].WriteTo(p, addr)
}

// Close closes every socket and waits for the readers to exit. Closing more
// than once is a no-op.
func (mc *multiConn) Close() error {
	var errs []error
	mc.closeOnce.Do(func() {
		close(mc.closeCh)
		for _, conn := range mc.conns {
			if err := conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		mc.wg.Wait()
	})
	return errors.Join(errs...)
}

func (mc *multiConn) LocalAddr() net.Addr {
	return mc.addr
}

func (mc *multiConn) eachConn(fn func(conn net.PacketConn) error) error {
	var errs []error
	for _, conn := range mc.conns {
		if err := fn(conn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (mc *multiConn) SetDeadline(t time.Time) error {
	return mc.eachConn(func(conn net.PacketConn) error { return conn.SetDeadline(t) })
}

func (mc *multiConn) SetReadDeadline(t time.Time) error {
	return mc.eachConn(func(conn net.PacketConn) error { return conn.SetReadDeadline(t) })
}

func (mc *multiConn) SetWriteDeadline(t time.Time) error {
	return mc.eachConn(func(conn net.PacketConn) error { return conn.SetWriteDeadline(t) })
}
