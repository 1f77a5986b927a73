// Package transport wraps the single unconnected UDP socket a netplay
// session binds to an ephemeral local port and uses for every datagram
// phase: hole-punching, time sync, and steady-state input frames.
//
// Reads never block the caller for long: Drain polls the socket with a
// one-millisecond deadline, so it returns within about a millisecond once
// the kernel has no more buffered datagrams, matching the cooperative,
// sleep-paced model described by the session's concurrency design (no
// background goroutines read the socket).
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"
)

// MaxPacket is large enough for every packet kind this protocol sends;
// anything bigger would have to be a different peer's application traffic,
// and ReadFromUDPAddrPort hands back only its first MaxPacket bytes.
const MaxPacket = 1500

// Transport is the Datagram Transport component: one bound UDP socket.
type Transport struct {
	conn *net.UDPConn
	buf  []byte
}

// Listen binds a new ephemeral (or explicit, via addr) UDP socket.
func Listen(addr netip.AddrPort) (*Transport, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("bind datagram socket: %w", err)
	}
	return &Transport{conn: conn, buf: make([]byte, MaxPacket)}, nil
}

// LocalAddrPort returns the bound local address, including the ephemeral
// port the OS chose.
func (t *Transport) LocalAddrPort() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close releases the socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// SendTo writes b to addr.
func (t *Transport) SendTo(addr netip.AddrPort, b []byte) error {
	_, err := t.conn.WriteToUDPAddrPort(b, addr)
	return err
}

// Drain reads every datagram currently buffered by the kernel, calling fn
// for each with its source address (IPv4-mapped IPv6 addresses are
// unmapped first). It returns once a read has waited a millisecond with
// nothing arriving.
func (t *Transport) Drain(fn func(b []byte, from netip.AddrPort)) error {
	for {
		// A deadline already in the past fails the read before the socket is
		// even checked, so the deadline sits just ahead of now.
		t.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, addr, err := t.conn.ReadFromUDPAddrPort(t.buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("read datagram: %w", err)
		}
		fn(t.buf[:n], netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()))
	}
}
