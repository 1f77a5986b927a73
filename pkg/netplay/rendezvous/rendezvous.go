// Package rendezvous implements the Rendezvous Client: a short-lived
// reliable stream connection used only during bootstrap to learn the
// session identifier and peer roster from the matchmaking server, report
// readiness, and poll for the START message.
//
// Reads wait at most about a millisecond past what's already buffered by the
// kernel, following the same deadline-poll idiom as the datagram transport, so a single pump
// loop can interleave stream polling with UDP keepalives and sleeps.
package rendezvous

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anuraeng/netplay/pkg/netplay/wire"
)

// Port is the TCP port the rendezvous server listens on.
const Port = 17002

// DatagramPort is the UDP port the rendezvous server listens on for
// keepalives and, when relay_through_server is set, relayed traffic.
const DatagramPort = 17001

// Client owns the reliable stream connection to the rendezvous server for
// the lifetime of the bootstrap phase.
type Client struct {
	conn net.Conn
	sid  wire.SessionID
	buf  []byte
}

// Dial connects to server on Port, reads the 4-byte session identifier, and
// sends the initial greeting. timeout bounds only the connect and the
// initial 4-byte read; subsequent operations are non-blocking polls.
func Dial(server string, timeout time.Duration) (*Client, error) {
	return DialAddr(net.JoinHostPort(server, strconv.Itoa(Port)), timeout)
}

// DialAddr is Dial against an explicit "host:port" instead of the well-known
// Port, so a test harness (or a deployment with its own port convention) can
// point a Client at an arbitrary listener.
func DialAddr(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, wire.Fatal(wire.ConnectFailure, "dial rendezvous server", err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	var sidBuf [4]byte
	if _, err := io.ReadFull(conn, sidBuf[:]); err != nil {
		conn.Close()
		return nil, wire.Fatal(wire.ConnectFailure, "read session identifier", err)
	}
	conn.SetReadDeadline(time.Time{})

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		conn.Close()
		return nil, wire.Fatal(wire.ConnectFailure, "send greeting", err)
	}

	return &Client{conn: conn, sid: wire.SessionID(sidBuf)}, nil
}

// SessionID returns the identifier assigned by the rendezvous server.
func (c *Client) SessionID() wire.SessionID {
	return c.sid
}

// LocalAddr returns the local address of the stream socket, the host half
// of which is reported to the server in SendReady.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// ServerDatagramAddr returns the server's datagram endpoint, used for
// keepalives while waiting for START and, if relay_through_server is
// configured, as every peer's effective address.
func (c *Client) ServerDatagramAddr() netip.AddrPort {
	host, _, _ := net.SplitHostPort(c.conn.RemoteAddr().String())
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr, DatagramPort)
}

// Close releases the stream connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SendReady reports that the local game is ready to start: it tells the
// server the game id, player count, and the NAT-externalised candidate
// address for this client's datagram socket (localHost is the stream
// socket's local address; udpPort is the datagram socket's local port).
func (c *Client) SendReady(gameID string, nplayers int, localHost string, udpPort int) error {
	line := fmt.Sprintf("READY/%s/%d/%s %d\n", gameID, nplayers, localHost, udpPort)
	if _, err := c.conn.Write([]byte(line)); err != nil {
		return wire.Fatal(wire.ConnectFailure, "send ready", err)
	}
	return nil
}

// PollStart is a non-blocking check for the server's START message. ok is
// false if a complete message hasn't arrived yet; err is non-nil only for a
// fatal ProtocolViolation (a malformed response) or a stream read failure.
// A complete START message that was buffered before the read failure (for
// example, a server that sends START and then closes) is still returned.
func (c *Client) PollStart(relayThroughServer bool) (ros *wire.Roster, ok bool, err error) {
	ferr := c.fill()

	ros, consumed, ok, perr := parseStart(c.buf, relayThroughServer, c.ServerDatagramAddr())
	if perr != nil {
		return nil, false, wire.Fatal(wire.ProtocolViolation, "parse START message", perr)
	}
	if !ok {
		return nil, false, ferr
	}
	c.buf = c.buf[consumed:]
	return ros, true, nil
}

// fill appends whatever bytes the kernel currently has buffered to c.buf,
// returning once a read has waited a millisecond with nothing arriving.
func (c *Client) fill() error {
	tmp := make([]byte, 4096)
	for {
		// A deadline already in the past fails the read before the socket is
		// even checked, so the deadline sits just ahead of now.
		c.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, err := c.conn.Read(tmp)
		if n > 0 {
			c.buf = append(c.buf, tmp[:n]...)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return wire.Fatal(wire.ConnectFailure, "read rendezvous stream", err)
		}
		if n == 0 {
			return nil
		}
	}
}

// parseStart attempts to parse a complete START message from the front of
// buf. It returns ok=false, err=nil if buf doesn't yet hold a complete
// message (more bytes are expected on a future fill). consumed is the
// number of leading bytes of buf the message occupied.
func parseStart(buf []byte, relayThroughServer bool, serverAddr netip.AddrPort) (ros *wire.Roster, consumed int, ok bool, err error) {
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		return nil, 0, false, nil
	}

	const prefix = "START "
	header := string(buf[:nl])
	if !strings.HasPrefix(header, prefix) {
		return nil, 0, false, fmt.Errorf("expected START prefix, got %q", header)
	}
	n, perr := strconv.Atoi(strings.TrimSpace(header[len(prefix):]))
	if perr != nil || n <= 0 {
		return nil, 0, false, fmt.Errorf("invalid peer count in %q", header)
	}

	lines := make([]string, 0, n)
	pos := nl + 1
	for len(lines) < n {
		next := bytes.IndexByte(buf[pos:], '\n')
		if next < 0 {
			return nil, 0, false, nil
		}
		lines = append(lines, string(buf[pos:pos+next]))
		pos += next + 1
	}

	addrs := make([]netip.AddrPort, n)
	self := -1
	for i, line := range lines {
		if line == "SLOT" {
			if self >= 0 {
				return nil, 0, false, fmt.Errorf("roster listed SLOT more than once")
			}
			self = i
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, 0, false, fmt.Errorf("invalid roster line %q", line)
		}
		host, perr := netip.ParseAddr(fields[0])
		if perr != nil {
			return nil, 0, false, fmt.Errorf("invalid roster host %q: %w", fields[0], perr)
		}
		port, perr := strconv.ParseUint(fields[1], 10, 16)
		if perr != nil {
			return nil, 0, false, fmt.Errorf("invalid roster port %q: %w", fields[1], perr)
		}
		addrs[i] = netip.AddrPortFrom(host, uint16(port))
	}
	if self < 0 {
		return nil, 0, false, fmt.Errorf("roster did not include a SLOT line")
	}

	out := wire.NewRoster(self, n)
	for i, addr := range addrs {
		if i == self {
			continue
		}
		if relayThroughServer {
			out.SetAddr(i, serverAddr)
		} else {
			out.SetAddr(i, addr)
		}
	}
	return out, pos, true, nil
}
