// Command netplay-probe is a standalone NAT hole-punch diagnostic, the
// go-native equivalent of the original's COMMAND_LINE_UTILITY(hole_punch_test).
// It doesn't speak the session protocol at all: it sends a bare "hello" to a
// well-known host to discover its own NAT mapping, then exchanges "peer"
// datagrams with whatever peers that host tells it about. It never exits;
// it's meant to be run manually and watched, not scripted.
package main

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

const (
	defaultServer = "wesnoth.org"
	defaultPort   = 17001
	rounds        = 10
	roundSpacing  = time.Second
)

func main() {
	pflag.Parse()

	if pflag.NArg() > 2 || opt.Help {
		fmt.Printf("usage: %s [options] [server [port]]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	server := defaultServer
	port := defaultPort
	if pflag.NArg() >= 1 {
		server = pflag.Arg(0)
	}
	if pflag.NArg() >= 2 {
		p, err := strconv.Atoi(pflag.Arg(1))
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: invalid port %q: %v\n", pflag.Arg(1), err)
			os.Exit(2)
		}
		port = p
	}

	serverAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(server, strconv.Itoa(port)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: resolve %s:%d: %v\n", server, port, err)
		os.Exit(2)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: listen udp: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("listening on %s, probing %s\n", conn.LocalAddr(), serverAddr)

	if _, err := conn.WriteToUDP([]byte("hello"), serverAddr); err != nil {
		fmt.Fprintf(os.Stderr, "warning: send hello: %v\n", err)
	}

	peers := make(map[netip.AddrPort]bool)
	buf := make([]byte, 1500)

	go func() {
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: read: %v\n", err)
				continue
			}
			text := string(buf[:n])
			if peer, ok := parsePeerLine(text); ok {
				if !peers[peer] {
					peers[peer] = true
					fmt.Printf("discovered peer %s\n", peer)
				}
				continue
			}
			fmt.Printf("recv %q from %s\n", text, from)
		}
	}()

	for {
		for round := 0; round < rounds; round++ {
			for peer := range peers {
				if _, err := conn.WriteToUDPAddrPort([]byte("peer"), peer); err != nil {
					fmt.Fprintf(os.Stderr, "warning: send peer to %s: %v\n", peer, err)
				}
			}
			time.Sleep(roundSpacing)
		}
	}
}

// parsePeerLine recognizes the server's "<host> <port>" announcements.
func parsePeerLine(s string) (netip.AddrPort, bool) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return netip.AddrPort{}, false
	}
	addr, err := netip.ParseAddr(fields[0])
	if err != nil {
		return netip.AddrPort{}, false
	}
	port, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr, uint16(port)), true
}
