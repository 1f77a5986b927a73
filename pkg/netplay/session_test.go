package netplay

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/anuraeng/netplay/pkg/controls"
	"github.com/anuraeng/netplay/pkg/netplay/rendezvous"
	"github.com/anuraeng/netplay/pkg/netplay/wire"
)

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeRendezvousPair stands in for the rendezvous server for exactly two
// clients: it hands out sid to each, waits for both READY lines, then sends
// each client a personalized START message built from the other's reported
// host/port.
func fakeRendezvousPair(t *testing.T, sid [4]byte) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conns := make([]net.Conn, 0, 2)
		// The greeting and the READY line can arrive in a single TCP read,
		// so each connection is split by line rather than by read.
		readers := make([]*bufio.Reader, 0, 2)
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write(sid[:])
			r := bufio.NewReader(conn)
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			conns = append(conns, conn)
			readers = append(readers, r)
		}

		hostports := make([]string, 2)
		for i, r := range readers {
			raw, err := r.ReadString('\n')
			if err != nil {
				return
			}
			// "READY/<game_id>/<nplayers>/<host> <port>\n"
			line := strings.TrimSpace(raw)
			idx := strings.LastIndex(line, "/")
			if idx < 0 {
				return
			}
			hostports[i] = line[idx+1:]
		}

		for i, conn := range conns {
			other := hostports[1-i]
			var msg string
			if i == 0 {
				msg = fmt.Sprintf("START 2\nSLOT\n%s\n", other)
			} else {
				msg = fmt.Sprintf("START 2\n%s\nSLOT\n", other)
			}
			conn.Write([]byte(msg))
		}
	}()

	return ln.Addr().String()
}

func testDialer(addr string) func(server string, timeout time.Duration) (*rendezvous.Client, error) {
	return func(server string, timeout time.Duration) (*rendezvous.Client, error) {
		return rendezvous.DialAddr(addr, timeout)
	}
}

func TestSessionFullBootstrapAndSteadyState(t *testing.T) {
	addr := fakeRendezvousPair(t, [4]byte{9, 9, 9, 9})

	cfg := Config{GameID: "g", NumPlayers: 2}
	ctrlA := controls.NewRecorder(1)
	ctrlB := controls.NewRecorder(1)

	var seededA, seededB bool
	sessA := New(cfg, ctrlA, nopLogger(), func() { seededA = true })
	sessB := New(cfg, ctrlB, nopLogger(), func() { seededB = true })
	sessA.dial = testDialer(addr)
	sessB.dial = testDialer(addr)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := sessA.SetupNetworkedGame(ctx); err != nil {
		t.Fatalf("A setup: %v", err)
	}
	defer sessA.Close()
	if err := sessB.SetupNetworkedGame(ctx); err != nil {
		t.Fatalf("B setup: %v", err)
	}
	defer sessB.Close()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- sessA.SyncStartTime(ctx, nil) }()
	go func() { errB <- sessB.SyncStartTime(ctx, nil) }()

	if err := <-errA; err != nil {
		t.Fatalf("A sync start time: %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("B sync start time: %v", err)
	}

	if !sessA.Ready() || !sessB.Ready() {
		t.Fatal("expected both sessions Running after sync")
	}
	if !seededA || !seededB {
		t.Fatal("expected both sessions to seed their RNG")
	}
	if sessA.Delay() == 0 || sessB.Delay() == 0 {
		t.Fatal("expected a nonzero lockstep delay to be agreed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := sessA.SendAndReceive(); err != nil {
			t.Fatalf("A send and receive: %v", err)
		}
		if err := sessB.SendAndReceive(); err != nil {
			t.Fatalf("B send and receive: %v", err)
		}
		if len(ctrlA.Received()) > 0 && len(ctrlB.Received()) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for both sides to receive a control packet")
}

func TestSessionOperationsRequireCorrectState(t *testing.T) {
	ctrl := controls.NewRecorder(1)
	s := New(Config{Server: "127.0.0.1", GameID: "g", NumPlayers: 1}, ctrl, nopLogger(), nil)

	if err := s.SyncStartTime(context.Background(), nil); !wire.IsKind(err, wire.ProtocolViolation) {
		t.Fatalf("expected ProtocolViolation calling SyncStartTime before setup, got %v", err)
	}

	if err := s.SendAndReceive(); !wire.IsKind(err, wire.ProtocolViolation) {
		t.Fatalf("expected ProtocolViolation calling SendAndReceive before running, got %v", err)
	}

	if s.Ready() {
		t.Fatal("expected Ready() false before bootstrap")
	}
}

func TestSessionPumpRejectsDisconnected(t *testing.T) {
	ctrl := controls.NewRecorder(1)
	s := New(Config{Server: "127.0.0.1"}, ctrl, nopLogger(), nil)

	if err := s.Pump(); !wire.IsKind(err, wire.ProtocolViolation) {
		t.Fatalf("expected ProtocolViolation, got %v", err)
	}
}

func TestSessionPumpDrivesBootstrapStepByStep(t *testing.T) {
	addr := fakeRendezvousPair(t, [4]byte{1, 2, 3, 4})

	cfg := Config{GameID: "g", NumPlayers: 2}
	ctrlA := controls.NewRecorder(1)
	ctrlB := controls.NewRecorder(1)
	sessA := New(cfg, ctrlA, nopLogger(), nil)
	sessB := New(cfg, ctrlB, nopLogger(), nil)
	sessA.dial = testDialer(addr)
	sessB.dial = testDialer(addr)

	ctx := context.Background()
	if err := sessA.SetupNetworkedGame(ctx); err != nil {
		t.Fatalf("A setup: %v", err)
	}
	defer sessA.Close()
	if err := sessB.SetupNetworkedGame(ctx); err != nil {
		t.Fatalf("B setup: %v", err)
	}
	defer sessB.Close()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if !sessA.Ready() {
			if err := sessA.Pump(); err != nil && err != ErrDone {
				t.Fatalf("A pump: %v", err)
			}
		}
		if !sessB.Ready() {
			if err := sessB.Pump(); err != nil && err != ErrDone {
				t.Fatalf("B pump: %v", err)
			}
		}
		if sessA.Ready() && sessB.Ready() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out pumping bootstrap to completion")
}
