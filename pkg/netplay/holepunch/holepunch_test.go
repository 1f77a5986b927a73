package holepunch

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/anuraeng/netplay/pkg/netplay/transport"
	"github.com/anuraeng/netplay/pkg/netplay/wire"
)

func zeroLogger() zerolog.Logger {
	return zerolog.Nop()
}

func listen(t *testing.T) *transport.Transport {
	t.Helper()
	tr, err := transport.Listen(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTwoPeerConvergesQuickly(t *testing.T) {
	trA, trB := listen(t), listen(t)
	sid := wire.SessionID{1, 2, 3, 4}

	rosA := wire.NewRoster(0, 2)
	rosA.SetAddr(1, trB.LocalAddrPort())
	rosB := wire.NewRoster(1, 2)
	rosB.SetAddr(0, trA.LocalAddrPort())

	cA := New(trA, rosA, sid, zeroLogger())
	cB := New(trB, rosB, sid, zeroLogger())

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- cA.Run(context.Background()) }()
	go func() { errB <- cB.Run(context.Background()) }()

	select {
	case err := <-errA:
		if err != nil {
			t.Fatalf("A: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("A did not converge")
	}
	select {
	case err := <-errB:
		if err != nil {
			t.Fatalf("B: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("B did not converge")
	}

	if !cA.Confirmed(1) || !cB.Confirmed(0) {
		t.Fatal("expected both sides confirmed")
	}
}

func TestUnresponsivePeerTimesOut(t *testing.T) {
	tr := listen(t)
	sid := wire.SessionID{1, 2, 3, 4}

	ros := wire.NewRoster(0, 2)
	// Peer 1 points at a port nobody is listening on; it will never reply.
	deadPort, _ := netip.ParseAddrPort("127.0.0.1:1")
	ros.SetAddr(1, deadPort)

	c := New(tr, ros, sid, zeroLogger())

	savedMax := maxCycles
	maxCycles = 5
	defer func() { maxCycles = savedMax }()

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !wire.IsKind(err, wire.HolePunchTimeout) {
		t.Fatalf("expected HolePunchTimeout, got %v", err)
	}
}

func TestCancellationIsObservedWithinOneCycle(t *testing.T) {
	tr := listen(t)
	sid := wire.SessionID{1, 2, 3, 4}
	ros := wire.NewRoster(0, 2)
	deadPort, _ := netip.ParseAddrPort("127.0.0.1:1")
	ros.SetAddr(1, deadPort)

	c := New(tr, ros, sid, zeroLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Run(ctx)
	if !wire.IsKind(err, wire.UserAbort) {
		t.Fatalf("expected UserAbort, got %v", err)
	}
}
