package broadcast

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/anuraeng/netplay/pkg/controls"
	"github.com/anuraeng/netplay/pkg/netplay/transport"
	"github.com/anuraeng/netplay/pkg/netplay/wire"
)

func listen(t *testing.T) *transport.Transport {
	t.Helper()
	tr, err := transport.Listen(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func drainUntil(t *testing.T, tr *transport.Transport, ctrl *controls.Recorder, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := tr.Drain(func(p []byte, from netip.AddrPort) {
			if _, payload, ok := wire.DecodeControl(p); ok {
				ctrl.ReadControlPacket(payload)
			}
		}); err != nil {
			t.Fatalf("drain: %v", err)
		}
		if len(ctrl.Received()) >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d packets, got %d", want, len(ctrl.Received()))
}

func TestImmediateSendWithNoLag(t *testing.T) {
	trA, trB := listen(t), listen(t)
	sid := wire.SessionID{1, 2, 3, 4}

	rosA := wire.NewRoster(0, 2)
	rosA.SetAddr(1, trB.LocalAddrPort())

	ctrlA := controls.NewRecorder(1)
	ctrlB := controls.NewRecorder(1)

	bA := New(trA, rosA, sid, ctrlA, zerolog.Nop(), 0)
	if err := bA.SendAndReceive(); err != nil {
		t.Fatalf("send: %v", err)
	}

	drainUntil(t, trB, ctrlB, 1)
}

func TestArtificialLagDefersDelivery(t *testing.T) {
	trA, trB := listen(t), listen(t)
	sid := wire.SessionID{1, 2, 3, 4}

	rosA := wire.NewRoster(0, 2)
	rosA.SetAddr(1, trB.LocalAddrPort())

	ctrlA := controls.NewRecorder(1)
	ctrlB := controls.NewRecorder(1)

	// fakelag=60ms -> 3 frames of delay.
	bA := New(trA, rosA, sid, ctrlA, zerolog.Nop(), 60)

	for i := 0; i < 3; i++ {
		if err := bA.SendAndReceive(); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	// Nothing should have reached B yet: the first send at frame 0 is
	// scheduled for the queue entry 3 frames out, which hasn't been
	// flushed by a 4th SendAndReceive call.
	if err := trB.Drain(func([]byte, netip.AddrPort) { t.Fatal("unexpected early delivery") }); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if err := bA.SendAndReceive(); err != nil {
		t.Fatalf("send 4: %v", err)
	}

	drainUntil(t, trB, ctrlB, 1)
}

func TestSinglePlayerShortCircuits(t *testing.T) {
	tr := listen(t)
	sid := wire.SessionID{1, 2, 3, 4}
	ros := wire.NewRoster(0, 1)
	ctrl := controls.NewRecorder(1)

	b := New(tr, ros, sid, ctrl, zerolog.Nop(), 0)
	if err := b.SendAndReceive(); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ctrl.Received()) != 0 {
		t.Fatalf("expected no activity in single-player mode")
	}
}
