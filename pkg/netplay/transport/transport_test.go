package transport

import (
	"net/netip"
	"testing"
	"time"
)

func loopback(t *testing.T) *Transport {
	t.Helper()
	tr, err := Listen(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSendToAndDrain(t *testing.T) {
	a := loopback(t)
	b := loopback(t)

	if err := a.SendTo(b.LocalAddrPort(), []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	var got []byte
	var from netip.AddrPort
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		err := b.Drain(func(p []byte, addr netip.AddrPort) {
			got = append([]byte(nil), p...)
			from = addr
		})
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if got != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	if from.Addr() != a.LocalAddrPort().Addr() {
		t.Fatalf("unexpected source %v", from)
	}
}

func TestDrainReturnsImmediatelyWhenEmpty(t *testing.T) {
	a := loopback(t)

	start := time.Now()
	called := false
	if err := a.Drain(func([]byte, netip.AddrPort) { called = true }); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if called {
		t.Fatalf("fn should not have been called")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("drain blocked for %v, expected near-instant return", elapsed)
	}
}

func TestLocalAddrPortHasNonZeroPort(t *testing.T) {
	a := loopback(t)
	if a.LocalAddrPort().Port() == 0 {
		t.Fatalf("expected ephemeral port to be assigned")
	}
}
