package controls

import "testing"

func TestRecorderWriteIncrementsFrame(t *testing.T) {
	r := NewRecorder(2)

	b1 := r.WriteControlPacket(nil)
	b2 := r.WriteControlPacket(nil)
	if len(b1) != 4 || len(b2) != 4 {
		t.Fatalf("expected 4-byte frame payloads, got %d and %d", len(b1), len(b2))
	}
	if string(b1) == string(b2) {
		t.Fatalf("expected frame counter to advance")
	}
}

func TestRecorderReceivedOrder(t *testing.T) {
	r := NewRecorder(1)

	r.ReadControlPacket([]byte{1})
	r.ReadControlPacket([]byte{2})

	got := r.Received()
	if len(got) != 2 || got[0][0] != 1 || got[1][0] != 2 {
		t.Fatalf("unexpected received order: %v", got)
	}
}

func TestRecorderDelay(t *testing.T) {
	r := NewRecorder(1)
	if r.Delay() != 0 {
		t.Fatalf("expected initial delay 0")
	}
	r.SetDelay(4)
	if r.Delay() != 4 {
		t.Fatalf("expected delay 4, got %d", r.Delay())
	}
}

func TestRecorderSinglePlayerDefault(t *testing.T) {
	r := NewRecorder(0)
	if r.NumPlayers() != 1 {
		t.Fatalf("expected NumPlayers to clamp to 1, got %d", r.NumPlayers())
	}
}
