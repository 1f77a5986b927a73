// Package broadcast implements the steady-state per-frame input exchange: on
// each call from the host game loop it collects the local control packet,
// sends it to every peer (optionally through a delay queue that simulates
// artificial lag), and feeds every inbound control packet to the controls
// module.
package broadcast

import (
	"fmt"
	"net/netip"

	"github.com/rs/zerolog"

	"github.com/anuraeng/netplay/pkg/controls"
	"github.com/anuraeng/netplay/pkg/netplay/transport"
	"github.com/anuraeng/netplay/pkg/netplay/wire"
)

// msPerLagFrame is the frame unit the configured artificial lag is measured
// in: a fakelag of F ms becomes F/msPerLagFrame queued frames of delay.
const msPerLagFrame = 20

type deferredSend struct {
	addr netip.AddrPort
	pkt  []byte
}

// Broadcaster is the Input Broadcaster component. It is frozen to the
// roster and delay handed to it at construction; the endpoint table itself
// is mutable only during the hole-punch phase that precedes it.
type Broadcaster struct {
	tr   *transport.Transport
	ros  *wire.Roster
	sid  wire.SessionID
	ctrl controls.Controller
	log  zerolog.Logger

	fakeLagMS int
	queue     [][]deferredSend
}

// New creates a Broadcaster. fakeLagMS is the configured artificial lag, in
// milliseconds; 0 disables the delay queue entirely.
func New(tr *transport.Transport, ros *wire.Roster, sid wire.SessionID, ctrl controls.Controller, log zerolog.Logger, fakeLagMS int) *Broadcaster {
	return &Broadcaster{tr: tr, ros: ros, sid: sid, ctrl: ctrl, log: log, fakeLagMS: fakeLagMS}
}

func (b *Broadcaster) lagFrames() int {
	return b.fakeLagMS / msPerLagFrame
}

// SendAndReceive runs one frame's worth of the steady-state protocol: it is
// a no-op in single-player sessions, per the protocol's short-circuit for
// peer count 1.
func (b *Broadcaster) SendAndReceive() error {
	if b.ros.N() == 1 {
		return nil
	}

	payload := b.ctrl.WriteControlPacket(nil)
	pkt := wire.EncodeControl(b.sid, payload)

	// Enqueue this frame's sends (or send immediately with no lag) before
	// flushing: the entry this call appends becomes due lagFrames() calls
	// from now, so the frame that's due *this* call was the one sitting at
	// the front before the append, not after it.
	b.scheduleSends(pkt)
	b.flushDueFrame()

	if err := b.drain(); err != nil {
		return fmt.Errorf("broadcast: read: %w", err)
	}
	return nil
}

// flushDueFrame pops and sends the queue entry that has aged into the
// current frame. With scheduleSends always appending the new frame at
// index lagFrames() before this runs, a packet queued on call k reaches
// the transport on call k+lagFrames(), matching spec.md's "packet emitted
// at frame t reaches the transport at frame t + L".
func (b *Broadcaster) flushDueFrame() {
	if len(b.queue) == 0 {
		return
	}
	head := b.queue[0]
	b.queue = b.queue[1:]
	for _, d := range head {
		if err := b.tr.SendTo(d.addr, d.pkt); err != nil {
			b.log.Debug().Err(err).Msg("broadcast: deferred send failed")
		}
	}
}

func (b *Broadcaster) scheduleSends(pkt []byte) {
	lf := b.lagFrames()
	b.ros.Each(func(slot int, addr netip.AddrPort) {
		if !addr.IsValid() {
			return
		}
		if lf == 0 {
			if err := b.tr.SendTo(addr, pkt); err != nil {
				b.log.Debug().Err(err).Int("slot", slot).Msg("broadcast: send failed")
			}
			return
		}
		for len(b.queue) < lf+1 {
			b.queue = append(b.queue, nil)
		}
		b.queue[lf] = append(b.queue[lf], deferredSend{addr: addr, pkt: pkt})
	})
}

func (b *Broadcaster) drain() error {
	return b.tr.Drain(func(p []byte, from netip.AddrPort) {
		_, payload, ok := wire.DecodeControl(p)
		if !ok {
			return
		}
		b.ctrl.ReadControlPacket(payload)
	})
}
