// Package holepunch runs the hole-punch confirmation loop described by the
// session bootstrap protocol: a fixed-rate exchange of 'A'/'a' packets that
// installs reciprocal NAT state between every pair of peers and relearns
// each peer's externally-visible address from the datagrams it actually
// sends, with a port-scan fallback for NATs that remap predictably.
package holepunch

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/anuraeng/netplay/pkg/netplay/transport"
	"github.com/anuraeng/netplay/pkg/netplay/wire"
)

const (
	cycleInterval = 10 * time.Millisecond
	graceCycles   = 50

	portScanStartCycle = 100
	portScanEvery      = 100
	portScanLow        = -5
	portScanHigh       = 100
	portScanMinPort    = 1024
	portScanMaxPort    = 65536
)

// maxCycles is the hard cycle budget (1000 x cycleInterval ~= 10s); a var,
// not a const, so tests can shrink it instead of waiting out the real
// deadline.
var maxCycles = 1000

// Coordinator runs the confirmation loop for one session. It is not safe
// for concurrent use; like every bootstrap phase it is driven by a single
// pump loop.
type Coordinator struct {
	tr  *transport.Transport
	ros *wire.Roster
	sid wire.SessionID
	log zerolog.Logger

	confirmed         map[int]bool
	confirmationPoint int // -1 until the confirmed set first covers every slot
	cycle             int
}

// New creates a Coordinator for the given roster. self is always considered
// confirmed, matching the protocol's "confirmation set (including self)"
// definition.
func New(tr *transport.Transport, ros *wire.Roster, sid wire.SessionID, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		tr:                tr,
		ros:               ros,
		sid:               sid,
		log:               log,
		confirmed:         map[int]bool{ros.Self: true},
		confirmationPoint: -1,
	}
}

// Confirmed reports whether slot has been added to the confirmation set.
func (c *Coordinator) Confirmed(slot int) bool {
	return c.confirmed[slot]
}

// ConfirmedCount returns the size of the confirmation set, including self.
func (c *Coordinator) ConfirmedCount() int {
	return len(c.confirmed)
}

func (c *Coordinator) allConfirmed() bool {
	return len(c.confirmed) >= c.ros.N()
}

// Step runs one cycle of the confirmation loop: send this cycle's
// acknowledgements, drain whatever replies are already buffered, and check
// whether the loop is done. done is true once either the grace tail after
// full confirmation has elapsed, or the cycle budget has been exhausted; in
// the latter case a non-nil err reports HolePunchTimeout unless every slot
// happened to confirm on the final cycle.
//
// Step is the unit the Session Manager pumps directly so it can interleave
// the host's idle callback between cycles; Run below is a convenience
// driver for callers (such as tests) that don't need that interleaving.
func (c *Coordinator) Step() (done bool, err error) {
	if c.cycle >= maxCycles {
		if c.allConfirmed() {
			return true, nil
		}
		return true, wire.Fatal(wire.HolePunchTimeout, "hole-punch confirmation",
			fmt.Errorf("only %d/%d slots confirmed after %d cycles", len(c.confirmed), c.ros.N(), maxCycles))
	}

	c.broadcastAck()

	if err := c.drain(); err != nil {
		return true, wire.Fatal(wire.ConnectFailure, "hole-punch read", err)
	}

	if c.confirmationPoint < 0 && c.allConfirmed() {
		c.confirmationPoint = c.cycle
		c.log.Debug().Int("cycle", c.cycle).Msg("hole-punch: all peers confirmed")
	}
	if c.confirmationPoint >= 0 && c.cycle >= c.confirmationPoint+graceCycles {
		return true, nil
	}

	if c.cycle >= portScanStartCycle && c.cycle%portScanEvery == 0 {
		c.portScan()
	}

	c.cycle++
	return false, nil
}

// Run drives Step to completion, sleeping cycleInterval between cycles and
// checking ctx once per cycle so cancellation is observed within one sleep
// tick.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return wire.Fatal(wire.UserAbort, "hole-punch", err)
		}
		done, err := c.Step()
		if done {
			return err
		}
		time.Sleep(cycleInterval)
	}
}

func (c *Coordinator) broadcastAck() {
	c.ros.Each(func(slot int, addr netip.AddrPort) {
		if !addr.IsValid() {
			return
		}
		pkt := wire.EncodeConfirm(c.sid, c.ros.Self, c.confirmed[slot])
		if err := c.tr.SendTo(addr, pkt); err != nil {
			c.log.Debug().Err(err).Int("slot", slot).Msg("hole-punch: send failed")
		}
	})
}

func (c *Coordinator) drain() error {
	return c.tr.Drain(func(b []byte, from netip.AddrPort) {
		// No session-id validation here: each peer's id is assigned
		// independently by the rendezvous server at connect time, so a
		// receiver has no single expected value to check bytes 1..4
		// against. See the packet-shape check below instead.
		_, slot, _, ok := wire.DecodeConfirm(b)
		if !ok {
			return
		}
		if slot < 0 || slot >= c.ros.N() || slot == c.ros.Self {
			return
		}
		c.confirmed[slot] = true
		if c.ros.Addr(slot) != from {
			c.ros.SetAddr(slot, from)
		}
	})
}

// portScan sends a confirmation to a range of ports around each
// still-unconfirmed peer's announced port, for NATs whose public mapping is
// a predictable offset from the port they were originally announced on.
func (c *Coordinator) portScan() {
	pkt := wire.EncodeConfirm(c.sid, c.ros.Self, false)
	c.ros.Each(func(slot int, addr netip.AddrPort) {
		if c.confirmed[slot] || !addr.IsValid() {
			return
		}
		base := int(addr.Port())
		for p := base + portScanLow; p < base+portScanHigh; p++ {
			if p <= portScanMinPort || p >= portScanMaxPort {
				continue
			}
			target := netip.AddrPortFrom(addr.Addr(), uint16(p))
			if err := c.tr.SendTo(target, pkt); err != nil {
				c.log.Debug().Err(err).Int("slot", slot).Int("port", p).Msg("hole-punch: port scan send failed")
			}
		}
	})
}
