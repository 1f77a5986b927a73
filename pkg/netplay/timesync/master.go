package timesync

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/anuraeng/netplay/pkg/controls"
	"github.com/anuraeng/netplay/pkg/netplay/transport"
	"github.com/anuraeng/netplay/pkg/netplay/wire"
)

type pingRecord struct {
	sendTick time.Time
	target   int
	tail     []byte
}

type peerStat struct {
	responses  int
	latencySum time.Duration
}

// Master is the time-sync role run by slot 0. It pings every peer on a
// fixed cadence, estimates round-trip latency, and picks a lockstep delay
// large enough for the slowest peer once it has a confident reading.
type Master struct {
	tr  *transport.Transport
	ros *wire.Roster
	sid wire.SessionID
	ctrl controls.Controller
	log zerolog.Logger
	seed SeedFunc

	target  time.Time
	nextID  uint64
	pings   map[uint64]pingRecord
	stats   map[int]*peerStat
	delay   int
}

// NewMaster creates a Master. The target start tick is fixed later by Start,
// at now + startOffset (1s unless a test shrinks it).
func NewMaster(tr *transport.Transport, ros *wire.Roster, sid wire.SessionID, ctrl controls.Controller, log zerolog.Logger, seed SeedFunc) *Master {
	stats := make(map[int]*peerStat, ros.N())
	ros.Each(func(slot int, _ netip.AddrPort) { stats[slot] = &peerStat{} })
	return &Master{
		tr:    tr,
		ros:   ros,
		sid:   sid,
		ctrl:  ctrl,
		log:   log,
		seed:  seed,
		pings: make(map[uint64]pingRecord),
		stats: stats,
	}
}

// Start fixes the target start tick (now + startOffset). Callers that drive
// Step themselves must call Start before the first Step.
func (m *Master) Start() {
	m.target = time.Now().Add(startOffset)
}

// Delay returns the lockstep delay chosen so far (0 before Step first
// computes one).
func (m *Master) Delay() int {
	return m.delay
}

// Step runs one ping cycle. done is true once the target start tick has
// elapsed, at which point the chosen delay has been published and the
// shared RNG has been seeded.
//
// Step is the unit the Session Manager pumps directly so it can interleave
// the host's idle callback between cycles; Run below is a convenience
// driver for standalone callers.
func (m *Master) Step() (done bool, err error) {
	remaining := time.Until(m.target)
	if remaining <= 0 {
		if m.delay == 0 {
			m.setDelay(delayFloor)
		}
		if m.seed != nil {
			m.seed()
		}
		return true, nil
	}

	m.sendPings(remaining)

	if err := m.drain(); err != nil {
		var we *wire.Error
		if errors.As(err, &we) {
			return true, err
		}
		return true, wire.Fatal(wire.ConnectFailure, "time-sync master read", err)
	}

	if m.delay == 0 && remaining < delayDecisionAt {
		m.maybeSetDelay()
	}

	return false, nil
}

// Run calls Start and then drives Step to completion, sleeping
// pingInterval between cycles and checking ctx once per cycle.
func (m *Master) Run(ctx context.Context) (Result, error) {
	m.Start()
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, wire.Fatal(wire.UserAbort, "time-sync master", err)
		}
		done, err := m.Step()
		if done {
			if err != nil {
				return Result{}, err
			}
			return Result{Delay: m.delay}, nil
		}
		time.Sleep(pingInterval)
	}
}

func (m *Master) sendPings(remaining time.Duration) {
	m.ros.Each(func(slot int, addr netip.AddrPort) {
		if !addr.IsValid() {
			return
		}

		advisory := remaining.Milliseconds() - m.halfAvgLatencyMS(slot)
		if advisory < 0 {
			advisory = 0
		}

		id := m.nextID
		m.nextID++
		tail := pingTail(id, advisory, m.delay)
		m.pings[id] = pingRecord{sendTick: time.Now(), target: slot, tail: tail}

		pkt := wire.EncodePing(m.sid, tail)
		if err := m.tr.SendTo(addr, pkt); err != nil {
			m.log.Debug().Err(err).Int("slot", slot).Msg("time-sync: ping send failed")
		}
	})
}

func (m *Master) halfAvgLatencyMS(slot int) int64 {
	st := m.stats[slot]
	if st == nil || st.responses == 0 {
		return 0
	}
	avg := st.latencySum / time.Duration(st.responses)
	return avg.Milliseconds() / 2
}

// drain processes every currently buffered datagram. It returns the first
// ProtocolViolation encountered from an unrecognisable ping echo (spec.md
// §7), continuing to drain the rest of the batch first so a single bad
// packet doesn't leave later, valid ones unread.
func (m *Master) drain() error {
	var perr error
	if err := m.tr.Drain(func(b []byte, from netip.AddrPort) {
		switch wire.Sniff(b) {
		case wire.KindPing:
			if err := m.handleEcho(b); err != nil && perr == nil {
				perr = err
			}
		case wire.KindConfirm, wire.KindConfirmAck:
			answerLateConfirm(m.tr, m.sid, m.ros.Self, from, b)
		}
	}); err != nil {
		return err
	}
	return perr
}

// handleEcho processes one 'P' packet received while pinging. A packet
// that fails to decode as a ping, or whose tail doesn't parse, is an
// unrecognised ping echo: spec.md §7 names this a fatal ProtocolViolation.
// An echo whose id isn't in m.pings (a duplicate or very late reply for a
// ping already matched and deleted) is not a violation, just idempotent
// per spec.md §5, and is silently ignored.
func (m *Master) handleEcho(b []byte) error {
	_, tail, ok := wire.DecodePing(b)
	if !ok {
		return wire.Fatal(wire.ProtocolViolation, "time-sync master: decode ping echo", fmt.Errorf("malformed ping packet (%d bytes)", len(b)))
	}
	id, _, _, ok := parsePingTail(tail)
	if !ok {
		return wire.Fatal(wire.ProtocolViolation, "time-sync master: parse ping echo", fmt.Errorf("unparseable ping tail %q", tail))
	}
	rec, ok := m.pings[id]
	if !ok {
		return nil
	}
	delete(m.pings, id)

	latency := time.Since(rec.sendTick)
	if latency < 0 {
		latency = 0
	}
	st := m.stats[rec.target]
	if st == nil {
		st = &peerStat{}
		m.stats[rec.target] = st
	}
	st.responses++
	st.latencySum += latency
	return nil
}

func (m *Master) maybeSetDelay() {
	best := 0
	any := false
	for slot, st := range m.stats {
		if slot == m.ros.Self || st.responses == 0 {
			continue
		}
		avgMS := (st.latencySum / time.Duration(st.responses)).Milliseconds()
		candidate := int(avgMS)/delayDivisor + delayFloor
		if candidate > best {
			best = candidate
		}
		any = true
	}
	if !any {
		return
	}
	m.setDelay(best)
}

func (m *Master) setDelay(d int) {
	m.delay = d
	if m.ctrl != nil {
		m.ctrl.SetDelay(d)
	}
}
