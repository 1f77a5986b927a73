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

// Follower is the time-sync role run by every slot other than 0. It echoes
// the master's pings back (after stamping its own session id on them so the
// master's echo-matching sees a packet distinct from what it sent) and
// folds each advisory into a bounded window of start-time estimates.
type Follower struct {
	tr  *transport.Transport
	ros *wire.Roster
	sid wire.SessionID
	ctrl controls.Controller
	log zerolog.Logger
	seed SeedFunc

	window []time.Time
	delay  int
}

// NewFollower creates a Follower.
func NewFollower(tr *transport.Transport, ros *wire.Roster, sid wire.SessionID, ctrl controls.Controller, log zerolog.Logger, seed SeedFunc) *Follower {
	return &Follower{tr: tr, ros: ros, sid: sid, ctrl: ctrl, log: log, seed: seed}
}

// Delay returns the lockstep delay received from the master so far (0
// before the first ping with a nonzero delay arrives).
func (f *Follower) Delay() int {
	return f.delay
}

// Step drains whatever datagrams are currently buffered. done is true once
// the start-time window is non-empty and its mean has arrived, at which
// point the shared RNG has been seeded.
//
// Step is the unit the Session Manager pumps directly so it can interleave
// the host's idle callback between cycles; Run below is a convenience
// driver for standalone callers.
func (f *Follower) Step() (done bool, err error) {
	if err := f.drain(); err != nil {
		var we *wire.Error
		if errors.As(err, &we) {
			return true, err
		}
		return true, wire.Fatal(wire.ConnectFailure, "time-sync follower read", err)
	}

	if len(f.window) > 0 && !time.Now().Before(f.windowMean()) {
		if f.seed != nil {
			f.seed()
		}
		return true, nil
	}
	return false, nil
}

// Run drives Step to completion, sleeping followerInterval between cycles
// and checking ctx once per cycle.
func (f *Follower) Run(ctx context.Context) (Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, wire.Fatal(wire.UserAbort, "time-sync follower", err)
		}
		done, err := f.Step()
		if done {
			if err != nil {
				return Result{}, err
			}
			return Result{Delay: f.delay}, nil
		}
		time.Sleep(followerInterval)
	}
}

// drain processes every currently buffered datagram. It returns the first
// ProtocolViolation encountered from an unrecognisable ping (spec.md §7),
// continuing to drain the rest of the batch first so a single bad packet
// doesn't leave later, valid ones unread.
func (f *Follower) drain() error {
	var perr error
	if err := f.tr.Drain(func(b []byte, from netip.AddrPort) {
		switch wire.Sniff(b) {
		case wire.KindPing:
			if err := f.handlePing(b, from); err != nil && perr == nil {
				perr = err
			}
		case wire.KindConfirm, wire.KindConfirmAck:
			answerLateConfirm(f.tr, f.sid, f.ros.Self, from, b)
		}
	}); err != nil {
		return err
	}
	return perr
}

// handlePing processes one 'P' packet received from the master. A packet
// that fails to decode as a ping, or whose tail doesn't parse, is an
// unrecognised ping echo: spec.md §7 names this a fatal ProtocolViolation.
func (f *Follower) handlePing(b []byte, from netip.AddrPort) error {
	wire.RewriteSessionID(b, f.sid)

	_, tail, ok := wire.DecodePing(b)
	if !ok {
		return wire.Fatal(wire.ProtocolViolation, "time-sync follower: decode ping", fmt.Errorf("malformed ping packet (%d bytes)", len(b)))
	}
	_, startInMS, delay, ok := parsePingTail(tail)
	if !ok {
		return wire.Fatal(wire.ProtocolViolation, "time-sync follower: parse ping", fmt.Errorf("unparseable ping tail %q", tail))
	}

	f.pushWindow(time.Now().Add(time.Duration(startInMS) * time.Millisecond))

	if delay > 0 {
		f.delay = delay
		if f.ctrl != nil {
			f.ctrl.SetDelay(delay)
		}
	}

	master := f.ros.Addr(0)
	if from != master {
		// The master's own outgoing address may differ from what the
		// roster currently holds if it was learned late; reply to where
		// the ping actually came from.
		master = from
	}
	if err := f.tr.SendTo(master, b); err != nil {
		f.log.Debug().Err(err).Msg("time-sync: ping echo failed")
	}
	return nil
}

func (f *Follower) pushWindow(t time.Time) {
	f.window = append(f.window, t)
	if len(f.window) > windowCapacity {
		f.window = f.window[len(f.window)-windowCapacity:]
	}
}

func (f *Follower) windowMean() time.Time {
	var sum int64
	for _, t := range f.window {
		sum += t.UnixNano()
	}
	return time.Unix(0, sum/int64(len(f.window)))
}
