// Package netplay is the Session Manager: it owns a session's lifetime end
// to end, composing the rendezvous, hole-punch, time-sync, and broadcast
// components behind the three operations a host game loop calls. It follows
// the same shape as pkg/atlas.Server — one struct built by a constructor from
// a Config, wiring sub-components together — but pumped cooperatively by the
// caller instead of driven by goroutines-per-listener, per the protocol's
// single-threaded concurrency model.
package netplay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anuraeng/netplay/pkg/controls"
	"github.com/anuraeng/netplay/pkg/netplay/broadcast"
	"github.com/anuraeng/netplay/pkg/netplay/holepunch"
	"github.com/anuraeng/netplay/pkg/netplay/rendezvous"
	"github.com/anuraeng/netplay/pkg/netplay/timesync"
	"github.com/anuraeng/netplay/pkg/netplay/transport"
	"github.com/anuraeng/netplay/pkg/netplay/wire"
)

// State is one point in the session's strictly-forward state machine.
type State int

const (
	Disconnected State = iota
	Connected
	RosterKnown
	HolePunched
	TimeSynced
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case RosterKnown:
		return "roster_known"
	case HolePunched:
		return "hole_punched"
	case TimeSynced:
		return "time_synced"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// dialTimeout bounds the initial rendezvous TCP connect and session-id read.
const dialTimeout = 10 * time.Second

// Session is the Session Manager component: one in-progress or completed
// netplay session. The zero value is not usable; construct with New.
type Session struct {
	cfg  Config
	log  zerolog.Logger
	ctrl controls.Controller
	seed timesync.SeedFunc

	state State

	tr  *transport.Transport
	rc  *rendezvous.Client
	ros *wire.Roster
	sid wire.SessionID

	hp       *holepunch.Coordinator
	master   *timesync.Master
	follower *timesync.Follower
	delay    int
	bc       *broadcast.Broadcaster

	metricsInit sync.Once
	metricsObj  sessionMetrics

	// dial defaults to rendezvous.Dial against cfg.Server; overridable so
	// tests can point a Session at an arbitrary address instead of the
	// well-known rendezvous.Port.
	dial func(server string, timeout time.Duration) (*rendezvous.Client, error)
}

// New creates a Session. ctrl must not be nil; seed may be nil, in which
// case the shared RNG is simply never re-seeded by this session (useful for
// tests that don't care about synchronized randomness). log defaults to
// zerolog.Nop() if its zero value is passed.
func New(cfg Config, ctrl controls.Controller, log zerolog.Logger, seed timesync.SeedFunc) *Session {
	return &Session{cfg: cfg, ctrl: ctrl, log: log, seed: seed, state: Disconnected, dial: rendezvous.Dial}
}

// State reports the session's current point in the bootstrap state machine.
func (s *Session) State() State {
	return s.state
}

// Ready reports whether bootstrap has completed and SendAndReceive may be
// called, mirroring the original's ready_to_start completion flag.
func (s *Session) Ready() bool {
	return s.state == Running
}

// Delay returns the lockstep input delay, in frames, agreed on during
// time-sync. It is 0 until the session reaches TimeSynced.
func (s *Session) Delay() int {
	return s.delay
}

// SetupNetworkedGame is operation (1): dial the rendezvous server, bind the
// local datagram socket, and report readiness. On return the session is
// Connected; the caller should then drive SyncStartTime.
func (s *Session) SetupNetworkedGame(ctx context.Context) error {
	if s.state != Disconnected {
		return wire.Fatal(wire.ProtocolViolation, "setup networked game",
			fmt.Errorf("session is %s, expected %s", s.state, Disconnected))
	}

	tr, err := transport.Listen(netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	if err != nil {
		return wire.Fatal(wire.ConnectFailure, "bind datagram socket", err)
	}

	rc, err := s.dial(s.cfg.Server, dialTimeout)
	if err != nil {
		tr.Close()
		return err
	}

	s.tr = tr
	s.rc = rc
	s.sid = rc.SessionID()

	// A one-shot packet to the server, sent before the local port is read
	// back for READY/..., so the kernel has already picked (and, on a
	// symmetric NAT, the gateway has already mapped) the ephemeral port this
	// session will report. The original sends this same byte for the same
	// reason; it carries no payload and expects no reply.
	if err := s.tr.SendTo(s.rc.ServerDatagramAddr(), wire.EncodePortProbe()); err != nil {
		s.log.Debug().Err(err).Msg("setup: port probe send failed")
	}

	localHost, _, err := net.SplitHostPort(s.rc.LocalAddr().String())
	if err != nil {
		s.teardown()
		return wire.Fatal(wire.ConnectFailure, "determine local address", err)
	}

	if err := s.rc.SendReady(s.cfg.GameID, s.cfg.NumPlayers, localHost, int(s.tr.LocalAddrPort().Port())); err != nil {
		s.teardown()
		return err
	}

	s.state = Connected
	return nil
}

// SyncStartTime is operation (2): it repeatedly pumps the roster-wait,
// hole-punch, and time-sync state machines, calling idleFn between every
// cycle (a nil idleFn is treated as always-continue). If idleFn returns
// false, or ctx is cancelled, the session is torn down with a UserAbort
// error. On success the session is Running and SendAndReceive may be called.
func (s *Session) SyncStartTime(ctx context.Context, idleFn func() bool) error {
	if s.state != Connected {
		return wire.Fatal(wire.ProtocolViolation, "sync start time",
			fmt.Errorf("session is %s, expected %s", s.state, Connected))
	}

	if err := s.awaitRoster(ctx, idleFn); err != nil {
		s.fail(err)
		return err
	}
	s.state = RosterKnown

	if err := s.runHolePunch(ctx, idleFn); err != nil {
		s.fail(err)
		return err
	}
	s.state = HolePunched

	if err := s.runTimeSync(ctx, idleFn); err != nil {
		s.fail(err)
		return err
	}
	s.state = TimeSynced

	s.bc = broadcast.New(s.tr, s.ros, s.sid, s.ctrl, s.log, s.cfg.FakeLagMS)
	s.state = Running
	return nil
}

// SendAndReceive is operation (3): one frame of the steady-state input
// exchange. It is only valid once the session is Running.
func (s *Session) SendAndReceive() error {
	if s.state != Running {
		return wire.Fatal(wire.ProtocolViolation, "send and receive",
			fmt.Errorf("session is %s, expected %s", s.state, Running))
	}
	if err := s.bc.SendAndReceive(); err != nil {
		return err
	}
	s.m().broadcast_frames_sent_total.Inc()
	return nil
}

// Pump advances whichever bootstrap phase is currently in progress by
// exactly one cycle, for a host that prefers to drive bootstrap from its own
// per-tick callback instead of handing SyncStartTime a blocking idleFn loop
// (mirroring the original's scripting-exposed pump entrypoint). It returns
// ErrDone once the session has reached Running.
//
// Pump and SyncStartTime must not be mixed on the same Session: once a
// caller starts bootstrapping with one, it should finish with the same one.
func (s *Session) Pump() error {
	switch s.state {
	case Disconnected:
		return wire.Fatal(wire.ProtocolViolation, "pump", errors.New("call SetupNetworkedGame first"))
	case Connected:
		ros, ok, err := s.pollRosterOnce()
		if err != nil {
			s.fail(err)
			return err
		}
		if ok {
			s.ros = ros
			s.state = RosterKnown
			s.hp = holepunch.New(s.tr, s.ros, s.sid, s.log)
		}
		return nil
	case RosterKnown:
		done, err := s.hp.Step()
		s.m().holepunch_cycles_total.Inc()
		if err != nil {
			s.fail(err)
			return err
		}
		if done {
			s.state = HolePunched
			s.startTimeSync()
		}
		return nil
	case HolePunched:
		done, err := s.stepTimeSync()
		if err != nil {
			s.fail(err)
			return err
		}
		if done {
			s.state = TimeSynced
			s.bc = broadcast.New(s.tr, s.ros, s.sid, s.ctrl, s.log, s.cfg.FakeLagMS)
			s.state = Running
		}
		return nil
	case Running:
		return ErrDone
	default:
		return wire.Fatal(wire.ProtocolViolation, "pump", fmt.Errorf("session is %s", s.state))
	}
}

// ErrDone is returned by Pump once the session has finished bootstrapping.
var ErrDone = errors.New("netplay: session already running")

// fail records a fatal error's kind in the error-count metric, moves the
// session to Terminated, and releases its resources.
func (s *Session) fail(err error) {
	var e *wire.Error
	kind := "unknown"
	if errors.As(err, &e) {
		kind = string(e.Kind)
	}
	s.m().session_errors_total(kind).Inc()
	s.state = Terminated
	s.teardown()
}

// Close releases the session's socket and rendezvous connection regardless
// of its current state. It is safe to call more than once.
func (s *Session) Close() error {
	s.teardown()
	return nil
}

func (s *Session) teardown() {
	if s.rc != nil {
		s.rc.Close()
		s.rc = nil
	}
	if s.tr != nil {
		s.tr.Close()
		s.tr = nil
	}
}

// pumpIdle checks ctx and calls idleFn once, returning a UserAbort error if
// either requests cancellation.
func (s *Session) pumpIdle(ctx context.Context, idleFn func() bool) error {
	if err := ctx.Err(); err != nil {
		return wire.Fatal(wire.UserAbort, "sync start time", err)
	}
	if idleFn != nil && !idleFn() {
		return wire.Fatal(wire.UserAbort, "sync start time", errors.New("idle callback requested abort"))
	}
	return nil
}

// awaitRoster polls the rendezvous stream for the START message, sending a
// keepalive and pacing with a short sleep between polls, until either the
// roster arrives or the host aborts.
func (s *Session) awaitRoster(ctx context.Context, idleFn func() bool) error {
	const pollInterval = 10 * time.Millisecond
	for {
		if err := s.pumpIdle(ctx, idleFn); err != nil {
			return err
		}

		ros, ok, err := s.pollRosterOnce()
		if err != nil {
			return err
		}
		if ok {
			s.ros = ros
			return nil
		}

		time.Sleep(pollInterval)
	}
}

func (s *Session) pollRosterOnce() (*wire.Roster, bool, error) {
	ros, ok, err := s.rc.PollStart(s.cfg.RelayThroughServer)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return ros, true, nil
	}
	if err := s.tr.SendTo(s.rc.ServerDatagramAddr(), wire.EncodeKeepalive(s.sid)); err != nil {
		s.log.Debug().Err(err).Msg("sync start time: rendezvous keepalive failed")
	}
	return nil, false, nil
}

// runHolePunch drives the hole-punch Coordinator to completion, pacing with
// its cycle interval and checking idleFn/ctx once per cycle.
func (s *Session) runHolePunch(ctx context.Context, idleFn func() bool) error {
	const cycleInterval = 10 * time.Millisecond

	s.hp = holepunch.New(s.tr, s.ros, s.sid, s.log)
	for {
		if err := s.pumpIdle(ctx, idleFn); err != nil {
			return err
		}

		done, err := s.hp.Step()
		s.m().holepunch_cycles_total.Inc()
		s.m().holepunch_confirmations_total.Set(uint64(s.hp.ConfirmedCount()))
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		time.Sleep(cycleInterval)
	}
}

// startTimeSync creates whichever role this slot plays, for Pump's
// step-at-a-time driving.
func (s *Session) startTimeSync() {
	if s.ros.Self == 0 {
		s.master = timesync.NewMaster(s.tr, s.ros, s.sid, s.ctrl, s.log, s.seed)
		s.master.Start()
	} else {
		s.follower = timesync.NewFollower(s.tr, s.ros, s.sid, s.ctrl, s.log, s.seed)
	}
}

func (s *Session) stepTimeSync() (done bool, err error) {
	if s.ros.Self == 0 {
		done, err = s.master.Step()
		if done && err == nil {
			s.delay = s.master.Delay()
		}
		return done, err
	}
	done, err = s.follower.Step()
	if done && err == nil {
		s.delay = s.follower.Delay()
	}
	return done, err
}

// runTimeSync drives the master or follower role (per this slot) to
// completion, pacing with its own interval and checking idleFn/ctx once per
// cycle.
func (s *Session) runTimeSync(ctx context.Context, idleFn func() bool) error {
	const (
		masterInterval   = 10 * time.Millisecond
		followerInterval = time.Millisecond
	)

	s.startTimeSync()
	interval := masterInterval
	if s.ros.Self != 0 {
		interval = followerInterval
	}

	for {
		if err := s.pumpIdle(ctx, idleFn); err != nil {
			return err
		}

		done, err := s.stepTimeSync()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		time.Sleep(interval)
	}
}
