package wire

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the fatal errors a netplay session can report. Every
// kind other than TransientDrop tears the session down; TransientDrop is
// never returned to a caller, it just documents why a packet was ignored.
type ErrorKind string

const (
	// ConnectFailure: the rendezvous server could not be reached.
	ConnectFailure ErrorKind = "connect_failure"

	// ProtocolViolation: the rendezvous server (or a peer, for ping echoes)
	// sent something that doesn't match the expected framing.
	ProtocolViolation ErrorKind = "protocol_violation"

	// HolePunchTimeout: the confirmation loop ended without hearing from
	// every peer.
	HolePunchTimeout ErrorKind = "hole_punch_timeout"

	// UserAbort: the host's idle callback asked for cancellation.
	UserAbort ErrorKind = "user_abort"

	// TransientDrop: a short, unrecognized, or out-of-phase datagram. Never
	// surfaced as an error; listed here only so the full error-kind
	// taxonomy of the protocol lives in one place.
	TransientDrop ErrorKind = "transient_drop"
)

// Error is the single opaque session error surfaced to the host for every
// fatal condition. A session that returns one cannot be resumed; the host
// must start a new session.
type Error struct {
	Kind ErrorKind
	Op   string // what was being attempted, e.g. "dial rendezvous server"
	Err  error  // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("netplay: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("netplay: %s", e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is (or wraps) an *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// Fatal wraps err (which may be nil) as a fatal *Error of kind k describing
// op. If err is nil, Fatal returns nil.
func Fatal(k ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}
