// Package wire implements the connectionless packet framing shared by every
// phase of a netplay session: the rendezvous keepalive, the hole-punch
// confirmation dance, master/follower ping exchange, and the steady-state
// input frames. A single leading byte discriminates the packet kind so a
// late packet from an earlier phase is harmless (it just gets dropped by
// whichever phase is current).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SessionID is the 32-bit opaque token the rendezvous server assigns to a
// session. It is carried verbatim in every packet's bytes 1..4 (where
// present) so a receiver can attribute packets to senders even when the
// sender's apparent address changes mid-session.
type SessionID [4]byte

// String returns the session id hex-encoded as a little-endian 32-bit value,
// so the last wire byte is printed first.
func (s SessionID) String() string {
	return fmt.Sprintf("%08x", binary.LittleEndian.Uint32(s[:]))
}

// Kind identifies the first byte of a connectionless netplay packet.
type Kind byte

const (
	KindKeepalive  Kind = 'Z' // length 5: keepalive to the rendezvous server
	KindPortProbe  Kind = '.' // length 1: one-shot, forces local port allocation
	KindConfirmAck Kind = 'a' // length 6: hole-punch, "I see you"
	KindConfirm    Kind = 'A' // length 6: hole-punch, "I don't see you yet"
	KindPing       Kind = 'P' // length > 5: ping/echo
	KindControl    Kind = 'C' // length >= 5: input frame
)

// Sniff returns the Kind of b without validating its length, or 0 if b is
// empty.
func Sniff(b []byte) Kind {
	if len(b) == 0 {
		return 0
	}
	return Kind(b[0])
}

// EncodeKeepalive builds the Z-packet sent to the rendezvous server while
// waiting for the START message.
func EncodeKeepalive(sid SessionID) []byte {
	b := make([]byte, 0, 5)
	b = append(b, byte(KindKeepalive))
	b = append(b, sid[:]...)
	return b
}

// EncodePortProbe builds the one-shot packet sent to force local UDP port
// allocation before the client reports its port to the rendezvous server.
func EncodePortProbe() []byte {
	return []byte{byte(KindPortProbe)}
}

// EncodeConfirm builds a hole-punch confirmation packet. seen reports
// whether the sender has already heard from the recipient; it becomes the
// lowercase/uppercase bit of byte 0.
func EncodeConfirm(sid SessionID, self int, seen bool) []byte {
	b := make([]byte, 6)
	if seen {
		b[0] = byte(KindConfirmAck)
	} else {
		b[0] = byte(KindConfirm)
	}
	copy(b[1:5], sid[:])
	b[5] = byte(self)
	return b
}

// ErrMalformed indicates a packet is too short or otherwise doesn't match the
// expected framing for its kind.
var ErrMalformed = errors.New("malformed packet")

// DecodeConfirm parses a hole-punch confirmation packet. ok is false if b is
// not a well-formed confirmation packet (wrong length or kind).
func DecodeConfirm(b []byte) (sid SessionID, slot int, seen bool, ok bool) {
	if len(b) != 6 {
		return
	}
	switch Kind(b[0]) {
	case KindConfirm:
		seen = false
	case KindConfirmAck:
		seen = true
	default:
		return
	}
	copy(sid[:], b[1:5])
	slot = int(b[5])
	ok = true
	return
}

// EncodePing builds a ping/echo packet. tail is the ASCII payload following
// the session id; its exact bytes are later echoed verbatim so the sender
// can match replies to outstanding pings.
func EncodePing(sid SessionID, tail []byte) []byte {
	b := make([]byte, 0, 5+len(tail))
	b = append(b, byte(KindPing))
	b = append(b, sid[:]...)
	b = append(b, tail...)
	return b
}

// DecodePing parses a ping/echo packet, returning the tail bytes following
// the session id. ok is false unless len(b) > 5 and b is a 'P' packet.
func DecodePing(b []byte) (sid SessionID, tail []byte, ok bool) {
	if len(b) <= 5 || Kind(b[0]) != KindPing {
		return
	}
	copy(sid[:], b[1:5])
	tail = b[5:]
	ok = true
	return
}

// RewriteSessionID overwrites the session-id bytes of a ping packet in
// place, used by a follower to stamp its own id onto a ping before echoing
// it back to the master.
func RewriteSessionID(pkt []byte, sid SessionID) {
	if len(pkt) >= 5 {
		copy(pkt[1:5], sid[:])
	}
}

// EncodeControl builds an input-frame packet: the session id followed by an
// opaque controls-module payload.
func EncodeControl(sid SessionID, payload []byte) []byte {
	b := make([]byte, 0, 5+len(payload))
	b = append(b, byte(KindControl))
	b = append(b, sid[:]...)
	b = append(b, payload...)
	return b
}

// DecodeControl parses an input-frame packet, returning its payload. ok is
// false unless len(b) >= 5 and b is a 'C' packet.
func DecodeControl(b []byte) (sid SessionID, payload []byte, ok bool) {
	if len(b) < 5 || Kind(b[0]) != KindControl {
		return
	}
	copy(sid[:], b[1:5])
	payload = b[5:]
	ok = true
	return
}
