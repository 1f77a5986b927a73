// Package controls defines the boundary between a netplay session and the
// game's own input serialization, exactly the way spec.md treats it: an
// external collaborator the core never implements, only calls.
package controls

// Controller is satisfied by the game's controls module. netplay never
// constructs frame payloads itself; it only appends/consumes through this
// interface so the wire format of a frame's payload stays entirely the
// game's concern.
type Controller interface {
	// WriteControlPacket appends the local frame's serialized inputs to buf
	// and returns the result.
	WriteControlPacket(buf []byte) []byte

	// ReadControlPacket consumes a peer's frame payload.
	ReadControlPacket(payload []byte)

	// SetDelay sets the number of frames of lockstep input delay the local
	// player should run ahead by.
	SetDelay(frames int)

	// NumPlayers returns the number of local players sharing this session
	// (not the number of network peers). The steady-state input broadcast's
	// single-player short-circuit goes by the roster size, not by this value.
	NumPlayers() int
}
