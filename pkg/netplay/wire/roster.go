package wire

import "net/netip"

// Peer is one entry of the endpoint table: a player slot and the datagram
// address last observed for it. The self slot's Addr is always the zero
// value and is never used.
type Peer struct {
	Slot int
	Addr netip.AddrPort
}

// Roster is the ordered endpoint table learned from the rendezvous server
// and refined during the hole-punch phase. It is not safe for concurrent
// use; like the rest of a netplay session it is owned by a single pump
// loop.
type Roster struct {
	Self  int
	Peers []Peer
}

// NewRoster creates a roster for n players with the given self slot. All
// peer addresses are zero until set.
func NewRoster(self, n int) *Roster {
	peers := make([]Peer, n)
	for i := range peers {
		peers[i].Slot = i
	}
	return &Roster{Self: self, Peers: peers}
}

// N returns the number of players in the session, including self.
func (r *Roster) N() int {
	return len(r.Peers)
}

// Addr returns the current datagram address for slot.
func (r *Roster) Addr(slot int) netip.AddrPort {
	return r.Peers[slot].Addr
}

// SetAddr replaces the stored address for slot, implementing the address-
// learning invariant: after a successful hole-punch exchange with a peer,
// outgoing traffic uses the last observed source address for that peer.
func (r *Roster) SetAddr(slot int, addr netip.AddrPort) {
	r.Peers[slot].Addr = addr
}

// Each calls fn for every peer slot other than self.
func (r *Roster) Each(fn func(slot int, addr netip.AddrPort)) {
	for _, p := range r.Peers {
		if p.Slot == r.Self {
			continue
		}
		fn(p.Slot, p.Addr)
	}
}
