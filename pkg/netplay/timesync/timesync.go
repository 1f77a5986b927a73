// Package timesync runs the master/follower start-time agreement: slot 0
// pings every other peer to measure latency, derives a lockstep input delay
// large enough to hide typical jitter, and advises followers of a common
// start instant; followers average repeated advisories into a start-time
// estimate and exit once that instant arrives.
package timesync

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/anuraeng/netplay/pkg/netplay/transport"
	"github.com/anuraeng/netplay/pkg/netplay/wire"
)

const (
	pingInterval     = 10 * time.Millisecond
	followerInterval = 1 * time.Millisecond
	delayDivisor     = 40
	delayFloor       = 2
	windowCapacity   = 5
)

// startOffset and delayDecisionAt are vars, not consts, so tests can shrink
// the ~1 second bootstrap deadline instead of waiting it out for real.
var (
	startOffset     = 1000 * time.Millisecond
	delayDecisionAt = 500 * time.Millisecond
)

// Result is what either role produces once its loop exits: the lockstep
// delay this process has published to the controls module.
type Result struct {
	Delay int
}

// SeedFunc seeds the game's shared pseudo-random number generator. It is
// called exactly once, after either role's loop exits, as a deterministic
// synchronization point for every peer's simulation. The core never
// implements the generator itself; see pkg/controls for the same pattern
// applied to input serialization.
type SeedFunc func()

// answerLateConfirm replies to a stray hole-punch packet arriving during
// time sync: by now every peer this process cares about is confirmed, so
// the reply always claims "I see you".
func answerLateConfirm(tr *transport.Transport, sid wire.SessionID, self int, from netip.AddrPort, b []byte) bool {
	if _, _, _, ok := wire.DecodeConfirm(b); !ok {
		return false
	}
	ack := wire.EncodeConfirm(sid, self, true)
	tr.SendTo(from, ack)
	return true
}

// pingTail formats the ASCII payload following a ping's session id.
func pingTail(id uint64, startInMS int64, delay int) []byte {
	return []byte(fmt.Sprintf("%d %d %d", id, startInMS, delay))
}

func parsePingTail(tail []byte) (id uint64, startInMS int64, delay int, ok bool) {
	fields := strings.Fields(string(tail))
	if len(fields) != 3 {
		return
	}
	var err error
	if id, err = strconv.ParseUint(fields[0], 10, 64); err != nil {
		return
	}
	if startInMS, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
		return
	}
	d, err := strconv.Atoi(fields[2])
	if err != nil {
		return
	}
	delay = d
	ok = true
	return
}
