// Package pex implements the data structures used by BitTorrent peer
// exchange (ut_pex).
package pex

import (
	"math/rand/v2"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Peer represents a peer known or announced over PEX.
type Peer struct {
	IP    net.IP
	Port  int
	Flags byte
}

// PEX flags
const (
	Encrypt    = 0x01
	UploadOnly = 0x02
	Outgoing   = 0x10
)

// CompactLen is the length of an IPv4 peer in compact format.
const CompactLen = 6

var ErrCompactLength = errors.New("compact peer list has bad length")
var ErrFlagsLength = errors.New("peer flags do not match peer count")

// Equal returns true if two peers have the same socket address.
func (p Peer) Equal(q Peer) bool {
	return p.IP.Equal(q.IP) && p.Port == q.Port
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
}

// Find finds a peer in a list of peers.
func Find(p Peer, l []Peer) int {
	for i, q := range l {
		if p.Equal(q) {
			return i
		}
	}
	return -1
}

// ParseCompact parses a list of IPv4 peers in compact format.  If flags
// is not nil, it must carry exactly one byte per peer.
func ParseCompact(data []byte, flags []byte) ([]Peer, error) {
	if len(data)%CompactLen != 0 {
		return nil, errors.Wrapf(ErrCompactLength, "%v", len(data))
	}
	n := len(data) / CompactLen
	if flags != nil && len(flags) != n {
		return nil, errors.Wrapf(ErrFlagsLength,
			"%v flags for %v peers", len(flags), n)
	}

	peers := make([]Peer, 0, n)
	for i := 0; i < n; i++ {
		j := i * CompactLen
		ip := net.IP(make([]byte, 4))
		copy(ip, data[j:j+4])
		var flag byte
		if flags != nil {
			flag = flags[i]
		}
		port := 256*int(data[j+4]) + int(data[j+5])
		peers = append(peers, Peer{IP: ip, Port: port, Flags: flag})
	}
	return peers, nil
}

// FormatCompact formats a list of peers in compact format.  Peers that are
// not IPv4 are skipped.
func FormatCompact(peers []Peer) (data []byte, flags []byte) {
	for _, peer := range peers {
		v4 := peer.IP.To4()
		if v4 == nil {
			continue
		}
		data = append(data, v4...)
		data = append(data, byte(peer.Port>>8), byte(peer.Port&0xFF))
		flags = append(flags, peer.Flags)
	}
	return
}

// Sample shuffles peers in place and returns at most max of them.
func Sample(peers []Peer, max int) []Peer {
	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	if len(peers) > max {
		peers = peers[:max]
	}
	return peers
}

// MaxPerMessage is the maximum number of peers in either list of a single
// outgoing PEX message.
const MaxPerMessage = 50

// State tracks what has been announced to a single remote peer, so that
// only differences are sent.
type State struct {
	pending    []Peer
	pendingDel []Peer
	sent       []Peer
}

func remove(l []Peer, i int) []Peer {
	l = append(l[:i], l[i+1:]...)
	if len(l) == 0 {
		return nil
	}
	return l
}

// Add records that p is now part of the swarm.
func (state *State) Add(p Peer) {
	i := Find(p, state.pendingDel)
	if i >= 0 {
		state.pendingDel = remove(state.pendingDel, i)
		state.sent = append(state.sent, p)
		return
	}
	if Find(p, state.sent) >= 0 || Find(p, state.pending) >= 0 {
		return
	}
	state.pending = append(state.pending, p)
}

// Del records that p has left the swarm.
func (state *State) Del(p Peer) {
	i := Find(p, state.pending)
	if i >= 0 {
		state.pending = remove(state.pending, i)
		return
	}

	i = Find(p, state.sent)
	if i < 0 {
		return
	}
	state.sent = remove(state.sent, i)

	if Find(p, state.pendingDel) >= 0 {
		return
	}
	state.pendingDel = append(state.pendingDel, p)
}

// Next returns the peers to announce as added and dropped in the next
// message, at most MaxPerMessage of each, and marks them as sent.
func (state *State) Next() (added []Peer, dropped []Peer) {
	if len(state.pending) > MaxPerMessage {
		added = state.pending[:MaxPerMessage:MaxPerMessage]
		state.pending = state.pending[MaxPerMessage:]
	} else {
		added = state.pending
		state.pending = nil
	}
	if len(state.pendingDel) > MaxPerMessage {
		dropped = state.pendingDel[:MaxPerMessage:MaxPerMessage]
		state.pendingDel = state.pendingDel[MaxPerMessage:]
	} else {
		dropped = state.pendingDel
		state.pendingDel = nil
	}
	state.sent = append(state.sent, added...)
	return
}

// Known returns true if p has been announced or is pending announcement.
func (state *State) Known(p Peer) bool {
	return Find(p, state.sent) >= 0 || Find(p, state.pending) >= 0
}
