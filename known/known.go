// Package known maintains the list of peers we know about but are not
// necessarily connected to.
package known

import (
	"cmp"
	"math/rand/v2"
	"net"
	"slices"
	"time"

	"github.com/jech/swarmcore/clock"
	"github.com/jech/swarmcore/hash"
)

type Peer struct {
	Addr               net.TCPAddr
	Id                 hash.Hash
	ConfiguredTime     time.Time
	PEXTime            time.Time
	SeenTime           time.Time
	ActiveTime         time.Time
	ConnectAttemptTime time.Time
	BadTime            time.Time
	Attempts           uint
	Badness            int
	Version            string
}

type key struct {
	ip   [16]byte
	port uint16
}

type Kind int

const (
	None Kind = iota
	Configured
	PEX
	Seen
	Active
	ConnectAttempt
	Good
	Bad
)

// Peers is a set of known peers indexed by address.  It is not
// thread-safe.
type Peers struct {
	clock clock.Clock
	peers map[key]*Peer
}

func New(c clock.Clock) *Peers {
	return &Peers{clock: c, peers: make(map[key]*Peer)}
}

func (ps *Peers) update(kp *Peer, version string, kind Kind) {
	now := ps.clock.Now()
	switch kind {
	case None:
	case Configured:
		kp.ConfiguredTime = now
	case PEX:
		kp.PEXTime = now
	case Seen:
		kp.SeenTime = now
	case Active:
		kp.ActiveTime = now
		kp.Attempts = 0
	case ConnectAttempt:
		kp.ConnectAttemptTime = now
		kp.Attempts++
	case Good:
		if kp.Badness > 0 {
			kp.Badness--
		}
	case Bad:
		kp.BadTime = now
		kp.Badness += 5
	default:
		panic("Unknown known type")
	}
	if version != "" {
		kp.Version = version
	}
}

// Recent returns true if we heard about kp recently enough for it to be
// worth connecting to.  Configured peers are always recent.
func (ps *Peers) Recent(kp *Peer) bool {
	if !kp.ConfiguredTime.IsZero() {
		return true
	}
	now := ps.clock.Now()
	return now.Sub(kp.ActiveTime) < time.Hour ||
		now.Sub(kp.SeenTime) < time.Hour ||
		now.Sub(kp.PEXTime) < time.Hour
}

func (kp *Peer) Bad() bool {
	return kp.Badness > 20
}

func (ps *Peers) age(kp *Peer) time.Duration {
	when := kp.ActiveTime
	for _, t := range []time.Time{kp.SeenTime, kp.PEXTime} {
		if t.After(when) {
			when = t
		}
	}
	return ps.clock.Now().Sub(when)
}

func (ps *Peers) Count() int {
	return len(ps.peers)
}

// Expire drops peers that we haven't heard about for an hour, and
// forgives old misbehaviour.
func (ps *Peers) Expire() {
	now := ps.clock.Now()
	for k, p := range ps.peers {
		if p.ConfiguredTime.IsZero() && ps.age(p) > time.Hour {
			delete(ps.peers, k)
			continue
		}
		if p.Badness > 0 && now.Sub(p.BadTime) > 15*time.Minute {
			p.Badness = 0
		}
	}
}

func toKey(ip net.IP, port int) key {
	k := key{}
	copy(k.ip[:], ip.To16())
	k.port = uint16(port)
	return k
}

// Find returns the known peer at ip and port, updated according to kind.
// If there is none and kind is not None, a new one is created.
func (ps *Peers) Find(ip net.IP, port int, id hash.Hash, version string,
	kind Kind) *Peer {

	if port <= 0 || port > 0xFFFF || ip == nil {
		return nil
	}

	key := toKey(ip, port)
	kp := ps.peers[key]

	if kp != nil {
		if id != (hash.Hash{}) {
			kp.Id = id
		}
		ps.update(kp, version, kind)
		return kp
	}

	if kind == None {
		return nil
	}

	if ip.IsUnspecified() || ip.IsMulticast() {
		return nil
	}
	kp = &Peer{Addr: net.TCPAddr{IP: ip, Port: port}, Id: id}
	ps.update(kp, version, kind)
	ps.peers[key] = kp
	return kp
}

// ConnectCandidates returns at most max peers worth dialing, the ones
// with fewest failed attempts first.  A peer that failed is retried
// after an exponential backoff, and abandoned after three attempts.
func (ps *Peers) ConnectCandidates(max int) []*Peer {
	peers := make([]*Peer, 0, len(ps.peers))
	for _, kp := range ps.peers {
		peers = append(peers, kp)
	}
	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	slices.SortStableFunc(peers, func(a, b *Peer) int {
		return cmp.Compare(a.Attempts, b.Attempts)
	})

	now := ps.clock.Now()
	var result []*Peer
	for _, kp := range peers {
		if len(result) >= max {
			break
		}
		if now.Sub(kp.ConnectAttemptTime) > time.Hour {
			kp.Attempts = 0
		}
		if !ps.Recent(kp) || kp.Bad() {
			continue
		}
		when := now.Sub(kp.ConnectAttemptTime)
		if kp.Attempts >= 3 ||
			when < time.Duration(1<<kp.Attempts)*time.Minute {
			continue
		}
		result = append(result, kp)
	}
	return result
}
