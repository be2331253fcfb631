package seed

import (
	"github.com/jech/swarmcore/bitmap"
	"github.com/jech/swarmcore/choker"
	"github.com/jech/swarmcore/connecter"
)

// downloadPeer is a peer that exposes its download.
type downloadPeer interface {
	Download() connecter.Download
}

// Picker chooses the pieces advertised to peers when super-seeding.
// Each peer is shown a single piece, the one advertised least so far
// among those it lacks, and is only shown another one once the previous
// piece has been seen propagating to other peers.
type Picker struct {
	numPieces  int
	superSeed  bool
	advertised []int
	gotHaves   map[int]int
	current    map[choker.Peer]int
}

func (pk *Picker) SuperSeed() bool {
	return pk.superSeed
}

func (pk *Picker) SetSuperSeed() {
	pk.superSeed = true
}

func have(p choker.Peer) *bitmap.Bitfield {
	dp, ok := p.(downloadPeer)
	if !ok {
		return nil
	}
	d, ok := dp.Download().(*Download)
	if !ok {
		return nil
	}
	return d.have
}

// NextHave implements choker.Picker.
func (pk *Picker) NextHave(p choker.Peer, wantMore bool) (int, bool, bool) {
	if !pk.superSeed {
		return 0, false, false
	}
	bf := have(p)
	if bf == nil {
		return 0, false, false
	}
	if bf.Complete() {
		return 0, false, true
	}
	if last, ok := pk.current[p]; ok {
		num := 2
		if wantMore {
			num = 1
		}
		if pk.gotHaves[last] < num {
			return 0, false, false
		}
	}

	best := -1
	for i := 0; i < pk.numPieces; i++ {
		if bf.Get(i) {
			continue
		}
		if best < 0 || pk.advertised[i] < pk.advertised[best] {
			best = i
		}
	}
	if best < 0 {
		return 0, false, true
	}
	pk.advertised[best]++
	pk.gotHaves[best] = 0
	pk.current[p] = best
	return best, true, false
}

// gotHave notes that a peer announced a piece.
func (pk *Picker) gotHave(index int) {
	if !pk.superSeed {
		return
	}
	if _, ok := pk.gotHaves[index]; ok {
		pk.gotHaves[index]++
	}
}

func (pk *Picker) LostPeer(p choker.Peer) {
	delete(pk.current, p)
}
