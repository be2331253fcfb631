package choker

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/swarmcore/clock"
	"github.com/jech/swarmcore/config"
)

type fakePeer struct {
	name       string
	choked     bool
	interested bool
	up, down   float64
	snubbed    bool
	haves      []int
	closed     bool
	choker     *Choker
}

func (p *fakePeer) Choked() bool          { return p.choked }
func (p *fakePeer) Interested() bool      { return p.interested }
func (p *fakePeer) UploadRate() float64   { return p.up }
func (p *fakePeer) DownloadRate() float64 { return p.down }
func (p *fakePeer) Snubbed() bool         { return p.snubbed }
func (p *fakePeer) Choke()                { p.choked = true }
func (p *fakePeer) Unchoke()              { p.choked = false }
func (p *fakePeer) SendHave(index int)    { p.haves = append(p.haves, index) }
func (p *fakePeer) String() string        { return p.name }

func (p *fakePeer) Close() {
	p.closed = true
	if p.choker != nil {
		p.choker.ConnectionLost(p)
	}
}

type fakePicker struct {
	next     map[*fakePeer]int
	useless  map[*fakePeer]bool
	lost     []Peer
	super    bool
	wantMore []bool
}

func (pk *fakePicker) NextHave(p Peer, wantMore bool) (int, bool, bool) {
	pk.wantMore = append(pk.wantMore, wantMore)
	fp := p.(*fakePeer)
	if pk.useless[fp] {
		return 0, false, true
	}
	i, ok := pk.next[fp]
	return i, ok, false
}

func (pk *fakePicker) LostPeer(p Peer) { pk.lost = append(pk.lost, p) }
func (pk *fakePicker) SetSuperSeed()   { pk.super = true }

type harness struct {
	choker  *Choker
	clock   *clock.Fake
	picker  *fakePicker
	seeding bool
}

func newHarness(t *testing.T, maxUploads int) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.MaxUploads = maxUploads
	cfg.MinUploads = min(cfg.MinUploads, maxUploads)
	h := &harness{
		clock: clock.NewFake(time.Unix(0, 0)),
		picker: &fakePicker{
			next:    make(map[*fakePeer]int),
			useless: make(map[*fakePeer]bool),
		},
	}
	h.choker = New(cfg, h.clock, h.picker, func() bool { return h.seeding },
		log.NewNopLogger(), NopMetrics())
	// append at the end, so that tests are deterministic
	h.choker.intn = func(n int) int { return n - 1 }
	return h
}

func (h *harness) add(n int, f func(i int, p *fakePeer)) []*fakePeer {
	var peers []*fakePeer
	for i := 0; i < n; i++ {
		p := &fakePeer{name: fmt.Sprint(i), choked: true, choker: h.choker}
		if f != nil {
			f(i, p)
		}
		h.choker.ConnectionMade(p)
		peers = append(peers, p)
	}
	return peers
}

func interestedUnchoked(peers []*fakePeer) int {
	n := 0
	for _, p := range peers {
		if !p.choked && p.interested {
			n++
		}
	}
	return n
}

func TestRateOrder(t *testing.T) {
	h := newHarness(t, 4)
	peers := h.add(10, func(i int, p *fakePeer) {
		p.interested = true
		p.down = float64(2000 + 1000*i)
	})
	h.choker.Rechoke()

	// the three fastest are preferred, and the first other interested
	// peer in list order gets the optimistic slot
	for i, p := range peers {
		expect := i >= 7 || i == 0
		assert.Equal(t, expect, !p.choked, "peer %v", i)
	}
	assert.Equal(t, 4, interestedUnchoked(peers))
}

func TestBound(t *testing.T) {
	for maxUploads := 1; maxUploads < 8; maxUploads++ {
		h := newHarness(t, maxUploads)
		peers := h.add(20, func(i int, p *fakePeer) {
			p.interested = i%3 != 0
			p.down = float64(500 * i)
			p.snubbed = i%5 == 0
		})
		h.choker.Rechoke()
		assert.LessOrEqual(t, interestedUnchoked(peers), maxUploads)
		assert.Equal(t, min(maxUploads, 13), interestedUnchoked(peers))
	}
}

func TestUninterestedOptimistic(t *testing.T) {
	h := newHarness(t, 2)
	peers := h.add(4, func(i int, p *fakePeer) {
		p.interested = i >= 2
		p.down = 5000
	})
	h.choker.Rechoke()
	// peer 2 is preferred, peers 0 and 1 are uninterested and come
	// before the first interested non-preferred peer
	assert.False(t, peers[0].choked)
	assert.False(t, peers[1].choked)
	assert.False(t, peers[2].choked)
	assert.False(t, peers[3].choked)
	assert.Equal(t, 2, interestedUnchoked(peers))
}

func TestSnubbedAndSlow(t *testing.T) {
	h := newHarness(t, 3)
	peers := h.add(5, func(i int, p *fakePeer) {
		p.interested = true
		p.down = 10000
	})
	peers[3].snubbed = true
	peers[4].down = 999
	peers[0].down = 0
	h.choker.Rechoke()
	// preferred: 1 and 2; optimistic: 0
	assert.False(t, peers[0].choked)
	assert.False(t, peers[1].choked)
	assert.False(t, peers[2].choked)
	assert.True(t, peers[3].choked)
	assert.True(t, peers[4].choked)
}

func TestSeedMode(t *testing.T) {
	h := newHarness(t, 3)
	h.seeding = true
	peers := h.add(5, func(i int, p *fakePeer) {
		p.interested = true
		p.up = float64(i * 100)
		p.snubbed = true
	})
	h.choker.Rechoke()
	assert.False(t, peers[4].choked)
	assert.False(t, peers[3].choked)
	assert.False(t, peers[0].choked)
	assert.True(t, peers[1].choked)
	assert.True(t, peers[2].choked)
}

func TestStableTies(t *testing.T) {
	h := newHarness(t, 3)
	peers := h.add(6, func(i int, p *fakePeer) {
		p.interested = true
		p.down = 5000
	})
	h.choker.Rechoke()
	for i, p := range peers {
		assert.Equal(t, i < 3, !p.choked, "peer %v", i)
	}
}

func TestPause(t *testing.T) {
	h := newHarness(t, 4)
	peers := h.add(3, func(i int, p *fakePeer) { p.interested = true })
	h.choker.Pause(true)
	for _, p := range peers {
		assert.True(t, p.choked)
	}
	h.choker.Tick()
	for _, p := range peers {
		assert.True(t, p.choked)
	}
	h.choker.Pause(false)
	assert.Equal(t, 3, interestedUnchoked(peers))
}

func TestRotation(t *testing.T) {
	h := newHarness(t, 1)
	peers := h.add(5, func(i int, p *fakePeer) {
		p.interested = true
	})
	// a single slot: only the optimistic unchoke
	h.choker.Rechoke()
	assert.False(t, peers[0].choked)
	assert.Equal(t, 1, interestedUnchoked(peers))

	h.clock.Advance(10 * time.Second)
	h.choker.Tick()
	assert.False(t, peers[0].choked)

	seen := map[*fakePeer]bool{}
	for i := 0; i < 5; i++ {
		h.clock.Advance(31 * time.Second)
		h.choker.Tick()
		require.Equal(t, 1, interestedUnchoked(peers))
		for _, p := range peers {
			if !p.choked {
				seen[p] = true
			}
		}
	}
	assert.Len(t, seen, 5)
}

func TestConnectionMadeBias(t *testing.T) {
	h := newHarness(t, 4)
	var positions []int
	h.choker.intn = func(n int) int {
		positions = append(positions, n)
		return 0
	}
	peers := h.add(3, nil)
	// randrange(-2, n+1) clamped at 0: always at the front here
	assert.Equal(t, []int{3, 4, 5}, positions)
	got := h.choker.Peers()
	assert.Equal(t, Peer(peers[2]), got[0])
	assert.Equal(t, Peer(peers[0]), got[2])
}

func TestConnectionLost(t *testing.T) {
	h := newHarness(t, 2)
	peers := h.add(3, func(i int, p *fakePeer) {
		p.interested = true
		p.down = float64(5000 - i)
	})
	h.choker.Rechoke()
	require.False(t, peers[0].choked)
	require.False(t, peers[1].choked)
	require.True(t, peers[2].choked)

	h.choker.ConnectionLost(peers[0])
	assert.Equal(t, []Peer{peers[0]}, h.picker.lost)
	assert.False(t, peers[2].choked)
	assert.Len(t, h.choker.Peers(), 2)

	h.choker.ConnectionLost(peers[0])
	assert.Len(t, h.picker.lost, 1)
}

func TestNotInterested(t *testing.T) {
	h := newHarness(t, 2)
	peers := h.add(3, func(i int, p *fakePeer) {
		p.interested = true
		p.down = float64(5000 - i)
	})
	h.choker.Rechoke()
	require.True(t, peers[2].choked)
	peers[1].interested = false
	h.choker.NotInterested(peers[1])
	assert.False(t, peers[2].choked)
}

func TestSetMaxUploads(t *testing.T) {
	h := newHarness(t, 2)
	peers := h.add(8, func(i int, p *fakePeer) {
		p.interested = true
		p.down = 5000
	})
	h.choker.Rechoke()
	assert.Equal(t, 2, interestedUnchoked(peers))
	h.choker.SetMaxUploads(6)
	assert.Equal(t, 6, interestedUnchoked(peers))
	h.choker.SetMaxUploads(0)
	assert.Equal(t, h.choker.minUploads, h.choker.MaxUploads())
}

func TestSuperSeed(t *testing.T) {
	h := newHarness(t, 4)
	old := h.add(2, nil)
	h.choker.SetSuperSeed()
	assert.True(t, h.picker.super)
	assert.True(t, old[0].closed)
	assert.True(t, old[1].closed)
	assert.Empty(t, h.choker.Peers())

	peers := h.add(3, func(i int, p *fakePeer) { p.interested = true })
	h.picker.next[peers[0]] = 7
	h.picker.useless[peers[1]] = true
	h.choker.Tick()
	assert.Equal(t, []int{7}, peers[0].haves)
	assert.True(t, peers[1].closed)
	assert.Empty(t, peers[2].haves)
	assert.Len(t, h.choker.Peers(), 2)
	for _, w := range h.picker.wantMore {
		assert.True(t, w)
	}
}
