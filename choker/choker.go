// Package choker decides which peers we upload to.  Peers are ranked by
// the rate at which they give us data, or in seed mode by the rate at
// which they take it, and one extra slot rotates optimistically through
// the rest.
package choker

import (
	"math/rand/v2"
	"slices"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/jech/swarmcore/clock"
	"github.com/jech/swarmcore/config"
)

// TickInterval is the period at which Tick must be called.
const TickInterval = 5 * time.Second

// Peer is the choker's view of a connection.
type Peer interface {
	// Choked returns true if we are choking the peer.
	Choked() bool
	// Interested returns true if the peer is interested in us.
	Interested() bool
	UploadRate() float64
	DownloadRate() float64
	Snubbed() bool
	Choke()
	Unchoke()
	SendHave(index int)
	Close()
}

// Picker is the part of the piece picker used for super-seeding.
type Picker interface {
	// NextHave returns the next piece to advertise to p.  If ok is
	// false, there is nothing to advertise now.  If useless is true, p
	// already has everything and should be dropped.
	NextHave(p Peer, wantMore bool) (index int, ok bool, useless bool)
	LostPeer(p Peer)
	SetSuperSeed()
}

// Choker holds the ordered list of connections of a swarm.  It is not
// thread-safe.
type Choker struct {
	clock            clock.Clock
	picker           Picker
	done             func() bool
	maxUploads       int
	minUploads       int
	minRate          float64
	roundRobinPeriod time.Duration
	logger           log.Logger
	metrics          *Metrics
	intn             func(n int) int

	conns          []Peer
	lastPreferred  int
	lastRoundRobin time.Time
	superSeed      bool
	paused         bool
}

// New creates a choker.  Done reports whether we are seeding.
func New(cfg *config.Config, c clock.Clock, picker Picker, done func() bool,
	logger log.Logger, metrics *Metrics) *Choker {
	return &Choker{
		clock:            c,
		picker:           picker,
		done:             done,
		maxUploads:       cfg.MaxUploads,
		minUploads:       cfg.MinUploads,
		minRate:          cfg.MinRate,
		roundRobinPeriod: cfg.RoundRobinPeriod,
		logger:           log.With(logger, "module", "choker"),
		metrics:          metrics,
		intn:             rand.IntN,
		lastRoundRobin:   c.Now(),
	}
}

// Peers returns the connections in scheduling order.
func (ch *Choker) Peers() []Peer {
	return slices.Clone(ch.conns)
}

func (ch *Choker) MaxUploads() int {
	return ch.maxUploads
}

// SetMaxUploads changes the number of upload slots.  It never goes below
// min_uploads.
func (ch *Choker) SetMaxUploads(n int) {
	n = max(n, ch.minUploads)
	if n == ch.maxUploads {
		return
	}
	level.Debug(ch.logger).Log("msg", "max uploads", "from", ch.maxUploads,
		"to", n)
	ch.maxUploads = n
	ch.Rechoke()
}

// Tick is called every TickInterval.
func (ch *Choker) Tick() {
	if ch.superSeed {
		ch.advertise()
	}
	now := ch.clock.Now()
	if now.Sub(ch.lastRoundRobin) > ch.roundRobinPeriod {
		ch.lastRoundRobin = now
		ch.rotate()
	}
	ch.Rechoke()
}

func (ch *Choker) advertise() {
	conns := slices.Clone(ch.conns)
	count := ch.minUploads - ch.lastPreferred
	if count > 0 {
		rand.Shuffle(len(conns), func(i, j int) {
			conns[i], conns[j] = conns[j], conns[i]
		})
	}
	var useless []Peer
	for _, c := range conns {
		i, ok, u := ch.picker.NextHave(c, count > 0)
		if u {
			useless = append(useless, c)
			continue
		}
		if !ok {
			continue
		}
		c.SendHave(i)
		count--
	}
	for _, c := range useless {
		c.Close()
	}
}

// rotate moves the first choked and interested connection after the
// head to the front, so that the optimistic slot cycles through peers.
func (ch *Choker) rotate() {
	for i := 1; i < len(ch.conns); i++ {
		c := ch.conns[i]
		if c.Choked() && c.Interested() {
			ch.conns = slices.Concat(ch.conns[i:], ch.conns[:i])
			return
		}
	}
}

type scored struct {
	rate float64
	peer Peer
}

// Rechoke recomputes the set of unchoked peers.
func (ch *Choker) Rechoke() {
	ch.metrics.Rechokes.Add(1)
	if ch.paused {
		for _, c := range ch.conns {
			c.Choke()
		}
		ch.metrics.Unchoked.Set(0)
		return
	}

	var preferred []scored
	if ch.maxUploads > 1 {
		seeding := ch.done()
		for _, c := range ch.conns {
			if !c.Interested() {
				continue
			}
			var r float64
			if seeding {
				r = c.UploadRate()
			} else {
				r = c.DownloadRate()
				if r < ch.minRate || c.Snubbed() {
					continue
				}
			}
			preferred = append(preferred, scored{r, c})
		}
		ch.lastPreferred = len(preferred)
		slices.SortStableFunc(preferred, func(a, b scored) int {
			switch {
			case a.rate > b.rate:
				return -1
			case a.rate < b.rate:
				return 1
			}
			return 0
		})
		if len(preferred) > ch.maxUploads-1 {
			preferred = preferred[:ch.maxUploads-1]
		}
	}

	isPreferred := func(p Peer) bool {
		for _, s := range preferred {
			if s.peer == p {
				return true
			}
		}
		return false
	}

	count := len(preferred)
	hit := false
	var unchoke []Peer
	for _, c := range ch.conns {
		if isPreferred(c) {
			unchoke = append(unchoke, c)
		} else if count < ch.maxUploads || !hit {
			unchoke = append(unchoke, c)
			if c.Interested() {
				count++
				hit = true
			}
		} else {
			c.Choke()
		}
	}
	for _, c := range unchoke {
		c.Unchoke()
	}
	ch.metrics.Unchoked.Set(float64(len(unchoke)))
}

// ConnectionMade inserts a new connection at a random position biased
// towards the front of the list.
func (ch *Choker) ConnectionMade(p Peer) {
	pos := max(ch.intn(len(ch.conns)+3)-2, 0)
	ch.conns = slices.Insert(ch.conns, pos, p)
	ch.Rechoke()
}

// ConnectionLost removes a connection.
func (ch *Choker) ConnectionLost(p Peer) {
	i := slices.Index(ch.conns, p)
	if i < 0 {
		return
	}
	ch.conns = slices.Delete(ch.conns, i, i+1)
	ch.picker.LostPeer(p)
	if p.Interested() && !p.Choked() {
		ch.Rechoke()
	}
}

// Interested is called when a peer becomes interested.
func (ch *Choker) Interested(p Peer) {
	if !p.Choked() {
		ch.Rechoke()
	}
}

// NotInterested is called when a peer stops being interested.
func (ch *Choker) NotInterested(p Peer) {
	if !p.Choked() {
		ch.Rechoke()
	}
}

// SetSuperSeed drops all connections and switches to super-seeding.
func (ch *Choker) SetSuperSeed() {
	if ch.superSeed {
		return
	}
	level.Info(ch.logger).Log("msg", "switching to super-seed mode")
	for _, c := range slices.Clone(ch.conns) {
		c.Close()
	}
	ch.picker.SetSuperSeed()
	ch.superSeed = true
}

func (ch *Choker) SuperSeed() bool {
	return ch.superSeed
}

// Pause chokes everyone until called again with false.
func (ch *Choker) Pause(paused bool) {
	ch.paused = paused
	ch.Rechoke()
}
