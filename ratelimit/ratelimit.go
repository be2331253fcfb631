// Package ratelimit implements the global upload scheduler.  Connections
// with data to send wait in a ring; each pass grants them upload_unit_size
// bytes in turn for as long as the byte budget allows.
package ratelimit

import (
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/jech/swarmcore/clock"
	"github.com/jech/swarmcore/config"
	"github.com/jech/swarmcore/rate"
)

// MaxRate is the ceiling used when the rate is unlimited, in bytes per
// second.
const MaxRate = 1e11

// Conn is the limiter's view of a connection.
type Conn interface {
	// SendPartial writes at most n bytes of pending data and returns the
	// number of bytes written.
	SendPartial(n int) int
	// Backlogged returns true if the connection's transport cannot
	// accept more data right now.
	Backlogged() bool
}

// Slot is a connection's handle in the limiter.  A slot is either in the
// ring or not; queueing a queued slot does nothing.
type Slot struct {
	conn   Conn
	queued bool
	pass   uint64
}

// Queued returns true if the slot is waiting for bandwidth.
func (s *Slot) Queued() bool {
	return s.queued
}

// Limiter is the upload scheduler.  It is not thread-safe; all calls
// must happen on the swarm's event loop.
type Limiter struct {
	clock     clock.Clock
	scheduler clock.Scheduler
	unitSize  int
	auto      config.AutoRate
	measure   *rate.Measure
	slotsFunc func(int)
	logger    log.Logger
	metrics   *Metrics

	ring      []*Slot
	sending   bool
	lastTime  time.Time
	bytesSent float64
	rate      float64
	gen       uint64
	pass      uint64

	autoAdjust bool
	upDelay    int
	pings      []bool
	slots      int
}

// New creates a limiter.  Measure accumulates all bytes granted.  The
// initial rate is taken from cfg.MaxUploadRate.
func New(cfg *config.Config, c clock.Clock, s clock.Scheduler,
	measure *rate.Measure, logger log.Logger, metrics *Metrics) *Limiter {
	l := &Limiter{
		clock:     c,
		scheduler: s,
		unitSize:  cfg.UploadUnitSize,
		auto:      cfg.AutoRate,
		measure:   measure,
		slotsFunc: func(int) {},
		logger:    log.With(logger, "module", "ratelimit"),
		metrics:   metrics,
		lastTime:  c.Now(),
	}
	l.SetUploadRate(cfg.MaxUploadRate)
	return l
}

// SetSlotsFunc sets the function called when the automatic controller
// changes the suggested number of upload slots.
func (l *Limiter) SetSlotsFunc(f func(int)) {
	l.slotsFunc = f
}

// NewSlot returns a handle for conn.  The slot is not queued.
func (l *Limiter) NewSlot(conn Conn) *Slot {
	return &Slot{conn: conn}
}

// Rate returns the current ceiling in bytes per second.
func (l *Limiter) Rate() float64 {
	return l.rate
}

// Slots returns the number of upload slots last suggested by the
// automatic controller, or 0 if it has never run.
func (l *Limiter) Slots() int {
	return l.slots
}

// Credit returns the current balance.  Positive values mean that more
// bytes were sent than the rate allows so far.
func (l *Limiter) Credit() float64 {
	return l.bytesSent
}

// Len returns the number of queued connections.
func (l *Limiter) Len() int {
	return len(l.ring)
}

// Queue adds slot to the ring.  If the ring was empty, a pass runs
// immediately.
func (l *Limiter) Queue(slot *Slot) {
	if slot.queued {
		return
	}
	slot.queued = true
	l.ring = append(l.ring, slot)
	l.metrics.Queued.Set(float64(len(l.ring)))
	if len(l.ring) == 1 && !l.sending {
		l.TrySend(true)
	}
}

// Remove takes slot out of the ring.  It is called when a connection is
// closed, possibly from within a pass.
func (l *Limiter) Remove(slot *Slot) {
	if !slot.queued {
		return
	}
	slot.queued = false
	for i, s := range l.ring {
		if s == slot {
			l.ring = append(l.ring[:i], l.ring[i+1:]...)
			break
		}
	}
	l.metrics.Queued.Set(float64(len(l.ring)))
}

func (l *Limiter) updateCredit(checkTime bool) {
	now := l.clock.Now()
	l.bytesSent -= clock.Seconds(now.Sub(l.lastTime)) * l.rate
	l.lastTime = now
	if checkTime && l.bytesSent < 0 {
		l.bytesSent = 0
	}
}

// TrySend runs a pass over the ring.  Each queued connection is served
// at most once per pass.  With checkTime, credit accumulated while idle
// is discarded.
func (l *Limiter) TrySend(checkTime bool) {
	l.gen++
	l.updateCredit(checkTime)

	if l.sending {
		return
	}
	l.sending = true
	l.pass++
	for l.bytesSent <= 0 && len(l.ring) > 0 {
		cur := l.ring[0]
		if cur.pass == l.pass {
			// every slot has had its turn
			break
		}
		cur.pass = l.pass
		l.ring = l.ring[1:]

		bytes := cur.conn.SendPartial(l.unitSize)
		l.bytesSent += float64(bytes)
		l.measure.Update(bytes)
		l.metrics.BytesSent.Add(float64(bytes))

		if !cur.queued {
			// removed during SendPartial
			continue
		}
		if bytes == 0 || cur.conn.Backlogged() {
			cur.queued = false
			continue
		}
		l.ring = append(l.ring, cur)
	}
	l.sending = false
	l.metrics.Queued.Set(float64(len(l.ring)))

	if len(l.ring) == 0 {
		return
	}
	var delay time.Duration
	if l.bytesSent > 0 {
		delay = time.Duration(
			math.Ceil(l.bytesSent / l.rate * float64(time.Second)))
	}
	gen := l.gen
	l.scheduler.Schedule(delay, func() {
		if gen == l.gen {
			l.TrySend(false)
		}
	})
}

// AdjustSent adds bytes sent outside of the limiter's control, such as
// protocol overhead, to the balance.
func (l *Limiter) AdjustSent(bytes int) {
	l.bytesSent = math.Min(l.bytesSent+float64(bytes), l.rate*3)
}

// SetUploadRate sets the rate ceiling in bytes per second.  Zero means
// unlimited, and a negative value enables automatic adjustment.
func (l *Limiter) SetUploadRate(r float64) {
	if r < 0 {
		if l.autoAdjust {
			return
		}
		l.autoAdjust = true
		l.upDelay = 0
		l.pings = l.pings[:0]
		r = MaxRate
		l.setSlots(l.auto.SlotsStarting)
	} else {
		l.autoAdjust = false
	}
	if r == 0 {
		r = MaxRate
	}
	l.rate = r
	l.metrics.Rate.Set(r)
	l.lastTime = l.clock.Now()
	l.bytesSent = 0
}

// AutoAdjust returns true if the rate is adjusted automatically.
func (l *Limiter) AutoAdjust() bool {
	return l.autoAdjust
}

func (l *Limiter) setSlots(slots int) {
	l.slots = slots
	l.metrics.Slots.Set(float64(slots))
	l.slotsFunc(slots)
}

func (l *Limiter) slotsForRate() int {
	return int(math.Sqrt(l.rate * l.auto.SlotsFactor))
}

// Ping records the delay between sending an unchoke and receiving the
// first request.  In automatic mode, long delays are taken as a sign of
// a congested uplink.
func (l *Limiter) Ping(delay time.Duration) {
	if !l.autoAdjust {
		return
	}
	l.pings = append(l.pings, delay > l.auto.PingBoundary)
	if len(l.pings) < l.auto.PingSamples+l.auto.PingDiscards {
		return
	}
	count := 0
	for _, p := range l.pings[l.auto.PingDiscards:] {
		if p {
			count++
		}
	}
	l.pings = l.pings[:0]

	if count >= l.auto.PingThreshhold {
		if l.rate == MaxRate {
			l.rate = l.measure.Rate() * l.auto.AdjustDown
		} else {
			l.rate = math.Min(l.rate, l.measure.Rate()*1.1)
		}
		l.rate = math.Max(math.Floor(l.rate*l.auto.AdjustDown), 2)
		l.metrics.Rate.Set(l.rate)
		l.metrics.Adjustments.With("direction", "down").Add(1)
		l.setSlots(l.slotsForRate())
		level.Debug(l.logger).Log("msg", "adjusted rate down",
			"rate", l.rate, "slots", l.slots)
		l.lastTime = l.clock.Now()
		l.bytesSent = 0
		l.upDelay = l.auto.UpDelayFirst
		return
	}

	if l.rate == MaxRate {
		return
	}
	l.upDelay--
	if l.upDelay > 0 {
		return
	}
	l.rate = math.Floor(l.rate * l.auto.AdjustUp)
	l.metrics.Rate.Set(l.rate)
	l.metrics.Adjustments.With("direction", "up").Add(1)
	l.setSlots(l.slotsForRate())
	level.Debug(l.logger).Log("msg", "adjusted rate up",
		"rate", l.rate, "slots", l.slots)
	l.lastTime = l.clock.Now()
	l.bytesSent = 0
	l.upDelay = l.auto.UpDelayNext
}
