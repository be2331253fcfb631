// Package rate implements the throughput estimator used wherever the
// scheduling core reports a rate.
package rate

import (
	"time"

	"github.com/jech/swarmcore/clock"
)

// Measure is a rate estimator that averages over a window of at most
// maxRatePeriod, so that older traffic decays out of the estimate.  It is
// not thread-safe.
type Measure struct {
	clock         clock.Clock
	maxRatePeriod time.Duration
	since         time.Time
	last          time.Time
	rate          float64
	total         int64
}

// NewMeasure returns a measure using the given window.  The fudge is
// subtracted from the start of the window so that the first samples do
// not yield absurdly high rates.
func NewMeasure(c clock.Clock, maxRatePeriod, fudge time.Duration) *Measure {
	now := c.Now()
	return &Measure{
		clock:         c,
		maxRatePeriod: maxRatePeriod,
		since:         now.Add(-fudge),
		last:          now.Add(-fudge),
	}
}

// Update notifies the measure that amount bytes were transferred.
func (m *Measure) Update(amount int) {
	m.total += int64(amount)
	now := m.clock.Now()
	elapsed := clock.Seconds(m.last.Sub(m.since))
	window := clock.Seconds(now.Sub(m.since))
	m.rate = (m.rate*elapsed + float64(amount)) / (window + 0.0001)
	m.last = now
	if m.since.Before(now.Add(-m.maxRatePeriod)) {
		m.since = now.Add(-m.maxRatePeriod)
	}
}

// Rate returns the current rate in bytes per second.
func (m *Measure) Rate() float64 {
	m.Update(0)
	return m.rate
}

// RateNoUpdate returns the rate as of the last update.
func (m *Measure) RateNoUpdate() float64 {
	return m.rate
}

// TimeUntilRate returns the time after which the rate will have fallen to
// newRate if nothing more is transferred.
func (m *Measure) TimeUntilRate(newRate float64) time.Duration {
	if m.rate <= newRate {
		return 0
	}
	t := clock.Seconds(m.clock.Now().Sub(m.since))
	return clock.Duration(m.rate*t/newRate - t)
}

// Total returns the number of bytes ever counted.
func (m *Measure) Total() int64 {
	return m.total
}
