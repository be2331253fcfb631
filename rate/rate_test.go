package rate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/swarmcore/clock"
)

func TestMeasure(t *testing.T) {
	c := clock.NewFake(time.Unix(10000, 0))
	m := NewMeasure(c, 20*time.Second, 5*time.Second)

	c.Advance(5 * time.Second)
	m.Update(10000)
	r1 := m.Rate()
	// 10000 bytes over 10 seconds (5 of fudge)
	assert.InDelta(t, 1000.0, r1, 1.0)

	c.Advance(10 * time.Second)
	r2 := m.Rate()
	assert.Less(t, r2, r1)
	assert.InDelta(t, 500.0, r2, 1.0)
	require.Equal(t, int64(10000), m.Total())
}

func TestMeasureWindow(t *testing.T) {
	c := clock.NewFake(time.Unix(10000, 0))
	m := NewMeasure(c, 10*time.Second, time.Second)
	for i := 0; i < 100; i++ {
		c.Advance(time.Second)
		m.Update(1000)
	}
	assert.InDelta(t, 1000.0, m.Rate(), 10.0)

	// the window never exceeds maxRatePeriod
	assert.True(t, !m.since.Before(c.Now().Add(-10*time.Second)))
}

func TestTimeUntilRate(t *testing.T) {
	c := clock.NewFake(time.Unix(10000, 0))
	m := NewMeasure(c, 20*time.Second, 0)
	c.Advance(10 * time.Second)
	m.Update(20000)
	require.Equal(t, time.Duration(0), m.TimeUntilRate(m.RateNoUpdate()+1))

	d := m.TimeUntilRate(m.RateNoUpdate() / 2)
	assert.InDelta(t, 10.0, clock.Seconds(d), 0.01)
}

func BenchmarkUpdate(b *testing.B) {
	m := NewMeasure(clock.Real{}, 20*time.Second, 5*time.Second)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Update(42)
	}
}
