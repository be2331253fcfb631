// Package clock abstracts time so that the scheduling core can run either
// against the wall clock or against a fake clock in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Scheduler runs a function once after a delay.  Implementations used by
// the swarm run f on the event loop, never concurrently with other core
// code.
type Scheduler interface {
	Schedule(d time.Duration, f func())
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

// Seconds converts a duration to floating-point seconds.
func Seconds(d time.Duration) float64 {
	return float64(d) / float64(time.Second)
}

// Duration converts floating-point seconds to a duration.
func Duration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

type task struct {
	when time.Time
	seq  uint64
	f    func()
}

// Fake is a manually advanced clock that is also a Scheduler.  Tasks run
// synchronously from Advance, in order of due time.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []task
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Schedule(d time.Duration, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d < 0 {
		d = 0
	}
	f.seq++
	f.tasks = append(f.tasks, task{f.now.Add(d), f.seq, fn})
}

// Pending returns the number of tasks that have not run yet.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// Advance moves the clock forward by d, running every task that becomes
// due.  Tasks scheduled by running tasks are honoured if they fall within
// the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	end := f.now.Add(d)
	f.mu.Unlock()
	for {
		f.mu.Lock()
		sort.Slice(f.tasks, func(i, j int) bool {
			if f.tasks[i].when.Equal(f.tasks[j].when) {
				return f.tasks[i].seq < f.tasks[j].seq
			}
			return f.tasks[i].when.Before(f.tasks[j].when)
		})
		if len(f.tasks) == 0 || f.tasks[0].when.After(end) {
			f.now = end
			f.mu.Unlock()
			return
		}
		t := f.tasks[0]
		f.tasks = f.tasks[1:]
		if t.when.After(f.now) {
			f.now = t.when
		}
		f.mu.Unlock()
		t.f()
	}
}
