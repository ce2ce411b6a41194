// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package migration

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Completion timestamps kept for the throughput moving average.
const progressWindow = 50

// Tracker estimates run progress and ETA from a moving average of
// recent unit completions. Total is best effort; a zero total disables
// the ETA but not the counters.
type Tracker struct {
	clk clock.Clock

	mu      sync.Mutex
	total   int
	done    int
	samples []time.Time
}

func NewTracker(total int, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Tracker{clk: clk, total: total}
}

// AddTotal grows the expected total, for counts discovered per instance.
func (t *Tracker) AddTotal(n int) {
	t.mu.Lock()
	t.total += n
	t.mu.Unlock()
}

// Done records n completed units.
func (t *Tracker) Done(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()
	for i := 0; i < n; i++ {
		t.done++
		t.samples = append(t.samples, now)
	}
	if len(t.samples) > progressWindow {
		t.samples = t.samples[len(t.samples)-progressWindow:]
	}
}

// Rate returns units per second over the sample window.
func (t *Tracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rateLocked()
}

func (t *Tracker) rateLocked() float64 {
	if len(t.samples) < 2 {
		return 0
	}
	span := t.samples[len(t.samples)-1].Sub(t.samples[0])
	if span <= 0 {
		return 0
	}
	return float64(len(t.samples)-1) / span.Seconds()
}

// Status renders a one-line progress string with ETA when computable.
func (t *Tracker) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	rate := t.rateLocked()
	if t.total <= 0 {
		return fmt.Sprintf("%d done (%.1f/s)", t.done, rate)
	}
	pct := 100 * float64(t.done) / float64(t.total)
	if rate <= 0 || t.done >= t.total {
		return fmt.Sprintf("%d/%d (%.1f%%)", t.done, t.total, pct)
	}
	eta := time.Duration(float64(t.total-t.done)/rate) * time.Second
	return fmt.Sprintf("%d/%d (%.1f%%, %.1f/s, ETA %s)", t.done, t.total, pct, rate, eta.Round(time.Second))
}
