// Package tracker turns a stream of CSC decoder outcomes into a stable
// published value with pause detection.
package tracker

import (
	"fmt"

	"github.com/srg/blecsc/internal/csc"
)

// PauseThreshold is the number of consecutive "no update" notifications
// tolerated before the published value is forced to zero.
const PauseThreshold = 2

// DecodeFunc decodes one payload against the previous sample and returns the
// outcome together with the sample to keep as the next baseline.
type DecodeFunc func(prev *csc.RevolutionSample) (csc.Outcome, csc.RevolutionSample)

// Tracker holds the rollover-aware sample state for one quantity.
// It is not safe for concurrent use.
type Tracker struct {
	name      string
	previous  *csc.RevolutionSample
	misses    int
	value     float64
	published bool
}

func New(name string) *Tracker {
	return &Tracker{name: name}
}

// Observe decodes with decode, records the returned sample as the new
// baseline, and applies the outcome.
func (t *Tracker) Observe(decode DecodeFunc) (float64, bool) {
	outcome, sample := decode(t.previous)
	t.previous = &sample
	return t.OnSample(outcome)
}

// OnSample applies one decoder outcome. It returns the current value and
// whether the published value changed.
func (t *Tracker) OnSample(outcome csc.Outcome) (float64, bool) {
	if outcome.OK {
		changed := !t.published || t.value != outcome.Value
		t.value = outcome.Value
		t.published = true
		t.misses = 0
		return t.value, changed
	}

	t.misses++
	if t.misses > PauseThreshold && (t.value != 0 || !t.published) {
		t.value = 0
		t.published = true
		return 0, true
	}
	return t.value, false
}

// Value returns the published value; ok is false until a value has been published.
func (t *Tracker) Value() (float64, bool) {
	return t.value, t.published
}

// Misses returns the current count of consecutive non-updates.
func (t *Tracker) Misses() int {
	return t.misses
}

// Reset drops the baseline and miss count. The published value is kept.
func (t *Tracker) Reset() {
	t.previous = nil
	t.misses = 0
}

// Clear resets the tracker to its initial, unpublished state.
func (t *Tracker) Clear() {
	t.Reset()
	t.value = 0
	t.published = false
}

func (t *Tracker) String() string {
	if !t.published {
		return fmt.Sprintf("%s=<none>", t.name)
	}
	return fmt.Sprintf("%s=%.2f", t.name, t.value)
}
