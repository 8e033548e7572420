package traffic

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// DefaultWindowSec is the default smoothing window length in seconds.
const DefaultWindowSec = 2.0

type sample struct {
	ts       float64
	vehicles int
	people   int
}

// WindowCounter averages instantaneous counts over a trailing time window.
// It is keyed on caller-supplied timestamps, so an identical input sequence
// always yields an identical output sequence. Not safe for concurrent use;
// each worker owns its counter.
type WindowCounter struct {
	window  float64
	samples []sample

	vs, ps []float64 // scratch buffers for the mean
}

// NewWindowCounter returns a counter with window length w seconds. A
// non-positive w selects DefaultWindowSec.
func NewWindowCounter(w float64) *WindowCounter {
	if w <= 0 {
		w = DefaultWindowSec
	}
	return &WindowCounter{window: w}
}

// Window returns the window length in seconds.
func (w *WindowCounter) Window() float64 { return w.window }

// Len returns the number of retained samples.
func (w *WindowCounter) Len() int { return len(w.samples) }

// Sample admits (now, vehicles, people), evicts every sample more than the
// window away from now in either direction, and returns the mean of what
// remains. A timestamp that jumps backwards, as after a replay rewind,
// therefore drops the samples stamped ahead of it.
func (w *WindowCounter) Sample(now float64, vehicles, people int) (float64, float64) {
	w.samples = append(w.samples, sample{ts: now, vehicles: vehicles, people: people})

	kept := w.samples[:0]
	for _, s := range w.samples {
		if math.Abs(now-s.ts) > w.window {
			continue
		}
		kept = append(kept, s)
	}
	w.samples = kept

	if len(w.samples) == 0 {
		return 0, 0
	}
	w.vs, w.ps = w.vs[:0], w.ps[:0]
	for _, s := range w.samples {
		w.vs = append(w.vs, float64(s.vehicles))
		w.ps = append(w.ps, float64(s.people))
	}
	return stat.Mean(w.vs, nil), stat.Mean(w.ps, nil)
}
