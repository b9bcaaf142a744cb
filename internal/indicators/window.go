package indicators

import (
	"time"
)

// Sample is one tick retained in a lane's window.
type Sample struct {
	Timestamp time.Time
	Price     float64
	Volume    float64
}

// sampleBytes approximates the memory footprint of one retained sample,
// used for the engine's memory budget accounting.
const sampleBytes = 48

// Window is a time-bounded ring of samples. Push appends and evicts
// everything older than the retention span; reducers fold over what
// remains, which is bounded by the span.
type Window struct {
	span    time.Duration
	samples []Sample

	// running sums kept incrementally for the common reducers
	sumVolume float64
}

// NewWindow creates a window retaining span worth of samples.
func NewWindow(span time.Duration) *Window {
	return &Window{span: span}
}

// Push appends a sample and evicts expired ones relative to its timestamp.
func (w *Window) Push(s Sample) {
	w.samples = append(w.samples, s)
	w.sumVolume += s.Volume
	w.evict(s.Timestamp)
}

func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].Timestamp.Before(cutoff) {
		w.sumVolume -= w.samples[i].Volume
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

// Len returns the number of retained samples.
func (w *Window) Len() int { return len(w.samples) }

// Span returns the retention span.
func (w *Window) Span() time.Duration { return w.span }

// First returns the oldest retained sample.
func (w *Window) First() (Sample, bool) {
	if len(w.samples) == 0 {
		return Sample{}, false
	}
	return w.samples[0], true
}

// Last returns the newest retained sample.
func (w *Window) Last() (Sample, bool) {
	if len(w.samples) == 0 {
		return Sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Samples returns the retained samples oldest-first. Callers must not
// mutate the slice.
func (w *Window) Samples() []Sample { return w.samples }

// SumVolume returns the running volume sum over the whole window.
func (w *Window) SumVolume() float64 { return w.sumVolume }

// SumVolumeSince sums volume over the trailing d of the window.
func (w *Window) SumVolumeSince(d time.Duration) float64 {
	last, ok := w.Last()
	if !ok {
		return 0
	}
	cutoff := last.Timestamp.Add(-d)
	var sum float64
	for i := len(w.samples) - 1; i >= 0; i-- {
		if w.samples[i].Timestamp.Before(cutoff) {
			break
		}
		sum += w.samples[i].Volume
	}
	return sum
}

// PriceAt returns the price of the oldest sample at or after the trailing
// offset d from the newest sample.
func (w *Window) PriceAt(d time.Duration) (float64, bool) {
	last, ok := w.Last()
	if !ok {
		return 0, false
	}
	cutoff := last.Timestamp.Add(-d)
	for _, s := range w.samples {
		if !s.Timestamp.Before(cutoff) {
			return s.Price, true
		}
	}
	return 0, false
}

// Prices returns all retained prices oldest-first.
func (w *Window) Prices() []float64 {
	out := make([]float64, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.Price
	}
	return out
}

// MemoryBytes approximates the window's heap footprint.
func (w *Window) MemoryBytes() int64 {
	return int64(cap(w.samples)) * sampleBytes
}

// Trim reallocates the backing array to the live samples, releasing slack
// capacity. Used under memory pressure.
func (w *Window) Trim() {
	if cap(w.samples) == len(w.samples) {
		return
	}
	trimmed := make([]Sample, len(w.samples))
	copy(trimmed, w.samples)
	w.samples = trimmed
}
