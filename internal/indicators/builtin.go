package indicators

import (
	"math"
	"time"
)

// Built-in base type names.
const (
	TypeTWPA          = "TWPA"
	TypeVelocity      = "VELOCITY"
	TypeVolumeSurge   = "VOLUME_SURGE"
	TypePumpMagnitude = "PUMP_MAGNITUDE_PCT"
	TypeDrawdown      = "DRAWDOWN"
)

func registerBuiltins(r *Registry) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(r.Register(BaseType{
		Name:           TypeTWPA,
		RequiredParams: []string{"window_seconds"},
		RequiredFields: []string{"price"},
		MaxWindow: func(p map[string]float64) time.Duration {
			return windowSeconds(p, "window_seconds", time.Minute)
		},
		Reduce: reduceTWPA,
	}))

	must(r.Register(BaseType{
		Name:           TypeVelocity,
		RequiredParams: []string{"window_seconds"},
		RequiredFields: []string{"price"},
		MaxWindow: func(p map[string]float64) time.Duration {
			return windowSeconds(p, "window_seconds", time.Minute)
		},
		Reduce: reduceVelocity,
	}))

	must(r.Register(BaseType{
		Name:           TypeVolumeSurge,
		RequiredParams: []string{"current_window_seconds", "baseline_window_seconds"},
		RequiredFields: []string{"volume"},
		MaxWindow: func(p map[string]float64) time.Duration {
			current := windowSeconds(p, "current_window_seconds", time.Minute)
			baseline := windowSeconds(p, "baseline_window_seconds", 10*time.Minute)
			if baseline > current {
				return baseline
			}
			return current
		},
		Reduce: reduceVolumeSurge,
	}))

	must(r.Register(BaseType{
		Name:           TypePumpMagnitude,
		RequiredParams: []string{"window_seconds"},
		RequiredFields: []string{"price"},
		MaxWindow: func(p map[string]float64) time.Duration {
			return windowSeconds(p, "window_seconds", time.Minute)
		},
		Reduce: reducePumpMagnitude,
	}))

	must(r.Register(BaseType{
		Name:           TypeDrawdown,
		RequiredParams: []string{"window_seconds"},
		RequiredFields: []string{"price"},
		MaxWindow: func(p map[string]float64) time.Duration {
			return windowSeconds(p, "window_seconds", time.Minute)
		},
		Reduce: reduceDrawdown,
	}))
}

// reduceTWPA computes the time-weighted price average: each price is
// weighted by the interval it was in effect.
func reduceTWPA(w *Window, params map[string]float64) (float64, bool) {
	samples := w.Samples()
	if len(samples) == 0 {
		return 0, false
	}
	if len(samples) == 1 {
		return samples[0].Price, true
	}

	var weighted, total float64
	for i := 0; i < len(samples)-1; i++ {
		dt := samples[i+1].Timestamp.Sub(samples[i].Timestamp).Seconds()
		weighted += samples[i].Price * dt
		total += dt
	}
	if total <= 0 {
		return samples[len(samples)-1].Price, true
	}
	return weighted / total, true
}

// reduceVelocity is the first discrete derivative of price over the window,
// in price units per second.
func reduceVelocity(w *Window, params map[string]float64) (float64, bool) {
	first, ok := w.First()
	if !ok {
		return 0, false
	}
	last, _ := w.Last()
	dt := last.Timestamp.Sub(first.Timestamp).Seconds()
	if dt <= 0 {
		return 0, false
	}
	return (last.Price - first.Price) / dt, true
}

// reduceVolumeSurge is the current-window volume sum divided by the
// baseline-window sum, normalised by the duration ratio so a flat tape
// reads 1.0.
func reduceVolumeSurge(w *Window, params map[string]float64) (float64, bool) {
	current := windowSeconds(params, "current_window_seconds", time.Minute)
	baseline := windowSeconds(params, "baseline_window_seconds", 10*time.Minute)
	if baseline <= 0 || current <= 0 {
		return 0, false
	}

	baseSum := w.SumVolumeSince(baseline)
	if baseSum <= 0 {
		return 0, false
	}
	curSum := w.SumVolumeSince(current)

	ratio := baseline.Seconds() / current.Seconds()
	return (curSum / baseSum) * ratio, true
}

// reducePumpMagnitude is the percent change from the window start to now.
func reducePumpMagnitude(w *Window, params map[string]float64) (float64, bool) {
	first, ok := w.First()
	if !ok || first.Price == 0 {
		return 0, false
	}
	last, _ := w.Last()
	return (last.Price - first.Price) / first.Price * 100, true
}

// reduceDrawdown is the percent decline from the window high to now.
func reduceDrawdown(w *Window, params map[string]float64) (float64, bool) {
	samples := w.Samples()
	if len(samples) == 0 {
		return 0, false
	}
	high := math.Inf(-1)
	for _, s := range samples {
		if s.Price > high {
			high = s.Price
		}
	}
	if high <= 0 {
		return 0, false
	}
	last := samples[len(samples)-1]
	return (high - last.Price) / high * 100, true
}
