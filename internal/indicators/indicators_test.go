package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func pushPrices(w *Window, start int, prices ...float64) {
	for i, p := range prices {
		w.Push(Sample{Timestamp: ts(start + i), Price: p, Volume: 1})
	}
}

func TestWindowEvictsExpiredSamples(t *testing.T) {
	w := NewWindow(10 * time.Second)
	for i := 0; i < 20; i++ {
		w.Push(Sample{Timestamp: ts(i), Price: float64(i), Volume: 2})
	}

	first, ok := w.First()
	require.True(t, ok)
	assert.True(t, first.Timestamp.After(ts(8)), "samples older than the span must be evicted")
	assert.InDelta(t, float64(w.Len())*2, w.SumVolume(), 1e-9)
}

func TestTWPAWeightsByInterval(t *testing.T) {
	w := NewWindow(time.Minute)
	// 100 held for 10s, then 200 held for 10s, final sample closes the
	// last interval.
	w.Push(Sample{Timestamp: ts(0), Price: 100})
	w.Push(Sample{Timestamp: ts(10), Price: 200})
	w.Push(Sample{Timestamp: ts(20), Price: 300})

	v, ok := reduceTWPA(w, nil)
	require.True(t, ok)
	assert.InDelta(t, 150.0, v, 1e-9)
}

func TestTWPASingleSample(t *testing.T) {
	w := NewWindow(time.Minute)
	w.Push(Sample{Timestamp: ts(0), Price: 42})

	v, ok := reduceTWPA(w, nil)
	require.True(t, ok)
	assert.Equal(t, 42.0, v)
}

func TestVelocity(t *testing.T) {
	w := NewWindow(time.Minute)
	pushPrices(w, 0, 100, 102, 104, 110)

	v, ok := reduceVelocity(w, nil)
	require.True(t, ok)
	assert.InDelta(t, 10.0/3.0, v, 1e-9)
}

func TestVelocityNeedsTwoTimestamps(t *testing.T) {
	w := NewWindow(time.Minute)
	w.Push(Sample{Timestamp: ts(0), Price: 100})

	_, ok := reduceVelocity(w, nil)
	assert.False(t, ok)
}

func TestVolumeSurgeFlatTapeReadsOne(t *testing.T) {
	w := NewWindow(10 * time.Minute)
	base := ts(0)
	for i := 0; i < 600; i++ {
		w.Push(Sample{Timestamp: base.Add(time.Duration(i) * time.Second), Price: 100, Volume: 5})
	}

	params := map[string]float64{
		"current_window_seconds":  60,
		"baseline_window_seconds": 600,
	}
	v, ok := reduceVolumeSurge(w, params)
	require.True(t, ok)
	assert.InDelta(t, 1.0, v, 0.05)
}

func TestVolumeSurgeDetectsBurst(t *testing.T) {
	w := NewWindow(10 * time.Minute)
	base := ts(0)
	for i := 0; i < 600; i++ {
		vol := 1.0
		if i >= 540 {
			vol = 10.0 // last minute runs hot
		}
		w.Push(Sample{Timestamp: base.Add(time.Duration(i) * time.Second), Price: 100, Volume: vol})
	}

	params := map[string]float64{
		"current_window_seconds":  60,
		"baseline_window_seconds": 600,
	}
	v, ok := reduceVolumeSurge(w, params)
	require.True(t, ok)
	assert.Greater(t, v, 3.0)
}

func TestPumpMagnitude(t *testing.T) {
	w := NewWindow(time.Minute)
	pushPrices(w, 0, 100, 103, 106)

	v, ok := reducePumpMagnitude(w, nil)
	require.True(t, ok)
	assert.InDelta(t, 6.0, v, 1e-9)
}

func TestDrawdownMeasuresFromWindowHigh(t *testing.T) {
	w := NewWindow(time.Minute)
	pushPrices(w, 0, 100, 120, 108)

	v, ok := reduceDrawdown(w, nil)
	require.True(t, ok)
	assert.InDelta(t, 10.0, v, 1e-9)
}

func TestDrawdownZeroAtHigh(t *testing.T) {
	w := NewWindow(time.Minute)
	pushPrices(w, 0, 100, 110, 120)

	v, ok := reduceDrawdown(w, nil)
	require.True(t, ok)
	assert.InDelta(t, 0.0, v, 1e-9)
}

func TestCanonicalKeyIgnoresParamOrderAndFormatting(t *testing.T) {
	a := Variant{ID: "v1", BaseType: TypeVolumeSurge, Params: map[string]float64{
		"current_window_seconds":  60,
		"baseline_window_seconds": 600,
	}}
	b := Variant{ID: "v2", BaseType: TypeVolumeSurge, Params: map[string]float64{
		"baseline_window_seconds": 600.0,
		"current_window_seconds":  60.0,
	}}
	c := Variant{ID: "v3", BaseType: TypeVolumeSurge, Params: map[string]float64{
		"baseline_window_seconds": 300,
		"current_window_seconds":  60,
	}}

	assert.Equal(t, a.CanonicalKey(), b.CanonicalKey())
	assert.NotEqual(t, a.CanonicalKey(), c.CanonicalKey())
}

func TestVariantValidateRejectsMissingParams(t *testing.T) {
	reg := NewRegistry()

	v := Variant{ID: "bad", BaseType: TypeTWPA, Params: map[string]float64{}}
	err := v.Validate(reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window_seconds")
}

func TestVariantValidateUnknownBaseType(t *testing.T) {
	reg := NewRegistry()

	v := Variant{ID: "bad", BaseType: "NOPE", Params: map[string]float64{}}
	assert.Error(t, v.Validate(reg))
}

func TestRSIRegisteredAndComputes(t *testing.T) {
	reg := NewRegistry()
	bt, ok := reg.Lookup(TypeRSI)
	require.True(t, ok)

	w := NewWindow(time.Hour)
	// Monotonic rise saturates RSI at 100.
	for i := 0; i < 30; i++ {
		w.Push(Sample{Timestamp: ts(i), Price: 100 + float64(i)})
	}
	v, computed := bt.Reduce(w, map[string]float64{"period": 14, "window_seconds": 3600})
	require.True(t, computed)
	assert.InDelta(t, 100.0, v, 1e-6)
}

func TestEMATracksConstantSeries(t *testing.T) {
	reg := NewRegistry()
	bt, ok := reg.Lookup(TypeEMA)
	require.True(t, ok)

	w := NewWindow(time.Hour)
	for i := 0; i < 30; i++ {
		w.Push(Sample{Timestamp: ts(i), Price: 250})
	}
	v, computed := bt.Reduce(w, map[string]float64{"period": 10, "window_seconds": 3600})
	require.True(t, computed)
	assert.InDelta(t, 250.0, v, 1e-6)
}
