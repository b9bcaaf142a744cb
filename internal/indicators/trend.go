package indicators

import (
	"time"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
)

// Trend base types backed by cinar/indicator, registered alongside the
// pump-detection set so strategies can mix both families.
const (
	TypeRSI = "RSI"
	TypeEMA = "EMA"
)

func registerTrendTypes(r *Registry) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(r.Register(BaseType{
		Name:           TypeRSI,
		RequiredParams: []string{"period", "window_seconds"},
		RequiredFields: []string{"price"},
		MaxWindow: func(p map[string]float64) time.Duration {
			return windowSeconds(p, "window_seconds", 15*time.Minute)
		},
		Reduce: func(w *Window, params map[string]float64) (float64, bool) {
			period := int(params["period"])
			if period < 1 {
				period = 14
			}
			prices := w.Prices()
			if len(prices) <= period {
				return 0, false
			}
			rsi := momentum.NewRsiWithPeriod[float64](period)
			return lastOf(rsi.Compute(sliceToChan(prices)))
		},
	}))

	must(r.Register(BaseType{
		Name:           TypeEMA,
		RequiredParams: []string{"period", "window_seconds"},
		RequiredFields: []string{"price"},
		MaxWindow: func(p map[string]float64) time.Duration {
			return windowSeconds(p, "window_seconds", 15*time.Minute)
		},
		Reduce: func(w *Window, params map[string]float64) (float64, bool) {
			period := int(params["period"])
			if period < 1 {
				return 0, false
			}
			prices := w.Prices()
			if len(prices) < period {
				return 0, false
			}
			ema := trend.NewEmaWithPeriod[float64](period)
			return lastOf(ema.Compute(sliceToChan(prices)))
		},
	}))
}

func sliceToChan(values []float64) <-chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func lastOf(ch <-chan float64) (float64, bool) {
	var last float64
	var any bool
	for v := range ch {
		last = v
		any = true
	}
	return last, any
}
