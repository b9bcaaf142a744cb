package strategy

import "math"

// DefaultEpsilon is the tolerance for == and != comparisons.
const DefaultEpsilon = 1e-9

// SectionResult is the outcome of evaluating one condition list. A section
// is undecided until every referenced indicator has delivered at least one
// value.
type SectionResult struct {
	Decided bool
	Matched bool
}

// evalCondition compares one indicator value. NaN never matches any
// operator.
func evalCondition(c Condition, value, epsilon float64) bool {
	if math.IsNaN(value) || math.IsNaN(c.Value) {
		return false
	}
	switch c.Op {
	case OpLT:
		return value < c.Value
	case OpLTE:
		return value <= c.Value
	case OpGT:
		return value > c.Value
	case OpGTE:
		return value >= c.Value
	case OpEQ:
		return math.Abs(value-c.Value) <= epsilon
	case OpNEQ:
		return math.Abs(value-c.Value) > epsilon
	default:
		return false
	}
}

// evalSection folds the conditions in list order. Each condition's result
// joins the accumulator per its Logic field: AND (default), OR, or NOT
// (negate the condition, then AND). An empty section never matches.
func evalSection(conds []Condition, values map[string]float64, epsilon float64) SectionResult {
	if len(conds) == 0 {
		return SectionResult{Decided: true, Matched: false}
	}

	for _, c := range conds {
		if _, ok := values[c.IndicatorID]; !ok {
			return SectionResult{Decided: false}
		}
	}

	var acc bool
	for i, c := range conds {
		res := evalCondition(c, values[c.IndicatorID], epsilon)
		if c.Logic == LogicNOT {
			res = !res
		}
		if i == 0 {
			acc = res
			continue
		}
		if c.Logic == LogicOR {
			acc = acc || res
		} else {
			acc = acc && res
		}
	}
	return SectionResult{Decided: true, Matched: acc}
}

// applyScaling returns base multiplied by the interpolated risk scale. The
// risk indicator's value is clamped to [LowThreshold, HighThreshold]; a
// missing or NaN value leaves base unscaled.
func applyScaling(base float64, rs *RiskScaling, values map[string]float64) float64 {
	if rs == nil {
		return base
	}
	x, ok := values[rs.IndicatorID]
	if !ok || math.IsNaN(x) {
		return base
	}
	span := rs.HighThreshold - rs.LowThreshold
	if span <= 0 {
		return base
	}
	t := (x - rs.LowThreshold) / span
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	scale := rs.LowScale + t*(rs.HighScale-rs.LowScale)
	return base * scale
}
