// Package indicators implements the streaming indicator engine: a set of
// computation lanes, one per (variant, symbol), updated incrementally from
// the market tick stream.
package indicators

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Scope determines whether a variant computes per symbol or once globally.
type Scope string

const (
	ScopePerSymbol Scope = "per-symbol"
	ScopeGlobal    Scope = "global"
)

// GlobalSymbol is the reserved symbol under which global-scope variants
// publish. Strategy evaluation reads it for every symbol.
const GlobalSymbol = "*"

// Variant is a parameterised indicator definition. Variants are registered
// at session start and immutable for the session's lifetime.
type Variant struct {
	ID       string             `json:"variant_id" yaml:"variant_id"`
	BaseType string             `json:"base_type" yaml:"base_type"`
	Params   map[string]float64 `json:"parameters" yaml:"parameters"`
	Scope    Scope              `json:"scope" yaml:"scope,omitempty"`
}

// CanonicalKey returns the deduplication key for a variant: the base type
// plus its parameters serialised with sorted keys and normalised numbers.
// Two variants with the same key share one computation lane.
func (v *Variant) CanonicalKey() string {
	keys := make([]string, 0, len(v.Params))
	for k := range v.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(v.BaseType)
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(normaliseNumber(v.Params[k]))
	}
	b.WriteString("}")
	return b.String()
}

// normaliseNumber renders a float without trailing zeros so 30 and 30.0
// canonicalise identically.
func normaliseNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Validate checks the variant against its registered base type.
func (v *Variant) Validate(reg *Registry) error {
	if v.ID == "" {
		return fmt.Errorf("variant has no id")
	}
	bt, ok := reg.Lookup(v.BaseType)
	if !ok {
		return fmt.Errorf("variant %s: unknown base type %q", v.ID, v.BaseType)
	}
	for _, p := range bt.RequiredParams {
		if _, ok := v.Params[p]; !ok {
			return fmt.Errorf("variant %s: base type %s requires parameter %q", v.ID, v.BaseType, p)
		}
	}
	if v.Scope == "" {
		v.Scope = ScopePerSymbol
	}
	if v.Scope != ScopePerSymbol && v.Scope != ScopeGlobal {
		return fmt.Errorf("variant %s: invalid scope %q", v.ID, v.Scope)
	}
	return nil
}
