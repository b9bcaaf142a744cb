package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pumpwatch/pumpwatch/internal/indicators"
)

// ValidationError contains details about one validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// Direction restricts which side a strategy may trade.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionBoth  Direction = "BOTH"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpLT  Operator = "<"
	OpLTE Operator = "<="
	OpGT  Operator = ">"
	OpGTE Operator = ">="
	OpEQ  Operator = "=="
	OpNEQ Operator = "!="
)

// Logic joins a condition to the running section result.
type Logic string

const (
	LogicAND Logic = "AND"
	LogicOR  Logic = "OR"
	LogicNOT Logic = "NOT"
)

// Condition compares one indicator's latest value against a threshold.
// Conditions fold in list order; Logic defaults to AND. NOT negates the
// condition's own result before folding.
type Condition struct {
	IndicatorID string   `yaml:"indicator" json:"indicator"`
	Op          Operator `yaml:"op" json:"op"`
	Value       float64  `yaml:"value" json:"value"`
	Logic       Logic    `yaml:"logic,omitempty" json:"logic,omitempty"`
}

// RiskScaling linearly interpolates an order parameter between LowScale and
// HighScale as the referenced indicator moves through
// [LowThreshold, HighThreshold].
type RiskScaling struct {
	IndicatorID   string  `yaml:"indicator" json:"indicator"`
	LowThreshold  float64 `yaml:"low_threshold" json:"low_threshold"`
	HighThreshold float64 `yaml:"high_threshold" json:"high_threshold"`
	LowScale      float64 `yaml:"low_scale" json:"low_scale"`
	HighScale     float64 `yaml:"high_scale" json:"high_scale"`
}

// SizeType selects how PositionSize.Value is interpreted.
type SizeType string

const (
	SizeFixed         SizeType = "fixed"   // Value is notional in quote currency
	SizePercentBudget SizeType = "percent" // Value is a percentage of the budget cap
)

// PositionSize is the z1 sizing block.
type PositionSize struct {
	Type        SizeType     `yaml:"type" json:"type"`
	Value       float64      `yaml:"value" json:"value"`
	RiskScaling *RiskScaling `yaml:"risk_scaling,omitempty" json:"riskScaling,omitempty"`
}

// ScaledParam is a numeric order parameter with optional risk scaling.
type ScaledParam struct {
	Value       float64      `yaml:"value" json:"value"`
	RiskScaling *RiskScaling `yaml:"risk_scaling,omitempty" json:"riskScaling,omitempty"`
}

// SignalSection is the s1 candidate-detection block.
type SignalSection struct {
	Conditions []Condition `yaml:"conditions" json:"conditions"`
}

// CancelSection is the o1 block: cancellation conditions, the arming
// timeout, and the cooldown applied after a cancel or timeout.
type CancelSection struct {
	Conditions      []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	TimeoutSeconds  int         `yaml:"timeout_seconds" json:"timeoutSeconds"`
	CooldownMinutes float64     `yaml:"cooldown_minutes" json:"cooldownMinutes"`
}

// EntrySection is the z1 block: entry conditions plus order parameters.
type EntrySection struct {
	Conditions     []Condition  `yaml:"conditions" json:"conditions"`
	PriceSource    string       `yaml:"price_source,omitempty" json:"priceSource,omitempty"`
	PositionSize   PositionSize `yaml:"position_size" json:"positionSize"`
	Leverage       float64      `yaml:"leverage,omitempty" json:"leverage,omitempty"`
	TimeoutSeconds int          `yaml:"timeout_seconds,omitempty" json:"timeoutSeconds,omitempty"`
	StopLoss       *ScaledParam `yaml:"stop_loss_pct,omitempty" json:"stopLossPct,omitempty"`
	TakeProfit     *ScaledParam `yaml:"take_profit_pct,omitempty" json:"takeProfitPct,omitempty"`
}

// CloseSection is the optional ze1 block.
type CloseSection struct {
	Conditions  []Condition  `yaml:"conditions" json:"conditions"`
	PriceSource string       `yaml:"price_source,omitempty" json:"priceSource,omitempty"`
	Adjustment  *ScaledParam `yaml:"adjustment,omitempty" json:"adjustment,omitempty"`
}

// EmergencyActions is the action set applied on an emergency match.
type EmergencyActions struct {
	CancelPending bool `yaml:"cancel_pending" json:"cancelPending"`
	ClosePosition bool `yaml:"close_position" json:"closePosition"`
	LogEvent      bool `yaml:"log_event" json:"logEvent"`
}

// EmergencySection is the hard-stop block.
type EmergencySection struct {
	Conditions      []Condition      `yaml:"conditions" json:"conditions"`
	CooldownMinutes float64          `yaml:"cooldown_minutes" json:"cooldownMinutes"`
	Actions         EmergencyActions `yaml:"actions" json:"actions"`
}

// Strategy is one complete five-section strategy definition. Variants
// declares the indicator variants its conditions reference; the controller
// registers the union across strategies with the indicator engine.
type Strategy struct {
	ID            string               `yaml:"id" json:"id"`
	Name          string               `yaml:"name,omitempty" json:"name,omitempty"`
	Direction     Direction            `yaml:"direction,omitempty" json:"direction,omitempty"`
	AllocationUSD float64              `yaml:"allocation_usd,omitempty" json:"allocationUsd,omitempty"`
	Variants      []indicators.Variant `yaml:"variants" json:"variants"`
	S1            SignalSection        `yaml:"s1_signal" json:"s1"`
	O1            CancelSection        `yaml:"o1_cancel" json:"o1"`
	Z1            EntrySection         `yaml:"z1_entry" json:"z1"`
	ZE1           *CloseSection        `yaml:"ze1_close,omitempty" json:"ze1,omitempty"`
	Emergency     EmergencySection     `yaml:"emergency_exit" json:"emergency_exit"`
}

// Validate checks the strategy against the given base type registry and
// normalises defaults in place.
func (s *Strategy) Validate(reg *indicators.Registry) error {
	var errs ValidationErrors

	if s.ID == "" {
		errs = append(errs, ValidationError{Field: "id", Message: "strategy id is required"})
	}
	switch s.Direction {
	case "":
		s.Direction = DirectionLong
	case DirectionLong, DirectionShort, DirectionBoth:
	default:
		errs = append(errs, ValidationError{Field: "direction", Message: fmt.Sprintf("unknown direction %q", s.Direction)})
	}

	known := make(map[string]bool, len(s.Variants))
	for i := range s.Variants {
		v := &s.Variants[i]
		if err := v.Validate(reg); err != nil {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("variants[%d]", i), Message: err.Error()})
			continue
		}
		if known[v.ID] {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("variants[%d]", i), Message: fmt.Sprintf("duplicate variant id %q", v.ID)})
		}
		known[v.ID] = true
	}

	if len(s.S1.Conditions) == 0 {
		errs = append(errs, ValidationError{Field: "s1_signal", Message: "at least one condition is required"})
	}
	if len(s.Z1.Conditions) == 0 {
		errs = append(errs, ValidationError{Field: "z1_entry", Message: "at least one condition is required"})
	}
	if s.O1.TimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{Field: "o1_cancel.timeout_seconds", Message: "timeout must be positive"})
	}
	if s.O1.CooldownMinutes < 0 {
		errs = append(errs, ValidationError{Field: "o1_cancel.cooldown_minutes", Message: "cooldown must not be negative"})
	}

	switch s.Z1.PositionSize.Type {
	case SizeFixed, SizePercentBudget:
	default:
		errs = append(errs, ValidationError{Field: "z1_entry.position_size.type", Message: fmt.Sprintf("unknown size type %q", s.Z1.PositionSize.Type)})
	}
	if s.Z1.PositionSize.Value <= 0 {
		errs = append(errs, ValidationError{Field: "z1_entry.position_size.value", Message: "size must be positive"})
	}
	if s.Z1.Leverage == 0 {
		s.Z1.Leverage = 1
	}
	if s.Z1.Leverage < 1 {
		errs = append(errs, ValidationError{Field: "z1_entry.leverage", Message: "leverage must be at least 1"})
	}

	errs = append(errs, s.validateConditions("s1_signal", s.S1.Conditions, known)...)
	errs = append(errs, s.validateConditions("o1_cancel", s.O1.Conditions, known)...)
	errs = append(errs, s.validateConditions("z1_entry", s.Z1.Conditions, known)...)
	if s.ZE1 != nil {
		errs = append(errs, s.validateConditions("ze1_close", s.ZE1.Conditions, known)...)
	}
	errs = append(errs, s.validateConditions("emergency_exit", s.Emergency.Conditions, known)...)

	for _, scaled := range []struct {
		field string
		rs    *RiskScaling
	}{
		{"z1_entry.position_size", s.Z1.PositionSize.RiskScaling},
		{"z1_entry.stop_loss_pct", scalingOf(s.Z1.StopLoss)},
		{"z1_entry.take_profit_pct", scalingOf(s.Z1.TakeProfit)},
	} {
		if scaled.rs == nil {
			continue
		}
		if !known[scaled.rs.IndicatorID] {
			errs = append(errs, ValidationError{Field: scaled.field, Message: fmt.Sprintf("risk scaling references unknown indicator %q", scaled.rs.IndicatorID)})
		}
		if scaled.rs.HighThreshold <= scaled.rs.LowThreshold {
			errs = append(errs, ValidationError{Field: scaled.field, Message: "high_threshold must exceed low_threshold"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func scalingOf(p *ScaledParam) *RiskScaling {
	if p == nil {
		return nil
	}
	return p.RiskScaling
}

func (s *Strategy) validateConditions(field string, conds []Condition, known map[string]bool) ValidationErrors {
	var errs ValidationErrors
	for i, c := range conds {
		prefix := fmt.Sprintf("%s.conditions[%d]", field, i)
		if c.IndicatorID == "" {
			errs = append(errs, ValidationError{Field: prefix, Message: "indicator id is required"})
		} else if !known[c.IndicatorID] {
			errs = append(errs, ValidationError{Field: prefix, Message: fmt.Sprintf("unknown indicator %q", c.IndicatorID)})
		}
		switch c.Op {
		case OpLT, OpLTE, OpGT, OpGTE, OpEQ, OpNEQ:
		default:
			errs = append(errs, ValidationError{Field: prefix, Message: fmt.Sprintf("unknown operator %q", c.Op)})
		}
		switch c.Logic {
		case "", LogicAND, LogicOR, LogicNOT:
		default:
			errs = append(errs, ValidationError{Field: prefix, Message: fmt.Sprintf("unknown logic %q", c.Logic)})
		}
	}
	return errs
}

// ReferencedIndicators returns the ids of every indicator the strategy's
// sections and scaling blocks read.
func (s *Strategy) ReferencedIndicators() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, set := range [][]Condition{s.S1.Conditions, s.O1.Conditions, s.Z1.Conditions, s.Emergency.Conditions} {
		for _, c := range set {
			add(c.IndicatorID)
		}
	}
	if s.ZE1 != nil {
		for _, c := range s.ZE1.Conditions {
			add(c.IndicatorID)
		}
	}
	for _, rs := range []*RiskScaling{s.Z1.PositionSize.RiskScaling, scalingOf(s.Z1.StopLoss), scalingOf(s.Z1.TakeProfit)} {
		if rs != nil {
			add(rs.IndicatorID)
		}
	}
	add(s.Z1.PriceSource)
	if s.ZE1 != nil {
		add(s.ZE1.PriceSource)
	}
	return out
}

// Config is the full strategy_config handed to start_session: strategy id
// to definition.
type Config map[string]*Strategy

// ParseConfig decodes a strategy_config JSON document and validates every
// strategy against the registry.
func ParseConfig(raw json.RawMessage, reg *indicators.Registry) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse strategy config: %w", err)
	}
	if len(cfg) == 0 {
		return nil, fmt.Errorf("strategy config is empty")
	}
	for id, s := range cfg {
		if s == nil {
			return nil, fmt.Errorf("strategy %q: empty definition", id)
		}
		if s.ID == "" {
			s.ID = id
		} else if s.ID != id {
			return nil, fmt.Errorf("strategy %q: id field %q does not match key", id, s.ID)
		}
		if err := s.Validate(reg); err != nil {
			return nil, fmt.Errorf("strategy %q: %w", id, err)
		}
	}
	return cfg, nil
}

// ParseFile loads one strategy definition from a YAML or JSON file.
func ParseFile(path string, reg *indicators.Registry) (*Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file: %w", err)
	}

	var s Strategy
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &s)
	} else {
		err = yaml.Unmarshal(data, &s)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse strategy file %s: %w", path, err)
	}
	if err := s.Validate(reg); err != nil {
		return nil, fmt.Errorf("strategy file %s: %w", path, err)
	}
	return &s, nil
}

// Variants returns the union of variant definitions across all strategies,
// erroring on conflicting reuse of a variant id.
func (c Config) Variants() ([]indicators.Variant, error) {
	byID := make(map[string]indicators.Variant)
	var out []indicators.Variant
	for _, s := range c {
		for _, v := range s.Variants {
			if prev, ok := byID[v.ID]; ok {
				if prev.CanonicalKey() != v.CanonicalKey() {
					return nil, fmt.Errorf("variant %q defined twice with different parameters", v.ID)
				}
				continue
			}
			byID[v.ID] = v
			out = append(out, v)
		}
	}
	return out, nil
}
