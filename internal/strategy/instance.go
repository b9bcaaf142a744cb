package strategy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a strategy instance.
type State string

const (
	StateMonitoring     State = "MONITORING"
	StateArmed          State = "S1_ARMED"
	StateEntryPending   State = "Z1_PENDING"
	StatePositionActive State = "POSITION_ACTIVE"
	StateClosePending   State = "ZE1_PENDING"
	StateCooldown       State = "COOLDOWN"
	StateError          State = "ERROR"
)

// legalTransitions is the full transition table. Any state may reach ERROR.
var legalTransitions = map[State][]State{
	StateMonitoring:     {StateArmed, StateCooldown},
	StateArmed:          {StateEntryPending, StateCooldown},
	StateEntryPending:   {StatePositionActive, StateCooldown},
	StatePositionActive: {StateClosePending, StateCooldown},
	StateClosePending:   {StateCooldown},
	StateCooldown:       {StateMonitoring},
}

// Instance is the runtime state machine for one (strategy, symbol) pair.
// All fields are mutated only under the manager's lock.
type Instance struct {
	Strategy *Strategy
	Symbol   string
	State    State
	Since    time.Time

	armedAt       time.Time
	cooldownUntil time.Time
	lastSignalID  uuid.UUID
	positionID    uuid.UUID
	positionQty   float64

	// latest value per referenced indicator id
	values    map[string]float64
	lastPrice float64
	// event-time clock; backtest replay advances it from tick timestamps
	now time.Time
}

func newInstance(s *Strategy, symbol string) *Instance {
	return &Instance{
		Strategy: s,
		Symbol:   symbol,
		State:    StateMonitoring,
		values:   make(map[string]float64),
	}
}

// transition moves the instance to a new state, enforcing the table. An
// illegal transition is a programming error and parks the instance in
// ERROR.
func (in *Instance) transition(to State, at time.Time) error {
	if to == StateError {
		in.State = StateError
		in.Since = at
		return nil
	}
	for _, allowed := range legalTransitions[in.State] {
		if allowed == to {
			in.State = to
			in.Since = at
			return nil
		}
	}
	from := in.State
	in.State = StateError
	in.Since = at
	return fmt.Errorf("illegal transition %s -> %s for %s/%s", from, to, in.Strategy.ID, in.Symbol)
}

// advance moves the event-time clock forward, never backward.
func (in *Instance) advance(ts time.Time) {
	if ts.After(in.now) {
		in.now = ts
	}
}

func (in *Instance) startCooldown(minutes float64, at time.Time) error {
	in.cooldownUntil = at.Add(time.Duration(minutes * float64(time.Minute)))
	return in.transition(StateCooldown, at)
}

// Key identifies the instance within a session.
func (in *Instance) Key() string {
	return in.Strategy.ID + "|" + in.Symbol
}
