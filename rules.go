package verdant

import (
	"fmt"
	"sync"
	"time"
)

// Bound names which side of a threshold rule a reading crossed.
type Bound int

const (
	BoundMin Bound = iota + 1
	BoundMax
)

// String returns the canonical name of the bound.
func (b Bound) String() string {
	switch b {
	case BoundMin:
		return "min"
	case BoundMax:
		return "max"
	default:
		return "unknown"
	}
}

// ParseBound parses a canonical bound name.
func ParseBound(s string) (Bound, error) {
	switch s {
	case "min":
		return BoundMin, nil
	case "max":
		return BoundMax, nil
	default:
		return 0, fmt.Errorf("unknown bound %q", s)
	}
}

// ThresholdRule bounds acceptable values for one sensor type. Either bound
// may be nil, meaning unbounded on that side; at least one must be set.
type ThresholdRule struct {
	Type     SensorType
	Min      *float64
	Max      *float64
	Cooldown time.Duration
}

// Validate checks the rule invariants.
func (r ThresholdRule) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidRule, ErrInvalidSensorType)
	}
	if r.Min == nil && r.Max == nil {
		return fmt.Errorf("%w: at least one bound is required", ErrInvalidRule)
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("%w: min %g exceeds max %g", ErrInvalidRule, *r.Min, *r.Max)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("%w: negative cooldown", ErrInvalidRule)
	}
	return nil
}

// Violation describes a threshold crossing found by Evaluate.
type Violation struct {
	// Bound is the side of the rule that was crossed.
	Bound Bound
	// Limit is the configured value of that bound.
	Limit float64
	// Rule is the rule that was violated.
	Rule ThresholdRule
}

// ThresholdEngine holds the active threshold rule set: at most one rule
// per sensor type, replaced atomically by SetRule. The rule set is an
// explicit versioned object, never ambient global state.
type ThresholdEngine struct {
	mu      sync.RWMutex
	version uint64
	rules   map[SensorType]ThresholdRule
}

// NewThresholdEngine creates an engine with no rules configured.
func NewThresholdEngine() *ThresholdEngine {
	return &ThresholdEngine{rules: make(map[SensorType]ThresholdRule)}
}

// SetRule installs a rule for its sensor type, replacing any prior rule,
// and returns the new rule-set version. It fails with ErrInvalidRule when
// both bounds are absent or min exceeds max.
func (e *ThresholdEngine) SetRule(rule ThresholdRule) (uint64, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.version++
	e.rules[rule.Type] = rule
	return e.version, nil
}

// Rule returns the active rule for a sensor type, if any.
func (e *ThresholdEngine) Rule(t SensorType) (ThresholdRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[t]
	return rule, ok
}

// Rules returns a copy of the active rule set.
func (e *ThresholdEngine) Rules() []ThresholdRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ThresholdRule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, rule)
	}
	return out
}

// Version returns the current rule-set version. It increments on every
// SetRule.
func (e *ThresholdEngine) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Evaluate checks a reading against the active rule for its sensor type.
// It is a pure function of the reading and the rule set: no side effects,
// safe to call redundantly. It returns nil when no rule is configured or
// the value is within bounds; a min violation wins when both bounds could
// apply (only possible with an inverted rule, which SetRule rejects).
func (e *ThresholdEngine) Evaluate(r SensorReading) *Violation {
	e.mu.RLock()
	rule, ok := e.rules[r.Type]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	if rule.Min != nil && r.Value < *rule.Min {
		return &Violation{Bound: BoundMin, Limit: *rule.Min, Rule: rule}
	}
	if rule.Max != nil && r.Value > *rule.Max {
		return &Violation{Bound: BoundMax, Limit: *rule.Max, Rule: rule}
	}
	return nil
}
