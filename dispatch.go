package verdant

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// AlertEvent is a derived, immutable fact recording one threshold
// violation that escaped cooldown suppression. It references its reading
// by (SensorID, Timestamp, Seq) but does not own it.
type AlertEvent struct {
	// ID is a unique event identifier.
	ID string
	// SensorID identifies the sensor whose reading violated the rule.
	SensorID string
	// Type is the sensor type the violated rule applies to.
	Type SensorType
	// Bound is the side of the rule that was crossed.
	Bound Bound
	// Value is the offending reading value.
	Value float64
	// Limit is the configured bound that was crossed.
	Limit float64
	// Timestamp and Seq are taken from the offending reading.
	Timestamp int64
	Seq       uint64
}

// AlertFilter selects alert events from the history. Zero-valued fields
// are wildcards; From and To are inclusive (To == 0 means unbounded).
type AlertFilter struct {
	SensorID string
	From     int64
	To       int64
}

// AlertLog is the durable append-only sink for alert events.
type AlertLog interface {
	AppendAlert(ev AlertEvent) error
	Alerts(f AlertFilter) ([]AlertEvent, error)
}

// Dispatcher turns threshold violations into alert events. Each
// (sensorID, bound) pair runs a two-state machine: Quiet emits an event
// and moves to Alerted; Alerted suppresses repeats until the rule's
// cooldown elapses or a non-violating evaluation re-arms the pair.
// Suppression is enforced here, not by the alert log.
type Dispatcher struct {
	mu           sync.Mutex
	log          AlertLog
	states       map[pairKey]*pairState
	deferPersist bool
	pending      []AlertEvent
}

type pairKey struct {
	sensorID string
	bound    Bound
}

type pairState struct {
	alerted       bool
	lastFired     int64
	lastViolation int64
}

// NewDispatcher creates a dispatcher over the given alert log. When
// deferPersist is set, a failed event persist queues the event for retry
// instead of failing the dispatch.
func NewDispatcher(log AlertLog, deferPersist bool) *Dispatcher {
	return &Dispatcher{
		log:          log,
		states:       make(map[pairKey]*pairState),
		deferPersist: deferPersist,
	}
}

// Restore seeds cooldown state from previously persisted events, so a
// restart does not re-fire alerts inside their cooldown window. Events
// must be the latest per (sensorID, bound) pair.
func (d *Dispatcher) Restore(events []AlertEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ev := range events {
		key := pairKey{sensorID: ev.SensorID, bound: ev.Bound}
		st := d.states[key]
		if st == nil {
			st = &pairState{}
			d.states[key] = st
		}
		if ev.Timestamp > st.lastFired {
			st.alerted = true
			st.lastFired = ev.Timestamp
			st.lastViolation = ev.Timestamp
		}
	}
}

// Dispatch advances the state machine for a reading. violation may be nil,
// which re-arms the reading's sensor pairs without emitting anything. An
// event is returned only on the Quiet-to-Alerted transition or when the
// cooldown has elapsed; a suppressed violation returns (nil, nil) but
// still updates last-violation bookkeeping. If the event cannot be
// persisted, Dispatch fails with ErrUnavailable and leaves the pair Quiet
// so the violation re-fires on the next evaluation.
func (d *Dispatcher) Dispatch(r SensorReading, violation *Violation) (*AlertEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.flushPendingLocked()

	if violation == nil {
		for _, bound := range []Bound{BoundMin, BoundMax} {
			if st := d.states[pairKey{sensorID: r.SensorID, bound: bound}]; st != nil {
				st.alerted = false
			}
		}
		return nil, nil
	}

	key := pairKey{sensorID: r.SensorID, bound: violation.Bound}
	st := d.states[key]
	if st == nil {
		st = &pairState{}
		d.states[key] = st
	}

	if st.alerted && r.Timestamp-st.lastFired < int64(violation.Rule.Cooldown) {
		st.lastViolation = r.Timestamp
		return nil, nil
	}

	event := AlertEvent{
		ID:        uuid.NewString(),
		SensorID:  r.SensorID,
		Type:      r.Type,
		Bound:     violation.Bound,
		Value:     r.Value,
		Limit:     violation.Limit,
		Timestamp: r.Timestamp,
		Seq:       r.Seq,
	}

	if err := d.log.AppendAlert(event); err != nil {
		if !d.deferPersist {
			return nil, fmt.Errorf("%w: alert persistence: %v", ErrUnavailable, err)
		}
		d.pending = append(d.pending, event)
	}

	st.alerted = true
	st.lastFired = r.Timestamp
	st.lastViolation = r.Timestamp
	return &event, nil
}

// flushPendingLocked retries deferred event persists in order, stopping at
// the first failure to preserve append order.
func (d *Dispatcher) flushPendingLocked() {
	for len(d.pending) > 0 {
		if err := d.log.AppendAlert(d.pending[0]); err != nil {
			return
		}
		d.pending = d.pending[1:]
	}
}

// PendingCount returns the number of deferred events awaiting persistence.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// History returns persisted alert events matching the filter, ordered by
// (timestamp, seq).
func (d *Dispatcher) History(f AlertFilter) ([]AlertEvent, error) {
	return d.log.Alerts(f)
}
