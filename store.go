package verdant

import (
	"fmt"
	"sync"
	"time"
)

// Store is the append-oriented durable reading store. Its source of truth
// is the WAL plus the latest checkpoint; the in-memory state mirrors the
// log so recovery is a pure replay. Accepted readings are immutable and
// never deleted.
type Store struct {
	wal  *WAL
	skew time.Duration

	mu       sync.RWMutex
	readings []SensorReading // insertion (seq) order
	sensors  map[string]*sensorState
	nextSeq  uint64
}

type sensorState struct {
	lastTimestamp int64
	last          SensorReading
	count         int64
}

// NewStore creates a store over the given WAL. skewTolerance is the maximum
// allowed regression of a sensor's timestamp behind its last accepted one.
func NewStore(wal *WAL, skewTolerance time.Duration) *Store {
	return &Store{
		wal:     wal,
		skew:    skewTolerance,
		sensors: make(map[string]*sensorState),
		nextSeq: 1,
	}
}

// Append durably commits a reading and returns its assigned sequence
// number. It fails with ErrClockSkewRejected when the timestamp precedes
// the sensor's last accepted timestamp by more than the skew tolerance, and
// with ErrUnavailable when the WAL cannot commit; in both cases store state
// is unchanged.
func (s *Store) Append(r SensorReading) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.sensors[r.SensorID]
	if state != nil && r.Timestamp < state.lastTimestamp-int64(s.skew) {
		return 0, fmt.Errorf("%w: sensor %s reading at %d, last accepted %d",
			ErrClockSkewRejected, r.SensorID, r.Timestamp, state.lastTimestamp)
	}

	r.Seq = s.nextSeq
	if err := s.wal.Append([]SensorReading{r}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.nextSeq++
	s.commitLocked(r)
	return r.Seq, nil
}

// commitLocked applies an accepted reading to the in-memory mirror.
func (s *Store) commitLocked(r SensorReading) {
	s.readings = append(s.readings, r)
	state := s.sensors[r.SensorID]
	if state == nil {
		state = &sensorState{}
		s.sensors[r.SensorID] = state
	}
	state.count++
	if r.Timestamp > state.lastTimestamp || state.count == 1 {
		state.lastTimestamp = r.Timestamp
		state.last = r
	} else if r.Timestamp == state.lastTimestamp && r.Seq > state.last.Seq {
		state.last = r
	}
}

// Recover seeds the store with readings from a checkpoint or WAL replay.
// Readings must already carry their sequence numbers and arrive in seq
// order. Records whose seq was already recovered are skipped: a crash
// between checkpoint install and WAL truncation leaves the checkpointed
// readings in the WAL too, and replaying them again must not duplicate
// them. Nothing is written back to the WAL.
func (s *Store) Recover(readings []SensorReading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range readings {
		if r.Seq < s.nextSeq {
			continue
		}
		s.nextSeq = r.Seq + 1
		s.commitLocked(r)
	}
}

// Last returns the most recent reading for a sensor, ordered by
// (timestamp, seq).
func (s *Store) Last(sensorID string) (SensorReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.sensors[sensorID]
	if !ok {
		return SensorReading{}, false
	}
	return state.last, true
}

// LastTimestamp returns the last accepted timestamp for a sensor, or zero
// when the sensor is unknown.
func (s *Store) LastTimestamp(sensorID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if state, ok := s.sensors[sensorID]; ok {
		return state.lastTimestamp
	}
	return 0
}

// Len returns the number of accepted readings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}

// Replay iterates every accepted reading in insertion order. It operates on
// a snapshot, so ingestion may proceed concurrently; fn returning an error
// stops the walk.
func (s *Store) Replay(fn func(SensorReading) error) error {
	snapshot := s.Snapshot()
	for _, r := range snapshot {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a copy of all accepted readings in insertion order.
func (s *Store) Snapshot() []SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SensorReading, len(s.readings))
	copy(out, s.readings)
	return out
}

// SensorIDs returns the IDs of all sensors that have accepted readings.
func (s *Store) SensorIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.sensors))
	for id := range s.sensors {
		out = append(out, id)
	}
	return out
}
