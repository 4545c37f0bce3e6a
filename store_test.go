package verdant

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, skew time.Duration) *Store {
	t.Helper()
	wal, err := NewWAL(filepath.Join(t.TempDir(), "test.wal"))
	if err != nil {
		t.Fatalf("create WAL: %v", err)
	}
	t.Cleanup(func() { _ = wal.Close() })
	return NewStore(wal, skew)
}

func TestStoreAppendAssignsSeq(t *testing.T) {
	store := newTestStore(t, time.Minute)

	for i := 1; i <= 3; i++ {
		seq, err := store.Append(SensorReading{
			SensorID: "s1", Type: SensorTypeTemperature, Value: 20, Timestamp: int64(i * 1000),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != uint64(i) {
			t.Errorf("append %d: expected seq %d, got %d", i, i, seq)
		}
	}
	if store.Len() != 3 {
		t.Errorf("expected 3 readings, got %d", store.Len())
	}
}

func TestStoreSkewRejection(t *testing.T) {
	store := newTestStore(t, time.Minute)

	base := time.Now().UnixNano()
	if _, err := store.Append(SensorReading{SensorID: "s1", Type: SensorTypeCO2, Value: 400, Timestamp: base}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Within tolerance: accepted even though it goes backwards.
	if _, err := store.Append(SensorReading{SensorID: "s1", Type: SensorTypeCO2, Value: 405, Timestamp: base - int64(30*time.Second)}); err != nil {
		t.Fatalf("append within tolerance: %v", err)
	}

	// Beyond tolerance: rejected, store unchanged.
	before := store.Len()
	_, err := store.Append(SensorReading{SensorID: "s1", Type: SensorTypeCO2, Value: 410, Timestamp: base - int64(2*time.Minute)})
	if !errors.Is(err, ErrClockSkewRejected) {
		t.Fatalf("expected ErrClockSkewRejected, got %v", err)
	}
	if store.Len() != before {
		t.Errorf("rejected reading changed the store: %d -> %d", before, store.Len())
	}

	// Another sensor is unaffected by s1's history.
	if _, err := store.Append(SensorReading{SensorID: "s2", Type: SensorTypeCO2, Value: 420, Timestamp: base - int64(2*time.Hour)}); err != nil {
		t.Fatalf("append to fresh sensor: %v", err)
	}
}

func TestStoreLastOrdersByTimestampSeq(t *testing.T) {
	store := newTestStore(t, time.Minute)

	base := int64(1_000_000_000)
	// Later timestamp first, then an in-tolerance regression.
	if _, err := store.Append(SensorReading{SensorID: "s1", Type: SensorTypeHumidity, Value: 60, Timestamp: base + 1000}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Append(SensorReading{SensorID: "s1", Type: SensorTypeHumidity, Value: 61, Timestamp: base}); err != nil {
		t.Fatalf("append regression: %v", err)
	}

	last, ok := store.Last("s1")
	if !ok {
		t.Fatal("expected a last reading")
	}
	if last.Value != 60 {
		t.Errorf("expected latest-by-timestamp value 60, got %g", last.Value)
	}

	// Same timestamp: higher seq wins.
	if _, err := store.Append(SensorReading{SensorID: "s1", Type: SensorTypeHumidity, Value: 62, Timestamp: base + 1000}); err != nil {
		t.Fatalf("append tie: %v", err)
	}
	last, _ = store.Last("s1")
	if last.Value != 62 {
		t.Errorf("expected tie broken by seq, got value %g", last.Value)
	}
}

func TestStoreRecoverContinuesSeq(t *testing.T) {
	store := newTestStore(t, time.Minute)

	store.Recover([]SensorReading{
		{SensorID: "s1", Type: SensorTypeTemperature, Value: 20, Timestamp: 1000, Seq: 1},
		{SensorID: "s1", Type: SensorTypeTemperature, Value: 21, Timestamp: 2000, Seq: 2},
	})
	if store.Len() != 2 {
		t.Fatalf("expected 2 recovered readings, got %d", store.Len())
	}

	seq, err := store.Append(SensorReading{SensorID: "s1", Type: SensorTypeTemperature, Value: 22, Timestamp: 3000})
	if err != nil {
		t.Fatalf("append after recover: %v", err)
	}
	if seq != 3 {
		t.Errorf("expected seq to continue at 3, got %d", seq)
	}
}

func TestStoreRecoverSkipsReplayedSeqs(t *testing.T) {
	store := newTestStore(t, time.Minute)

	// Checkpoint covers seqs 1-3; the WAL still holds 1-5 because the
	// truncation after the checkpoint never happened.
	checkpointed := []SensorReading{
		{SensorID: "s1", Type: SensorTypeTemperature, Value: 20, Timestamp: 1000, Seq: 1},
		{SensorID: "s1", Type: SensorTypeTemperature, Value: 21, Timestamp: 2000, Seq: 2},
		{SensorID: "s1", Type: SensorTypeTemperature, Value: 22, Timestamp: 3000, Seq: 3},
	}
	store.Recover(checkpointed)
	store.Recover(append(checkpointed,
		SensorReading{SensorID: "s1", Type: SensorTypeTemperature, Value: 23, Timestamp: 4000, Seq: 4},
		SensorReading{SensorID: "s1", Type: SensorTypeTemperature, Value: 24, Timestamp: 5000, Seq: 5},
	))

	if store.Len() != 5 {
		t.Fatalf("expected 5 readings after overlapping recovery, got %d", store.Len())
	}
	seen := make(map[uint64]bool)
	_ = store.Replay(func(r SensorReading) error {
		if seen[r.Seq] {
			t.Errorf("seq %d recovered twice", r.Seq)
		}
		seen[r.Seq] = true
		return nil
	})

	seq, err := store.Append(SensorReading{SensorID: "s1", Type: SensorTypeTemperature, Value: 25, Timestamp: 6000})
	if err != nil {
		t.Fatalf("append after recover: %v", err)
	}
	if seq != 6 {
		t.Errorf("expected seq to continue at 6, got %d", seq)
	}
}

func TestStoreReplayInsertionOrder(t *testing.T) {
	store := newTestStore(t, time.Hour)

	// Out of timestamp order but within tolerance.
	timestamps := []int64{5000, 3000, 4000}
	for _, ts := range timestamps {
		if _, err := store.Append(SensorReading{SensorID: "s1", Type: SensorTypeLightIntensity, Value: 100, Timestamp: ts}); err != nil {
			t.Fatalf("append ts=%d: %v", ts, err)
		}
	}

	var got []int64
	err := store.Replay(func(r SensorReading) error {
		got = append(got, r.Timestamp)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for i, ts := range timestamps {
		if got[i] != ts {
			t.Fatalf("replay order mismatch at %d: expected %d, got %d", i, ts, got[i])
		}
	}
}
