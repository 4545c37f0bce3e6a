package verdant

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.Checkpoint.Interval = 0 // no background checkpointer in tests
	cfg.Logging.Disabled = true
	return cfg
}

func openTestDB(t *testing.T, cfg Config) *DB {
	t.Helper()
	db, err := Open(cfg.Path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDBIngestAndAlert(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	if _, err := db.ConfigureThreshold(ThresholdRule{
		Type: SensorTypeSoilMoisture, Min: floatPtr(20), Cooldown: 10 * time.Minute,
	}); err != nil {
		t.Fatalf("configure threshold: %v", err)
	}

	base := time.Now().UnixNano()
	seq, err := db.Ingest(SensorReading{
		SensorID: "gh2-bed4-sm1", Type: SensorTypeSoilMoisture,
		Location: "greenhouse-2/bed-4", Value: 15, Timestamp: base,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected seq 1, got %d", seq)
	}

	alerts, err := db.Alerts(AlertFilter{})
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.SensorID != "gh2-bed4-sm1" || a.Bound != BoundMin || a.Value != 15 || a.Limit != 20 || a.Seq != seq {
		t.Errorf("unexpected alert: %+v", a)
	}

	// Inside cooldown: suppressed.
	if _, err := db.Ingest(SensorReading{
		SensorID: "gh2-bed4-sm1", Type: SensorTypeSoilMoisture,
		Location: "greenhouse-2/bed-4", Value: 14, Timestamp: base + int64(time.Minute),
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	alerts, _ = db.Alerts(AlertFilter{})
	if len(alerts) != 1 {
		t.Errorf("expected cooldown suppression, got %d alerts", len(alerts))
	}
}

func TestDBIngestValidation(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	if _, err := db.Ingest(SensorReading{SensorID: "s1", Type: SensorType(99), Value: 1, Timestamp: 1}); !errors.Is(err, ErrInvalidSensorType) {
		t.Errorf("expected ErrInvalidSensorType, got %v", err)
	}
	if _, err := db.Ingest(SensorReading{Type: SensorTypeCO2, Value: 1, Timestamp: 1}); err == nil {
		t.Error("expected an error for a missing sensor id")
	}
}

func TestDBSkewRejection(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Storage.SkewTolerance = Duration(time.Minute)
	db := openTestDB(t, cfg)

	base := time.Now().UnixNano()
	if _, err := db.Ingest(SensorReading{SensorID: "s1", Type: SensorTypeCO2, Value: 400, Timestamp: base}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	_, err := db.Ingest(SensorReading{SensorID: "s1", Type: SensorTypeCO2, Value: 410, Timestamp: base - int64(5*time.Minute)})
	if !errors.Is(err, ErrClockSkewRejected) {
		t.Fatalf("expected ErrClockSkewRejected, got %v", err)
	}
}

func TestDBRestartRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	db, err := Open(cfg.Path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.ConfigureThreshold(ThresholdRule{
		Type: SensorTypeTemperature, Max: floatPtr(35), Cooldown: time.Hour,
	}); err != nil {
		t.Fatalf("configure threshold: %v", err)
	}

	base := time.Now().UnixNano()
	for i := 0; i < 5; i++ {
		if _, err := db.Ingest(SensorReading{
			SensorID: "s1", Type: SensorTypeTemperature, Value: 20 + float64(i),
			Timestamp: base + int64(i)*int64(time.Second),
		}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	// A violation fires just before shutdown.
	if _, err := db.Ingest(SensorReading{
		SensorID: "s1", Type: SensorTypeTemperature, Value: 40,
		Timestamp: base + int64(10*time.Second),
	}); err != nil {
		t.Fatalf("ingest violation: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestDB(t, cfg)

	series, err := reopened.GetRange("s1", 0, 0)
	if err != nil {
		t.Fatalf("query after restart: %v", err)
	}
	if len(series) != 6 {
		t.Fatalf("expected 6 readings after restart, got %d", len(series))
	}

	rules := reopened.Rules()
	if len(rules) != 1 || *rules[0].Max != 35 {
		t.Errorf("rules did not survive restart: %v", rules)
	}

	alerts, err := reopened.Alerts(AlertFilter{})
	if err != nil {
		t.Fatalf("alerts after restart: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert after restart, got %d", len(alerts))
	}

	// Cooldown survives the restart: the same violation is suppressed.
	if _, err := reopened.Ingest(SensorReading{
		SensorID: "s1", Type: SensorTypeTemperature, Value: 41,
		Timestamp: base + int64(20*time.Second),
	}); err != nil {
		t.Fatalf("ingest after restart: %v", err)
	}
	alerts, _ = reopened.Alerts(AlertFilter{})
	if len(alerts) != 1 {
		t.Errorf("expected restored cooldown to suppress, got %d alerts", len(alerts))
	}

	// Sequence numbers keep increasing across the restart.
	seq, err := reopened.Ingest(SensorReading{
		SensorID: "s2", Type: SensorTypeTemperature, Value: 21,
		Timestamp: base + int64(30*time.Second),
	})
	if err != nil {
		t.Fatalf("ingest new sensor: %v", err)
	}
	if seq != 8 {
		t.Errorf("expected seq 8 after restart, got %d", seq)
	}
}

func TestDBWALReplayWithoutCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	db, err := Open(cfg.Path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Ingest(SensorReading{SensorID: "s1", Type: SensorTypeHumidity, Value: 60, Timestamp: 1000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// Close the WAL and metadata store directly, skipping the checkpoint,
	// to simulate an abrupt shutdown.
	db.mu.Lock()
	db.closed = true
	db.mu.Unlock()
	close(db.closeCh)
	db.wg.Wait()
	_ = db.wal.Close()
	_ = db.meta.Close()

	reopened := openTestDB(t, cfg)
	series, err := reopened.GetRange("s1", 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(series) != 1 || series[0].Value != 60 {
		t.Errorf("WAL replay lost the reading: %v", series)
	}
}

func TestDBCrashBetweenCheckpointAndWALReset(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	db, err := Open(cfg.Path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	base := time.Now().UnixNano()
	for i := 0; i < 3; i++ {
		if _, err := db.Ingest(SensorReading{
			SensorID: "s1", Type: SensorTypeTemperature, Value: 20,
			Timestamp: base + int64(i)*int64(time.Second),
		}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	// Install the checkpoint but crash before the WAL truncation, so the
	// checkpointed readings are still present in the WAL on reopen.
	if err := writeCheckpoint(db.checkpointPath(), db.store.Snapshot(), db.enc); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	db.mu.Lock()
	db.closed = true
	db.mu.Unlock()
	close(db.closeCh)
	db.wg.Wait()
	_ = db.wal.Close()
	_ = db.meta.Close()

	reopened := openTestDB(t, cfg)
	series, err := reopened.GetRange("s1", 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(series) != 3 {
		t.Fatalf("expected 3 readings after crash-mid-checkpoint recovery, got %d: %v", len(series), series)
	}
	for i, r := range series {
		if r.Seq != uint64(i+1) {
			t.Errorf("reading %d: expected seq %d, got %d", i, i+1, r.Seq)
		}
	}

	seq, err := reopened.Ingest(SensorReading{
		SensorID: "s1", Type: SensorTypeTemperature, Value: 21,
		Timestamp: base + int64(10*time.Second),
	})
	if err != nil {
		t.Fatalf("ingest after recovery: %v", err)
	}
	if seq != 4 {
		t.Errorf("expected seq 4 after recovery, got %d", seq)
	}
}

func TestDBCheckpointTruncatesWAL(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	for i := 0; i < 10; i++ {
		if _, err := db.Ingest(SensorReading{
			SensorID: "s1", Type: SensorTypeLightIntensity, Value: float64(i), Timestamp: int64(1000 + i),
		}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	if db.wal.Size() == 0 {
		t.Fatal("expected a non-empty WAL before checkpoint")
	}

	if err := db.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if db.wal.Size() != 0 {
		t.Errorf("expected an empty WAL after checkpoint, got %d bytes", db.wal.Size())
	}

	// Readings remain queryable from memory and from the checkpoint.
	series, err := db.GetRange("s1", 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(series) != 10 {
		t.Errorf("expected 10 readings after checkpoint, got %d", len(series))
	}
}

func TestDBVerifyIntegrityHaltsIngestion(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	if _, err := db.Ingest(SensorReading{SensorID: "s1", Type: SensorTypeCO2, Value: 400, Timestamp: 1000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := db.VerifyIntegrity(context.Background()); err != nil {
		t.Fatalf("verify clean index: %v", err)
	}

	// Corrupt the index by dropping a sensor series behind its back.
	db.index.mu.Lock()
	delete(db.index.bySensor, "s1")
	db.index.count--
	db.index.mu.Unlock()

	err := db.VerifyIntegrity(context.Background())
	if !errors.Is(err, ErrIntegrityFault) {
		t.Fatalf("expected ErrIntegrityFault, got %v", err)
	}
	if db.Ready() {
		t.Error("expected the database to report not ready")
	}
	if _, err := db.Ingest(SensorReading{SensorID: "s1", Type: SensorTypeCO2, Value: 410, Timestamp: 2000}); !errors.Is(err, ErrRebuildRequired) {
		t.Errorf("expected ErrRebuildRequired while halted, got %v", err)
	}

	if err := db.RebuildIndex(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !db.Ready() {
		t.Error("expected the database to be ready after rebuild")
	}
	if _, err := db.Ingest(SensorReading{SensorID: "s1", Type: SensorTypeCO2, Value: 410, Timestamp: 2000}); err != nil {
		t.Errorf("ingest after rebuild: %v", err)
	}
}

func TestDBLatest(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	if _, ok, err := db.Latest("nope"); err != nil || ok {
		t.Fatalf("expected no reading for unknown sensor, ok=%v err=%v", ok, err)
	}

	base := time.Now().UnixNano()
	for i, v := range []float64{20, 21, 22} {
		if _, err := db.Ingest(SensorReading{
			SensorID: "s1", Type: SensorTypeTemperature, Value: v,
			Timestamp: base + int64(i)*int64(time.Second),
		}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	last, ok, err := db.Latest("s1")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if last.Value != 22 {
		t.Errorf("expected latest value 22, got %g", last.Value)
	}
}

func TestDBEncryptedCheckpointRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Encryption = &EncryptionConfig{Enabled: true, KeyPassword: "greenhouse-secret"}

	db, err := Open(cfg.Path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Ingest(SensorReading{SensorID: "s1", Type: SensorTypeTemperature, Value: 20, Timestamp: 1000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestDB(t, cfg)
	series, err := reopened.GetRange("s1", 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(series) != 1 {
		t.Errorf("expected the encrypted checkpoint to recover, got %d readings", len(series))
	}
}
