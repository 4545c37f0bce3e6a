package verdant

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	walFileName        = "wal.log"
	checkpointFileName = "checkpoint.vck"

	sensorLockStripes = 64
)

// DB is the main database handle. It wires the durable reading store, the
// derived index, the threshold engine and the alert dispatcher into one
// ingest pipeline, and owns their shared lifecycle.
type DB struct {
	config Config
	logger zerolog.Logger

	wal        *WAL
	store      *Store
	index      *Index
	engine     *ThresholdEngine
	dispatcher *Dispatcher
	meta       *SQLiteBackend
	enc        *Encryptor

	// pipeMu lets ingestion proceed concurrently (read side) while
	// checkpointing, verification and rebuilds run exclusively.
	pipeMu sync.RWMutex

	// sensorLocks serialize the append-evaluate-dispatch pipeline per
	// sensor, so alert state transitions observe readings in seq order.
	sensorLocks [sensorLockStripes]sync.Mutex

	mu     sync.RWMutex
	closed bool
	halted bool

	closeCh chan struct{}
	ckptCh  chan struct{}
	wg      sync.WaitGroup
}

// Open opens or creates a database in the configured data directory.
// Recovery is a pure replay: rules and alert history load from the metadata
// store, readings load from the latest checkpoint plus the WAL written
// since, and the index is rebuilt from the recovered store.
func Open(path string, cfg Config) (*DB, error) {
	cfg.normalize()
	if cfg.Path == "" {
		cfg.Path = path
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, newStorageError(StorageErrorTypeWrite, "create data directory", cfg.Path, err)
	}

	db := &DB{
		config:  cfg,
		logger:  componentLogger(newLogger(cfg.Logging), "db"),
		engine:  NewThresholdEngine(),
		closeCh: make(chan struct{}),
		ckptCh:  make(chan struct{}, 1),
	}

	metaCfg := cfg.Metadata
	if metaCfg.Path == "" {
		metaCfg = DefaultSQLiteBackendConfig(filepath.Join(cfg.Path, "meta.db"))
	}
	meta, err := NewSQLiteBackend(metaCfg)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	db.meta = meta

	if err := db.recover(); err != nil {
		_ = meta.Close()
		if db.wal != nil {
			_ = db.wal.Close()
		}
		return nil, err
	}

	if cfg.Checkpoint.Interval > 0 {
		db.wg.Add(1)
		go db.checkpointLoop(cfg.Checkpoint.Interval.Std())
	}

	db.logger.Info().
		Str("path", cfg.Path).
		Int("readings", db.store.Len()).
		Int("rules", len(db.engine.Rules())).
		Msg("database opened")
	return db, nil
}

func (db *DB) recover() error {
	rules, err := db.meta.LoadRules()
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	for _, rule := range rules {
		if _, err := db.engine.SetRule(rule); err != nil {
			return fmt.Errorf("restore rule for %s: %w", rule.Type, err)
		}
	}

	db.dispatcher = NewDispatcher(db.meta, db.config.Alerts.DeferPersistence)
	latest, err := db.meta.LatestAlerts()
	if err != nil {
		return fmt.Errorf("load alert state: %w", err)
	}
	db.dispatcher.Restore(latest)

	encCfg := EncryptionConfig{}
	if db.config.Encryption != nil {
		encCfg = *db.config.Encryption
	}
	db.enc, err = NewEncryptor(encCfg)
	if err != nil {
		return err
	}

	checkpointed, err := readCheckpoint(db.checkpointPath(), encCfg)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}

	walOpts := []WALOption{
		WithSyncErrorCallback(func(err error) {
			metricWALSyncErrors.Inc()
			db.logger.Error().Err(err).Msg("background WAL sync failed")
		}),
	}
	if db.config.WAL.RelaxedSync {
		walOpts = append(walOpts, WithRelaxedSync(db.config.WAL.SyncInterval.Std()))
	}
	db.wal, err = NewWAL(db.walPath(), walOpts...)
	if err != nil {
		return err
	}

	db.store = NewStore(db.wal, db.config.Storage.SkewTolerance.Std())
	db.store.Recover(checkpointed)

	replayed, err := db.wal.ReadAll()
	if err != nil {
		return fmt.Errorf("replay WAL: %w", err)
	}
	db.store.Recover(replayed)

	db.index = NewIndex(db.config.Storage.IndexBucket.Std())
	if err := db.index.Rebuild(context.Background(), db.store); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	if len(checkpointed) > 0 || len(replayed) > 0 {
		db.logger.Info().
			Int("checkpointed", len(checkpointed)).
			Int("replayed", len(replayed)).
			Msg("recovered readings")
	}
	return nil
}

func (db *DB) walPath() string {
	return filepath.Join(db.config.Path, walFileName)
}

func (db *DB) checkpointPath() string {
	return filepath.Join(db.config.Path, checkpointFileName)
}

func (db *DB) checkOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}

// Ready reports whether the database accepts ingestion. It is false after
// an integrity fault, until RebuildIndex succeeds.
func (db *DB) Ready() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return !db.closed && !db.halted
}

func (db *DB) sensorLock(sensorID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sensorID))
	return &db.sensorLocks[h.Sum32()%sensorLockStripes]
}

// Ingest validates, durably commits, indexes and evaluates one reading,
// returning its assigned sequence number. When the reading is durable but
// its alert event could not be persisted, the sequence number is returned
// together with an ErrUnavailable; the reading is not lost and the alert
// re-fires on the next violating evaluation.
func (db *DB) Ingest(r SensorReading) (uint64, error) {
	if !r.Type.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSensorType, r.Type)
	}
	if r.SensorID == "" {
		return 0, errors.New("sensor id is required")
	}

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return 0, ErrClosed
	}
	if db.halted {
		db.mu.RUnlock()
		return 0, ErrRebuildRequired
	}
	db.mu.RUnlock()

	db.pipeMu.RLock()
	defer db.pipeMu.RUnlock()

	lock := db.sensorLock(r.SensorID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := db.store.Append(r)
	if err != nil {
		switch {
		case errors.Is(err, ErrClockSkewRejected):
			metricSkewRejections.Inc()
			metricIngestTotal.WithLabelValues(r.Type.String(), "rejected").Inc()
		default:
			metricIngestTotal.WithLabelValues(r.Type.String(), "failed").Inc()
		}
		return 0, err
	}
	r.Seq = seq

	if err := db.index.OnAppend(r); err != nil {
		return seq, err
	}
	metricIngestTotal.WithLabelValues(r.Type.String(), "accepted").Inc()

	violation := db.engine.Evaluate(r)
	event, err := db.dispatcher.Dispatch(r, violation)
	if err != nil {
		return seq, err
	}
	if event != nil {
		metricAlertsEmitted.WithLabelValues(event.Type.String(), event.Bound.String()).Inc()
		db.logger.Warn().
			Str("sensor", event.SensorID).
			Str("type", event.Type.String()).
			Str("bound", event.Bound.String()).
			Float64("value", event.Value).
			Float64("limit", event.Limit).
			Msg("threshold alert")
	} else if violation != nil {
		metricAlertsSuppressed.Inc()
	}

	db.maybeScheduleCheckpoint()
	return seq, nil
}

func (db *DB) maybeScheduleCheckpoint() {
	if db.config.WAL.MaxSize <= 0 || db.wal.Size() < db.config.WAL.MaxSize {
		return
	}
	select {
	case db.ckptCh <- struct{}{}:
	default:
	}
}

// Query returns readings matching the filter, ordered by (timestamp, seq).
func (db *DB) Query(f Filter) ([]SensorReading, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := db.index.Query(f)
	metricQueryDuration.WithLabelValues("range").Observe(time.Since(start).Seconds())
	return out, err
}

// GetRange returns one sensor's readings in [from, to] (inclusive; to == 0
// means unbounded), ordered by (timestamp, seq).
func (db *DB) GetRange(sensorID string, from, to int64) ([]SensorReading, error) {
	return db.Query(Filter{SensorID: sensorID, From: from, To: to})
}

// Latest returns the most recent reading for a sensor.
func (db *DB) Latest(sensorID string) (SensorReading, bool, error) {
	if err := db.checkOpen(); err != nil {
		return SensorReading{}, false, err
	}
	start := time.Now()
	r, ok := db.store.Last(sensorID)
	metricQueryDuration.WithLabelValues("latest").Observe(time.Since(start).Seconds())
	return r, ok, nil
}

// SensorIDs returns the IDs of all sensors with accepted readings.
func (db *DB) SensorIDs() ([]string, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.store.SensorIDs(), nil
}

// ConfigureThreshold installs a threshold rule, replacing any prior rule
// for its sensor type, and returns the new rule-set version. The rule is
// persisted before it takes effect; readings in flight keep evaluating
// against the version they started with.
func (db *DB) ConfigureThreshold(rule ThresholdRule) (uint64, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}
	if err := db.checkOpen(); err != nil {
		return 0, err
	}

	if err := db.meta.SaveRule(rule); err != nil {
		return 0, err
	}
	return db.engine.SetRule(rule)
}

// Rules returns a copy of the active threshold rule set.
func (db *DB) Rules() []ThresholdRule {
	return db.engine.Rules()
}

// Alerts returns persisted alert events matching the filter, ordered by
// (timestamp, seq).
func (db *DB) Alerts(f AlertFilter) ([]AlertEvent, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := db.dispatcher.History(f)
	metricQueryDuration.WithLabelValues("alerts").Observe(time.Since(start).Seconds())
	return out, err
}

// Checkpoint captures the full store into the checkpoint file and truncates
// the WAL. Ingestion is paused for the duration.
func (db *DB) Checkpoint() error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	db.pipeMu.Lock()
	defer db.pipeMu.Unlock()
	return db.checkpointLocked()
}

// checkpointLocked requires pipeMu held exclusively: nothing may append
// between the snapshot and the WAL truncation.
func (db *DB) checkpointLocked() error {
	start := time.Now()
	snapshot := db.store.Snapshot()
	if err := writeCheckpoint(db.checkpointPath(), snapshot, db.enc); err != nil {
		return err
	}
	if err := db.wal.Reset(); err != nil {
		return err
	}
	metricCheckpointDuration.Observe(time.Since(start).Seconds())
	db.logger.Info().
		Int("readings", len(snapshot)).
		Dur("took", time.Since(start)).
		Msg("checkpoint written")
	return nil
}

func (db *DB) checkpointLoop(interval time.Duration) {
	defer db.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-db.closeCh:
			return
		case <-ticker.C:
		case <-db.ckptCh:
		}
		if err := db.Checkpoint(); err != nil && !errors.Is(err, ErrClosed) {
			db.logger.Error().Err(err).Msg("background checkpoint failed")
		}
	}
}

// VerifyIntegrity rebuilds a shadow index from the durable store and
// compares it with the live one. Divergence is fatal: ingestion halts with
// ErrRebuildRequired until RebuildIndex succeeds. Verification runs
// exclusively; ingestion is paused for the duration.
func (db *DB) VerifyIntegrity(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	db.pipeMu.Lock()
	defer db.pipeMu.Unlock()

	err := db.index.Verify(ctx, db.store)
	if errors.Is(err, ErrIntegrityFault) {
		metricIntegrityFaults.Inc()
		db.mu.Lock()
		db.halted = true
		db.mu.Unlock()
		db.logger.Error().Err(err).Msg("index integrity fault, ingestion halted")
	}
	return err
}

// RebuildIndex reconstructs the index from the durable store and, on
// success, resumes ingestion after an integrity fault.
func (db *DB) RebuildIndex(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	db.pipeMu.Lock()
	defer db.pipeMu.Unlock()

	if err := db.index.Rebuild(ctx, db.store); err != nil {
		return err
	}
	db.mu.Lock()
	db.halted = false
	db.mu.Unlock()
	db.logger.Info().Int64("readings", db.index.Count()).Msg("index rebuilt")
	return nil
}

// Close checkpoints, stops background workers and releases all resources.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	close(db.closeCh)
	db.wg.Wait()

	db.pipeMu.Lock()
	ckptErr := db.checkpointLocked()
	db.pipeMu.Unlock()
	if ckptErr != nil {
		db.logger.Error().Err(ckptErr).Msg("final checkpoint failed")
	}

	walErr := db.wal.Close()
	metaErr := db.meta.Close()

	var archErr error
	if db.config.Archive != nil {
		archErr = db.config.Archive.Close()
	}

	db.logger.Info().Msg("database closed")
	if ckptErr != nil {
		return ckptErr
	}
	if walErr != nil {
		return walErr
	}
	if metaErr != nil {
		return metaErr
	}
	return archErr
}
