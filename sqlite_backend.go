package verdant

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteBackendConfig configures the SQLite metadata store.
type SQLiteBackendConfig struct {
	// Path to the SQLite database file
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int
}

// DefaultSQLiteBackendConfig returns default configuration.
func DefaultSQLiteBackendConfig(path string) SQLiteBackendConfig {
	return SQLiteBackendConfig{
		Path:           path,
		JournalMode:    "WAL",
		Synchronous:    "FULL",
		BusyTimeout:    5000,
		MaxConnections: 4,
	}
}

// SQLiteBackend persists the threshold rule table and the append-only
// alert history in an embedded SQLite database. Rules are replaced in
// place; alert events are insert-only. The data is accessible with
// standard SQLite tools.
type SQLiteBackend struct {
	db     *sql.DB
	config SQLiteBackendConfig
	mu     sync.RWMutex
	closed bool

	insertAlert *sql.Stmt
	saveRule    *sql.Stmt
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threshold_rules (
	sensor_type TEXT PRIMARY KEY,
	min_value   REAL,
	max_value   REAL,
	cooldown_ns INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS alert_events (
	id          TEXT PRIMARY KEY,
	sensor_id   TEXT NOT NULL,
	sensor_type TEXT NOT NULL,
	bound       TEXT NOT NULL,
	value       REAL NOT NULL,
	bound_limit REAL NOT NULL,
	ts          INTEGER NOT NULL,
	seq         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_events_sensor_ts ON alert_events(sensor_id, ts);
CREATE INDEX IF NOT EXISTS idx_alert_events_ts ON alert_events(ts);
`

// NewSQLiteBackend opens or creates the metadata database.
func NewSQLiteBackend(config SQLiteBackendConfig) (*SQLiteBackend, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite backend path is required")
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "FULL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	backend := &SQLiteBackend{db: db, config: config}

	backend.insertAlert, err = db.Prepare(
		`INSERT INTO alert_events (id, sensor_id, sensor_type, bound, value, bound_limit, ts, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	backend.saveRule, err = db.Prepare(
		`INSERT INTO threshold_rules (sensor_type, min_value, max_value, cooldown_ns, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(sensor_type) DO UPDATE SET
			min_value = excluded.min_value,
			max_value = excluded.max_value,
			cooldown_ns = excluded.cooldown_ns,
			updated_at = excluded.updated_at`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return backend, nil
}

// Close closes the backend.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	_ = b.insertAlert.Close()
	_ = b.saveRule.Close()
	return b.db.Close()
}

// SaveRule persists a rule, replacing any prior rule for its sensor type.
func (b *SQLiteBackend) SaveRule(rule ThresholdRule) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	var minVal, maxVal sql.NullFloat64
	if rule.Min != nil {
		minVal = sql.NullFloat64{Float64: *rule.Min, Valid: true}
	}
	if rule.Max != nil {
		maxVal = sql.NullFloat64{Float64: *rule.Max, Valid: true}
	}

	_, err := b.saveRule.Exec(rule.Type.String(), minVal, maxVal,
		int64(rule.Cooldown), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: save rule: %v", ErrUnavailable, err)
	}
	return nil
}

// LoadRules returns all persisted rules.
func (b *SQLiteBackend) LoadRules() ([]ThresholdRule, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	rows, err := b.db.Query(
		`SELECT sensor_type, min_value, max_value, cooldown_ns FROM threshold_rules`)
	if err != nil {
		return nil, fmt.Errorf("%w: load rules: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []ThresholdRule
	for rows.Next() {
		var typeName string
		var minVal, maxVal sql.NullFloat64
		var cooldown int64
		if err := rows.Scan(&typeName, &minVal, &maxVal, &cooldown); err != nil {
			return nil, err
		}
		sensorType, err := ParseSensorType(typeName)
		if err != nil {
			return nil, fmt.Errorf("rule table holds unknown sensor type %q", typeName)
		}
		rule := ThresholdRule{Type: sensorType, Cooldown: time.Duration(cooldown)}
		if minVal.Valid {
			v := minVal.Float64
			rule.Min = &v
		}
		if maxVal.Valid {
			v := maxVal.Float64
			rule.Max = &v
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// AppendAlert appends one alert event to the history.
func (b *SQLiteBackend) AppendAlert(ev AlertEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	_, err := b.insertAlert.Exec(ev.ID, ev.SensorID, ev.Type.String(),
		ev.Bound.String(), ev.Value, ev.Limit, ev.Timestamp, int64(ev.Seq))
	if err != nil {
		return fmt.Errorf("%w: append alert: %v", ErrUnavailable, err)
	}
	return nil
}

// Alerts returns events matching the filter, ordered by (ts, seq).
func (b *SQLiteBackend) Alerts(f AlertFilter) ([]AlertEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	query := strings.Builder{}
	query.WriteString(
		`SELECT id, sensor_id, sensor_type, bound, value, bound_limit, ts, seq FROM alert_events`)
	var conds []string
	var args []any
	if f.SensorID != "" {
		conds = append(conds, "sensor_id = ?")
		args = append(args, f.SensorID)
	}
	if f.From != 0 {
		conds = append(conds, "ts >= ?")
		args = append(args, f.From)
	}
	if f.To != 0 {
		conds = append(conds, "ts <= ?")
		args = append(args, f.To)
	}
	if len(conds) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(conds, " AND "))
	}
	query.WriteString(" ORDER BY ts, seq")

	rows, err := b.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query alerts: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	return scanAlertRows(rows)
}

// LatestAlerts returns the most recent event per (sensor_id, bound) pair,
// used to restore cooldown state on startup.
func (b *SQLiteBackend) LatestAlerts() ([]AlertEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	rows, err := b.db.Query(
		`SELECT e.id, e.sensor_id, e.sensor_type, e.bound, e.value, e.bound_limit, e.ts, e.seq
		 FROM alert_events e
		 JOIN (SELECT sensor_id, bound, MAX(ts) AS mts
		       FROM alert_events GROUP BY sensor_id, bound) m
		   ON e.sensor_id = m.sensor_id AND e.bound = m.bound AND e.ts = m.mts`)
	if err != nil {
		return nil, fmt.Errorf("%w: latest alerts: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	return scanAlertRows(rows)
}

func scanAlertRows(rows *sql.Rows) ([]AlertEvent, error) {
	var out []AlertEvent
	for rows.Next() {
		var ev AlertEvent
		var typeName, boundName string
		var seq int64
		if err := rows.Scan(&ev.ID, &ev.SensorID, &typeName, &boundName,
			&ev.Value, &ev.Limit, &ev.Timestamp, &seq); err != nil {
			return nil, err
		}
		sensorType, err := ParseSensorType(typeName)
		if err != nil {
			return nil, fmt.Errorf("alert history holds unknown sensor type %q", typeName)
		}
		bound, err := ParseBound(boundName)
		if err != nil {
			return nil, fmt.Errorf("alert history holds %v", err)
		}
		ev.Type = sensorType
		ev.Bound = bound
		ev.Seq = uint64(seq)
		out = append(out, ev)
	}
	return out, rows.Err()
}
