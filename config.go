package verdant

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// like "5m" or "500ms", as well as plain nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config defines database configuration.
type Config struct {
	// Path is the data directory. Required.
	Path string `yaml:"path"`

	// Storage holds core store settings.
	Storage StorageConfig `yaml:"storage"`

	// WAL configures write-ahead logging.
	WAL WALConfig `yaml:"wal"`

	// Checkpoint configures periodic checkpointing.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Alerts configures alert dispatching.
	Alerts AlertConfig `yaml:"alerts"`

	// Metadata configures the embedded SQLite metadata store holding the
	// rule table and alert history.
	Metadata SQLiteBackendConfig `yaml:"metadata"`

	// Encryption configures encryption at rest for checkpoint files.
	// If nil or Enabled is false, checkpoints are stored unencrypted.
	Encryption *EncryptionConfig `yaml:"encryption"`

	// Archive is an optional backend for checkpoint archival. Configured
	// programmatically, not via YAML.
	Archive ArchiveBackend `yaml:"-"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig groups core store settings.
type StorageConfig struct {
	// SkewTolerance is the maximum allowed regression of a sensor's
	// timestamp behind its last accepted one. Default: 5 minutes.
	SkewTolerance Duration `yaml:"skew_tolerance"`

	// IndexBucket is the time span covered by each secondary-index bucket.
	// Default: 1 hour.
	IndexBucket Duration `yaml:"index_bucket"`
}

// WALConfig groups write-ahead log settings.
type WALConfig struct {
	// RelaxedSync disables the per-append fsync and syncs on SyncInterval
	// instead. Only appropriate when producers can replay recent readings.
	RelaxedSync bool `yaml:"relaxed_sync"`

	// SyncInterval is how often the WAL is synced in relaxed mode.
	// Default: 1 second.
	SyncInterval Duration `yaml:"sync_interval"`

	// MaxSize triggers an automatic checkpoint once the WAL grows past this
	// many bytes. 0 disables size-triggered checkpoints.
	MaxSize int64 `yaml:"max_size"`
}

// CheckpointConfig groups checkpoint settings.
type CheckpointConfig struct {
	// Interval is how often a checkpoint is taken in the background.
	// 0 disables the background checkpointer.
	Interval Duration `yaml:"interval"`
}

// AlertConfig groups alert dispatch settings.
type AlertConfig struct {
	// DeferPersistence queues alert events for retry when the history
	// store is unavailable instead of failing the ingest.
	DeferPersistence bool `yaml:"defer_persistence"`
}

// LoggingConfig groups structured logging settings.
type LoggingConfig struct {
	// Level is the zerolog level name (debug, info, warn, error).
	// Default: info.
	Level string `yaml:"level"`

	// Console enables human-readable console output instead of JSON.
	Console bool `yaml:"console"`

	// Disabled silences all log output.
	Disabled bool `yaml:"disabled"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path: path,
		Storage: StorageConfig{
			SkewTolerance: Duration(5 * time.Minute),
			IndexBucket:   Duration(time.Hour),
		},
		WAL: WALConfig{
			RelaxedSync:  false,
			SyncInterval: Duration(time.Second),
			MaxSize:      128 * 1024 * 1024,
		},
		Checkpoint: CheckpointConfig{
			Interval: Duration(15 * time.Minute),
		},
		Alerts: AlertConfig{
			DeferPersistence: false,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// normalize fills in defaults for zero-valued fields.
func (c *Config) normalize() {
	if c.Storage.SkewTolerance <= 0 {
		c.Storage.SkewTolerance = Duration(5 * time.Minute)
	}
	if c.Storage.IndexBucket <= 0 {
		c.Storage.IndexBucket = Duration(time.Hour)
	}
	if c.WAL.SyncInterval <= 0 {
		c.WAL.SyncInterval = Duration(time.Second)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for errors that would surface later.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("path is required")
	}
	if c.Encryption != nil && c.Encryption.Enabled &&
		len(c.Encryption.Key) == 0 && c.Encryption.KeyPassword == "" {
		return errors.New("encryption enabled but no key or password provided")
	}
	return nil
}

// LoadConfig reads a YAML configuration file, applying defaults for
// unspecified fields.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}
