package verdant

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the verdant package.
//
// The taxonomy mirrors the ingestion contract: rejected-input errors
// (ErrClockSkewRejected, ErrInvalidSensorType, ErrInvalidRule,
// ErrInvalidRange) are reported to the caller immediately and are not
// retryable; ErrUnavailable marks a transient persistence failure that is
// safe to retry with backoff; ErrIntegrityFault is fatal and halts
// ingestion until the index is rebuilt.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrClockSkewRejected is returned when a reading's timestamp precedes
	// the sensor's last accepted timestamp by more than the skew tolerance.
	ErrClockSkewRejected = errors.New("timestamp exceeds clock skew tolerance")

	// ErrUnavailable is returned when the persistence medium cannot durably
	// commit. No partial state is left behind; the operation may be retried.
	ErrUnavailable = errors.New("persistence unavailable")

	// ErrInvalidSensorType is returned for readings with an unrecognized
	// sensor type.
	ErrInvalidSensorType = errors.New("invalid sensor type")

	// ErrInvalidRule is returned when a threshold rule has no bounds or an
	// inverted min/max pair.
	ErrInvalidRule = errors.New("invalid threshold rule")

	// ErrInvalidRange is returned for queries whose time range is inverted.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrIntegrityFault is returned when the incrementally maintained index
	// diverges from the durable log. Ingestion halts until a full rebuild.
	ErrIntegrityFault = errors.New("index integrity fault")

	// ErrRebuildRequired is returned while the index is in the
	// needs-rebuild state, after an integrity fault or an aborted rebuild.
	ErrRebuildRequired = errors.New("index rebuild required")

	// ErrWALSync is returned when WAL sync operations fail.
	ErrWALSync = errors.New("WAL sync failed")

	// ErrCorruptRecord is returned when a log or checkpoint block fails its
	// checksum.
	ErrCorruptRecord = errors.New("corrupt record")
)

// StorageErrorType categorizes storage errors.
type StorageErrorType int

const (
	// StorageErrorTypeUnknown is an unclassified storage error.
	StorageErrorTypeUnknown StorageErrorType = iota
	// StorageErrorTypeRead indicates a read failure.
	StorageErrorTypeRead
	// StorageErrorTypeWrite indicates a write failure.
	StorageErrorTypeWrite
	// StorageErrorTypeCorruption indicates data corruption.
	StorageErrorTypeCorruption
	// StorageErrorTypeSync indicates a sync/flush failure.
	StorageErrorTypeSync
)

// StorageError provides detailed information about storage failures.
type StorageError struct {
	Type    StorageErrorType
	Message string
	Path    string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Path, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StorageError.
func (e *StorageError) Is(target error) bool {
	switch e.Type {
	case StorageErrorTypeCorruption:
		return target == ErrCorruptRecord
	case StorageErrorTypeSync:
		return target == ErrWALSync
	case StorageErrorTypeRead, StorageErrorTypeWrite:
		return target == ErrUnavailable
	}
	return false
}

// newStorageError creates a new StorageError.
func newStorageError(errType StorageErrorType, message, path string, cause error) *StorageError {
	return &StorageError{
		Type:    errType,
		Message: message,
		Path:    path,
		Cause:   cause,
	}
}

// IntegrityError describes a detected divergence between the durable log
// and the derived index. It is fatal: the operator must trigger a full
// rebuild before ingestion resumes.
type IntegrityError struct {
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("index integrity fault: %s", e.Detail)
}

// Is implements error matching for IntegrityError.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityFault
}
