package verdant

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"
)

const (
	walFrameHeaderSize = 8 // uint32 length + uint32 crc

	// maxWALRecordSize bounds the length prefix of a frame before its
	// payload is allocated, so a corrupt header cannot drive a multi-GiB
	// allocation during recovery.
	maxWALRecordSize = 64 << 20
)

// WAL is the durable append log backing the reading store. Every record is
// length-prefixed and checksummed; in the default sync-on-commit mode an
// append is fsynced before it is acknowledged, so an acknowledged write
// survives an abrupt restart and a torn tail is detected and discarded on
// recovery.
type WAL struct {
	path        string
	file        *os.File
	mu          sync.Mutex
	writer      *bufio.Writer
	syncOnWrite bool
	closeCh     chan struct{}
	closeOnce   sync.Once

	// syncErrors tracks consecutive background sync errors for monitoring.
	syncErrors  int
	onSyncError func(error)
}

// WALOption configures a WAL instance.
type WALOption func(*WAL)

// WithSyncErrorCallback sets a callback for background sync errors.
func WithSyncErrorCallback(fn func(error)) WALOption {
	return func(w *WAL) {
		w.onSyncError = fn
	}
}

// WithRelaxedSync disables the per-append fsync and syncs on the given
// interval instead. This trades the durability contract for throughput and
// is only appropriate when the producer can replay recent readings.
func WithRelaxedSync(interval time.Duration) WALOption {
	return func(w *WAL) {
		w.syncOnWrite = false
		go w.syncLoop(interval)
	}
}

// NewWAL creates or opens a WAL file.
func NewWAL(path string, opts ...WALOption) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeWrite, "open WAL", path, err)
	}
	wal := &WAL{
		path:        path,
		file:        file,
		writer:      bufio.NewWriter(file),
		syncOnWrite: true,
		closeCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(wal)
	}

	return wal, nil
}

// Close flushes, syncs and closes the WAL.
func (w *WAL) Close() error {
	w.closeOnce.Do(func() { close(w.closeCh) })
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// Append writes readings as one atomic record. In sync-on-commit mode the
// record is durable when Append returns nil.
func (w *WAL) Append(readings []SensorReading) error {
	if len(readings) == 0 {
		return nil
	}

	payload, err := encodeReadings(readings)
	if err != nil {
		return err
	}

	frame := make([]byte, walFrameHeaderSize, walFrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:], crc32.ChecksumIEEE(payload))
	frame = append(frame, payload...)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.writer.Write(frame); err != nil {
		return newStorageError(StorageErrorTypeWrite, "append WAL record", w.path, err)
	}
	if err := w.writer.Flush(); err != nil {
		return newStorageError(StorageErrorTypeWrite, "flush WAL", w.path, err)
	}
	if w.syncOnWrite {
		if err := w.file.Sync(); err != nil {
			return newStorageError(StorageErrorTypeSync, "sync WAL", w.path, err)
		}
	}
	return nil
}

// ReadAll replays every intact record in the WAL. A torn or corrupt tail
// frame is truncated away; the readings before it are returned.
func (w *WAL) ReadAll() ([]SensorReading, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return nil, err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(w.file)
	var out []SensorReading
	var validBytes int64

	for {
		header := make([]byte, walFrameHeaderSize)
		if _, err := io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return out, w.truncateLocked(validBytes)
			}
			return nil, err
		}

		length := binary.LittleEndian.Uint32(header[0:])
		checksum := binary.LittleEndian.Uint32(header[4:])
		if length > maxWALRecordSize {
			return out, w.truncateLocked(validBytes)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, w.truncateLocked(validBytes)
			}
			return nil, err
		}
		if crc32.ChecksumIEEE(payload) != checksum {
			return out, w.truncateLocked(validBytes)
		}

		readings, err := decodeReadings(payload)
		if err != nil {
			return out, w.truncateLocked(validBytes)
		}
		out = append(out, readings...)
		validBytes += walFrameHeaderSize + int64(length)
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return out, nil
}

// truncateLocked discards everything after the last intact record.
func (w *WAL) truncateLocked(size int64) error {
	if err := w.file.Truncate(size); err != nil {
		return newStorageError(StorageErrorTypeWrite, "truncate torn WAL tail", w.path, err)
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	w.writer = bufio.NewWriter(w.file)
	return nil
}

// Reset truncates the WAL after its contents have been captured in a
// checkpoint.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.writer = bufio.NewWriter(w.file)
	return nil
}

// Size returns the current WAL size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.writer.Flush()
	info, err := w.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func (w *WAL) syncLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.closeCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			flushErr := w.writer.Flush()
			syncErr := w.file.Sync()
			if flushErr != nil || syncErr != nil {
				w.syncErrors++
				cb := w.onSyncError
				w.mu.Unlock()
				if cb != nil {
					cb(&WALSyncError{FlushErr: flushErr, SyncErr: syncErr})
				}
				continue
			}
			w.syncErrors = 0
			w.mu.Unlock()
		}
	}
}

// WALSyncError accumulates WAL sync errors for monitoring.
type WALSyncError struct {
	FlushErr error
	SyncErr  error
}

func (e *WALSyncError) Error() string {
	var b bytes.Buffer
	b.WriteString("WAL sync failed")
	if e.FlushErr != nil {
		b.WriteString(": flush=")
		b.WriteString(e.FlushErr.Error())
	}
	if e.SyncErr != nil {
		b.WriteString(": sync=")
		b.WriteString(e.SyncErr.Error())
	}
	return b.String()
}

func (e *WALSyncError) Unwrap() error {
	if e.FlushErr != nil {
		return e.FlushErr
	}
	return e.SyncErr
}

// Is implements error matching for WALSyncError.
func (e *WALSyncError) Is(target error) bool {
	return target == ErrWALSync
}
