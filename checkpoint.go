package verdant

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"

	"github.com/golang/snappy"

	"github.com/verdant-db/verdant/internal/encoding"
)

// A checkpoint captures the full reading log so startup replay is bounded
// by the WAL written since, not by the store's lifetime. Readings are
// written in insertion order as snappy-compressed, crc-framed blocks with
// delta-encoded timestamp and sequence columns; the file is built in a
// temp location and atomically renamed, so a crash mid-checkpoint leaves
// the previous checkpoint intact.

const (
	checkpointMagic      = "VRDCKP1"
	checkpointVersion    = 1
	checkpointFlagSealed = 1 << 0 // blocks are encrypted

	checkpointBlockReadings = 4096
)

func writeCheckpoint(path string, readings []SensorReading, enc *Encryptor) error {
	tempPath := path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "create checkpoint", tempPath, err)
	}

	if err := writeCheckpointTo(file, readings, enc); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return newStorageError(StorageErrorTypeSync, "sync checkpoint", tempPath, err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		return newStorageError(StorageErrorTypeWrite, "install checkpoint", path, err)
	}
	return nil
}

func writeCheckpointTo(w io.Writer, readings []SensorReading, enc *Encryptor) error {
	header := make([]byte, 0, len(checkpointMagic)+2+EncryptionSaltSize)
	header = append(header, checkpointMagic...)
	header = append(header, checkpointVersion)
	var flags byte
	if enc != nil {
		flags |= checkpointFlagSealed
	}
	header = append(header, flags)
	if enc != nil {
		header = append(header, enc.Salt()...)
	}
	if _, err := w.Write(header); err != nil {
		return err
	}

	for start := 0; start < len(readings); start += checkpointBlockReadings {
		end := start + checkpointBlockReadings
		if end > len(readings) {
			end = len(readings)
		}
		if err := writeCheckpointBlock(w, readings[start:end], enc); err != nil {
			return err
		}
	}
	return nil
}

func writeCheckpointBlock(w io.Writer, batch []SensorReading, enc *Encryptor) error {
	plain, err := encodeCheckpointBlock(batch)
	if err != nil {
		return err
	}

	stored := snappy.Encode(nil, plain)
	if enc != nil {
		stored, err = enc.Encrypt(stored)
		if err != nil {
			return err
		}
	}

	frame := make([]byte, 8, 8+len(stored))
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(stored)))
	binary.LittleEndian.PutUint32(frame[4:], crc32.ChecksumIEEE(stored))
	frame = append(frame, stored...)
	_, err = w.Write(frame)
	return err
}

// encodeCheckpointBlock lays a batch out columnar: delta-encoded
// timestamps and seqs, then the per-reading identity and value fields.
func encodeCheckpointBlock(batch []SensorReading) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(batch))); err != nil {
		return nil, err
	}

	timestamps := make([]int64, len(batch))
	seqs := make([]int64, len(batch))
	for i, r := range batch {
		timestamps[i] = r.Timestamp
		seqs[i] = int64(r.Seq)
	}
	for _, column := range [][]byte{
		encoding.EncodeDeltaInt64(timestamps),
		encoding.EncodeDeltaInt64(seqs),
	} {
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(column))); err != nil {
			return nil, err
		}
		buf.Write(column)
	}

	for _, r := range batch {
		if err := encoding.WriteString(buf, r.SensorID); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, int32(r.Type)); err != nil {
			return nil, err
		}
		if err := encoding.WriteString(buf, r.Location); err != nil {
			return nil, err
		}
		if err := encoding.WriteFloat64(buf, r.Value); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeCheckpointBlock(plain []byte) ([]SensorReading, error) {
	reader := bytes.NewReader(plain)
	var count uint32
	if err := binary.Read(reader, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	columns := make([][]int64, 2)
	for i := range columns {
		var length uint32
		if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		raw := make([]byte, length)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		decoded, err := encoding.DecodeDeltaInt64(raw)
		if err != nil {
			return nil, err
		}
		if uint32(len(decoded)) != count {
			return nil, errors.New("checkpoint block column length mismatch")
		}
		columns[i] = decoded
	}

	out := make([]SensorReading, 0, count)
	for i := uint32(0); i < count; i++ {
		var r SensorReading
		var err error
		if r.SensorID, err = encoding.ReadString(reader); err != nil {
			return nil, err
		}
		var typ int32
		if err = binary.Read(reader, binary.LittleEndian, &typ); err != nil {
			return nil, err
		}
		r.Type = SensorType(typ)
		if r.Location, err = encoding.ReadString(reader); err != nil {
			return nil, err
		}
		if r.Value, err = encoding.ReadFloat64(reader); err != nil {
			return nil, err
		}
		r.Timestamp = columns[0][i]
		r.Seq = uint64(columns[1][i])
		out = append(out, r)
	}
	return out, nil
}

// readCheckpoint loads a checkpoint file. A missing file returns
// (nil, nil); a corrupt one fails with ErrCorruptRecord — checkpoints are
// not self-healing, the operator restores from an archive instead.
func readCheckpoint(path string, cfg EncryptionConfig) ([]SensorReading, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "open checkpoint", path, err)
	}
	defer func() { _ = file.Close() }()

	header := make([]byte, len(checkpointMagic)+2)
	if _, err := io.ReadFull(file, header); err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "checkpoint header", path, err)
	}
	if string(header[:len(checkpointMagic)]) != checkpointMagic {
		return nil, newStorageError(StorageErrorTypeCorruption, "checkpoint magic mismatch", path, ErrCorruptRecord)
	}
	if header[len(checkpointMagic)] != checkpointVersion {
		return nil, newStorageError(StorageErrorTypeCorruption, "unsupported checkpoint version", path, ErrCorruptRecord)
	}
	flags := header[len(checkpointMagic)+1]

	var enc *Encryptor
	if flags&checkpointFlagSealed != 0 {
		if !cfg.Enabled {
			return nil, errors.New("checkpoint is encrypted but encryption is not configured")
		}
		salt := make([]byte, EncryptionSaltSize)
		if _, err := io.ReadFull(file, salt); err != nil {
			return nil, newStorageError(StorageErrorTypeCorruption, "checkpoint salt", path, err)
		}
		enc, err = newEncryptorWithSalt(cfg, salt)
		if err != nil {
			return nil, err
		}
	}

	var out []SensorReading
	for {
		frame := make([]byte, 8)
		if _, err := io.ReadFull(file, frame); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, newStorageError(StorageErrorTypeCorruption, "checkpoint block header", path, err)
		}
		length := binary.LittleEndian.Uint32(frame[0:])
		checksum := binary.LittleEndian.Uint32(frame[4:])

		stored := make([]byte, length)
		if _, err := io.ReadFull(file, stored); err != nil {
			return nil, newStorageError(StorageErrorTypeCorruption, "checkpoint block", path, err)
		}
		if crc32.ChecksumIEEE(stored) != checksum {
			return nil, newStorageError(StorageErrorTypeCorruption, "checkpoint block checksum", path, ErrCorruptRecord)
		}

		if enc != nil {
			stored, err = enc.Decrypt(stored)
			if err != nil {
				return nil, newStorageError(StorageErrorTypeCorruption, "checkpoint block decrypt", path, err)
			}
		}
		plain, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeCorruption, "checkpoint block decompress", path, err)
		}
		batch, err := decodeCheckpointBlock(plain)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeCorruption, "checkpoint block decode", path, err)
		}
		out = append(out, batch...)
	}
	return out, nil
}
