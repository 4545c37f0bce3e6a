package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// maxStringLen bounds decoded string lengths to reject corrupt frames
// before allocating.
const maxStringLen = 1 << 20

// ErrStringTooLong is returned when a decoded string length exceeds the
// sanity bound.
var ErrStringTooLong = errors.New("encoding: string length exceeds limit")

// WriteString writes a length-prefixed string to the buffer.
func WriteString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

// ReadString reads a length-prefixed string from the reader.
func ReadString(reader *bytes.Reader) (string, error) {
	var length uint32
	if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	if length > maxStringLen {
		return "", ErrStringTooLong
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", err
	}
	return string(out), nil
}

// WriteUint64 writes a fixed-width uint64 to the buffer.
func WriteUint64(buf *bytes.Buffer, v uint64) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

// ReadUint64 reads a fixed-width uint64 from the reader.
func ReadUint64(reader *bytes.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(reader, binary.LittleEndian, &v)
	return v, err
}

// WriteInt64 writes a fixed-width int64 to the buffer.
func WriteInt64(buf *bytes.Buffer, v int64) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

// ReadInt64 reads a fixed-width int64 from the reader.
func ReadInt64(reader *bytes.Reader) (int64, error) {
	var v int64
	err := binary.Read(reader, binary.LittleEndian, &v)
	return v, err
}

// WriteFloat64 writes a fixed-width float64 to the buffer.
func WriteFloat64(buf *bytes.Buffer, v float64) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

// ReadFloat64 reads a fixed-width float64 from the reader.
func ReadFloat64(reader *bytes.Reader) (float64, error) {
	var v float64
	err := binary.Read(reader, binary.LittleEndian, &v)
	return v, err
}
