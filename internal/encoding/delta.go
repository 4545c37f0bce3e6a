package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Timestamps in a checkpoint block are near-monotonic, so deltas are tiny.
// Zigzag varint delta encoding stores them in one or two bytes each instead
// of eight.

// EncodeDeltaInt64 delta-encodes values as zigzag varints.
func EncodeDeltaInt64(values []int64) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(values)))

	var prev int64
	tmp := make([]byte, binary.MaxVarintLen64)
	for _, v := range values {
		n := binary.PutVarint(tmp, v-prev)
		buf.Write(tmp[:n])
		prev = v
	}
	return buf.Bytes()
}

// DecodeDeltaInt64 decodes values produced by EncodeDeltaInt64.
func DecodeDeltaInt64(data []byte) ([]int64, error) {
	reader := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(reader, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	out := make([]int64, 0, count)
	var prev int64
	for i := uint32(0); i < count; i++ {
		delta, err := binary.ReadVarint(reader)
		if err != nil {
			return nil, errors.New("encoding: truncated delta stream")
		}
		prev += delta
		out = append(out, prev)
	}
	return out, nil
}
