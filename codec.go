package verdant

import (
	"bytes"
	"encoding/binary"

	"github.com/verdant-db/verdant/internal/encoding"
)

func encodeReading(buf *bytes.Buffer, r SensorReading) error {
	if err := encoding.WriteString(buf, r.SensorID); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(r.Type)); err != nil {
		return err
	}
	if err := encoding.WriteString(buf, r.Location); err != nil {
		return err
	}
	if err := encoding.WriteFloat64(buf, r.Value); err != nil {
		return err
	}
	if err := encoding.WriteInt64(buf, r.Timestamp); err != nil {
		return err
	}
	return encoding.WriteUint64(buf, r.Seq)
}

func decodeReading(reader *bytes.Reader) (SensorReading, error) {
	var r SensorReading
	var err error

	if r.SensorID, err = encoding.ReadString(reader); err != nil {
		return r, err
	}
	var typ int32
	if err = binary.Read(reader, binary.LittleEndian, &typ); err != nil {
		return r, err
	}
	r.Type = SensorType(typ)
	if r.Location, err = encoding.ReadString(reader); err != nil {
		return r, err
	}
	if r.Value, err = encoding.ReadFloat64(reader); err != nil {
		return r, err
	}
	if r.Timestamp, err = encoding.ReadInt64(reader); err != nil {
		return r, err
	}
	r.Seq, err = encoding.ReadUint64(reader)
	return r, err
}

func encodeReadings(readings []SensorReading) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(readings))); err != nil {
		return nil, err
	}
	for _, r := range readings {
		if err := encodeReading(buf, r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeReadings(data []byte) ([]SensorReading, error) {
	reader := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(reader, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	out := make([]SensorReading, 0, count)
	for i := uint32(0); i < count; i++ {
		r, err := decodeReading(reader)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
