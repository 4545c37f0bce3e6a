package verdant

import "fmt"

// SensorType identifies the kind of measurement a reading carries.
// The unit of a reading's value is implied by its type.
type SensorType int

const (
	SensorTypeUnknown SensorType = iota
	// SensorTypeTemperature is air temperature in degrees Celsius.
	SensorTypeTemperature
	// SensorTypeHumidity is relative humidity in percent.
	SensorTypeHumidity
	// SensorTypeSoilMoisture is volumetric soil moisture in percent.
	SensorTypeSoilMoisture
	// SensorTypeCO2 is carbon dioxide concentration in ppm.
	SensorTypeCO2
	// SensorTypeLightIntensity is illuminance in lux.
	SensorTypeLightIntensity
)

// String returns the canonical name of the sensor type.
func (t SensorType) String() string {
	switch t {
	case SensorTypeTemperature:
		return "temperature"
	case SensorTypeHumidity:
		return "humidity"
	case SensorTypeSoilMoisture:
		return "soil_moisture"
	case SensorTypeCO2:
		return "co2"
	case SensorTypeLightIntensity:
		return "light_intensity"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the supported sensor types.
func (t SensorType) Valid() bool {
	return t >= SensorTypeTemperature && t <= SensorTypeLightIntensity
}

// ParseSensorType parses a canonical sensor type name.
func ParseSensorType(s string) (SensorType, error) {
	switch s {
	case "temperature":
		return SensorTypeTemperature, nil
	case "humidity":
		return SensorTypeHumidity, nil
	case "soil_moisture":
		return SensorTypeSoilMoisture, nil
	case "co2":
		return SensorTypeCO2, nil
	case "light_intensity":
		return SensorTypeLightIntensity, nil
	default:
		return SensorTypeUnknown, fmt.Errorf("%w: %q", ErrInvalidSensorType, s)
	}
}

// SensorReading is a single timestamped measurement from one sensor.
// Once accepted by the store a reading is immutable.
type SensorReading struct {
	// SensorID is the opaque identifier of the producing sensor.
	SensorID string
	// Type is the kind of measurement.
	Type SensorType
	// Location is a free-form placement tag (e.g., "greenhouse-2/bed-4").
	Location string
	// Value is the measured quantity; its unit is implied by Type.
	Value float64
	// Timestamp is the observation time in Unix nanoseconds, supplied by
	// the producer and validated against the store's skew tolerance.
	Timestamp int64
	// Seq is the store-assigned insertion sequence number. It is zero on
	// readings that have not been appended yet, strictly increasing across
	// all accepted readings, and breaks timestamp ties.
	Seq uint64
}

// before orders readings by (timestamp, seq).
func (r SensorReading) before(other SensorReading) bool {
	if r.Timestamp != other.Timestamp {
		return r.Timestamp < other.Timestamp
	}
	return r.Seq < other.Seq
}

// String returns a compact human-readable form, used in log events.
func (r SensorReading) String() string {
	return fmt.Sprintf("%s/%s=%g@%d#%d", r.SensorID, r.Type, r.Value, r.Timestamp, r.Seq)
}
