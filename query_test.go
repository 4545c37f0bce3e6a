package verdant

import (
	"errors"
	"testing"
	"time"
)

func TestValidateFilter(t *testing.T) {
	if err := validateFilter(Filter{From: 2000, To: 1000}); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for inverted range, got %v", err)
	}
	if err := validateFilter(Filter{From: -1}); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for negative bound, got %v", err)
	}
	if err := validateFilter(Filter{Type: SensorType(42)}); !errors.Is(err, ErrInvalidSensorType) {
		t.Errorf("expected ErrInvalidSensorType, got %v", err)
	}
	if err := validateFilter(Filter{SensorID: "s1", From: 1000, To: 2000}); err != nil {
		t.Errorf("valid filter rejected: %v", err)
	}
	if err := validateFilter(Filter{From: 1000}); err != nil {
		t.Errorf("unbounded To rejected: %v", err)
	}
}

func TestCursorIteration(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	base := time.Now().UnixNano()
	for i := 0; i < 10; i++ {
		if _, err := db.Ingest(SensorReading{
			SensorID: "s1", Type: SensorTypeTemperature, Value: float64(i),
			Timestamp: base + int64(i)*int64(time.Second),
		}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	cursor, err := db.RangeCursor("s1", 0, 0)
	if err != nil {
		t.Fatalf("open cursor: %v", err)
	}

	var values []float64
	for {
		r, ok, err := cursor.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		values = append(values, r.Value)
	}
	if len(values) != 10 {
		t.Fatalf("expected 10 readings, got %d", len(values))
	}
	for i, v := range values {
		if v != float64(i) {
			t.Fatalf("value %d out of order: %g", i, v)
		}
	}
}

func TestCursorRangeBounds(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	for _, ts := range []int64{1000, 2000, 3000, 4000} {
		if _, err := db.Ingest(SensorReading{
			SensorID: "s1", Type: SensorTypeCO2, Value: 400, Timestamp: ts,
		}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	cursor, err := db.RangeCursor("s1", 2000, 3000)
	if err != nil {
		t.Fatalf("open cursor: %v", err)
	}

	var got []int64
	for {
		r, ok, err := cursor.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, r.Timestamp)
	}
	if len(got) != 2 || got[0] != 2000 || got[1] != 3000 {
		t.Errorf("expected inclusive [2000, 3000], got %v", got)
	}
}

func TestCursorSeesLaterIngest(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	if _, err := db.Ingest(SensorReading{SensorID: "s1", Type: SensorTypeHumidity, Value: 60, Timestamp: 1000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	cursor, err := db.RangeCursor("s1", 0, 0)
	if err != nil {
		t.Fatalf("open cursor: %v", err)
	}
	if _, ok, err := cursor.Next(); err != nil || !ok {
		t.Fatalf("first next: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := cursor.Next(); ok {
		t.Fatal("expected exhaustion after one reading")
	}

	// The cursor resumes past its last position once more data arrives.
	if _, err := db.Ingest(SensorReading{SensorID: "s1", Type: SensorTypeHumidity, Value: 61, Timestamp: 2000}); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	r, ok, err := cursor.Next()
	if err != nil || !ok {
		t.Fatalf("resumed next: ok=%v err=%v", ok, err)
	}
	if r.Value != 61 {
		t.Errorf("expected the newly ingested reading, got %+v", r)
	}
}

func TestCursorValidation(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	if _, err := db.RangeCursor("", 0, 0); err == nil {
		t.Error("expected an error for a missing sensor id")
	}
	if _, err := db.RangeCursor("s1", 2000, 1000); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
}

func TestQueryLocationFilter(t *testing.T) {
	db := openTestDB(t, testConfig(t.TempDir()))

	base := time.Now().UnixNano()
	for i, loc := range []string{"gh-1", "gh-2", "gh-1"} {
		if _, err := db.Ingest(SensorReading{
			SensorID: "s" + loc, Type: SensorTypeTemperature, Location: loc,
			Value: 20, Timestamp: base + int64(i),
		}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	out, err := db.Query(Filter{Type: SensorTypeTemperature, Location: "gh-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("expected 2 readings in gh-1, got %d", len(out))
	}
}
