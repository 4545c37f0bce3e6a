package verdant

import (
	"fmt"
)

// validateFilter checks a query filter before it reaches the index.
func validateFilter(f Filter) error {
	if f.From < 0 || f.To < 0 {
		return fmt.Errorf("%w: negative bound", ErrInvalidRange)
	}
	if f.To != 0 && f.From > f.To {
		return fmt.Errorf("%w: from %d after to %d", ErrInvalidRange, f.From, f.To)
	}
	if f.Type != SensorTypeUnknown && !f.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSensorType, f.Type)
	}
	return nil
}

// Cursor streams one sensor's readings in (timestamp, seq) order without
// materializing the whole range. Each Next call re-reads the index from the
// last returned position, so a cursor survives concurrent ingestion and an
// index rebuild: it simply resumes after the reading it last delivered.
type Cursor struct {
	db       *DB
	sensorID string
	to       int64
	pageSize int

	afterTS  int64
	afterSeq uint64
	page     []SensorReading
	pos      int
}

const defaultCursorPage = 256

// RangeCursor opens a cursor over one sensor's readings in [from, to]
// (inclusive; to == 0 means unbounded).
func (db *DB) RangeCursor(sensorID string, from, to int64) (*Cursor, error) {
	if sensorID == "" {
		return nil, fmt.Errorf("%w: sensor id is required", ErrInvalidRange)
	}
	if err := validateFilter(Filter{SensorID: sensorID, From: from, To: to}); err != nil {
		return nil, err
	}
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	c := &Cursor{
		db:       db,
		sensorID: sensorID,
		to:       to,
		pageSize: defaultCursorPage,
		afterTS:  from,
	}
	if from > 0 {
		// Position strictly before (from, 0) so the first page starts at
		// from inclusive.
		c.afterTS = from - 1
		c.afterSeq = ^uint64(0)
	}
	return c, nil
}

// Next returns the next reading in order. ok is false when the range is
// exhausted; the cursor stays usable, so readings ingested later inside the
// range surface on subsequent calls.
func (c *Cursor) Next() (SensorReading, bool, error) {
	if c.pos >= len(c.page) {
		page, err := c.db.index.pageAfter(c.sensorID, c.afterTS, c.afterSeq, c.to, c.pageSize)
		if err != nil {
			return SensorReading{}, false, err
		}
		if len(page) == 0 {
			return SensorReading{}, false, nil
		}
		c.page = page
		c.pos = 0
	}

	r := c.page[c.pos]
	c.pos++
	c.afterTS = r.Timestamp
	c.afterSeq = r.Seq
	return r, true, nil
}
