// Package verdant is an embedded time-series store for greenhouse
// environmental sensors.
//
// Readings are durably committed through a write-ahead log before they are
// acknowledged, indexed for per-sensor and per-type range queries, and
// evaluated against configurable threshold rules. Violations that escape
// cooldown suppression become alert events with a durable history.
//
// Basic usage:
//
//	db, err := verdant.Open("/var/lib/verdant", verdant.DefaultConfig("/var/lib/verdant"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	seq, err := db.Ingest(verdant.SensorReading{
//		SensorID:  "gh2-bed4-sm1",
//		Type:      verdant.SensorTypeSoilMoisture,
//		Location:  "greenhouse-2/bed-4",
//		Value:     31.5,
//		Timestamp: time.Now().UnixNano(),
//	})
//
// The derived index is rebuildable from the durable log at any time and is
// never the source of truth; VerifyIntegrity compares the two and halts
// ingestion on divergence until RebuildIndex succeeds.
package verdant
