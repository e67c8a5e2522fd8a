// Package types defines the core data model shared by the eventail engine:
// change records read from a backend, timestamp offsets used for resumption,
// and the histogram buckets consumed by the cold-start heuristic.
package types

import (
	"strings"
	"time"
)

// EntityIDSeparator splits an entity id into its entity type prefix and the
// unique remainder, e.g. "Account|7f3a..." has entity type "Account".
const EntityIDSeparator = "|"

// EntityTypeOf extracts the entity type prefix from an entity id.
// Returns empty string when the id carries no type prefix.
func EntityTypeOf(entityID string) string {
	if i := strings.Index(entityID, EntityIDSeparator); i > 0 {
		return entityID[:i]
	}
	return ""
}

// ChangeRecord is a single per-entity change row produced by a ChangeSource.
// Records are created once at write time and are immutable.
type ChangeRecord struct {
	// EntityType groups entities sharing a change-log namespace.
	EntityType string

	// EntityID is the opaque entity identifier.
	EntityID string

	// Slice is the deterministic hash bucket of EntityID, in [0, NumSlices).
	Slice int

	// SeqNr is the per-entity sequence number, strictly increasing from 1.
	SeqNr int64

	// CommitTime is assigned by the backend when the row became durable.
	CommitTime time.Time

	// ReadTime is when the row became visible to this reader. It may exceed
	// CommitTime when commit visibility lags commit order.
	ReadTime time.Time

	// EventID is a unique identifier for the change row.
	EventID string

	// Payload is the opaque event payload. Nil for lightweight backtracking
	// records until explicitly loaded.
	Payload []byte

	// Manifest identifies how Payload should be deserialized downstream.
	// Never interpreted by this engine.
	Manifest string

	// Backtracking marks records re-surfaced by the trailing query track.
	Backtracking bool
}

// TimestampOffset is the resumption point of a consumer. Seen maps every
// entity whose most-recently-accepted record has CommitTime exactly equal to
// Timestamp to that record's sequence number. Completeness of Seen at a given
// timestamp is what makes resumption exact.
type TimestampOffset struct {
	Timestamp     time.Time
	ReadTimestamp time.Time
	Seen          map[string]int64
}

// IsZero reports whether the offset represents "no prior position".
func (o TimestampOffset) IsZero() bool {
	return o.Timestamp.IsZero() && len(o.Seen) == 0
}

// WithSeen returns an offset at ts covering exactly the given entity.
func WithSeen(ts, readTs time.Time, entityID string, seqNr int64) TimestampOffset {
	return TimestampOffset{
		Timestamp:     ts,
		ReadTimestamp: readTs,
		Seen:          map[string]int64{entityID: seqNr},
	}
}

// BucketWidth is the fixed width of cold-start histogram buckets.
const BucketWidth = 10 * time.Second

// Bucket is one fixed-width histogram entry counting change rows whose commit
// timestamp falls in [Start, Start+BucketWidth). Used only by the cold-start
// heuristic, never as a correctness input.
type Bucket struct {
	// Start is the bucket lower boundary in epoch seconds.
	Start int64

	// Count is the number of rows in the bucket.
	Count int64
}

// StartTime returns the bucket lower boundary as a time.
func (b Bucket) StartTime() time.Time {
	return time.Unix(b.Start, 0).UTC()
}
