package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/eventail/eventail/pkg/types"
)

// EntityOffset is the last saved position of one entity.
type EntityOffset struct {
	Timestamp time.Time
	SeqNr     int64
}

// OffsetStore persists consumer offsets keyed by consumer and entity.
type OffsetStore interface {
	// SaveOffsets upserts the per-entity positions carried by the offset.
	// Rows for entities not present in the offset are left untouched, so a
	// saved same-timestamp union is reconstructible on load.
	SaveOffsets(ctx context.Context, consumerID string, off types.TimestampOffset) error

	// LoadOffsets returns all stored positions for a consumer.
	LoadOffsets(ctx context.Context, consumerID string) (map[string]EntityOffset, error)

	// DeleteBefore removes positions strictly older than cutoff and
	// returns the number of rows deleted.
	DeleteBefore(ctx context.Context, consumerID string, cutoff time.Time) (int64, error)

	// SetPaused flips the consumer's paused flag.
	SetPaused(ctx context.Context, consumerID string, paused bool) error

	// IsPaused reports the consumer's paused flag; unknown consumers are
	// active.
	IsPaused(ctx context.Context, consumerID string) (bool, error)

	Close() error
}

// MemoryOffsetStore is an in-memory OffsetStore for tests and demos.
type MemoryOffsetStore struct {
	mu      sync.Mutex
	offsets map[string]map[string]EntityOffset
	paused  map[string]bool
}

// NewMemoryOffsetStore creates an empty in-memory store.
func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{
		offsets: make(map[string]map[string]EntityOffset),
		paused:  make(map[string]bool),
	}
}

func (m *MemoryOffsetStore) SaveOffsets(_ context.Context, consumerID string, off types.TimestampOffset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.offsets[consumerID]
	if rows == nil {
		rows = make(map[string]EntityOffset)
		m.offsets[consumerID] = rows
	}
	for entityID, seq := range off.Seen {
		cur, ok := rows[entityID]
		if ok && off.Timestamp.Before(cur.Timestamp) {
			continue
		}
		rows[entityID] = EntityOffset{Timestamp: off.Timestamp, SeqNr: seq}
	}
	return nil
}

func (m *MemoryOffsetStore) LoadOffsets(_ context.Context, consumerID string) (map[string]EntityOffset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]EntityOffset, len(m.offsets[consumerID]))
	for entityID, off := range m.offsets[consumerID] {
		out[entityID] = off
	}
	return out, nil
}

func (m *MemoryOffsetStore) DeleteBefore(_ context.Context, consumerID string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for entityID, off := range m.offsets[consumerID] {
		if off.Timestamp.Before(cutoff) {
			delete(m.offsets[consumerID], entityID)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryOffsetStore) SetPaused(_ context.Context, consumerID string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[consumerID] = paused
	return nil
}

func (m *MemoryOffsetStore) IsPaused(_ context.Context, consumerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[consumerID], nil
}

func (m *MemoryOffsetStore) Close() error { return nil }
