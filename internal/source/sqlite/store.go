// Package sqlite implements the change-log backend on an embedded SQLite
// database. One write connection in WAL mode owns all appends; a read-only
// connection pool serves the polling queries. Payloads are stored
// snappy-compressed and expanded transparently on read.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eventail/eventail/internal/errors"
	"github.com/eventail/eventail/internal/slice"
	"github.com/eventail/eventail/internal/source"
	"github.com/eventail/eventail/pkg/types"
)

// Compile-time interface compliance check
var _ source.ChangeSource = (*Store)(nil)

var schemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS change_log (
		entity_type TEXT    NOT NULL,
		entity_id   TEXT    NOT NULL,
		slice       INTEGER NOT NULL,
		seq_nr      INTEGER NOT NULL,
		commit_ts   INTEGER NOT NULL,
		event_id    TEXT    NOT NULL,
		manifest    TEXT    NOT NULL DEFAULT '',
		payload     BLOB,
		PRIMARY KEY (entity_id, seq_nr)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_change_log_slice_ts
		ON change_log (entity_type, slice, commit_ts)`,
}

// Store is a SQLite-backed change log.
type Store struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	insertStmt *sql.Stmt
}

// Open opens (creating if needed) a change log at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeConnectionFailed, "failed to open change log", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, errors.NewStorageError(errors.CodeConnectionFailed, "failed to open read connection", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, readDB: readDB, dbPath: dbPath}

	for _, stmt := range schemaSQL {
		if _, err := s.db.Exec(stmt); err != nil {
			readDB.Close()
			db.Close()
			return nil, errors.NewStorageError(errors.CodeConnectionFailed, "failed to initialize schema", err)
		}
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO change_log (
			entity_type, entity_id, slice, seq_nr, commit_ts, event_id, manifest, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, errors.NewStorageError(errors.CodeConnectionFailed, "failed to prepare insert statement", err)
	}
	s.insertStmt = insertStmt

	return s, nil
}

// Append writes a new change row for the entity with the next sequence
// number and the current time as commit timestamp.
func (s *Store) Append(ctx context.Context, entityType, entityID string, payload []byte, manifest string) (types.ChangeRecord, error) {
	return s.AppendAt(ctx, entityType, entityID, payload, manifest, time.Now())
}

// AppendAt is Append with an explicit commit timestamp. Used by backfills
// and tests; commit timestamps must not move backwards for an entity.
func (s *Store) AppendAt(ctx context.Context, entityType, entityID string, payload []byte, manifest string, commitTime time.Time) (types.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastSeq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq_nr), 0) FROM change_log WHERE entity_id = ?",
		entityID,
	).Scan(&lastSeq)
	if err != nil {
		return types.ChangeRecord{}, errors.NewSourceError(errors.CodeAppendFailed, "failed to read last sequence number", err)
	}

	rec := types.ChangeRecord{
		EntityType: entityType,
		EntityID:   entityID,
		Slice:      slice.For(entityID),
		SeqNr:      lastSeq + 1,
		CommitTime: commitTime.UTC().Truncate(time.Microsecond),
		EventID:    uuid.NewString(),
		Payload:    payload,
		Manifest:   manifest,
	}

	var compressed []byte
	if len(payload) > 0 {
		compressed = snappy.Encode(nil, payload)
	}

	_, err = s.insertStmt.ExecContext(ctx,
		rec.EntityType, rec.EntityID, rec.Slice, rec.SeqNr,
		rec.CommitTime.UnixMicro(), rec.EventID, rec.Manifest, compressed,
	)
	if err != nil {
		return types.ChangeRecord{}, errors.NewSourceError(errors.CodeAppendFailed,
			fmt.Sprintf("failed to append change row for %s", entityID), err)
	}

	return rec, nil
}

// RowsBySlice returns change rows ascending by (commit_ts, seq_nr), filtered
// to the slice range and time window, capped at req.Limit.
func (s *Store) RowsBySlice(ctx context.Context, req source.Request) ([]types.ChangeRecord, error) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	upper := now.Add(-req.BehindCurrentTime)
	if !req.ToTimestamp.IsZero() && req.ToTimestamp.Before(upper) {
		upper = req.ToTimestamp
	}
	if upper.Before(req.FromTimestamp) {
		return nil, nil
	}

	cols := "entity_type, entity_id, slice, seq_nr, commit_ts, event_id, manifest, payload"
	if req.Backtracking {
		cols = "entity_type, entity_id, slice, seq_nr, commit_ts, event_id, manifest, NULL"
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM change_log
		WHERE entity_type = ? AND slice BETWEEN ? AND ?
			AND commit_ts >= ? AND commit_ts <= ?
		ORDER BY commit_ts ASC, seq_nr ASC
		LIMIT ?`, cols)

	rows, err := s.readDB.QueryContext(ctx, query,
		req.EntityType, req.MinSlice, req.MaxSlice,
		req.FromTimestamp.UnixMicro(), upper.UnixMicro(), req.Limit,
	)
	if err != nil {
		return nil, errors.NewSourceError(errors.CodeQueryFailed, "rows by slice query failed", err)
	}
	defer rows.Close()

	readTime := now
	var records []types.ChangeRecord
	for rows.Next() {
		rec, err := scanChangeRow(rows)
		if err != nil {
			return nil, err
		}
		rec.ReadTime = readTime
		rec.Backtracking = req.Backtracking
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewSourceError(errors.CodeQueryFailed, "error iterating change rows", err)
	}

	return records, nil
}

// scanChangeRow scans one change_log row, expanding the payload if present.
func scanChangeRow(rows *sql.Rows) (types.ChangeRecord, error) {
	var rec types.ChangeRecord
	var commitMicros int64
	var compressed []byte

	err := rows.Scan(
		&rec.EntityType, &rec.EntityID, &rec.Slice, &rec.SeqNr,
		&commitMicros, &rec.EventID, &rec.Manifest, &compressed,
	)
	if err != nil {
		return types.ChangeRecord{}, errors.NewSourceError(errors.CodeQueryFailed, "failed to scan change row", err)
	}
	rec.CommitTime = time.UnixMicro(commitMicros).UTC()

	if len(compressed) > 0 {
		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			return types.ChangeRecord{}, errors.NewSourceError(errors.CodeQueryFailed,
				fmt.Sprintf("failed to expand payload for %s seq %d", rec.EntityID, rec.SeqNr), err)
		}
		rec.Payload = payload
	}

	return rec, nil
}

// LoadPayload fetches the payload and manifest of one change row.
func (s *Store) LoadPayload(ctx context.Context, entityID string, seqNr int64) ([]byte, string, error) {
	var compressed []byte
	var manifest string
	err := s.readDB.QueryRowContext(ctx,
		"SELECT payload, manifest FROM change_log WHERE entity_id = ? AND seq_nr = ?",
		entityID, seqNr,
	).Scan(&compressed, &manifest)
	if err == sql.ErrNoRows {
		return nil, "", errors.NewSourceError(errors.CodePayloadMissing,
			fmt.Sprintf("no change row for %s seq %d", entityID, seqNr), nil)
	}
	if err != nil {
		return nil, "", errors.NewSourceError(errors.CodeQueryFailed, "payload query failed", err)
	}

	if len(compressed) == 0 {
		return nil, manifest, nil
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, "", errors.NewSourceError(errors.CodeQueryFailed,
			fmt.Sprintf("failed to expand payload for %s seq %d", entityID, seqNr), err)
	}
	return payload, manifest, nil
}

// CurrentTimestamp returns the backend clock. SQLite is embedded, so the
// process clock is the backend clock.
func (s *Store) CurrentTimestamp(ctx context.Context) (time.Time, error) {
	return time.Now().UTC().Truncate(time.Microsecond), nil
}

// CountBuckets counts rows into ascending fixed-width buckets starting at
// from, at most limit buckets.
func (s *Store) CountBuckets(ctx context.Context, entityType string, minSlice, maxSlice int, from time.Time, limit int) ([]types.Bucket, error) {
	widthMicros := types.BucketWidth.Microseconds()
	widthSeconds := int64(types.BucketWidth / time.Second)

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT (commit_ts / ?) * ? AS bucket_start, COUNT(*)
		FROM change_log
		WHERE entity_type = ? AND slice BETWEEN ? AND ? AND commit_ts >= ?
		GROUP BY bucket_start
		ORDER BY bucket_start ASC
		LIMIT ?`,
		widthMicros, widthSeconds,
		entityType, minSlice, maxSlice, from.UnixMicro(), limit,
	)
	if err != nil {
		return nil, errors.NewSourceError(errors.CodeQueryFailed, "bucket count query failed", err)
	}
	defer rows.Close()

	var buckets []types.Bucket
	for rows.Next() {
		var b types.Bucket
		if err := rows.Scan(&b.Start, &b.Count); err != nil {
			return nil, errors.NewSourceError(errors.CodeQueryFailed, "failed to scan bucket", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewSourceError(errors.CodeQueryFailed, "error iterating buckets", err)
	}

	return buckets, nil
}

// EntityIDsAfter returns up to limit distinct entity ids greater than
// afterID, ascending.
func (s *Store) EntityIDsAfter(ctx context.Context, entityType, afterID string, limit int) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT DISTINCT entity_id
		FROM change_log
		WHERE entity_type = ? AND entity_id > ?
		ORDER BY entity_id ASC
		LIMIT ?`,
		entityType, afterID, limit,
	)
	if err != nil {
		return nil, errors.NewSourceError(errors.CodeQueryFailed, "entity id query failed", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewSourceError(errors.CodeQueryFailed, "failed to scan entity id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewSourceError(errors.CodeQueryFailed, "error iterating entity ids", err)
	}

	return ids, nil
}

// Close closes the change log connections.
func (s *Store) Close() error {
	if s.insertStmt != nil {
		s.insertStmt.Close()
	}
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
