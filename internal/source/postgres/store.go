// Package postgres implements the change-log backend on PostgreSQL. The
// ordering/filtering contract is identical to the sqlite backend; only the
// dialect differs. Commit timestamps come from the database clock so that
// behind-current-time arithmetic is consistent across writer processes.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/eventail/eventail/internal/errors"
	"github.com/eventail/eventail/internal/slice"
	"github.com/eventail/eventail/internal/source"
	"github.com/eventail/eventail/pkg/types"
)

// Compile-time interface compliance check
var _ source.ChangeSource = (*Store)(nil)

var schemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS change_log (
		entity_type TEXT        NOT NULL,
		entity_id   TEXT        NOT NULL,
		slice       INTEGER     NOT NULL,
		seq_nr      BIGINT      NOT NULL,
		commit_ts   TIMESTAMPTZ NOT NULL,
		event_id    TEXT        NOT NULL,
		manifest    TEXT        NOT NULL DEFAULT '',
		payload     BYTEA,
		PRIMARY KEY (entity_id, seq_nr)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_change_log_slice_ts
		ON change_log (entity_type, slice, commit_ts)`,
}

// Config holds PostgreSQL connection settings.
type Config struct {
	// ConnString is a lib/pq connection string or URL.
	ConnString string

	// MaxOpenConns caps the connection pool (default 8).
	MaxOpenConns int
}

// Store is a PostgreSQL-backed change log.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and ensures the change-log schema exists.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.ConnString)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeConnectionFailed, "failed to open postgres connection", err)
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 8
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	for _, stmt := range schemaSQL {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.NewStorageError(errors.CodeConnectionFailed, "failed to initialize schema", err)
		}
	}

	return &Store{db: db}, nil
}

// Append writes a new change row with the next sequence number and the
// database transaction time as commit timestamp.
func (s *Store) Append(ctx context.Context, entityType, entityID string, payload []byte, manifest string) (types.ChangeRecord, error) {
	eventID := uuid.NewString()
	sl := slice.For(entityID)

	var seqNr int64
	var commitTime time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO change_log (entity_type, entity_id, slice, seq_nr, commit_ts, event_id, manifest, payload)
		SELECT $1, $2, $3, COALESCE(MAX(seq_nr), 0) + 1, transaction_timestamp(), $4, $5, $6
		FROM change_log WHERE entity_id = $2
		RETURNING seq_nr, commit_ts`,
		entityType, entityID, sl, eventID, manifest, payload,
	).Scan(&seqNr, &commitTime)
	if err != nil {
		return types.ChangeRecord{}, errors.NewSourceError(errors.CodeAppendFailed,
			fmt.Sprintf("failed to append change row for %s", entityID), err)
	}

	return types.ChangeRecord{
		EntityType: entityType,
		EntityID:   entityID,
		Slice:      sl,
		SeqNr:      seqNr,
		CommitTime: commitTime.UTC(),
		EventID:    eventID,
		Payload:    payload,
		Manifest:   manifest,
	}, nil
}

// RowsBySlice returns change rows ascending by (commit_ts, seq_nr), filtered
// to the slice range and time window, capped at req.Limit.
func (s *Store) RowsBySlice(ctx context.Context, req source.Request) ([]types.ChangeRecord, error) {
	cols := "entity_type, entity_id, slice, seq_nr, commit_ts, event_id, manifest, payload"
	if req.Backtracking {
		cols = "entity_type, entity_id, slice, seq_nr, commit_ts, event_id, manifest, NULL::bytea"
	}

	upperExpr := "now() - $5::interval"
	args := []interface{}{
		req.EntityType, req.MinSlice, req.MaxSlice,
		req.FromTimestamp, durationToInterval(req.BehindCurrentTime),
	}
	if !req.ToTimestamp.IsZero() {
		upperExpr = "LEAST($6, now() - $5::interval)"
		args = append(args, req.ToTimestamp)
	}
	args = append(args, req.Limit)

	query := fmt.Sprintf(`
		SELECT %s, now()
		FROM change_log
		WHERE entity_type = $1 AND slice BETWEEN $2 AND $3
			AND commit_ts >= $4 AND commit_ts <= %s
		ORDER BY commit_ts ASC, seq_nr ASC
		LIMIT $%d`, cols, upperExpr, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewSourceError(errors.CodeQueryFailed, "rows by slice query failed", err)
	}
	defer rows.Close()

	var records []types.ChangeRecord
	for rows.Next() {
		var rec types.ChangeRecord
		var commitTime, readTime time.Time
		err := rows.Scan(
			&rec.EntityType, &rec.EntityID, &rec.Slice, &rec.SeqNr,
			&commitTime, &rec.EventID, &rec.Manifest, &rec.Payload, &readTime,
		)
		if err != nil {
			return nil, errors.NewSourceError(errors.CodeQueryFailed, "failed to scan change row", err)
		}
		rec.CommitTime = commitTime.UTC()
		rec.ReadTime = readTime.UTC()
		rec.Backtracking = req.Backtracking
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewSourceError(errors.CodeQueryFailed, "error iterating change rows", err)
	}

	return records, nil
}

// LoadPayload fetches the payload and manifest of one change row.
func (s *Store) LoadPayload(ctx context.Context, entityID string, seqNr int64) ([]byte, string, error) {
	var payload []byte
	var manifest string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload, manifest FROM change_log WHERE entity_id = $1 AND seq_nr = $2",
		entityID, seqNr,
	).Scan(&payload, &manifest)
	if err == sql.ErrNoRows {
		return nil, "", errors.NewSourceError(errors.CodePayloadMissing,
			fmt.Sprintf("no change row for %s seq %d", entityID, seqNr), nil)
	}
	if err != nil {
		return nil, "", errors.NewSourceError(errors.CodeQueryFailed, "payload query failed", err)
	}
	return payload, manifest, nil
}

// CurrentTimestamp returns the database clock.
func (s *Store) CurrentTimestamp(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.db.QueryRowContext(ctx, "SELECT now()").Scan(&now); err != nil {
		return time.Time{}, errors.NewSourceError(errors.CodeQueryFailed, "current timestamp query failed", err)
	}
	return now.UTC(), nil
}

// CountBuckets counts rows into ascending fixed-width buckets starting at
// from, at most limit buckets.
func (s *Store) CountBuckets(ctx context.Context, entityType string, minSlice, maxSlice int, from time.Time, limit int) ([]types.Bucket, error) {
	widthSeconds := int64(types.BucketWidth / time.Second)

	rows, err := s.db.QueryContext(ctx, `
		SELECT (floor(extract(epoch FROM commit_ts) / $5) * $5)::bigint AS bucket_start, count(*)
		FROM change_log
		WHERE entity_type = $1 AND slice BETWEEN $2 AND $3 AND commit_ts >= $4
		GROUP BY bucket_start
		ORDER BY bucket_start ASC
		LIMIT $6`,
		entityType, minSlice, maxSlice, from, widthSeconds, limit,
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_id
		FROM change_log
		WHERE entity_type = $1 AND entity_id > $2
		ORDER BY entity_id ASC
		LIMIT $3`,
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

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// durationToInterval renders a duration as a PostgreSQL interval literal.
func durationToInterval(d time.Duration) string {
	return fmt.Sprintf("%f seconds", d.Seconds())
}
