package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eventail/eventail/internal/errors"
	"github.com/eventail/eventail/pkg/types"
)

var offsetSchemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS consumer_offsets (
		consumer_id TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		commit_ts   INTEGER NOT NULL,
		seq_nr      INTEGER NOT NULL,
		PRIMARY KEY (consumer_id, entity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_consumer_offsets_ts
		ON consumer_offsets (consumer_id, commit_ts)`,
	`CREATE TABLE IF NOT EXISTS consumer_state (
		consumer_id TEXT PRIMARY KEY,
		paused      INTEGER NOT NULL DEFAULT 0,
		updated_at  INTEGER NOT NULL
	)`,
}

// SQLiteOffsetStore persists consumer offsets in a SQLite database. A single
// write connection in WAL mode serializes upserts; reads go through a small
// read-only pool.
type SQLiteOffsetStore struct {
	db         *sql.DB
	roDB       *sql.DB
	upsertStmt *sql.Stmt
}

// OpenSQLiteOffsetStore opens (and if needed initializes) the offset
// database at dbPath.
func OpenSQLiteOffsetStore(dbPath string) (*SQLiteOffsetStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeConnectionFailed, "open offset database", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range offsetSchemaSQL {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.NewStorageError(errors.CodeConnectionFailed, "initialize offset schema", err)
		}
	}

	roDB, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, errors.NewStorageError(errors.CodeConnectionFailed, "open read-only offset database", err)
	}
	roDB.SetMaxOpenConns(4)

	upsertStmt, err := db.Prepare(`INSERT INTO consumer_offsets (consumer_id, entity_id, commit_ts, seq_nr)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (consumer_id, entity_id) DO UPDATE SET
			commit_ts = excluded.commit_ts,
			seq_nr = excluded.seq_nr
		WHERE excluded.commit_ts >= consumer_offsets.commit_ts`)
	if err != nil {
		roDB.Close()
		db.Close()
		return nil, errors.NewStorageError(errors.CodeConnectionFailed, "prepare offset upsert", err)
	}

	return &SQLiteOffsetStore{db: db, roDB: roDB, upsertStmt: upsertStmt}, nil
}

func (s *SQLiteOffsetStore) SaveOffsets(ctx context.Context, consumerID string, off types.TimestampOffset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError(errors.CodeOffsetSaveFailed, "begin offset save", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.upsertStmt)
	ts := off.Timestamp.UnixMicro()
	for entityID, seqNr := range off.Seen {
		if _, err := stmt.ExecContext(ctx, consumerID, entityID, ts, seqNr); err != nil {
			return errors.NewStorageError(errors.CodeOffsetSaveFailed,
				fmt.Sprintf("save offset for %s", entityID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.NewStorageError(errors.CodeOffsetSaveFailed, "commit offset save", err)
	}
	return nil
}

func (s *SQLiteOffsetStore) LoadOffsets(ctx context.Context, consumerID string) (map[string]EntityOffset, error) {
	rows, err := s.roDB.QueryContext(ctx,
		`SELECT entity_id, commit_ts, seq_nr FROM consumer_offsets WHERE consumer_id = ?`,
		consumerID)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeOffsetLoadFailed, "load offsets", err)
	}
	defer rows.Close()

	out := make(map[string]EntityOffset)
	for rows.Next() {
		var entityID string
		var ts, seqNr int64
		if err := rows.Scan(&entityID, &ts, &seqNr); err != nil {
			return nil, errors.NewStorageError(errors.CodeOffsetLoadFailed, "scan offset row", err)
		}
		out[entityID] = EntityOffset{Timestamp: time.UnixMicro(ts).UTC(), SeqNr: seqNr}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(errors.CodeOffsetLoadFailed, "iterate offset rows", err)
	}
	return out, nil
}

func (s *SQLiteOffsetStore) DeleteBefore(ctx context.Context, consumerID string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM consumer_offsets WHERE consumer_id = ? AND commit_ts < ?`,
		consumerID, cutoff.UnixMicro())
	if err != nil {
		return 0, errors.NewStorageError(errors.CodeOffsetDeleteFailed, "delete old offsets", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewStorageError(errors.CodeOffsetDeleteFailed, "count deleted offsets", err)
	}
	return n, nil
}

func (s *SQLiteOffsetStore) SetPaused(ctx context.Context, consumerID string, paused bool) error {
	p := 0
	if paused {
		p = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consumer_state (consumer_id, paused, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (consumer_id) DO UPDATE SET paused = excluded.paused, updated_at = excluded.updated_at`,
		consumerID, p, time.Now().UnixMicro())
	if err != nil {
		return errors.NewStorageError(errors.CodeOffsetSaveFailed, "set paused state", err)
	}
	return nil
}

func (s *SQLiteOffsetStore) IsPaused(ctx context.Context, consumerID string) (bool, error) {
	var p int
	err := s.roDB.QueryRowContext(ctx,
		`SELECT paused FROM consumer_state WHERE consumer_id = ?`, consumerID).Scan(&p)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.NewStorageError(errors.CodeOffsetLoadFailed, "load paused state", err)
	}
	return p != 0, nil
}

func (s *SQLiteOffsetStore) Close() error {
	if s.upsertStmt != nil {
		s.upsertStmt.Close()
	}
	if s.roDB != nil {
		s.roDB.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
