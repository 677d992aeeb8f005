// SPDX-License-Identifier: MIT
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/metrics"
	"github.com/proofcast/proofcast/internal/receipt"
)

const sqliteSchemaVersion = 1

// SqliteStore persists chains in SQLite for deployments that want SQL
// tooling over the receipt log. Receipts are stored as canonical bytes;
// room and sequence columns exist only for indexed access.
type SqliteStore struct {
	db *sql.DB
}

// OpenSqliteStore opens (or creates) the store at dbPath. WAL mode and
// a busy timeout apply to every pooled connection via the DSN.
func OpenSqliteStore(dbPath string) (*SqliteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("receipt store: open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // single writer; chains are append-only

	s := &SqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("receipt store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error { return s.db.Close() }

func (s *SqliteStore) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= sqliteSchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS receipts (
		room_id   TEXT NOT NULL,
		seq       INTEGER NOT NULL,
		canonical BLOB NOT NULL,
		PRIMARY KEY (room_id, seq)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		room_id       TEXT PRIMARY KEY,
		checkpoint_id INTEGER NOT NULL,
		payload       BLOB NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Append(ctx context.Context, r receipt.Receipt) error {
	err := s.append(ctx, r)
	metrics.IncStoreOp("sqlite", "append", err)
	return err
}

func (s *SqliteStore) append(ctx context.Context, r receipt.Receipt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM receipts WHERE room_id = ?", r.RoomID).Scan(&lastSeq); err != nil {
		return err
	}
	want := uint64(0)
	if lastSeq.Valid {
		want = uint64(lastSeq.Int64) + 1
	}
	if r.Sequence != want {
		return errSequenceGap(r.RoomID, r.Sequence, want)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO receipts (room_id, seq, canonical) VALUES (?, ?, ?)",
		r.RoomID, int64(r.Sequence), receipt.CanonicalBytes(r)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Last(ctx context.Context, roomID string) (receipt.Receipt, bool, error) {
	var canonical []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT canonical FROM receipts WHERE room_id = ? ORDER BY seq DESC LIMIT 1", roomID).
		Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return receipt.Receipt{}, false, nil
	}
	if err != nil {
		metrics.IncStoreOp("sqlite", "last", err)
		return receipt.Receipt{}, false, err
	}
	r, err := receipt.Parse(canonical)
	metrics.IncStoreOp("sqlite", "last", err)
	if err != nil {
		return receipt.Receipt{}, false, err
	}
	return r, true, nil
}

func (s *SqliteStore) Range(ctx context.Context, roomID string, fromSeq uint64, limit int) ([]receipt.Receipt, error) {
	query := "SELECT canonical FROM receipts WHERE room_id = ? AND seq >= ? ORDER BY seq ASC"
	args := []any{roomID, int64(fromSeq)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.IncStoreOp("sqlite", "range", err)
		return nil, err
	}
	defer rows.Close()

	var out []receipt.Receipt
	for rows.Next() {
		var canonical []byte
		if err := rows.Scan(&canonical); err != nil {
			return nil, err
		}
		r, err := receipt.Parse(canonical)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	err = rows.Err()
	metrics.IncStoreOp("sqlite", "range", err)
	return out, err
}

func (s *SqliteStore) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT room_id FROM receipts ORDER BY room_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		out = append(out, roomID)
	}
	return out, rows.Err()
}

func (s *SqliteStore) PutCheckpoint(ctx context.Context, cp model.QueueCheckpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("receipt store: marshal checkpoint %s: %w", cp.RoomID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (room_id, checkpoint_id, payload) VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			checkpoint_id = excluded.checkpoint_id,
			payload = excluded.payload
		WHERE excluded.checkpoint_id > checkpoints.checkpoint_id`,
		cp.RoomID, int64(cp.CheckpointID), payload)
	metrics.IncStoreOp("sqlite", "checkpoint", err)
	return err
}

func (s *SqliteStore) LatestCheckpoint(ctx context.Context, roomID string) (model.QueueCheckpoint, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM checkpoints WHERE room_id = ?", roomID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QueueCheckpoint{}, false, nil
	}
	if err != nil {
		return model.QueueCheckpoint{}, false, err
	}
	var cp model.QueueCheckpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return model.QueueCheckpoint{}, false, err
	}
	return cp, true, nil
}

var _ Store = (*SqliteStore)(nil)
