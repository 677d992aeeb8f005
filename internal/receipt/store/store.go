// SPDX-License-Identifier: MIT

// Package store persists the append-only receipt chains and the
// periodic queue checkpoints. Three backends share one contract:
// in-memory for tests, Badger for the default embedded deployment, and
// SQLite where operators want SQL tooling over the chain. Receipts are
// stored as canonical bytes so reads reproduce the signed form bit for
// bit.
package store

import (
	"context"

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/receipt"
)

// ReceiptLog is the per-room append-only receipt chain. Append enforces
// sequence contiguity: the first receipt of a room must carry sequence
// 0 and every later one must follow its predecessor directly.
type ReceiptLog interface {
	Append(ctx context.Context, r receipt.Receipt) error
	Last(ctx context.Context, roomID string) (receipt.Receipt, bool, error)
	// Range returns receipts with sequence >= fromSeq, ascending, at
	// most limit entries (limit <= 0 means no bound).
	Range(ctx context.Context, roomID string, fromSeq uint64, limit int) ([]receipt.Receipt, error)
	// Rooms lists every room with at least one receipt, sorted.
	Rooms(ctx context.Context) ([]string, error)
}

// CheckpointStore keeps the latest queue checkpoints per room.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, cp model.QueueCheckpoint) error
	LatestCheckpoint(ctx context.Context, roomID string) (model.QueueCheckpoint, bool, error)
}

// Store is the full persistence surface the coordinator consumes.
type Store interface {
	ReceiptLog
	CheckpointStore
	Close() error
}

// ErrSequenceGap is returned by Append when a receipt does not directly
// follow the stored chain head.
func errSequenceGap(roomID string, got, want uint64) error {
	return model.Failf(model.FailInvalidTransition,
		"receipt log %s: sequence %d does not follow chain head (want %d)", roomID, got, want)
}

// nextSequence computes the sequence Append must see given the current
// chain head.
func nextSequence(last receipt.Receipt, ok bool) uint64 {
	if !ok {
		return 0
	}
	return last.Sequence + 1
}
