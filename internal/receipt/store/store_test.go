// SPDX-License-Identifier: MIT
package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/receipt"
)

// chainOf builds a structurally valid chain of n receipts for roomID.
func chainOf(t *testing.T, roomID string, n int) []receipt.Receipt {
	t.Helper()
	prevHash := receipt.GenesisPrevHash
	var out []receipt.Receipt
	for i := 0; i < n; i++ {
		r := receipt.Receipt{
			ReceiptID:   fmt.Sprintf("rcpt-%s-%d", roomID, i),
			RoomID:      roomID,
			Sequence:    uint64(i),
			WindowStart: uint64(i) * 10,
			WindowEnd:   uint64(i+1) * 10,
			Entries: []receipt.Entry{
				{ParticipantID: "did:bob", TrackID: "trk-1", BytesOut: uint64(1000 + i)},
			},
			PrevReceiptHash: prevHash,
			SignerKeyID:     "key-1",
			Signature:       base64.StdEncoding.EncodeToString([]byte("sig")),
		}
		r.PayloadHash = receipt.ComputePayloadHash(r)
		out = append(out, r)
		var err error
		prevHash, err = receipt.ChainHash(r)
		require.NoError(t, err)
	}
	return out
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	badgerStore, err := OpenBadgerStore(t.TempDir() + "/badger")
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	sqliteStore, err := OpenSqliteStore(t.TempDir() + "/receipts.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
		"sqlite": sqliteStore,
	}
}

func TestAppendLastRange(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chain := chainOf(t, "room-1", 5)
			for _, r := range chain {
				require.NoError(t, s.Append(ctx, r))
			}

			last, ok, err := s.Last(ctx, "room-1")
			require.NoError(t, err)
			require.True(t, ok)
			if diff := cmp.Diff(chain[4], last); diff != "" {
				t.Fatalf("last receipt mismatch (-want +got):\n%s", diff)
			}

			got, err := s.Range(ctx, "room-1", 0, 0)
			require.NoError(t, err)
			if diff := cmp.Diff(chain, got); diff != "" {
				t.Fatalf("range mismatch (-want +got):\n%s", diff)
			}

			got, err = s.Range(ctx, "room-1", 2, 2)
			require.NoError(t, err)
			if diff := cmp.Diff(chain[2:4], got); diff != "" {
				t.Fatalf("bounded range mismatch (-want +got):\n%s", diff)
			}

			got, err = s.Range(ctx, "room-1", 99, 0)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestAppendRejectsSequenceGap(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chain := chainOf(t, "room-1", 3)
			require.NoError(t, s.Append(ctx, chain[0]))

			// Skipping sequence 1 must fail.
			assert.Error(t, s.Append(ctx, chain[2]))
			// Re-appending sequence 0 must fail.
			assert.Error(t, s.Append(ctx, chain[0]))
			// The contiguous next receipt still lands.
			assert.NoError(t, s.Append(ctx, chain[1]))
		})
	}
}

func TestEmptyRoom(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := s.Last(ctx, "room-none")
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := s.Range(ctx, "room-none", 0, 0)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestRoomsListing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, roomID := range []string{"room-b", "room-a"} {
				for _, r := range chainOf(t, roomID, 2) {
					require.NoError(t, s.Append(ctx, r))
				}
			}
			rooms, err := s.Rooms(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"room-a", "room-b"}, rooms)
		})
	}
}

func TestCheckpointLatestWins(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := s.LatestCheckpoint(ctx, "room-1")
			require.NoError(t, err)
			assert.False(t, ok)

			cp1 := model.QueueCheckpoint{RoomID: "room-1", CheckpointID: 1, TakenAtNanos: 100}
			cp2 := model.QueueCheckpoint{RoomID: "room-1", CheckpointID: 2, TakenAtNanos: 200}
			require.NoError(t, s.PutCheckpoint(ctx, cp1))
			require.NoError(t, s.PutCheckpoint(ctx, cp2))
			// A stale write must not clobber the newer checkpoint.
			require.NoError(t, s.PutCheckpoint(ctx, cp1))

			got, ok, err := s.LatestCheckpoint(ctx, "room-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, uint64(2), got.CheckpointID)
		})
	}
}

func TestStoredBytesAreCanonical(t *testing.T) {
	// Chains read back must re-serialize to the exact bytes that were
	// signed, across every backend.
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chain := chainOf(t, "room-1", 3)
			for _, r := range chain {
				require.NoError(t, s.Append(ctx, r))
			}
			got, err := s.Range(ctx, "room-1", 0, 0)
			require.NoError(t, err)
			require.Len(t, got, len(chain))
			for i := range chain {
				assert.Equal(t, receipt.CanonicalBytes(chain[i]), receipt.CanonicalBytes(got[i]))
			}
		})
	}
}

func TestFactory(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []Backend{BackendMemory, BackendBadger, BackendSqlite} {
		require.True(t, backend.Valid())
		s, err := New(backend, dir)
		require.NoError(t, err, "backend %s", backend)
		require.NoError(t, s.Close())
	}
	_, err := New(Backend("bolt"), dir)
	assert.Error(t, err)
	assert.False(t, Backend("bolt").Valid())
}
