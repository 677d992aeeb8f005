// SPDX-License-Identifier: MIT
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/metrics"
	"github.com/proofcast/proofcast/internal/receipt"
)

// MemoryStore keeps chains and checkpoints in process memory. Used by
// tests and by deployments that accept losing chains on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	chains      map[string][]receipt.Receipt
	checkpoints map[string]model.QueueCheckpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:      make(map[string][]receipt.Receipt),
		checkpoints: make(map[string]model.QueueCheckpoint),
	}
}

func (s *MemoryStore) Append(ctx context.Context, r receipt.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[r.RoomID]
	want := uint64(len(chain))
	if r.Sequence != want {
		err := errSequenceGap(r.RoomID, r.Sequence, want)
		metrics.IncStoreOp("memory", "append", err)
		return err
	}
	s.chains[r.RoomID] = append(chain, r)
	metrics.IncStoreOp("memory", "append", nil)
	return nil
}

func (s *MemoryStore) Last(ctx context.Context, roomID string) (receipt.Receipt, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[roomID]
	if len(chain) == 0 {
		return receipt.Receipt{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

func (s *MemoryStore) Range(ctx context.Context, roomID string, fromSeq uint64, limit int) ([]receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[roomID]
	if fromSeq >= uint64(len(chain)) {
		return nil, nil
	}
	out := chain[fromSeq:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]receipt.Receipt(nil), out...), nil
}

func (s *MemoryStore) Rooms(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.chains))
	for roomID := range s.chains {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) PutCheckpoint(ctx context.Context, cp model.QueueCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.checkpoints[cp.RoomID]; ok && cp.CheckpointID <= prev.CheckpointID {
		return nil // stale write, keep the newer checkpoint
	}
	s.checkpoints[cp.RoomID] = cp
	return nil
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, roomID string) (model.QueueCheckpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[roomID]
	return cp, ok, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
