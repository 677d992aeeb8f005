// SPDX-License-Identifier: MIT
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/metrics"
	"github.com/proofcast/proofcast/internal/receipt"
)

// BadgerStore is the default embedded backend.
// Key layout:
//   - rcpt:<roomID>:<seq, 20-digit zero-padded> = canonical receipt bytes
//   - ckpt:<roomID>                             = latest checkpoint (JSON)
//
// Zero-padded sequences make the chain a single ascending prefix scan.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a Badger store at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("receipt store: open badger %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func receiptKey(roomID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("rcpt:%s:%020d", roomID, seq))
}

func receiptPrefix(roomID string) []byte {
	return []byte("rcpt:" + roomID + ":")
}

func checkpointKey(roomID string) []byte {
	return []byte("ckpt:" + roomID)
}

func (s *BadgerStore) Append(ctx context.Context, r receipt.Receipt) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		last, ok, err := lastInTxn(txn, r.RoomID)
		if err != nil {
			return err
		}
		if want := nextSequence(last, ok); r.Sequence != want {
			return errSequenceGap(r.RoomID, r.Sequence, want)
		}
		return txn.Set(receiptKey(r.RoomID, r.Sequence), receipt.CanonicalBytes(r))
	})
	metrics.IncStoreOp("badger", "append", err)
	return err
}

func lastInTxn(txn *badger.Txn, roomID string) (receipt.Receipt, bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = receiptPrefix(roomID)
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration needs a seek key past the last possible entry.
	seek := append(receiptPrefix(roomID), 0xff)
	it.Seek(seek)
	if !it.ValidForPrefix(receiptPrefix(roomID)) {
		return receipt.Receipt{}, false, nil
	}
	var out receipt.Receipt
	err := it.Item().Value(func(val []byte) error {
		r, err := receipt.Parse(val)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return receipt.Receipt{}, false, err
	}
	return out, true, nil
}

func (s *BadgerStore) Last(ctx context.Context, roomID string) (receipt.Receipt, bool, error) {
	var (
		out receipt.Receipt
		ok  bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, ok, err = lastInTxn(txn, roomID)
		return err
	})
	metrics.IncStoreOp("badger", "last", err)
	return out, ok, err
}

func (s *BadgerStore) Range(ctx context.Context, roomID string, fromSeq uint64, limit int) ([]receipt.Receipt, error) {
	var out []receipt.Receipt
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = receiptPrefix(roomID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(receiptKey(roomID, fromSeq)); it.ValidForPrefix(receiptPrefix(roomID)); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				r, err := receipt.Parse(val)
				if err != nil {
					return err
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	metrics.IncStoreOp("badger", "range", err)
	return out, err
}

func (s *BadgerStore) Rooms(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("rcpt:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := it.Item().Key()
			// rcpt:<roomID>:<seq> — the sequence suffix has fixed width.
			body := key[len("rcpt:"):]
			if len(body) < 21 {
				continue
			}
			seen[string(body[:len(body)-21])] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for roomID := range seen {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *BadgerStore) PutCheckpoint(ctx context.Context, cp model.QueueCheckpoint) error {
	buf, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("receipt store: marshal checkpoint %s: %w", cp.RoomID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(cp.RoomID))
		if err == nil {
			var prev model.QueueCheckpoint
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err == nil {
				if cp.CheckpointID <= prev.CheckpointID {
					return nil // stale write
				}
			}
		}
		return txn.Set(checkpointKey(cp.RoomID), buf)
	})
	metrics.IncStoreOp("badger", "checkpoint", err)
	return err
}

func (s *BadgerStore) LatestCheckpoint(ctx context.Context, roomID string) (model.QueueCheckpoint, bool, error) {
	var (
		cp model.QueueCheckpoint
		ok bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(roomID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &cp) }); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return cp, ok, err
}

var _ Store = (*BadgerStore)(nil)
