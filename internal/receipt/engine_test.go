// SPDX-License-Identifier: MIT
package receipt

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/proofcast/proofcast/internal/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memLog is a minimal in-memory Appender for engine tests.
type memLog struct {
	mu     sync.Mutex
	byRoom map[string][]Receipt
}

func newMemLog() *memLog {
	return &memLog{byRoom: make(map[string][]Receipt)}
}

func (l *memLog) Append(_ context.Context, r Receipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byRoom[r.RoomID] = append(l.byRoom[r.RoomID], r)
	return nil
}

func (l *memLog) Last(_ context.Context, roomID string) (Receipt, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain := l.byRoom[roomID]
	if len(chain) == 0 {
		return Receipt{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

func (l *memLog) all(roomID string) []Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Receipt(nil), l.byRoom[roomID]...)
}

// snapshotQueue feeds preset windows to the engine, then empties.
type snapshotQueue struct {
	mu sync.Mutex
	q  [][]Entry
}

func (s *snapshotQueue) push(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q = append(s.q, entries)
}

func (s *snapshotQueue) fn() func() []Entry {
	return func() []Entry {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.q) == 0 {
			return nil
		}
		head := s.q[0]
		s.q = s.q[1:]
		return head
	}
}

type collectSink struct {
	mu   sync.Mutex
	seen []Receipt
}

func (c *collectSink) Emit(_ context.Context, r Receipt) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, r)
	return nil
}

func (c *collectSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

type engineHarness struct {
	vc     *clock.Virtual
	log    *memLog
	sink   *collectSink
	snaps  *snapshotQueue
	signer *fakeSigner
	idSeq  atomic.Uint64
}

func newHarness(start time.Time) *engineHarness {
	return &engineHarness{
		vc:     clock.NewVirtual(start),
		log:    newMemLog(),
		sink:   &collectSink{},
		snaps:  &snapshotQueue{},
		signer: &fakeSigner{},
	}
}

func (h *engineHarness) config(roomID string, maxEntries int, stall func()) EngineConfig {
	return EngineConfig{
		RoomID:               roomID,
		SignerKeyID:          "key-1",
		WindowDuration:       10 * time.Second,
		MaxEntriesPerReceipt: maxEntries,
		Clock:                h.vc,
		Snapshot:             h.snaps.fn(),
		Signer:               h.signer,
		Log:                  h.log,
		Sink:                 h.sink,
		OnStall:              stall,
		NewReceiptID: func() string {
			return fmt.Sprintf("rcpt-%06d", h.idSeq.Add(1))
		},
	}
}

func advanceUntil(t *testing.T, vc *clock.Virtual, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		vc.Advance(step)
		return cond()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngineEmitsChainedReceipts(t *testing.T) {
	h := newHarness(time.Unix(1_700_000_000, 0))
	h.snaps.push([]Entry{{ParticipantID: "bob", TrackID: "trk-1", BytesOut: 1_000_000}})
	h.snaps.push(nil) // idle window
	h.snaps.push([]Entry{{ParticipantID: "bob", TrackID: "trk-1", BytesOut: 77}})

	e := NewEngine(h.config("room-1", 100, nil))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	advanceUntil(t, h.vc, 10*time.Second, func() bool { return len(h.log.all("room-1")) >= 3 })

	chain := h.log.all("room-1")[:3]
	require.NoError(t, VerifyChain(chain, fakeVerifier{}))

	require.Equal(t, uint64(0), chain[0].Sequence)
	require.Equal(t, []Entry{{ParticipantID: "bob", TrackID: "trk-1", BytesOut: 1_000_000}}, chain[0].Entries)
	require.Equal(t, GenesisPrevHash, chain[0].PrevReceiptHash)

	// Idle window still emits, keeping the tiling contiguous.
	require.Empty(t, chain[1].Entries)
	for i := 1; i < 3; i++ {
		require.Equal(t, chain[i-1].WindowEnd, chain[i].WindowStart, "windows must tile")
		want, err := ChainHash(chain[i-1])
		require.NoError(t, err)
		require.Equal(t, want, chain[i].PrevReceiptHash)
	}

	require.GreaterOrEqual(t, h.sink.count(), 3, "sink must see every receipt")
}

func TestEngineSplitsOversizedWindow(t *testing.T) {
	h := newHarness(time.Unix(1_700_000_000, 0))
	full := []Entry{
		{ParticipantID: "eve", TrackID: "trk-2", BytesOut: 5},
		{ParticipantID: "alice", TrackID: "trk-1", BytesOut: 1},
		{ParticipantID: "dan", TrackID: "trk-1", BytesOut: 4},
		{ParticipantID: "bob", TrackID: "trk-1", BytesOut: 2},
		{ParticipantID: "carol", TrackID: "trk-2", BytesOut: 3},
	}
	h.snaps.push(full)

	e := NewEngine(h.config("room-1", 2, nil))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	advanceUntil(t, h.vc, 10*time.Second, func() bool { return len(h.log.all("room-1")) >= 3 })

	parts := h.log.all("room-1")[:3]
	require.NoError(t, VerifyChain(parts, fakeVerifier{}))

	var rejoined []Entry
	for i, p := range parts {
		require.Equal(t, uint64(i), p.Sequence)
		require.Equal(t, parts[0].WindowStart, p.WindowStart, "split parts share windowStart")
		require.Equal(t, parts[0].WindowEnd, p.WindowEnd, "split parts share windowEnd")
		require.Equal(t, p.WindowStart, p.SplitOfWindow, "split parts are marked")
		rejoined = append(rejoined, p.Entries...)
	}
	require.Len(t, parts[0].Entries, 2)
	require.Len(t, parts[1].Entries, 2)
	require.Len(t, parts[2].Entries, 1)

	sorted := append([]Entry(nil), full...)
	sort.Slice(sorted, func(i, j int) bool { return entryLess(sorted[i], sorted[j]) })
	require.Equal(t, sorted, rejoined, "concatenated split entries equal the full set exactly once")
}

func TestEngineRestartContinuesChain(t *testing.T) {
	h := newHarness(time.Unix(1_700_000_000, 0))
	for i := 0; i < 3; i++ {
		h.snaps.push([]Entry{{ParticipantID: "bob", TrackID: "trk-1", BytesOut: uint64(10 + i)}})
	}

	e := NewEngine(h.config("room-1", 100, nil))
	require.NoError(t, e.Start(context.Background()))
	advanceUntil(t, h.vc, 10*time.Second, func() bool { return len(h.log.all("room-1")) >= 3 })
	e.Stop()
	emittedBeforeRestart := len(h.log.all("room-1"))

	// Restart against the same log, same (virtual) node clock.
	h.snaps.push([]Entry{{ParticipantID: "bob", TrackID: "trk-1", BytesOut: 500}})
	e2 := NewEngine(h.config("room-1", 100, nil))
	require.NoError(t, e2.Start(context.Background()))
	defer e2.Stop()

	advanceUntil(t, h.vc, 10*time.Second, func() bool {
		return len(h.log.all("room-1")) > emittedBeforeRestart
	})

	chain := h.log.all("room-1")
	require.NoError(t, VerifyChain(chain, fakeVerifier{}), "chain must verify across the restart")

	boundary := chain[emittedBeforeRestart]
	prev := chain[emittedBeforeRestart-1]
	require.Equal(t, uint64(emittedBeforeRestart), boundary.Sequence, "restart must continue the sequence")
	want, err := ChainHash(prev)
	require.NoError(t, err)
	require.Equal(t, want, boundary.PrevReceiptHash)
	require.Equal(t, prev.WindowEnd, boundary.WindowStart)
}

func TestEngineRetriesSigningWithBackoff(t *testing.T) {
	h := newHarness(time.Unix(1_700_000_000, 0))
	h.signer.failures = 3
	h.snaps.push([]Entry{{ParticipantID: "bob", TrackID: "trk-1", BytesOut: 9}})

	e := NewEngine(h.config("room-1", 100, nil))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	// Each poll advances far enough to fire whichever backoff timer is
	// pending (100ms, 200ms, 400ms...).
	advanceUntil(t, h.vc, 10*time.Second, func() bool { return len(h.log.all("room-1")) >= 1 })

	// Three forced failures preceded the first emission; later idle
	// windows may add further successful calls.
	require.GreaterOrEqual(t, h.signer.callCount(), 4, "three failures then one success")
	require.NoError(t, VerifyChain(h.log.all("room-1"), fakeVerifier{}))
}

func TestEngineStallsWhenPendingBoundExceeded(t *testing.T) {
	h := newHarness(time.Unix(1_700_000_000, 0))
	h.signer.failures = math.MaxInt32 // signing never succeeds

	var stalled atomic.Bool
	cfg := h.config("room-1", 100, func() { stalled.Store(true) })
	cfg.PendingWindowBound = 2

	e := NewEngine(cfg)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	// Window 1 occupies the emitter; windows 2..3 fill the bound; the
	// next close has nowhere to go and stalls the room.
	advanceUntil(t, h.vc, 10*time.Second, func() bool { return e.Stalled() })
	require.Eventually(t, func() bool { return stalled.Load() }, time.Second, 5*time.Millisecond,
		"OnStall must fire exactly when the bound is exceeded")

	require.False(t, e.TryResume(), "resume must refuse while the backlog is unsigned")
	require.Empty(t, h.log.all("room-1"), "no receipt may be emitted without a signature")
}

func TestEngineShutdownWithBacklogStalls(t *testing.T) {
	h := newHarness(time.Unix(1_700_000_000, 0))
	h.signer.failures = math.MaxInt32

	var stalled atomic.Bool
	e := NewEngine(h.config("room-1", 100, func() { stalled.Store(true) }))
	require.NoError(t, e.Start(context.Background()))

	// Cut one window so the emitter is busy retrying, then shut down.
	advanceUntil(t, h.vc, 10*time.Second, func() bool { return h.signer.callCount() >= 1 })
	e.Stop()

	require.True(t, e.Stalled(), "unsigned windows at shutdown must stall the room")
	require.True(t, stalled.Load())
}

func TestEngineTryResumeAfterDrain(t *testing.T) {
	h := newHarness(time.Unix(1_700_000_000, 0))

	e := NewEngine(h.config("room-1", 100, nil))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.True(t, e.TryResume(), "resume on a healthy engine is a no-op")

	advanceUntil(t, h.vc, 10*time.Second, func() bool { return len(h.log.all("room-1")) >= 1 })
	require.False(t, e.Stalled())
}
