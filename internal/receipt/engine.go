// SPDX-License-Identifier: MIT
package receipt

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/proofcast/proofcast/internal/clock"
	"github.com/proofcast/proofcast/internal/log"
	"github.com/proofcast/proofcast/internal/metrics"
)

// Appender is the slice of the receipt store the engine writes through.
type Appender interface {
	Append(ctx context.Context, r Receipt) error
	Last(ctx context.Context, roomID string) (Receipt, bool, error)
}

// Sink receives every emitted receipt, in chain order.
type Sink interface {
	Emit(ctx context.Context, r Receipt) error
}

const (
	// DefaultPendingWindowBound is how many closed windows may queue
	// behind an unsigned receipt before the room stalls.
	DefaultPendingWindowBound = 6

	signBackoffStart  = 100 * time.Millisecond
	signBackoffCap    = 5 * time.Second
	signAttemptBudget = 15 * time.Second
)

// EngineConfig wires one room's receipt engine.
type EngineConfig struct {
	RoomID               string
	SignerKeyID          string
	WindowDuration       time.Duration
	MaxEntriesPerReceipt int
	PendingWindowBound   int

	Clock        clock.Clock
	Snapshot     func() []Entry // drains the room meter; entries need not be sorted
	Signer       Signer
	Log          Appender
	Sink         Sink
	NewReceiptID func() string

	// OnStall is invoked once when the pending bound is exceeded or
	// shutdown leaves unsigned windows behind. Must not block: the
	// coordinator routes it into the room mailbox.
	OnStall func()
}

type window struct {
	start, end uint64
	entries    []Entry
}

// Engine cuts a room's meter into windows and turns each into one or
// more signed, chained receipts. It is the sole writer of the room's
// chain; control operations never wait on it.
type Engine struct {
	cfg    EngineConfig
	logger zerolog.Logger

	nextSeq     uint64
	prevHash    string
	windowStart uint64

	pending chan window
	stalled atomic.Bool
	signing atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine validates cfg and prepares an engine. Call Start to restore
// chain state and begin windowing.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.PendingWindowBound <= 0 {
		cfg.PendingWindowBound = DefaultPendingWindowBound
	}
	return &Engine{
		cfg: cfg,
		logger: log.WithComponent("receipt-engine").With().
			Str(log.FieldRoomID, cfg.RoomID).Logger(),
		pending: make(chan window, cfg.PendingWindowBound),
	}
}

// Start restores the chain head from the log and launches the window
// cutter and the emitter. The context bounds the engine's lifetime.
func (e *Engine) Start(ctx context.Context) error {
	last, ok, err := e.cfg.Log.Last(ctx, e.cfg.RoomID)
	if err != nil {
		return err
	}
	if ok {
		ch, err := ChainHash(last)
		if err != nil {
			return err
		}
		e.nextSeq = last.Sequence + 1
		e.prevHash = ch
		e.windowStart = last.WindowEnd
	} else {
		e.nextSeq = 0
		e.prevHash = GenesisPrevHash
		e.windowStart = e.cfg.Clock.NowNanos()
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(2)
	go e.cutWindows(runCtx)
	go e.emit(runCtx)

	e.logger.Info().
		Uint64(log.FieldSequence, e.nextSeq).
		Uint64(log.FieldWindowStart, e.windowStart).
		Dur("window", e.cfg.WindowDuration).
		Msg("receipt engine started")
	return nil
}

// Stop cancels the engine and waits for both loops to exit. An in-flight
// signing attempt completes; unsigned queued windows stall the room.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Stalled reports whether the chain has halted.
func (e *Engine) Stalled() bool { return e.stalled.Load() }

// TryResume clears the stall after the operator has resolved the signing
// fault, provided the backlog has fully drained. Returns the new state.
func (e *Engine) TryResume() bool {
	if !e.stalled.Load() {
		return true
	}
	if len(e.pending) > 0 || e.signing.Load() {
		return false
	}
	if e.stalled.CompareAndSwap(true, false) {
		metrics.RoomsStalled.Dec()
		e.logger.Info().Msg("receipt chain resumed")
	}
	return true
}

func (e *Engine) markStalled() {
	if e.stalled.CompareAndSwap(false, true) {
		metrics.RoomsStalled.Inc()
		e.logger.Error().Msg("receipt chain stalled; publishers locked out")
		if e.cfg.OnStall != nil {
			e.cfg.OnStall()
		}
	}
}

// cutWindows snapshots the meter every WindowDuration and enqueues the
// closed window. It never blocks on signing: a full queue stalls the
// room instead.
func (e *Engine) cutWindows(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.cfg.Clock.After(e.cfg.WindowDuration):
			if e.stalled.Load() {
				// Chain is halted; bytes keep accumulating in the
				// meter and drain into the first post-resume window.
				continue
			}
			e.closeWindow()
		}
	}
}

func (e *Engine) closeWindow() {
	start := e.windowStart
	end := start + uint64(e.cfg.WindowDuration.Nanoseconds())
	if now := e.cfg.Clock.NowNanos(); now > end {
		// Late tick (restart catch-up or scheduler delay): stretch the
		// window so the tiling invariant holds without fabricating
		// intermediate empty windows.
		end = now
	}
	entries := e.cfg.Snapshot()
	e.windowStart = end

	select {
	case e.pending <- window{start: start, end: end, entries: entries}:
		metrics.ReceiptWindowsPending.Inc()
	default:
		e.markStalled()
	}
}

// emit drains pending windows in order, producing signed receipts.
func (e *Engine) emit(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			e.drainOnShutdown()
			return
		case w := <-e.pending:
			metrics.ReceiptWindowsPending.Dec()
			e.signing.Store(true)
			err := e.emitWindow(ctx, w)
			e.signing.Store(false)
			if err != nil {
				// Shutdown interrupted the retry loop. The window was
				// not emitted; the chain halts here.
				e.markStalled()
				e.drainOnShutdown()
				return
			}
		}
	}
}

// drainOnShutdown accounts for windows that will never be signed.
func (e *Engine) drainOnShutdown() {
	leftover := len(e.pending)
	for i := 0; i < leftover; i++ {
		<-e.pending
		metrics.ReceiptWindowsPending.Dec()
	}
	if leftover > 0 {
		e.markStalled()
	}
}

// emitWindow turns one window into one or more receipts, splitting on
// the entry bound. Every part consumes a sequence number; all parts
// share the window bounds and carry splitOfWindow = windowStart.
func (e *Engine) emitWindow(ctx context.Context, w window) error {
	began := time.Now()
	entries := append([]Entry(nil), w.entries...)
	sort.Slice(entries, func(i, j int) bool { return entryLess(entries[i], entries[j]) })

	parts := splitEntries(entries, e.cfg.MaxEntriesPerReceipt)
	if len(parts) > 1 {
		metrics.ReceiptSplitsTotal.Inc()
	}
	splitOf := uint64(0)
	if len(parts) > 1 {
		splitOf = w.start
	}

	// A receipt whose signing survived shutdown still gets appended and
	// emitted; only the retry loop observes cancellation.
	ioCtx := context.WithoutCancel(ctx)

	for _, part := range parts {
		r := Normalize(Receipt{
			ReceiptID:       e.cfg.NewReceiptID(),
			RoomID:          e.cfg.RoomID,
			Sequence:        e.nextSeq,
			WindowStart:     w.start,
			WindowEnd:       w.end,
			SplitOfWindow:   splitOf,
			Entries:         part,
			PrevReceiptHash: e.prevHash,
			SignerKeyID:     e.cfg.SignerKeyID,
		})
		r.PayloadHash = ComputePayloadHash(r)

		sig, err := e.signWithRetry(ctx, r)
		if err != nil {
			return err
		}
		r.Signature = sig

		if err := e.cfg.Log.Append(ioCtx, r); err != nil {
			// The log is local and append-only; failure here means the
			// room cannot make durable progress.
			e.logger.Error().Err(err).Uint64(log.FieldSequence, r.Sequence).Msg("receipt append failed")
			return err
		}
		if e.cfg.Sink != nil {
			if err := e.cfg.Sink.Emit(ioCtx, r); err != nil {
				// Sink delivery is at-least-once via the store; a slow
				// consumer must not halt the chain.
				e.logger.Warn().Err(err).Uint64(log.FieldSequence, r.Sequence).Msg("receipt sink emit failed")
			}
		}

		ch, err := ChainHash(r)
		if err != nil {
			return err
		}
		e.prevHash = ch
		e.nextSeq++
		metrics.ReceiptsEmittedTotal.Inc()
		e.logger.Debug().
			Str(log.FieldReceiptID, r.ReceiptID).
			Uint64(log.FieldSequence, r.Sequence).
			Int("entries", len(r.Entries)).
			Msg("receipt emitted")
	}
	metrics.ObserveWindowClose(time.Since(began))
	return nil
}

// signWithRetry signs the receipt's payload hash, backing off
// exponentially from 100ms to 5s for as long as the engine lives. The
// in-flight attempt is never interrupted; cancellation lands between
// attempts.
func (e *Engine) signWithRetry(ctx context.Context, r Receipt) (string, error) {
	payload, err := SigningPayload(r)
	if err != nil {
		return "", err
	}
	backoff := signBackoffStart
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), signAttemptBudget)
		began := time.Now()
		sig, err := e.cfg.Signer.Sign(attemptCtx, e.cfg.SignerKeyID, payload)
		cancel()
		metrics.ObserveSignAttempt(time.Since(began), err)
		if err == nil {
			return encodeSignature(sig), nil
		}

		e.logger.Warn().Err(err).
			Int(log.FieldAttempt, attempt).
			Uint64(log.FieldSequence, r.Sequence).
			Dur("backoff", backoff).
			Msg("receipt signing failed; retrying")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-e.cfg.Clock.After(backoff):
		}
		if backoff *= 2; backoff > signBackoffCap {
			backoff = signBackoffCap
		}
	}
}

func splitEntries(entries []Entry, max int) [][]Entry {
	if max <= 0 || len(entries) <= max {
		return [][]Entry{entries}
	}
	var parts [][]Entry
	for len(entries) > max {
		parts = append(parts, entries[:max])
		entries = entries[max:]
	}
	return append(parts, entries)
}
