// SPDX-License-Identifier: MIT

// Package ports declares the contracts between the room core and its
// external collaborators: transport, directory, signing, and the
// receipt stream. The core depends on these interfaces only; session
// establishment, codecs, and storage live behind them.
package ports

import (
	"context"

	"github.com/proofcast/proofcast/internal/receipt"
	"github.com/proofcast/proofcast/internal/rights"
)

// Packet is one opaque media unit tagged with its origin. The core
// never inspects the payload; Len is what the meter accounts.
type Packet struct {
	TrackID string
	LayerID string
	Payload []byte
}

// Len returns the metered size of the packet in bytes.
func (p Packet) Len() uint64 { return uint64(len(p.Payload)) }

// Transport is the only egress primitive the forwarding scheduler uses.
// Send must not block indefinitely; congestion is reported back through
// the scheduler's congestion callback, not through Send errors.
type Transport interface {
	Send(ctx context.Context, sessionID string, pkt Packet) error
}

// IndexPublisher announces distributable tracks to the external
// directory. Publish is idempotent on (roomID, trackID); the core only
// calls it when the track's rights admit directory publication.
type IndexPublisher interface {
	Publish(ctx context.Context, roomID, trackID, cid string, r rights.License) error
	Withdraw(ctx context.Context, roomID, trackID, reason string) error
}

// Signer produces detached signatures over canonical receipt bytes.
// Implementations are safe for concurrent use across rooms.
type Signer = receipt.Signer

// Verifier checks detached receipt signatures.
type Verifier = receipt.Verifier

// ReceiptSink observes every emitted receipt in chain order.
type ReceiptSink = receipt.Sink
