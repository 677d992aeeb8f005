// SPDX-License-Identifier: MIT
package receipt

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Signer produces detached signatures. Implementations must be safe for
// concurrent use; signing may run on any worker.
type Signer interface {
	Sign(ctx context.Context, keyID string, payload []byte) ([]byte, error)
}

// Verifier checks detached signatures.
type Verifier interface {
	Verify(keyID string, payload, sig []byte) bool
}

// SigningPayload returns the bytes the signature commits to: the decoded
// payload hash.
func SigningPayload(r Receipt) ([]byte, error) {
	ph, err := hex.DecodeString(r.PayloadHash)
	if err != nil {
		return nil, fmt.Errorf("receipt %s: malformed payloadHash: %w", r.ReceiptID, err)
	}
	return ph, nil
}

// ChainBreak describes the first point at which a chain fails
// verification.
type ChainBreak struct {
	Sequence uint64 `json:"sequence"`
	Reason   string `json:"reason"`
}

func (e *ChainBreak) Error() string {
	return fmt.Sprintf("receipt chain broken at sequence %d: %s", e.Sequence, e.Reason)
}

func breakAt(seq uint64, format string, args ...any) error {
	return &ChainBreak{Sequence: seq, Reason: fmt.Sprintf(format, args...)}
}

// VerifyReceipt checks a single receipt: envelope invariants, payload
// hash, and, when v is non-nil, the signature.
func VerifyReceipt(r Receipt, v Verifier) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if got := ComputePayloadHash(r); got != r.PayloadHash {
		return breakAt(r.Sequence, "payloadHash mismatch: stored %s, computed %s", r.PayloadHash, got)
	}
	if v != nil {
		payload, err := SigningPayload(r)
		if err != nil {
			return err
		}
		sig, err := decodeSignature(r.Signature)
		if err != nil {
			return breakAt(r.Sequence, "signature not decodable: %v", err)
		}
		if !v.Verify(r.SignerKeyID, payload, sig) {
			return breakAt(r.Sequence, "signature does not verify against key %s", r.SignerKeyID)
		}
	}
	return nil
}

// VerifyChain replays a room's receipts in order and returns the first
// break: sequence gaps, hash-link mismatches, window discontinuities,
// payload hash mismatches, or signature failures. receipts must start at
// the room's genesis (sequence 0). An empty chain verifies trivially.
func VerifyChain(receipts []Receipt, v Verifier) error {
	for i, r := range receipts {
		if err := VerifyReceipt(r, v); err != nil {
			return err
		}
		if r.Sequence != uint64(i) {
			return breakAt(r.Sequence, "sequence %d at position %d, want %d", r.Sequence, i, i)
		}
		if i == 0 {
			if r.PrevReceiptHash != GenesisPrevHash {
				return breakAt(r.Sequence, "genesis receipt must anchor to the zero hash")
			}
			continue
		}
		prev := receipts[i-1]
		if r.RoomID != prev.RoomID {
			return breakAt(r.Sequence, "roomId changed mid-chain: %s -> %s", prev.RoomID, r.RoomID)
		}
		want, err := ChainHash(prev)
		if err != nil {
			return err
		}
		if r.PrevReceiptHash != want {
			return breakAt(r.Sequence, "prevReceiptHash mismatch: stored %s, want %s", r.PrevReceiptHash, want)
		}
		if err := checkWindowContinuity(prev, r); err != nil {
			return err
		}
	}
	return nil
}

// checkWindowContinuity enforces next.windowStart == prev.windowEnd,
// except between parts of a split window, which share both bounds.
func checkWindowContinuity(prev, next Receipt) error {
	if next.WindowStart == prev.WindowEnd {
		return nil
	}
	sameWindow := next.WindowStart == prev.WindowStart &&
		next.WindowEnd == prev.WindowEnd &&
		next.SplitOfWindow == next.WindowStart &&
		prev.SplitOfWindow == prev.WindowStart
	if !sameWindow {
		return breakAt(next.Sequence, "window discontinuity: prev [%d,%d) split=%d, next [%d,%d) split=%d",
			prev.WindowStart, prev.WindowEnd, prev.SplitOfWindow,
			next.WindowStart, next.WindowEnd, next.SplitOfWindow)
	}
	return nil
}

func decodeSignature(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func encodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}
