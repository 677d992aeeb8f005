// SPDX-License-Identifier: MIT

// Package receipt implements the proof-of-distribution chain: the wire
// envelope, its canonical byte form, hashing and chain verification, the
// windowing engine, and the JSONL archive exporter. Receipts are
// append-only per room; sequence numbers are contiguous and every
// receipt links to its predecessor by hash.
package receipt

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Entry is one (participant, track) egress aggregate inside a window.
type Entry struct {
	ParticipantID string `json:"participantId"`
	TrackID       string `json:"trackId"`
	BytesOut      uint64 `json:"bytesOut"`
}

// Receipt is the signed record of egress bytes over one window. Field
// order in the canonical form is fixed: receiptId, roomId, sequence,
// windowStart, windowEnd, splitOfWindow, entries, prevReceiptHash,
// payloadHash, signerKeyId, signature. splitOfWindow is zero for whole
// windows and equals windowStart for every part of a split window.
type Receipt struct {
	ReceiptID       string  `json:"receiptId"`
	RoomID          string  `json:"roomId"`
	Sequence        uint64  `json:"sequence"`
	WindowStart     uint64  `json:"windowStart"`
	WindowEnd       uint64  `json:"windowEnd"`
	SplitOfWindow   uint64  `json:"splitOfWindow"`
	Entries         []Entry `json:"entries"`
	PrevReceiptHash string  `json:"prevReceiptHash"`
	PayloadHash     string  `json:"payloadHash"`
	SignerKeyID     string  `json:"signerKeyId"`
	Signature       string  `json:"signature"`
}

// GenesisPrevHash anchors sequence 0 of every room chain.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ComputePayloadHash hashes the canonical serialization of all fields
// preceding payloadHash in the envelope order.
func ComputePayloadHash(r Receipt) string {
	sum := sha256.Sum256(payloadPreimage(r))
	return hex.EncodeToString(sum[:])
}

// ChainHash derives the value the NEXT receipt must carry as
// prevReceiptHash: H(payloadHash ∥ signature) over the decoded bytes.
func ChainHash(r Receipt) (string, error) {
	ph, err := hex.DecodeString(r.PayloadHash)
	if err != nil || len(ph) != sha256.Size {
		return "", fmt.Errorf("receipt %s: malformed payloadHash", r.ReceiptID)
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return "", fmt.Errorf("receipt %s: malformed signature", r.ReceiptID)
	}
	h := sha256.New()
	h.Write(ph)
	h.Write(sig)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Validate checks envelope-local invariants: window shape, hash and
// signature encodings, and entry ordering. Chain-level invariants are
// VerifyChain's job.
func (r Receipt) Validate() error {
	if r.ReceiptID == "" {
		return fmt.Errorf("receipt: empty receiptId")
	}
	if r.RoomID == "" {
		return fmt.Errorf("receipt %s: empty roomId", r.ReceiptID)
	}
	if r.WindowEnd <= r.WindowStart {
		return fmt.Errorf("receipt %s: windowEnd %d <= windowStart %d", r.ReceiptID, r.WindowEnd, r.WindowStart)
	}
	if r.SplitOfWindow != 0 && r.SplitOfWindow != r.WindowStart {
		return fmt.Errorf("receipt %s: splitOfWindow %d != windowStart %d", r.ReceiptID, r.SplitOfWindow, r.WindowStart)
	}
	if !isLowerHex32(r.PrevReceiptHash) {
		return fmt.Errorf("receipt %s: prevReceiptHash is not 32-byte lowercase hex", r.ReceiptID)
	}
	if !isLowerHex32(r.PayloadHash) {
		return fmt.Errorf("receipt %s: payloadHash is not 32-byte lowercase hex", r.ReceiptID)
	}
	if _, err := base64.StdEncoding.DecodeString(r.Signature); err != nil {
		return fmt.Errorf("receipt %s: signature is not base64: %w", r.ReceiptID, err)
	}
	for i, e := range r.Entries {
		if e.ParticipantID == "" || e.TrackID == "" {
			return fmt.Errorf("receipt %s: entry %d has empty identifier", r.ReceiptID, i)
		}
		if e.BytesOut == 0 {
			return fmt.Errorf("receipt %s: entry %d has zero bytesOut", r.ReceiptID, i)
		}
		if i > 0 && !entryLess(r.Entries[i-1], e) {
			return fmt.Errorf("receipt %s: entries not strictly sorted at %d", r.ReceiptID, i)
		}
	}
	return nil
}

func entryLess(a, b Entry) bool {
	if a.ParticipantID != b.ParticipantID {
		return a.ParticipantID < b.ParticipantID
	}
	return a.TrackID < b.TrackID
}

func isLowerHex32(s string) bool {
	if len(s) != 2*sha256.Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
