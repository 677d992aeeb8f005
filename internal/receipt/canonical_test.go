// SPDX-License-Identifier: MIT
package receipt

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

// sampleReceipt returns a fully populated, canonical-ready receipt. The
// payload hash is computed, the signature is a placeholder (the codec
// does not interpret it).
func sampleReceipt() Receipt {
	r := Receipt{
		ReceiptID:       "rcpt-0001",
		RoomID:          "room-abc",
		Sequence:        7,
		WindowStart:     1000,
		WindowEnd:       2000,
		SplitOfWindow:   0,
		Entries: []Entry{
			{ParticipantID: "alice", TrackID: "trk-1", BytesOut: 1000000},
			{ParticipantID: "bob", TrackID: "trk-1", BytesOut: 42},
		},
		PrevReceiptHash: strings.Repeat("ab", 32),
		SignerKeyID:     "key-1",
		Signature:       base64.StdEncoding.EncodeToString([]byte("sig")),
	}
	r.PayloadHash = ComputePayloadHash(r)
	return r
}

func TestCanonicalBytesGolden(t *testing.T) {
	r := sampleReceipt()
	want := `{"receiptId":"rcpt-0001","roomId":"room-abc","sequence":7,` +
		`"windowStart":1000,"windowEnd":2000,"splitOfWindow":0,` +
		`"entries":[{"participantId":"alice","trackId":"trk-1","bytesOut":1000000},` +
		`{"participantId":"bob","trackId":"trk-1","bytesOut":42}],` +
		`"prevReceiptHash":"` + strings.Repeat("ab", 32) + `",` +
		`"payloadHash":"` + r.PayloadHash + `",` +
		`"signerKeyId":"key-1","signature":"` + r.Signature + `"}`
	if got := string(CanonicalBytes(r)); got != want {
		t.Fatalf("canonical form drifted:\n got: %s\nwant: %s", got, want)
	}
}

func TestPayloadHashCommitsToPriorFields(t *testing.T) {
	r := sampleReceipt()
	want := sha256.Sum256(payloadPreimage(r))
	if r.PayloadHash != hex.EncodeToString(want[:]) {
		t.Fatal("ComputePayloadHash must hash the canonical preimage")
	}

	// Any prior field changes the hash; the signature does not.
	mutated := r
	mutated.Sequence++
	if ComputePayloadHash(mutated) == r.PayloadHash {
		t.Fatal("sequence change must change payloadHash")
	}
	mutated = r
	mutated.Entries = append([]Entry(nil), r.Entries...)
	mutated.Entries[0].BytesOut++
	if ComputePayloadHash(mutated) == r.PayloadHash {
		t.Fatal("entry change must change payloadHash")
	}
	mutated = r
	mutated.Signature = base64.StdEncoding.EncodeToString([]byte("other"))
	if ComputePayloadHash(mutated) != r.PayloadHash {
		t.Fatal("signature must not feed payloadHash")
	}
}

func TestRoundTripBitExact(t *testing.T) {
	for _, r := range []Receipt{
		sampleReceipt(),
		func() Receipt { // empty window
			r := Receipt{
				ReceiptID:       "rcpt-empty",
				RoomID:          "room-abc",
				Sequence:        0,
				WindowStart:     5,
				WindowEnd:       6,
				Entries:         []Entry{},
				PrevReceiptHash: GenesisPrevHash,
				SignerKeyID:     "key-1",
				Signature:       "",
			}
			r.PayloadHash = ComputePayloadHash(r)
			return r
		}(),
	} {
		data := CanonicalBytes(r)
		parsed, err := Parse(data)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if again := CanonicalBytes(parsed); !bytes.Equal(again, data) {
			t.Fatalf("round trip not bit-exact:\n in: %s\nout: %s", data, again)
		}
	}
}

func TestParseRejectsNonCanonicalInput(t *testing.T) {
	r := sampleReceipt()
	canonical := string(CanonicalBytes(r))

	bad := []string{
		" " + canonical,                     // leading whitespace
		strings.Replace(canonical, ",", ", ", 1), // interior whitespace
		strings.Replace(canonical, `"sequence":7`, `"sequence": 7`, 1),
		canonical + "\n",                    // trailing data
		strings.Replace(canonical, `"roomId"`, `"roomID"`, 1), // unknown field
	}
	for i, in := range bad {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("case %d: non-canonical input must be rejected", i)
		}
	}

	if _, err := Parse([]byte(canonical)); err != nil {
		t.Fatalf("canonical input must parse: %v", err)
	}
}

func TestCanonicalStringEscaping(t *testing.T) {
	r := sampleReceipt()
	r.RoomID = "room\"with\\tricky\x01chars"
	data := CanonicalBytes(r)
	if !bytes.Contains(data, []byte(`room\"with\\trickychars`)) {
		t.Fatalf("escaping drifted: %s", data)
	}
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("escaped receipt must parse: %v", err)
	}
	if parsed.RoomID != r.RoomID {
		t.Fatalf("RoomID = %q, want %q", parsed.RoomID, r.RoomID)
	}
}

func TestNFCNormalizationUnifiesEquivalentStrings(t *testing.T) {
	composed := "café"          // é as single rune
	decomposed := "café"       // e + combining acute
	a := sampleReceipt()
	a.Entries = []Entry{{ParticipantID: composed, TrackID: "trk-1", BytesOut: 1}}
	b := sampleReceipt()
	b.Entries = []Entry{{ParticipantID: decomposed, TrackID: "trk-1", BytesOut: 1}}

	if !bytes.Equal(payloadPreimage(a), payloadPreimage(b)) {
		t.Fatal("NFC-equivalent strings must canonicalize identically")
	}
	if ComputePayloadHash(a) != ComputePayloadHash(b) {
		t.Fatal("payload hashes must agree across NFC forms")
	}
}

func TestNormalizeAppliesNFC(t *testing.T) {
	r := sampleReceipt()
	r.Entries = []Entry{{ParticipantID: "café", TrackID: "trk-1", BytesOut: 1}}
	n := Normalize(r)
	if n.Entries[0].ParticipantID != "café" {
		t.Fatalf("ParticipantID = %q, want composed form", n.Entries[0].ParticipantID)
	}
	// Normalize then serialize equals serialize directly.
	if !bytes.Equal(CanonicalBytes(n), CanonicalBytes(r)) {
		t.Fatal("Normalize must not change canonical bytes")
	}
}
