// SPDX-License-Identifier: MIT
package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Canonicalization rules, binding for signature reproducibility:
// fixed field order, integers as unquoted decimals, strings
// NFC-normalized UTF-8 with minimal escaping ('"', '\\', and control
// characters as \u00xx), arrays in sorted order, no whitespace, no
// field ever omitted.

// CanonicalBytes renders the full envelope in canonical form. The
// result parses as JSON, but only this exact byte sequence is the
// canonical form of the receipt.
func CanonicalBytes(r Receipt) []byte {
	var b bytes.Buffer
	b.Grow(256 + 96*len(r.Entries))
	b.WriteByte('{')
	writeStringField(&b, "receiptId", r.ReceiptID)
	b.WriteByte(',')
	writeStringField(&b, "roomId", r.RoomID)
	b.WriteByte(',')
	writeUintField(&b, "sequence", r.Sequence)
	b.WriteByte(',')
	writeUintField(&b, "windowStart", r.WindowStart)
	b.WriteByte(',')
	writeUintField(&b, "windowEnd", r.WindowEnd)
	b.WriteByte(',')
	writeUintField(&b, "splitOfWindow", r.SplitOfWindow)
	b.WriteByte(',')
	writeEntries(&b, r.Entries)
	b.WriteByte(',')
	writeStringField(&b, "prevReceiptHash", r.PrevReceiptHash)
	b.WriteByte(',')
	writeStringField(&b, "payloadHash", r.PayloadHash)
	b.WriteByte(',')
	writeStringField(&b, "signerKeyId", r.SignerKeyID)
	b.WriteByte(',')
	writeStringField(&b, "signature", r.Signature)
	b.WriteByte('}')
	return b.Bytes()
}

// payloadPreimage renders the fields preceding payloadHash, in order.
// This is the byte sequence payloadHash commits to.
func payloadPreimage(r Receipt) []byte {
	var b bytes.Buffer
	b.Grow(192 + 96*len(r.Entries))
	b.WriteByte('{')
	writeStringField(&b, "receiptId", r.ReceiptID)
	b.WriteByte(',')
	writeStringField(&b, "roomId", r.RoomID)
	b.WriteByte(',')
	writeUintField(&b, "sequence", r.Sequence)
	b.WriteByte(',')
	writeUintField(&b, "windowStart", r.WindowStart)
	b.WriteByte(',')
	writeUintField(&b, "windowEnd", r.WindowEnd)
	b.WriteByte(',')
	writeUintField(&b, "splitOfWindow", r.SplitOfWindow)
	b.WriteByte(',')
	writeEntries(&b, r.Entries)
	b.WriteByte(',')
	writeStringField(&b, "prevReceiptHash", r.PrevReceiptHash)
	b.WriteByte('}')
	return b.Bytes()
}

func writeEntries(b *bytes.Buffer, entries []Entry) {
	b.WriteString(`"entries":[`)
	for i, e := range entries {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('{')
		writeStringField(b, "participantId", e.ParticipantID)
		b.WriteByte(',')
		writeStringField(b, "trackId", e.TrackID)
		b.WriteByte(',')
		writeUintField(b, "bytesOut", e.BytesOut)
		b.WriteByte('}')
	}
	b.WriteByte(']')
}

func writeUintField(b *bytes.Buffer, name string, v uint64) {
	b.WriteByte('"')
	b.WriteString(name)
	b.WriteString(`":`)
	b.Write(strconv.AppendUint(nil, v, 10))
}

func writeStringField(b *bytes.Buffer, name, v string) {
	b.WriteByte('"')
	b.WriteString(name)
	b.WriteString(`":`)
	writeCanonicalString(b, v)
}

func writeCanonicalString(b *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			b.WriteString(`\"`)
		case c == '\\':
			b.WriteString(`\\`)
		case c < 0x20:
			b.WriteString(`\u00`)
			const hexdigits = "0123456789abcdef"
			b.WriteByte(hexdigits[c>>4])
			b.WriteByte(hexdigits[c&0xf])
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// Normalize returns the receipt with every string field NFC-normalized.
// The engine normalizes at composition time so stored receipts and their
// canonical bytes agree without re-normalization.
func Normalize(r Receipt) Receipt {
	r.ReceiptID = norm.NFC.String(r.ReceiptID)
	r.RoomID = norm.NFC.String(r.RoomID)
	r.PrevReceiptHash = norm.NFC.String(r.PrevReceiptHash)
	r.PayloadHash = norm.NFC.String(r.PayloadHash)
	r.SignerKeyID = norm.NFC.String(r.SignerKeyID)
	r.Signature = norm.NFC.String(r.Signature)
	for i := range r.Entries {
		r.Entries[i].ParticipantID = norm.NFC.String(r.Entries[i].ParticipantID)
		r.Entries[i].TrackID = norm.NFC.String(r.Entries[i].TrackID)
	}
	return r
}

// Parse decodes canonical bytes back into a Receipt. It rejects input
// that is not in canonical form: re-serializing the parsed receipt must
// reproduce the input bit for bit.
func Parse(data []byte) (Receipt, error) {
	var r Receipt
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return Receipt{}, fmt.Errorf("receipt: parse: %w", err)
	}
	if dec.More() {
		return Receipt{}, fmt.Errorf("receipt: parse: trailing data")
	}
	if r.Entries == nil {
		r.Entries = []Entry{}
	}
	if canonical := CanonicalBytes(r); !bytes.Equal(canonical, data) {
		return Receipt{}, fmt.Errorf("receipt: input is not in canonical form")
	}
	return r, nil
}
