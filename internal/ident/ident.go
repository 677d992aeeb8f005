// SPDX-License-Identifier: MIT

// Package ident mints the opaque identifiers used across rooms, sessions,
// tracks, candidates, and receipts. IDs carry a short kind prefix so logs
// and stored artifacts stay greppable; consumers treat them as opaque.
package ident

import (
	"strings"

	"github.com/google/uuid"
)

// Kind selects the prefix of a minted identifier.
type Kind string

const (
	KindRoom      Kind = "room"
	KindSession   Kind = "sess"
	KindTrack     Kind = "trk"
	KindCandidate Kind = "cand"
	KindReceipt   Kind = "rcpt"
)

// New mints a process-unique, collision-resistant identifier of the given
// kind, e.g. "trk-1b4e28ba-2fa1-11d2-883f-0016d3cca427".
func New(kind Kind) string {
	return string(kind) + "-" + uuid.New().String()
}

// KindOf reports the kind prefix of an identifier, or "" when the value
// does not look like a minted ID. Collaborator-supplied IDs (participant
// DIDs, CIDs) legitimately return "".
func KindOf(id string) Kind {
	i := strings.IndexByte(id, '-')
	if i <= 0 {
		return ""
	}
	switch k := Kind(id[:i]); k {
	case KindRoom, KindSession, KindTrack, KindCandidate, KindReceipt:
		return k
	}
	return ""
}

// maxOpaqueIDLen bounds collaborator-supplied identifiers (DIDs, CIDs,
// room names) before they enter logs, metrics labels, or store keys.
const maxOpaqueIDLen = 256

// ValidOpaque reports whether a collaborator-supplied identifier is
// acceptable: non-empty, within length bounds, and free of control
// characters. Uniqueness and semantic well-formedness stay with the
// collaborator.
func ValidOpaque(id string) bool {
	if id == "" || len(id) > maxOpaqueIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] == 0x7f {
			return false
		}
	}
	return true
}
