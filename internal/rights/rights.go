// SPDX-License-Identifier: MIT

// Package rights models the license category attached to a track and the
// predicates that gate distribution and directory publication. Rights are
// immutable once frozen onto an active track.
package rights

import "fmt"

// License is the rights category of a track.
// Keep these stable: receipts, audit records, and stored queue state
// serialize them as-is.
type License string

const (
	LicenseOriginal License = "ORIGINAL"
	LicenseCC       License = "CC"
	LicenseLicensed License = "LICENSED"
)

// Valid reports whether l is one of the enumerated license kinds.
func (l License) Valid() bool {
	switch l {
	case LicenseOriginal, LicenseCC, LicenseLicensed:
		return true
	}
	return false
}

// Parse converts a stored or collaborator-supplied string into a License.
func Parse(s string) (License, error) {
	l := License(s)
	if !l.Valid() {
		return "", fmt.Errorf("rights: unknown license %q", s)
	}
	return l, nil
}

// Capability is an out-of-band token attached to a session by the room
// owner. The core only interprets CapLicenseAck.
type Capability string

// CapLicenseAck marks a destination session as having acknowledged the
// license terms of LICENSED content.
const CapLicenseAck Capability = "license_ack"

// CapabilitySet is the set of capability tokens a session carries.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given tokens.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether the set carries c. A nil set carries nothing.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Destination is the subscriber-side view the distribution gate needs.
type Destination interface {
	Has(Capability) bool
}

// MayPublishToDirectory reports whether a track under l may be announced
// to the public directory. LICENSED content never appears there.
func MayPublishToDirectory(l License) bool {
	return l == LicenseOriginal || l == LicenseCC
}

// MayDistribute reports whether a track under l may be forwarded to dst.
// Any in-room subscriber qualifies, except LICENSED content which
// requires the destination to carry a license_ack capability.
func MayDistribute(l License, dst Destination) bool {
	if l == LicenseLicensed {
		return dst != nil && dst.Has(CapLicenseAck)
	}
	return true
}

// AllowedByPolicy reports whether a candidate under l may be promoted in
// a room whose licensedAllowed policy is the given flag.
func AllowedByPolicy(l License, licensedAllowed bool) bool {
	return l != LicenseLicensed || licensedAllowed
}
