// SPDX-License-Identifier: MIT

// Package rewards turns a set of distribution receipts into provisional
// per-participant share allocations. Calculate is pure: exact rational
// arithmetic, no clocks, no randomness, no I/O. Independent verifiers
// reproduce the output from the same receipts, track metadata, and
// policy.
package rewards

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/receipt"
)

// Reason tags why a participant earned a share.
type Reason string

const (
	ReasonUploader Reason = "UPLOADER"
	ReasonSeeder   Reason = "SEEDER"
)

// Share is one provisional allocation. Amount is exact; settlement
// rounding is a downstream concern.
type Share struct {
	ParticipantID string
	Reason        Reason
	TrackID       string
	Amount        *big.Rat
}

// TrackMeta is the active-track metadata the calculator needs to
// attribute uploader shares. Supplied alongside receipts.
type TrackMeta struct {
	TrackID       string
	ContributorID string
}

// Diagnostic is a non-fatal condition raised during a calculation.
type Diagnostic struct {
	Kind    model.DiagnosticKind
	TrackID string
}

// Policy enumerates every parameter of a calculation. There are no
// hidden defaults: zero-value fields fail validation.
type Policy struct {
	// UploaderFraction of each track pool goes to the uploader; the
	// remainder is shared among seeders proportional to bytes served.
	UploaderFraction *big.Rat
	// TotalReward is the amount distributed across the input receipts.
	TotalReward *big.Rat
	// MinShareEpsilon coalesces shares strictly below it into the
	// uploader share of the same track. Zero disables coalescing.
	MinShareEpsilon *big.Rat
}

// DefaultPolicy returns the documented defaults: 0.7 uploader, 0.3
// seeder, no dust threshold. The caller still supplies TotalReward.
func DefaultPolicy(totalReward *big.Rat) Policy {
	return Policy{
		UploaderFraction: big.NewRat(7, 10),
		TotalReward:      totalReward,
		MinShareEpsilon:  new(big.Rat),
	}
}

// SeederFraction derives 1 - UploaderFraction.
func (p Policy) SeederFraction() *big.Rat {
	return new(big.Rat).Sub(big.NewRat(1, 1), p.UploaderFraction)
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.UploaderFraction == nil || p.TotalReward == nil || p.MinShareEpsilon == nil {
		return fmt.Errorf("rewards: policy fields must all be set")
	}
	if p.UploaderFraction.Sign() < 0 || p.UploaderFraction.Cmp(big.NewRat(1, 1)) > 0 {
		return fmt.Errorf("rewards: uploaderFraction %s outside [0,1]", p.UploaderFraction.RatString())
	}
	if p.TotalReward.Sign() < 0 {
		return fmt.Errorf("rewards: totalReward %s is negative", p.TotalReward.RatString())
	}
	if p.MinShareEpsilon.Sign() < 0 {
		return fmt.Errorf("rewards: minShareEpsilon %s is negative", p.MinShareEpsilon.RatString())
	}
	return nil
}

// Result is the outcome of one calculation.
type Result struct {
	Shares      []Share
	Diagnostics []Diagnostic
}

type trackTally struct {
	trackID    string
	uploaderID string
	total      *big.Rat
	bySeeder   map[string]*big.Rat // participantID -> bytesOut
}

// Calculate allocates policy.TotalReward across the participants named
// in the receipts. Tracks without metadata are discarded with a
// missing-track-metadata diagnostic. With MinShareEpsilon zero, the
// returned shares sum exactly to TotalReward whenever any bytes were
// served.
func Calculate(receipts []receipt.Receipt, meta map[string]TrackMeta, policy Policy) (Result, error) {
	if err := policy.Validate(); err != nil {
		return Result{}, err
	}

	tallies := make(map[string]*trackTally)
	var diags []Diagnostic
	missing := make(map[string]struct{})

	for _, r := range receipts {
		for _, e := range r.Entries {
			m, ok := meta[e.TrackID]
			if !ok {
				if _, seen := missing[e.TrackID]; !seen {
					missing[e.TrackID] = struct{}{}
					diags = append(diags, Diagnostic{Kind: model.DiagMissingTrackMetadata, TrackID: e.TrackID})
				}
				continue
			}
			t := tallies[e.TrackID]
			if t == nil {
				t = &trackTally{
					trackID:    e.TrackID,
					uploaderID: m.ContributorID,
					total:      new(big.Rat),
					bySeeder:   make(map[string]*big.Rat),
				}
				tallies[e.TrackID] = t
			}
			bytes := new(big.Rat).SetUint64(e.BytesOut)
			t.total.Add(t.total, bytes)
			if prev, ok := t.bySeeder[e.ParticipantID]; ok {
				prev.Add(prev, bytes)
			} else {
				t.bySeeder[e.ParticipantID] = bytes
			}
		}
	}

	sort.Slice(diags, func(i, j int) bool { return diags[i].TrackID < diags[j].TrackID })

	grandTotal := new(big.Rat)
	for _, t := range tallies {
		grandTotal.Add(grandTotal, t.total)
	}
	if grandTotal.Sign() == 0 {
		return Result{Diagnostics: diags}, nil
	}

	trackIDs := make([]string, 0, len(tallies))
	for id := range tallies {
		trackIDs = append(trackIDs, id)
	}
	sort.Strings(trackIDs)

	seederFrac := policy.SeederFraction()
	var shares []Share
	for _, id := range trackIDs {
		t := tallies[id]
		pool := new(big.Rat).Mul(policy.TotalReward, new(big.Rat).Quo(t.total, grandTotal))
		uploaderShare := new(big.Rat).Mul(policy.UploaderFraction, pool)
		seederPool := new(big.Rat).Mul(seederFrac, pool)

		seederIDs := make([]string, 0, len(t.bySeeder))
		for pid := range t.bySeeder {
			seederIDs = append(seederIDs, pid)
		}
		sort.Strings(seederIDs)

		dust := new(big.Rat)
		for _, pid := range seederIDs {
			amount := new(big.Rat).Mul(seederPool, new(big.Rat).Quo(t.bySeeder[pid], t.total))
			if amount.Sign() == 0 {
				continue
			}
			if policy.MinShareEpsilon.Sign() > 0 && amount.Cmp(policy.MinShareEpsilon) < 0 {
				dust.Add(dust, amount)
				continue
			}
			shares = append(shares, Share{ParticipantID: pid, Reason: ReasonSeeder, TrackID: id, Amount: amount})
		}

		uploaderShare.Add(uploaderShare, dust)
		if uploaderShare.Sign() > 0 {
			shares = append(shares, Share{ParticipantID: t.uploaderID, Reason: ReasonUploader, TrackID: id, Amount: uploaderShare})
		}
	}

	sort.SliceStable(shares, func(i, j int) bool {
		a, b := shares[i], shares[j]
		if a.ParticipantID != b.ParticipantID {
			return a.ParticipantID < b.ParticipantID
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.TrackID < b.TrackID
	})
	return Result{Shares: shares, Diagnostics: diags}, nil
}

// Sum adds all share amounts, for auditing the conservation property.
func Sum(shares []Share) *big.Rat {
	total := new(big.Rat)
	for _, s := range shares {
		total.Add(total, s.Amount)
	}
	return total
}
