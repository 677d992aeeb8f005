// SPDX-License-Identifier: MIT
package rewards

import (
	"math/big"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/receipt"
)

func receiptWith(entries ...receipt.Entry) receipt.Receipt {
	return receipt.Receipt{
		ReceiptID:   "rcpt-1",
		RoomID:      "room-1",
		WindowStart: 0,
		WindowEnd:   10_000_000_000,
		Entries:     entries,
	}
}

func TestSinglePublisherSingleSubscriber(t *testing.T) {
	// One track, one seeder: 70/30 of the whole reward.
	rcpts := []receipt.Receipt{receiptWith(
		receipt.Entry{ParticipantID: "bob", TrackID: "T1", BytesOut: 1_000_000},
	)}
	meta := map[string]TrackMeta{"T1": {TrackID: "T1", ContributorID: "alice"}}

	res, err := Calculate(rcpts, meta, DefaultPolicy(big.NewRat(100, 1)))
	require.NoError(t, err)
	require.Len(t, res.Shares, 2)
	assert.Empty(t, res.Diagnostics)

	require.Equal(t, "alice", res.Shares[0].ParticipantID)
	assert.Equal(t, ReasonUploader, res.Shares[0].Reason)
	assert.Equal(t, 0, res.Shares[0].Amount.Cmp(big.NewRat(70, 1)))

	require.Equal(t, "bob", res.Shares[1].ParticipantID)
	assert.Equal(t, ReasonSeeder, res.Shares[1].Reason)
	assert.Equal(t, 0, res.Shares[1].Amount.Cmp(big.NewRat(30, 1)))

	assert.Equal(t, 0, Sum(res.Shares).Cmp(big.NewRat(100, 1)))
}

func TestSharesSumToTotalReward(t *testing.T) {
	// Awkward byte counts that do not divide evenly; the rational sum
	// must still be exact.
	rcpts := []receipt.Receipt{receiptWith(
		receipt.Entry{ParticipantID: "bob", TrackID: "T1", BytesOut: 7},
		receipt.Entry{ParticipantID: "carol", TrackID: "T1", BytesOut: 11},
		receipt.Entry{ParticipantID: "bob", TrackID: "T2", BytesOut: 13},
		receipt.Entry{ParticipantID: "dave", TrackID: "T3", BytesOut: 1},
	)}
	meta := map[string]TrackMeta{
		"T1": {TrackID: "T1", ContributorID: "alice"},
		"T2": {TrackID: "T2", ContributorID: "carol"},
		"T3": {TrackID: "T3", ContributorID: "alice"},
	}
	total := big.NewRat(997, 3)
	res, err := Calculate(rcpts, meta, DefaultPolicy(total))
	require.NoError(t, err)
	assert.Equal(t, 0, Sum(res.Shares).Cmp(total))
}

func TestUploaderWhoAlsoSeedsGetsBothShares(t *testing.T) {
	rcpts := []receipt.Receipt{receiptWith(
		receipt.Entry{ParticipantID: "alice", TrackID: "T1", BytesOut: 500},
		receipt.Entry{ParticipantID: "bob", TrackID: "T1", BytesOut: 500},
	)}
	meta := map[string]TrackMeta{"T1": {TrackID: "T1", ContributorID: "alice"}}

	res, err := Calculate(rcpts, meta, DefaultPolicy(big.NewRat(100, 1)))
	require.NoError(t, err)
	require.Len(t, res.Shares, 3)

	// Sorted by (participant, reason, track): alice SEEDER, alice
	// UPLOADER, bob SEEDER.
	assert.Equal(t, ReasonSeeder, res.Shares[0].Reason)
	assert.Equal(t, "alice", res.Shares[0].ParticipantID)
	assert.Equal(t, 0, res.Shares[0].Amount.Cmp(big.NewRat(15, 1)))
	assert.Equal(t, ReasonUploader, res.Shares[1].Reason)
	assert.Equal(t, "alice", res.Shares[1].ParticipantID)
	assert.Equal(t, 0, res.Shares[1].Amount.Cmp(big.NewRat(70, 1)))
	assert.Equal(t, "bob", res.Shares[2].ParticipantID)
	assert.Equal(t, 0, res.Shares[2].Amount.Cmp(big.NewRat(15, 1)))
}

func TestMissingTrackMetadataDiscardsTrack(t *testing.T) {
	rcpts := []receipt.Receipt{receiptWith(
		receipt.Entry{ParticipantID: "bob", TrackID: "T1", BytesOut: 100},
		receipt.Entry{ParticipantID: "bob", TrackID: "T9", BytesOut: 100},
	)}
	meta := map[string]TrackMeta{"T1": {TrackID: "T1", ContributorID: "alice"}}

	res, err := Calculate(rcpts, meta, DefaultPolicy(big.NewRat(10, 1)))
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, model.DiagMissingTrackMetadata, res.Diagnostics[0].Kind)
	assert.Equal(t, "T9", res.Diagnostics[0].TrackID)

	// T1 receives the whole reward; T9 is discarded.
	assert.Equal(t, 0, Sum(res.Shares).Cmp(big.NewRat(10, 1)))
	for _, s := range res.Shares {
		assert.Equal(t, "T1", s.TrackID)
	}
}

func TestDustCoalescesIntoUploader(t *testing.T) {
	rcpts := []receipt.Receipt{receiptWith(
		receipt.Entry{ParticipantID: "big", TrackID: "T1", BytesOut: 999_999},
		receipt.Entry{ParticipantID: "tiny", TrackID: "T1", BytesOut: 1},
	)}
	meta := map[string]TrackMeta{"T1": {TrackID: "T1", ContributorID: "alice"}}

	pol := DefaultPolicy(big.NewRat(100, 1))
	pol.MinShareEpsilon = big.NewRat(1, 1000) // tiny's seeder share is 3e-5
	res, err := Calculate(rcpts, meta, pol)
	require.NoError(t, err)

	for _, s := range res.Shares {
		assert.NotEqual(t, "tiny", s.ParticipantID, "dust share must be coalesced")
	}
	// Conservation still holds: dust lands on the uploader.
	assert.Equal(t, 0, Sum(res.Shares).Cmp(big.NewRat(100, 1)))
}

func TestEmptyInputYieldsNoShares(t *testing.T) {
	res, err := Calculate(nil, nil, DefaultPolicy(big.NewRat(50, 1)))
	require.NoError(t, err)
	assert.Empty(t, res.Shares)
	assert.Empty(t, res.Diagnostics)
}

func TestDeterministicAcrossEntryOrder(t *testing.T) {
	fwd := []receipt.Receipt{receiptWith(
		receipt.Entry{ParticipantID: "a", TrackID: "T1", BytesOut: 10},
		receipt.Entry{ParticipantID: "b", TrackID: "T2", BytesOut: 20},
		receipt.Entry{ParticipantID: "c", TrackID: "T1", BytesOut: 30},
	)}
	rev := []receipt.Receipt{receiptWith(
		receipt.Entry{ParticipantID: "c", TrackID: "T1", BytesOut: 30},
		receipt.Entry{ParticipantID: "b", TrackID: "T2", BytesOut: 20},
		receipt.Entry{ParticipantID: "a", TrackID: "T1", BytesOut: 10},
	)}
	meta := map[string]TrackMeta{
		"T1": {TrackID: "T1", ContributorID: "u1"},
		"T2": {TrackID: "T2", ContributorID: "u2"},
	}
	r1, err := Calculate(fwd, meta, DefaultPolicy(big.NewRat(90, 1)))
	require.NoError(t, err)
	r2, err := Calculate(rev, meta, DefaultPolicy(big.NewRat(90, 1)))
	require.NoError(t, err)

	require.Equal(t, len(r1.Shares), len(r2.Shares))
	for i := range r1.Shares {
		if diff := cmp.Diff(r1.Shares[i].ParticipantID, r2.Shares[i].ParticipantID); diff != "" {
			t.Fatalf("share %d participant mismatch: %s", i, diff)
		}
		assert.Equal(t, 0, r1.Shares[i].Amount.Cmp(r2.Shares[i].Amount), "share %d amount", i)
	}
}

func TestPolicyValidation(t *testing.T) {
	base := func() Policy { return DefaultPolicy(big.NewRat(1, 1)) }

	p := base()
	p.UploaderFraction = big.NewRat(3, 2)
	_, err := Calculate(nil, nil, p)
	assert.Error(t, err)

	p = base()
	p.TotalReward = big.NewRat(-1, 1)
	_, err = Calculate(nil, nil, p)
	assert.Error(t, err)

	p = base()
	p.MinShareEpsilon = big.NewRat(-1, 10)
	_, err = Calculate(nil, nil, p)
	assert.Error(t, err)

	_, err = Calculate(nil, nil, Policy{})
	assert.Error(t, err)
}
