// SPDX-License-Identifier: MIT
package forward

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofcast/proofcast/internal/clock"
	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/domain/room/ports"
	"github.com/proofcast/proofcast/internal/meter"
	"github.com/proofcast/proofcast/internal/rights"
)

type sentPacket struct {
	sessionID string
	pkt       ports.Packet
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (t *fakeTransport) Send(ctx context.Context, sessionID string, pkt ports.Packet) error {
	t.mu.Lock()
	t.sent = append(t.sent, sentPacket{sessionID: sessionID, pkt: pkt})
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) sentTo(sessionID string) []ports.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ports.Packet
	for _, s := range t.sent {
		if s.sessionID == sessionID {
			out = append(out, s.pkt)
		}
	}
	return out
}

func simulcastTrack(trackID string, startedAt uint64) model.ActiveTrack {
	return model.ActiveTrack{
		TrackID:       trackID,
		RoomID:        "room-1",
		CID:           "cid-" + trackID,
		ContributorID: "did:alice",
		Rights:        rights.LicenseOriginal,
		Codec: model.CodecDescriptor{
			Codec: "av1",
			Layers: []model.SimulcastLayer{
				{LayerID: "hi", BitrateBps: 3_000_000},
				{LayerID: "mid", BitrateBps: 1_500_000},
				{LayerID: "lo", BitrateBps: 500_000},
			},
		},
		StartedAtNanos: startedAt,
	}
}

func subscriber(sessionID string, maxBitrate int64, caps ...rights.Capability) Subscriber {
	return Subscriber{
		SessionID:     sessionID,
		ParticipantID: "did:" + sessionID,
		Caps: model.SubscriberCaps{
			MaxBitrateBps: maxBitrate,
			Codecs:        []string{"av1", "opus"},
			Tokens:        rights.NewCapabilitySet(caps...),
		},
	}
}

func newForwarder(t *testing.T, transport ports.Transport, diag DiagnosticFunc) (*Forwarder, *meter.RoomMeter, *clock.Virtual) {
	t.Helper()
	rm := meter.New().CreateRoom("room-1", nil)
	clk := clock.NewVirtual(time.Unix(1000, 0))
	return New("room-1", transport, rm, clk, diag), rm, clk
}

func TestForwardRecordsEgress(t *testing.T) {
	transport := &fakeTransport{}
	f, rm, _ := newForwarder(t, transport, nil)
	rm.BindSession("sess-bob", "did:bob")

	f.UpdatePlan([]model.ActiveTrack{simulcastTrack("trk-1", 1)},
		[]Subscriber{subscriber("sess-bob", 10_000_000)})

	payload := make([]byte, 1200)
	f.Forward(context.Background(), ports.Packet{TrackID: "trk-1", LayerID: "hi", Payload: payload})

	require.Len(t, transport.sentTo("sess-bob"), 1)
	deltas := rm.SnapshotAndReset()
	require.Len(t, deltas, 1)
	assert.Equal(t, "did:bob", deltas[0].ParticipantID)
	assert.Equal(t, uint64(1200), deltas[0].Bytes)
}

func TestLicensedTrackRequiresAck(t *testing.T) {
	// Licensed content must never reach a subscriber without the
	// license_ack capability, and other tracks are unaffected.
	transport := &fakeTransport{}
	f, rm, _ := newForwarder(t, transport, nil)
	rm.BindSession("sess-bob", "did:bob")
	rm.BindSession("sess-vip", "did:vip")

	licensed := simulcastTrack("trk-lic", 2)
	licensed.Rights = rights.LicenseLicensed

	f.UpdatePlan(
		[]model.ActiveTrack{simulcastTrack("trk-open", 1), licensed},
		[]Subscriber{
			subscriber("sess-bob", 20_000_000),
			subscriber("sess-vip", 20_000_000, rights.CapLicenseAck),
		})

	f.Forward(context.Background(), ports.Packet{TrackID: "trk-lic", LayerID: "hi", Payload: []byte("x")})
	f.Forward(context.Background(), ports.Packet{TrackID: "trk-open", LayerID: "hi", Payload: []byte("y")})

	bobPkts := transport.sentTo("sess-bob")
	require.Len(t, bobPkts, 1)
	assert.Equal(t, "trk-open", bobPkts[0].TrackID)

	vipPkts := transport.sentTo("sess-vip")
	assert.Len(t, vipPkts, 2)
}

func TestCodecMismatchSkips(t *testing.T) {
	transport := &fakeTransport{}
	f, _, _ := newForwarder(t, transport, nil)

	sub := subscriber("sess-bob", 10_000_000)
	sub.Caps.Codecs = []string{"opus"}
	f.UpdatePlan([]model.ActiveTrack{simulcastTrack("trk-1", 1)}, []Subscriber{sub})

	f.Forward(context.Background(), ports.Packet{TrackID: "trk-1", LayerID: "hi", Payload: []byte("x")})
	assert.Empty(t, transport.sentTo("sess-bob"))
}

func TestAdmissionConvergesToFittingLayer(t *testing.T) {
	// Two subscribers capped at 2Mbps against a 3/1.5/0.5 ladder: both
	// land on the 1.5Mbps layer and never see the 3Mbps one.
	transport := &fakeTransport{}
	f, _, _ := newForwarder(t, transport, nil)

	f.UpdatePlan([]model.ActiveTrack{simulcastTrack("trk-1", 1)},
		[]Subscriber{subscriber("sess-a", 2_000_000), subscriber("sess-b", 2_000_000)})

	for _, sessionID := range []string{"sess-a", "sess-b"} {
		layer, forwarding := f.SelectedLayer(sessionID, "trk-1")
		require.True(t, forwarding)
		assert.Equal(t, "mid", layer, "subscriber %s", sessionID)
	}

	f.Forward(context.Background(), ports.Packet{TrackID: "trk-1", LayerID: "hi", Payload: []byte("hi")})
	f.Forward(context.Background(), ports.Packet{TrackID: "trk-1", LayerID: "mid", Payload: []byte("mid")})

	for _, sessionID := range []string{"sess-a", "sess-b"} {
		pkts := transport.sentTo(sessionID)
		require.Len(t, pkts, 1)
		assert.Equal(t, "mid", pkts[0].LayerID)
	}
}

func TestAdmissionDegradesNewestFirst(t *testing.T) {
	transport := &fakeTransport{}
	f, _, _ := newForwarder(t, transport, nil)

	older := simulcastTrack("trk-old", 100)
	newer := simulcastTrack("trk-new", 200)
	// Budget fits one hi (3M) plus one mid (1.5M) but not two hi.
	f.UpdatePlan([]model.ActiveTrack{older, newer}, []Subscriber{subscriber("sess-a", 4_500_000)})

	oldLayer, ok := f.SelectedLayer("sess-a", "trk-old")
	require.True(t, ok)
	newLayer, ok := f.SelectedLayer("sess-a", "trk-new")
	require.True(t, ok)
	assert.Equal(t, "hi", oldLayer, "older track keeps the top layer")
	assert.Equal(t, "mid", newLayer, "newer track degrades first")
}

func TestAdmissionExcludesWhenNothingFits(t *testing.T) {
	transport := &fakeTransport{}
	f, _, _ := newForwarder(t, transport, nil)

	a := simulcastTrack("trk-a", 100)
	b := simulcastTrack("trk-b", 200)
	// Budget fits exactly one lowest rung.
	f.UpdatePlan([]model.ActiveTrack{a, b}, []Subscriber{subscriber("sess-a", 500_000)})

	_, aForwarding := f.SelectedLayer("sess-a", "trk-a")
	_, bForwarding := f.SelectedLayer("sess-a", "trk-b")
	assert.True(t, aForwarding, "older track survives")
	assert.False(t, bForwarding, "newest track is excluded")
}

func TestArrivalOrderPreservedPerLayer(t *testing.T) {
	transport := &fakeTransport{}
	f, _, _ := newForwarder(t, transport, nil)
	f.UpdatePlan([]model.ActiveTrack{simulcastTrack("trk-1", 1)},
		[]Subscriber{subscriber("sess-a", 10_000_000)})

	for i := 0; i < 20; i++ {
		f.Forward(context.Background(), ports.Packet{
			TrackID: "trk-1", LayerID: "hi", Payload: []byte(fmt.Sprintf("p%02d", i)),
		})
	}
	pkts := transport.sentTo("sess-a")
	require.Len(t, pkts, 20)
	for i, p := range pkts {
		assert.Equal(t, fmt.Sprintf("p%02d", i), string(p.Payload))
	}
}

func TestCongestionDowngradeThenPause(t *testing.T) {
	transport := &fakeTransport{}
	var diags []model.Event
	f, _, clk := newForwarder(t, transport, func(ev model.Event) { diags = append(diags, ev) })

	f.UpdatePlan([]model.ActiveTrack{simulcastTrack("trk-1", 1)},
		[]Subscriber{subscriber("sess-a", 10_000_000)})

	layer, _ := f.SelectedLayer("sess-a", "trk-1")
	require.Equal(t, "hi", layer)

	// First report: one-layer downgrade.
	f.ReportCongestion("sess-a")
	layer, forwarding := f.SelectedLayer("sess-a", "trk-1")
	require.True(t, forwarding)
	assert.Equal(t, "mid", layer)

	// Burst sustained past two seconds: pause plus diagnostic.
	clk.Advance(1500 * time.Millisecond)
	f.ReportCongestion("sess-a")
	clk.Advance(1000 * time.Millisecond)
	f.ReportCongestion("sess-a")

	_, forwarding = f.SelectedLayer("sess-a", "trk-1")
	assert.False(t, forwarding, "paused subscriber must not be forwarded")
	require.Len(t, diags, 1)
	assert.Equal(t, model.EventDiagnosticRaised, diags[0].Kind)
	assert.Equal(t, string(model.DiagSubscriberDegraded), diags[0].Fields["diagnostic"])

	f.Forward(context.Background(), ports.Packet{TrackID: "trk-1", LayerID: "mid", Payload: []byte("x")})
	assert.Empty(t, transport.sentTo("sess-a"))

	// Recovery restores the full ladder.
	f.ClearCongestion("sess-a")
	layer, forwarding = f.SelectedLayer("sess-a", "trk-1")
	require.True(t, forwarding)
	assert.Equal(t, "hi", layer)
}

func TestRemovedSubjectStopsReceiving(t *testing.T) {
	transport := &fakeTransport{}
	f, _, _ := newForwarder(t, transport, nil)

	track := simulcastTrack("trk-1", 1)
	f.UpdatePlan([]model.ActiveTrack{track},
		[]Subscriber{subscriber("sess-a", 10_000_000), subscriber("sess-b", 10_000_000)})

	f.Forward(context.Background(), ports.Packet{TrackID: "trk-1", LayerID: "hi", Payload: []byte("1")})

	// sess-a leaves; sess-b is unaffected.
	f.UpdatePlan([]model.ActiveTrack{track}, []Subscriber{subscriber("sess-b", 10_000_000)})
	f.Forward(context.Background(), ports.Packet{TrackID: "trk-1", LayerID: "hi", Payload: []byte("2")})

	assert.Len(t, transport.sentTo("sess-a"), 1)
	assert.Len(t, transport.sentTo("sess-b"), 2)

	// Track stops; nobody receives.
	f.UpdatePlan(nil, []Subscriber{subscriber("sess-b", 10_000_000)})
	f.Forward(context.Background(), ports.Packet{TrackID: "trk-1", LayerID: "hi", Payload: []byte("3")})
	assert.Len(t, transport.sentTo("sess-b"), 2)
}
