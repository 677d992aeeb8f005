package model

import (
	"fmt"
	"time"

	"github.com/proofcast/proofcast/internal/rights"
)

// SimulcastLayer is one rung of a simulcast/SVC ladder.
type SimulcastLayer struct {
	LayerID    string `json:"layerId"`
	BitrateBps int64  `json:"bitrateBps"`
}

// CodecDescriptor declares the opaque media format of a track. The core
// never inspects payloads; it only matches subscriber support and picks
// simulcast layers by declared bitrate.
type CodecDescriptor struct {
	Codec  string           `json:"codec"`
	Layers []SimulcastLayer `json:"layers,omitempty"`
}

// LayerByID returns the layer with the given ID.
func (c CodecDescriptor) LayerByID(id string) (SimulcastLayer, bool) {
	for _, l := range c.Layers {
		if l.LayerID == id {
			return l, true
		}
	}
	return SimulcastLayer{}, false
}

// SubscriberCaps is the per-subscriber capability descriptor supplied at
// join: bitrate budget, codec support, and out-of-band rights tokens.
type SubscriberCaps struct {
	MaxBitrateBps int64                `json:"maxBitrateBps"`
	Codecs        []string             `json:"codecs,omitempty"`
	Tokens        rights.CapabilitySet `json:"-"`
}

// SupportsCodec reports whether the subscriber declared support for the
// codec. An empty list means "accept anything" (audio-only clients etc.
// declare explicitly).
func (c SubscriberCaps) SupportsCodec(codec string) bool {
	if len(c.Codecs) == 0 {
		return true
	}
	for _, s := range c.Codecs {
		if s == codec {
			return true
		}
	}
	return false
}

// Session is a connected participant. Owned by exactly one room.
type Session struct {
	SessionID         string         `json:"sessionId"`
	RoomID            string         `json:"roomId"`
	ParticipantID     string         `json:"participantId"`
	Role              Role           `json:"role"`
	Caps              SubscriberCaps `json:"caps"`
	JoinedAtNanos     uint64         `json:"joinedAtNanos"`
	LastActivityNanos uint64         `json:"lastActivityNanos"`
}

// TrackCandidate is an entry in a room's moderation queue.
type TrackCandidate struct {
	CandidateID      string         `json:"candidateId"`
	RoomID           string         `json:"roomId"`
	CID              string         `json:"cid"`
	ProposedBy       string         `json:"proposedBy"`
	SessionID        string         `json:"sessionId"`
	Rights           rights.License `json:"rights"`
	State            CandidateState `json:"state"`
	SubmittedAtNanos uint64         `json:"submittedAtNanos"`
	DecidedAtNanos   uint64         `json:"decidedAtNanos,omitempty"`
	Reason           string         `json:"reason,omitempty"`
}

// ActiveTrack is a track currently eligible for forwarding. Rights are
// frozen at promotion and must equal the candidate's rights.
type ActiveTrack struct {
	TrackID        string          `json:"trackId"`
	RoomID         string          `json:"roomId"`
	CID            string          `json:"cid"`
	ContributorID  string          `json:"contributorId"`
	OriginSession  string          `json:"originSession"`
	Rights         rights.License  `json:"rights"`
	Codec          CodecDescriptor `json:"codec"`
	StartedAtNanos uint64          `json:"startedAtNanos"`
}

// RoomConfig are the per-room options accepted at creation. Zero values
// are replaced by defaults in Normalize; Validate enforces bounds.
type RoomConfig struct {
	WindowDuration       time.Duration `json:"windowDuration"`
	PendingTTL           time.Duration `json:"pendingTTL"`
	LicensedAllowed      bool          `json:"licensedAllowed"`
	SessionIdleTimeout   time.Duration `json:"sessionIdleTimeout"`
	MaxEntriesPerReceipt int           `json:"maxEntriesPerReceipt"`
	ResubmitCooldown     time.Duration `json:"resubmitCooldown"`
	GracePeriod          time.Duration `json:"gracePeriod"`
}

const (
	DefaultWindowDuration       = 10 * time.Second
	DefaultPendingTTL           = 24 * time.Hour
	DefaultSessionIdleTimeout   = 45 * time.Second
	DefaultMaxEntriesPerReceipt = 1024
	DefaultResubmitCooldown     = time.Hour
	DefaultGracePeriod          = 60 * time.Second

	MinWindowDuration = time.Second
	MaxWindowDuration = 300 * time.Second
)

// Normalize fills unset fields with defaults and returns the result.
func (c RoomConfig) Normalize() RoomConfig {
	if c.WindowDuration == 0 {
		c.WindowDuration = DefaultWindowDuration
	}
	if c.PendingTTL == 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	if c.SessionIdleTimeout == 0 {
		c.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if c.MaxEntriesPerReceipt == 0 {
		c.MaxEntriesPerReceipt = DefaultMaxEntriesPerReceipt
	}
	if c.ResubmitCooldown == 0 {
		c.ResubmitCooldown = DefaultResubmitCooldown
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	return c
}

// Validate enforces the documented bounds on a normalized config.
func (c RoomConfig) Validate() error {
	if c.WindowDuration < MinWindowDuration || c.WindowDuration > MaxWindowDuration {
		return fmt.Errorf("windowDuration %v outside [%v, %v]", c.WindowDuration, MinWindowDuration, MaxWindowDuration)
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("pendingTTL must be positive, got %v", c.PendingTTL)
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("sessionIdleTimeout must be positive, got %v", c.SessionIdleTimeout)
	}
	if c.MaxEntriesPerReceipt < 1 {
		return fmt.Errorf("maxEntriesPerReceipt must be >= 1, got %d", c.MaxEntriesPerReceipt)
	}
	if c.ResubmitCooldown < 0 {
		return fmt.Errorf("resubmitCooldown must be non-negative, got %v", c.ResubmitCooldown)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("gracePeriod must be non-negative, got %v", c.GracePeriod)
	}
	return nil
}

// RoomInfo is the descriptive header of a room.
type RoomInfo struct {
	RoomID         string         `json:"roomId"`
	Name           string         `json:"name"`
	OwnerID        string         `json:"ownerId"`
	DefaultRights  rights.License `json:"defaultRights"`
	State          RoomState      `json:"state"`
	CreatedAtNanos uint64         `json:"createdAtNanos"`
	Config         RoomConfig     `json:"config"`
}

// QueueCheckpoint is a periodic snapshot sufficient to reconstruct a
// room's moderation queue on restart. CheckpointID is monotonic per room.
type QueueCheckpoint struct {
	RoomID       string            `json:"roomId"`
	CheckpointID uint64            `json:"checkpointId"`
	TakenAtNanos uint64            `json:"takenAtNanos"`
	Room         RoomInfo          `json:"room"`
	Candidates   []TrackCandidate  `json:"candidates"`
	Cooldowns    map[string]uint64 `json:"cooldowns,omitempty"` // cid -> rejectedAtNanos
}
