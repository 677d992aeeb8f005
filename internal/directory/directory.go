// SPDX-License-Identifier: MIT

// Package directory announces distributable tracks to an external
// index. Consumers discover what a room currently offers without
// touching the control plane; rights gating happens before a track ever
// reaches a publisher, so everything stored here is distributable by
// construction.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/proofcast/proofcast/internal/log"
	"github.com/proofcast/proofcast/internal/rights"
)

// Entry is one published track as stored in the index.
type Entry struct {
	TrackID string         `json:"trackId"`
	Cid     string         `json:"cid"`
	Rights  rights.License `json:"rights"`
}

// Noop discards publications. Used when no directory is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, string, string, rights.License) error { return nil }
func (Noop) Withdraw(context.Context, string, string, string) error                { return nil }

// RedisConfig configures the Redis-backed directory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the per-room hashes; defaults to
	// "proofcast:directory".
	Prefix string
}

// Redis publishes track entries into one Redis hash per room. Publish
// is idempotent on (roomID, trackID): republishing overwrites the
// entry.
type Redis struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedis connects and pings the directory backend.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "proofcast:directory"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("directory: redis ping %s: %w", cfg.Addr, err)
	}

	return &Redis{
		client: client,
		prefix: prefix,
		logger: log.WithComponent("directory"),
	}, nil
}

func (d *Redis) key(roomID string) string {
	return d.prefix + ":" + roomID
}

// Publish stores the track entry in the room's hash.
func (d *Redis) Publish(ctx context.Context, roomID, trackID, cid string, r rights.License) error {
	payload, err := json.Marshal(Entry{TrackID: trackID, Cid: cid, Rights: r})
	if err != nil {
		return fmt.Errorf("directory: encode entry %s: %w", trackID, err)
	}
	if err := d.client.HSet(ctx, d.key(roomID), trackID, payload).Err(); err != nil {
		return fmt.Errorf("directory: publish %s/%s: %w", roomID, trackID, err)
	}
	d.logger.Info().
		Str("room_id", roomID).
		Str("track_id", trackID).
		Str("rights", string(r)).
		Msg("track published to directory")
	return nil
}

// Withdraw removes the track entry. Withdrawing an absent track is a
// no-op.
func (d *Redis) Withdraw(ctx context.Context, roomID, trackID, reason string) error {
	if err := d.client.HDel(ctx, d.key(roomID), trackID).Err(); err != nil {
		return fmt.Errorf("directory: withdraw %s/%s: %w", roomID, trackID, err)
	}
	d.logger.Info().
		Str("room_id", roomID).
		Str("track_id", trackID).
		Str("reason", reason).
		Msg("track withdrawn from directory")
	return nil
}

// Entries returns the room's published tracks keyed by track ID.
func (d *Redis) Entries(ctx context.Context, roomID string) (map[string]Entry, error) {
	raw, err := d.client.HGetAll(ctx, d.key(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: list %s: %w", roomID, err)
	}
	out := make(map[string]Entry, len(raw))
	for trackID, payload := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("directory: corrupt entry %s/%s: %w", roomID, trackID, err)
		}
		out[trackID] = e
	}
	return out, nil
}

// Close releases the Redis connection pool.
func (d *Redis) Close() error {
	return d.client.Close()
}
