// SPDX-License-Identifier: MIT

// Package sink provides receipt consumers for the engine's emit hook:
// an in-process channel for embedded deployments and a Redis Stream
// for fan-out to external settlement pipelines. Sinks receive receipts
// in chain order; delivery is at-least-once and consumers dedupe on
// (roomId, sequence).
package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/proofcast/proofcast/internal/log"
	"github.com/proofcast/proofcast/internal/metrics"
	"github.com/proofcast/proofcast/internal/receipt"
)

// Channel delivers receipts to an in-process consumer.
type Channel struct {
	ch chan receipt.Receipt
}

// NewChannel creates a channel sink with the given buffer.
func NewChannel(buffer int) *Channel {
	return &Channel{ch: make(chan receipt.Receipt, buffer)}
}

// Emit blocks until the consumer accepts the receipt or ctx expires.
func (s *Channel) Emit(ctx context.Context, r receipt.Receipt) error {
	select {
	case s.ch <- r:
		metrics.IncSinkEmit("channel", true)
		return nil
	case <-ctx.Done():
		metrics.IncSinkEmit("channel", false)
		return fmt.Errorf("sink: consumer did not accept receipt %s: %w", r.ReceiptID, ctx.Err())
	}
}

// C is the consumer side.
func (s *Channel) C() <-chan receipt.Receipt { return s.ch }

// RedisConfig holds Redis Stream sink configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // optional
	DB       int
	Stream   string // stream key, e.g. "proofcast:receipts"
	MaxLen   int64  // approximate stream cap; 0 means unbounded
}

// Redis appends every receipt to a Redis Stream via XADD. The entry
// carries the canonical bytes, so downstream consumers can verify the
// signature without re-serialization.
type Redis struct {
	client *redis.Client
	stream string
	maxLen int64
	logger zerolog.Logger
}

// NewRedis connects to Redis and verifies the connection before
// returning the sink.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("sink: redis stream key must be set")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sink: redis connection failed: %w", err)
	}

	logger := log.WithComponent("sink").With().Str("stream", cfg.Stream).Logger()
	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to redis receipt stream")
	return &Redis{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen, logger: logger}, nil
}

// Emit appends the receipt to the stream.
func (s *Redis) Emit(ctx context.Context, r receipt.Receipt) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"roomId":    r.RoomID,
			"receiptId": r.ReceiptID,
			"sequence":  strconv.FormatUint(r.Sequence, 10),
			"payload":   string(receipt.CanonicalBytes(r)),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		metrics.IncSinkEmit("redis", false)
		s.logger.Warn().Err(err).
			Str(log.FieldReceiptID, r.ReceiptID).
			Uint64(log.FieldSequence, r.Sequence).
			Msg("redis xadd failed")
		return fmt.Errorf("sink: xadd receipt %s: %w", r.ReceiptID, err)
	}
	metrics.IncSinkEmit("redis", true)
	return nil
}

// Close releases the Redis connection.
func (s *Redis) Close() error { return s.client.Close() }
