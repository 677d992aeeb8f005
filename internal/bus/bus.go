// SPDX-License-Identifier: MIT

// Package bus is the in-process event stream between the room core and
// its observers. Topics are event kinds; delivery is at-least-once
// while the publish context remains active. The bus replaces ad-hoc
// observer lists: the coordinator publishes, interested parties
// subscribe to exactly the kinds they handle.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/log"
	"github.com/proofcast/proofcast/internal/metrics"
)

// Bus publishes events and hands out per-topic subscriptions.
type Bus interface {
	Publish(ctx context.Context, ev model.Event) error
	Subscribe(topic string) (Subscription, error)
}

// Subscription is one observer's view of a topic. Close detaches it and
// closes the channel.
type Subscription interface {
	C() <-chan model.Event
	Close() error
}

const subBuffer = 64

const dropLogEvery = 100

var dropCount atomic.Uint64

// Memory is an in-memory Bus. It is not durable; a slow subscriber
// stalls the publisher until the publish context expires, at which
// point the event is dropped and counted.
type Memory struct {
	mu   sync.RWMutex
	subs map[string][]chan model.Event
}

// NewMemory creates an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]chan model.Event)}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

// Publish delivers ev to every subscriber of its topic. A subscriber
// that cannot accept before ctx expires causes the publish to abort
// with the context error; earlier subscribers keep the event.
func (b *Memory) Publish(ctx context.Context, ev model.Event) error {
	if ctx == nil {
		return fmt.Errorf("bus: publish context is nil")
	}
	topic := ev.Topic()
	b.mu.RLock()
	chs := append([]chan model.Event(nil), b.subs[topic]...)
	b.mu.RUnlock()
	for _, ch := range chs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			reason := dropReason(ctx.Err())
			metrics.IncBusDropReason(topic, reason)
			if count := dropCount.Add(1); count%dropLogEvery == 0 {
				logger := log.L()
				logger.Warn().
					Str("topic", topic).
					Str(log.FieldReason, reason).
					Uint64("dropped", count).
					Msg("event bus publish dropped")
			}
			return fmt.Errorf("bus: publish topic %q: %w", topic, ctx.Err())
		}
	}
	return nil
}

// Subscribe attaches a buffered subscription to topic.
func (b *Memory) Subscribe(topic string) (Subscription, error) {
	ch := make(chan model.Event, subBuffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return &memSub{b: b, topic: topic, ch: ch}, nil
}

type memSub struct {
	b     *Memory
	topic string
	ch    chan model.Event
	once  sync.Once
}

func (s *memSub) C() <-chan model.Event { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		lst := s.b.subs[s.topic]
		out := lst[:0]
		for _, c := range lst {
			if c != s.ch {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			delete(s.b.subs, s.topic)
		} else {
			s.b.subs[s.topic] = out
		}
		close(s.ch)
	})
	return nil
}

var _ Bus = (*Memory)(nil)
