// SPDX-License-Identifier: MIT

// Package transport carries forwarded packets to subscriber endpoints.
// The loopback transport is the in-process implementation: embedding
// applications attach a channel per session and drain it however they
// deliver media. Send never blocks; a slow consumer loses packets
// rather than stalling the forwarding plane.
package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/proofcast/proofcast/internal/domain/room/ports"
	"github.com/proofcast/proofcast/internal/log"
	"github.com/proofcast/proofcast/internal/metrics"
)

// DefaultSessionBuffer is the per-session channel capacity used when
// Attach is called with a non-positive buffer.
const DefaultSessionBuffer = 256

// Loopback is an in-process ports.Transport.
type Loopback struct {
	mu       sync.RWMutex
	sessions map[string]chan ports.Packet
	logger   zerolog.Logger
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{
		sessions: make(map[string]chan ports.Packet),
		logger:   log.WithComponent("transport"),
	}
}

// Attach registers a delivery channel for sessionID and returns its
// receive side. Attaching an already-attached session replaces the old
// channel and closes it.
func (l *Loopback) Attach(sessionID string, buffer int) <-chan ports.Packet {
	if buffer <= 0 {
		buffer = DefaultSessionBuffer
	}
	ch := make(chan ports.Packet, buffer)

	l.mu.Lock()
	if old, ok := l.sessions[sessionID]; ok {
		close(old)
	}
	l.sessions[sessionID] = ch
	l.mu.Unlock()

	return ch
}

// Detach removes and closes the session's delivery channel. Detaching
// an unknown session is a no-op.
func (l *Loopback) Detach(sessionID string) {
	l.mu.Lock()
	if ch, ok := l.sessions[sessionID]; ok {
		close(ch)
		delete(l.sessions, sessionID)
	}
	l.mu.Unlock()
}

// Send delivers pkt to the session's channel without blocking. Packets
// for unattached sessions and packets that would overflow the buffer
// are dropped and counted; neither is an error to the caller.
func (l *Loopback) Send(_ context.Context, sessionID string, pkt ports.Packet) error {
	// The send stays under the read lock: Attach and Detach close
	// channels under the write lock, so a closed channel can never be
	// selected here.
	l.mu.RLock()
	defer l.mu.RUnlock()

	ch, ok := l.sessions[sessionID]
	if !ok {
		metrics.TransportDropsTotal.WithLabelValues("unattached").Inc()
		return nil
	}

	select {
	case ch <- pkt:
	default:
		metrics.TransportDropsTotal.WithLabelValues("backpressure").Inc()
		l.logger.Debug().
			Str("session_id", sessionID).
			Str("track_id", pkt.TrackID).
			Msg("subscriber buffer full, packet dropped")
	}
	return nil
}
