// SPDX-License-Identifier: MIT
package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/proofcast/proofcast/internal/log"
)

// Holder provides thread-safe access to the live configuration and
// atomic hot reload: a reload either installs a fully valid config or
// leaves the previous one untouched.
type Holder struct {
	mu      sync.RWMutex
	current Config

	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenerMu sync.Mutex
	listeners  []chan<- Config
}

// NewHolder wraps an already-loaded configuration. path may be empty
// for ENV-only operation; Watch is then a no-op.
func NewHolder(initial Config, path string) *Holder {
	return &Holder{
		current: initial,
		path:    path,
		logger:  log.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the file and environment. Invalid configurations are
// rejected and the previous one stays live.
func (h *Holder) Reload(context.Context) error {
	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Msg("config reload rejected")
		return err
	}
	h.mu.Lock()
	h.current = next
	h.mu.Unlock()
	h.notify(next)
	h.logger.Info().Msg("configuration reloaded")
	return nil
}

// Subscribe registers a channel that receives every successfully
// reloaded configuration. Delivery is non-blocking; a full channel
// misses that update.
func (h *Holder) Subscribe(ch chan<- Config) {
	h.listenerMu.Lock()
	h.listeners = append(h.listeners, ch)
	h.listenerMu.Unlock()
}

func (h *Holder) notify(cfg Config) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
		}
	}
}

// Watch reloads on file changes until ctx is done. Editors replace
// files rather than writing in place, so both Write and Create events
// trigger, debounced against rapid successive changes.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		h.logger.Info().Msg("config watcher disabled; ENV-only configuration")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch %s: %w", h.path, err)
	}
	h.watcher = watcher
	h.logger.Info().Str("path", h.path).Msg("watching config file")

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = h.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Msg("automatic config reload failed")
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}
