// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ManuGH/tonearm/internal/log"
)

// Holder publishes the current configuration snapshot. Readers call Get;
// the file watcher swaps the snapshot on change. Workers read tunables
// through the holder so edits take effect without a restart.
type Holder struct {
	mu  sync.RWMutex
	cfg AppConfig
}

// NewHolder creates a holder seeded with cfg.
func NewHolder(cfg AppConfig) *Holder {
	return &Holder{cfg: cfg}
}

// Get returns the current snapshot.
func (h *Holder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *Holder) set(cfg AppConfig) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

// Watch reloads the configuration file into the holder when it changes on
// disk. Reload failures keep the previous snapshot. Watch blocks until the
// context is cancelled; callers run it in its own goroutine. Returns nil
// immediately when the loader has no file layer.
func Watch(ctx context.Context, loader *Loader, holder *Holder) error {
	if loader.path == "" {
		return nil
	}

	logger := log.WithComponent("config.watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := watcher.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close file watcher")
		}
	}()

	if err := watcher.Add(loader.path); err != nil {
		return err
	}
	logger.Info().Str(log.FieldPath, loader.path).Msg("watching configuration file")

	// Editors often emit bursts of write events; coalesce them.
	var debounce *time.Timer
	const debounceWindow = 250 * time.Millisecond
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			cfg, err := loader.Load()
			if err != nil {
				logger.Warn().Err(err).Msg("configuration reload failed, keeping previous snapshot")
				continue
			}
			holder.set(cfg)
			logger.Info().Str(log.FieldPath, loader.path).Msg("configuration reloaded")

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(werr).Msg("file watcher error")
		}
	}
}
