// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	xglog "github.com/ManuGH/rlmd/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// Holder holds configuration with atomic reloading capability.
// Only the log level is applied live; other changes are reported as
// requiring a restart.
type Holder struct {
	mu      sync.RWMutex
	current AppConfig
	loader  *Loader
	logger  zerolog.Logger

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewHolder creates a new configuration holder with initial config.
func NewHolder(initial AppConfig, loader *Loader) *Holder {
	return &Holder{
		current: initial,
		loader:  loader,
		logger:  xglog.WithComponent("config"),
	}
}

// Get returns the current configuration (thread-safe read).
func (h *Holder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload reloads configuration from file and validates it.
// If loading fails, the old configuration is kept.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str(xglog.FieldEvent, "config.reload_start").Msg("reloading configuration")

	newCfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().
			Err(err).
			Str(xglog.FieldEvent, "config.reload_failed").
			Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	oldCfg := h.current
	h.current = newCfg
	h.mu.Unlock()

	if oldCfg.Log.Level != newCfg.Log.Level {
		if err := xglog.SetLevel(newCfg.Log.Level); err != nil {
			return fmt.Errorf("apply log level: %w", err)
		}
		h.logger.Info().
			Str("old", oldCfg.Log.Level).
			Str("new", newCfg.Log.Level).
			Str(xglog.FieldEvent, "config.log_level_changed").
			Msg("log level applied")
	}
	h.logRestartRequired(oldCfg, newCfg)

	h.logger.Info().
		Str(xglog.FieldEvent, "config.reload_success").
		Msg("configuration reloaded successfully")
	return nil
}

func (h *Holder) logRestartRequired(oldCfg, newCfg AppConfig) {
	changed := make([]string, 0, 5)
	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
	}
	if oldCfg.Broker != newCfg.Broker {
		changed = append(changed, "broker")
	}
	if oldCfg.Sandbox != newCfg.Sandbox {
		changed = append(changed, "sandbox")
	}
	if oldCfg.LLM != newCfg.LLM {
		changed = append(changed, "llm")
	}
	if oldCfg.Telemetry != newCfg.Telemetry {
		changed = append(changed, "telemetry")
	}
	if len(changed) == 0 {
		return
	}
	h.logger.Warn().
		Strs("sections", changed).
		Str(xglog.FieldEvent, "config.restart_required").
		Msg("configuration sections changed; restart to apply")
}

// StartWatcher starts watching the config file for changes.
// If no file is configured this is a no-op.
func (h *Holder) StartWatcher(ctx context.Context) error {
	path := h.loader.Path()
	if path == "" {
		h.logger.Info().
			Str(xglog.FieldEvent, "config.watcher_disabled").
			Msg("config file watcher disabled (using ENV-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}

	h.watchMu.Lock()
	h.watcher = watcher
	h.done = make(chan struct{})
	h.watchMu.Unlock()

	h.logger.Info().
		Str(xglog.FieldEvent, "config.watcher_started").
		Str(xglog.FieldPath, path).
		Msg("watching config file for changes")

	h.wg.Add(1)
	go h.watchLoop(ctx, watcher, h.done)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done <-chan struct{}) {
	defer h.wg.Done()

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Write and Create cover editors that replace the file.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				h.logger.Debug().
					Str(xglog.FieldEvent, "config.file_changed").
					Str("op", event.Op.String()).
					Msg("config file changed")
				if debounce == nil {
					debounce = time.NewTimer(reloadDebounce)
				} else {
					debounce.Reset(reloadDebounce)
				}
				fire = debounce.C
			}
		case <-fire:
			fire = nil
			if err := h.Reload(ctx); err != nil {
				h.logger.Error().
					Err(err).
					Str(xglog.FieldEvent, "config.auto_reload_failed").
					Msg("automatic config reload failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().
				Err(err).
				Str(xglog.FieldEvent, "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

// Stop stops the config watcher (if running) and waits for its goroutine.
func (h *Holder) Stop() {
	h.watchMu.Lock()
	if h.done != nil {
		close(h.done)
		h.done = nil
	}
	watcher := h.watcher
	h.watcher = nil
	h.watchMu.Unlock()

	h.wg.Wait()
	if watcher != nil {
		_ = watcher.Close()
	}
}
