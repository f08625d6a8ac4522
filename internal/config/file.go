// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadOverridesFile reads a flat YAML map of KEY: value pairs and installs
// it as the overrides tier. Overrides sit below environment variables and
// persisted values, above declared defaults, so they seed deployments
// without shadowing later API writes. Unknown keys are rejected so typos
// fail loud.
func (s *Store) LoadOverridesFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overrides: %w", err)
	}
	var vals map[string]string
	if err := yaml.Unmarshal(raw, &vals); err != nil {
		return fmt.Errorf("config: parse overrides: %w", err)
	}
	for k := range vals {
		if _, ok := s.defs[k]; !ok {
			return &UnknownKeyError{Key: k}
		}
	}
	s.mu.Lock()
	s.fileVals = vals
	s.memo = make(map[string]memoEntry)
	s.mu.Unlock()
	s.logger.Info().Str("event", "config.overrides_loaded").Str("path", path).Int("keys", len(vals)).Msg("overrides file loaded")
	return nil
}

// WatchOverridesFile reloads the overrides file whenever it changes. Returns
// a stop function that closes the watcher. Editors replace rather than
// rewrite files, so the parent directory is watched and events filtered by
// name.
func (s *Store) WatchOverridesFile(path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := s.LoadOverridesFile(path); err != nil {
					s.logger.Warn().Err(err).Str("event", "config.overrides_reload_failed").Msg("overrides reload failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Str("event", "config.watcher_error").Msg("overrides watcher error")
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
