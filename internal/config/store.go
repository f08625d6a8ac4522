// SPDX-License-Identifier: MIT

package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/log"
)

const memoTTL = 5 * time.Minute

type memoEntry struct {
	value    any
	resolved time.Time
}

// Store is the process-wide configuration store. Methods are safe from any
// goroutine.
type Store struct {
	db     *sql.DB
	defs   map[string]Definition
	logger zerolog.Logger

	mu       sync.RWMutex
	memo     map[string]memoEntry
	fileVals map[string]string // optional overrides file, below the database in precedence
}

// NewStore creates the settings table if needed, seeds the declared default
// set (existing rows are left untouched) and returns the store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{
		db:     db,
		defs:   defsByKey(),
		logger: log.WithComponent("config"),
		memo:   make(map[string]memoEntry),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.seed(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key           TEXT PRIMARY KEY,
			value         TEXT,
			default_value TEXT NOT NULL,
			data_type     TEXT NOT NULL,
			category      TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			is_sensitive  INTEGER NOT NULL DEFAULT 0,
			is_required   INTEGER NOT NULL DEFAULT 0,
			is_hidden     INTEGER NOT NULL DEFAULT 0,
			options       TEXT,
			updated_at    TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("config: create settings table: %w", err)
	}
	return nil
}

func (s *Store) seed() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("config: seed begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO settings
		(key, value, default_value, data_type, category, description, is_sensitive, is_required, is_hidden, options)
		VALUES (?, NULL, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("config: seed prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, d := range Defaults {
		var opts any
		if len(d.Options) > 0 {
			b, _ := json.Marshal(d.Options)
			opts = string(b)
		}
		if _, err := stmt.Exec(d.Key, d.Default, string(d.Type), d.Category, d.Description,
			boolInt(d.Sensitive), boolInt(d.Required), boolInt(d.Hidden), opts); err != nil {
			return fmt.Errorf("config: seed %s: %w", d.Key, err)
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Get resolves a key to its typed value: environment variable first, then
// persisted value, then the overrides file, then declared default. The file
// tier sits below the database so API writes are never shadowed by a
// deployment file. Resolved values are memoised for up to five minutes.
func (s *Store) Get(key string) (any, error) {
	def, ok := s.defs[key]
	if !ok {
		return nil, &UnknownKeyError{Key: key}
	}

	s.mu.RLock()
	if m, hit := s.memo[key]; hit && time.Since(m.resolved) < memoTTL {
		s.mu.RUnlock()
		return m.value, nil
	}
	fileVal, hasFile := s.fileVals[key]
	s.mu.RUnlock()

	raw := def.Default
	if env, set := os.LookupEnv(key); set {
		raw = env
	} else {
		var stored sql.NullString
		err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&stored)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("config: read %s: %w", key, err)
		}
		switch {
		case stored.Valid:
			raw = stored.String
		case hasFile:
			raw = fileVal
		}
	}

	val, err := coerce(def, raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.memo[key] = memoEntry{value: val, resolved: time.Now()}
	s.mu.Unlock()
	return val, nil
}

// String returns a string-typed setting.
func (s *Store) String(key string) (string, error) {
	v, err := s.Get(key)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", &TypeError{Key: key, Type: TypeString, Value: fmt.Sprint(v)}
	}
	return str, nil
}

// Int returns an int-typed setting.
func (s *Store) Int(key string) (int, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, &TypeError{Key: key, Type: TypeInt, Value: fmt.Sprint(v)}
	}
	return int(n), nil
}

// Float returns a float-typed setting.
func (s *Store) Float(key string) (float64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, &TypeError{Key: key, Type: TypeFloat, Value: fmt.Sprint(v)}
	}
	return f, nil
}

// Bool returns a bool-typed setting.
func (s *Store) Bool(key string) (bool, error) {
	v, err := s.Get(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &TypeError{Key: key, Type: TypeBool, Value: fmt.Sprint(v)}
	}
	return b, nil
}

// JSONInto unmarshals a json-typed setting into dst.
func (s *Store) JSONInto(key string, dst any) error {
	def, ok := s.defs[key]
	if !ok {
		return &UnknownKeyError{Key: key}
	}
	if def.Type != TypeJSON {
		return &TypeError{Key: key, Type: TypeJSON, Value: string(def.Type)}
	}
	v, err := s.Get(key)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("config: remarshal %s: %w", key, err)
	}
	return json.Unmarshal(b, dst)
}

// Set validates and persists a new value for key, then invalidates the memo.
// On coercion failure the stored value is unchanged.
func (s *Store) Set(key, value string) error {
	def, ok := s.defs[key]
	if !ok {
		return &UnknownKeyError{Key: key}
	}
	if _, err := coerce(def, value); err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE settings SET value = ?, updated_at = ? WHERE key = ?`,
		value, time.Now().UTC(), key); err != nil {
		return fmt.Errorf("config: set %s: %w", key, err)
	}
	s.invalidate(key)
	s.logger.Info().Str("event", "config.set").Str("key", key).Msg("setting updated")
	return nil
}

// UpdateType changes a setting's declared data type and enum options.
// Used by the config API PUT body's optional data_type/options fields.
func (s *Store) UpdateType(key string, dt DataType, options []string) error {
	def, ok := s.defs[key]
	if !ok {
		return &UnknownKeyError{Key: key}
	}
	switch dt {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeJSON, TypeEnum:
	default:
		return &TypeError{Key: key, Type: dt, Value: string(dt)}
	}
	def.Type = dt
	def.Options = options
	var opts any
	if len(options) > 0 {
		b, _ := json.Marshal(options)
		opts = string(b)
	}
	if _, err := s.db.Exec(`UPDATE settings SET data_type = ?, options = ?, updated_at = ? WHERE key = ?`,
		string(dt), opts, time.Now().UTC(), key); err != nil {
		return fmt.Errorf("config: update type %s: %w", key, err)
	}
	s.mu.Lock()
	s.defs[key] = def
	delete(s.memo, key)
	s.mu.Unlock()
	return nil
}

// View returns the API representation of one setting.
func (s *Store) View(key string, redacted bool) (SettingView, error) {
	def, ok := s.defs[key]
	if !ok {
		return SettingView{}, &UnknownKeyError{Key: key}
	}
	var stored sql.NullString
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return SettingView{}, fmt.Errorf("config: read %s: %w", key, err)
	}
	view := SettingView{
		Key:         def.Key,
		Default:     def.Default,
		Type:        def.Type,
		Category:    def.Category,
		Description: def.Description,
		Sensitive:   def.Sensitive,
		Required:    def.Required,
		Hidden:      def.Hidden,
		Options:     def.Options,
	}
	if stored.Valid {
		v := stored.String
		view.Value = &v
	}
	if redacted && def.Sensitive {
		if view.Value != nil {
			v := RedactedPlaceholder
			view.Value = &v
		}
		if view.Default != "" {
			view.Default = RedactedPlaceholder
		}
	}
	return view, nil
}

// All returns every non-hidden setting, sorted by key.
func (s *Store) All(redacted bool) ([]SettingView, error) {
	keys := make([]string, 0, len(s.defs))
	for k, d := range s.defs {
		if d.Hidden {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]SettingView, 0, len(keys))
	for _, k := range keys {
		v, err := s.View(k, redacted)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Category returns the resolved values of every setting in a category.
func (s *Store) Category(cat string) (map[string]any, error) {
	out := make(map[string]any)
	for k, d := range s.defs {
		if d.Category != cat {
			continue
		}
		v, err := s.Get(k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// MissingRequired returns the keys of required settings that resolve empty.
func (s *Store) MissingRequired() []string {
	var missing []string
	for k, d := range s.defs {
		if !d.Required {
			continue
		}
		v, err := s.Get(k)
		if err != nil {
			missing = append(missing, k)
			continue
		}
		if str, ok := v.(string); ok && strings.TrimSpace(str) == "" {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}

// Refresh flushes the resolution memo; the next Get re-reads every tier.
func (s *Store) Refresh() {
	s.mu.Lock()
	s.memo = make(map[string]memoEntry)
	s.mu.Unlock()
	s.logger.Debug().Str("event", "config.refresh").Msg("memo flushed")
}

func (s *Store) invalidate(key string) {
	s.mu.Lock()
	delete(s.memo, key)
	s.mu.Unlock()
}
