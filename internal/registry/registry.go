// SPDX-License-Identifier: MIT

// Package registry persists every command invocation and its outcome, and
// is the concurrency gate that guarantees at most one running execution
// per command.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/log"
)

// Trigger provenance values.
const (
	TriggeredByScheduler = "scheduler"
	TriggeredByManual    = "manual"
	TriggeredByStartup   = "startup"
)

// Execution status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// restartReason closes orphaned rows found at process start.
const restartReason = "Command was running when application restarted"

var (
	// ErrAlreadyRunning is the concurrency refusal: a running row already
	// exists for the command.
	ErrAlreadyRunning = errors.New("command is already running")
	// ErrNotFound reports an unknown execution or command.
	ErrNotFound = errors.New("not found")
)

// CommandConfig is the persisted per-command configuration row.
type CommandConfig struct {
	Name          string          `json:"command_name"`
	DisplayName   string          `json:"display_name"`
	Description   string          `json:"description"`
	Enabled       bool            `json:"enabled"`
	Schedule      string          `json:"schedule"` // cron expression, empty when IntervalHours set
	IntervalHours float64         `json:"interval_hours,omitempty"`
	TimeoutMin    int             `json:"timeout_minutes,omitempty"` // 0 = no timeout
	Internal      bool            `json:"internal"`
	Config        json.RawMessage `json:"config,omitempty"`
	LastRun       *time.Time      `json:"last_run,omitempty"`
	LastSuccess   *bool           `json:"last_success,omitempty"`
	LastDuration  float64         `json:"last_duration_seconds,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// Execution is one persisted command invocation. Target names the external
// service the command writes to.
type Execution struct {
	ID          int64           `json:"id"`
	CommandName string          `json:"command_name"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	DurationS   float64         `json:"duration"`
	TriggeredBy string          `json:"triggered_by"`
	Target      string          `json:"target"`
	Error       string          `json:"error_message,omitempty"`
	Status      string          `json:"status"`
	Running     bool            `json:"is_running"`
	Output      json.RawMessage `json:"output_summary,omitempty"`
}

// Registry owns the command_configs and command_executions tables.
type Registry struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// New creates the tables and runs the startup pass that fails any rows left
// running by a previous process.
func New(db *sql.DB) (*Registry, error) {
	r := &Registry{
		db:     db,
		logger: log.WithComponent("registry"),
		now:    time.Now,
	}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	if err := r.failOrphans(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS command_configs (
			name            TEXT PRIMARY KEY,
			display_name    TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			enabled         INTEGER NOT NULL DEFAULT 1,
			schedule        TEXT NOT NULL DEFAULT '',
			interval_hours  REAL NOT NULL DEFAULT 0,
			timeout_minutes INTEGER NOT NULL DEFAULT 0,
			internal        INTEGER NOT NULL DEFAULT 0,
			config          TEXT,
			last_run        TIMESTAMP,
			last_success    INTEGER,
			last_duration_s REAL,
			last_error      TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS command_executions (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			command_name   TEXT NOT NULL REFERENCES command_configs(name),
			started_at     TIMESTAMP NOT NULL,
			completed_at   TIMESTAMP,
			success        INTEGER,
			duration_s     REAL NOT NULL DEFAULT 0,
			triggered_by   TEXT NOT NULL,
			target         TEXT NOT NULL DEFAULT '',
			error_message  TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			output_summary TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_executions_command ON command_executions(command_name, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON command_executions(status);
	`)
	if err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	return nil
}

// failOrphans is the single mechanism by which crashed runs become
// observable: every row still running at process start is closed failed.
func (r *Registry) failOrphans() error {
	now := r.now().UTC()
	res, err := r.db.Exec(`
		UPDATE command_executions
		SET status = ?, success = 0, completed_at = ?, error_message = ?,
		    duration_s = (julianday(?) - julianday(started_at)) * 86400
		WHERE status = ?`,
		StatusFailed, now, restartReason, now, StatusRunning)
	if err != nil {
		return fmt.Errorf("registry: startup pass: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.logger.Warn().Str("event", "registry.orphans_failed").Int64("count", n).Msg("closed executions orphaned by restart")
	}
	return nil
}

// SeedCommand inserts a command config if absent; existing rows keep their
// user-edited values.
func (r *Registry) SeedCommand(cfg CommandConfig) error {
	_, err := r.db.Exec(`
		INSERT OR IGNORE INTO command_configs
		(name, display_name, description, enabled, schedule, interval_hours, timeout_minutes, internal, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.Name, cfg.DisplayName, cfg.Description, boolInt(cfg.Enabled),
		cfg.Schedule, cfg.IntervalHours, cfg.TimeoutMin, boolInt(cfg.Internal), nullableJSON(cfg.Config))
	if err != nil {
		return fmt.Errorf("registry: seed %s: %w", cfg.Name, err)
	}
	return nil
}

// CommandConfig returns the config row for name.
func (r *Registry) CommandConfig(name string) (CommandConfig, error) {
	row := r.db.QueryRow(`
		SELECT name, display_name, description, enabled, schedule, interval_hours,
		       timeout_minutes, internal, config, last_run, last_success, last_duration_s, last_error
		FROM command_configs WHERE name = ?`, name)
	cfg, err := scanCommandConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CommandConfig{}, fmt.Errorf("command %q: %w", name, ErrNotFound)
	}
	return cfg, err
}

// ListCommandConfigs returns every command config, internal ones included.
func (r *Registry) ListCommandConfigs() ([]CommandConfig, error) {
	rows, err := r.db.Query(`
		SELECT name, display_name, description, enabled, schedule, interval_hours,
		       timeout_minutes, internal, config, last_run, last_success, last_duration_s, last_error
		FROM command_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("registry: list configs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []CommandConfig
	for rows.Next() {
		cfg, err := scanCommandConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// SetCommandEnabled flips the enabled flag.
func (r *Registry) SetCommandEnabled(name string, enabled bool) error {
	res, err := r.db.Exec(`UPDATE command_configs SET enabled = ? WHERE name = ?`, boolInt(enabled), name)
	if err != nil {
		return fmt.Errorf("registry: enable %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("command %q: %w", name, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommandConfig(row rowScanner) (CommandConfig, error) {
	var cfg CommandConfig
	var enabled, internal int
	var config sql.NullString
	var lastRun sql.NullTime
	var lastSuccess sql.NullInt64
	var lastDuration sql.NullFloat64
	err := row.Scan(&cfg.Name, &cfg.DisplayName, &cfg.Description, &enabled, &cfg.Schedule,
		&cfg.IntervalHours, &cfg.TimeoutMin, &internal, &config,
		&lastRun, &lastSuccess, &lastDuration, &cfg.LastError)
	if err != nil {
		return CommandConfig{}, err
	}
	cfg.Enabled = enabled != 0
	cfg.Internal = internal != 0
	if config.Valid {
		cfg.Config = json.RawMessage(config.String)
	}
	if lastRun.Valid {
		t := lastRun.Time
		cfg.LastRun = &t
	}
	if lastSuccess.Valid {
		b := lastSuccess.Int64 != 0
		cfg.LastSuccess = &b
	}
	if lastDuration.Valid {
		cfg.LastDuration = lastDuration.Float64
	}
	return cfg, nil
}

// Begin records a new running execution, refusing atomically when one
// already runs for the command. The check and insert share one transaction;
// sqlite's write lock serializes concurrent callers.
func (r *Registry) Begin(ctx context.Context, command, triggeredBy, target string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("registry: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var running int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_executions WHERE command_name = ? AND status = ?`,
		command, StatusRunning).Scan(&running); err != nil {
		return 0, fmt.Errorf("registry: running check: %w", err)
	}
	if running > 0 {
		return 0, fmt.Errorf("command %q: %w", command, ErrAlreadyRunning)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO command_executions (command_name, started_at, triggered_by, target, status) VALUES (?, ?, ?, ?, ?)`,
		command, r.now().UTC(), triggeredBy, target, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("registry: insert execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("registry: execution id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("registry: commit: %w", err)
	}

	r.logger.Info().
		Str("event", "registry.begin").
		Str("command", command).
		Str("triggered_by", triggeredBy).
		Int64("execution_id", id).
		Msg("execution started")
	return id, nil
}

// Complete closes an execution and updates the command's last-run columns.
func (r *Registry) Complete(ctx context.Context, id int64, success bool, output json.RawMessage, errMsg string) error {
	now := r.now().UTC()
	status := StatusCompleted
	if !success {
		status = StatusFailed
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var command string
	var startedAt time.Time
	if err := tx.QueryRowContext(ctx,
		`SELECT command_name, started_at FROM command_executions WHERE id = ?`, id).
		Scan(&command, &startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("registry: read execution: %w", err)
	}
	duration := now.Sub(startedAt).Seconds()

	if _, err := tx.ExecContext(ctx, `
		UPDATE command_executions
		SET completed_at = ?, success = ?, duration_s = ?, error_message = ?, status = ?, output_summary = ?
		WHERE id = ?`,
		now, boolInt(success), duration, errMsg, status, nullableJSON(output), id); err != nil {
		return fmt.Errorf("registry: close execution: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE command_configs
		SET last_run = ?, last_success = ?, last_duration_s = ?, last_error = ?
		WHERE name = ?`,
		startedAt, boolInt(success), duration, errMsg, command); err != nil {
		return fmt.Errorf("registry: update command state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: commit complete: %w", err)
	}

	r.logger.Info().
		Str("event", "registry.complete").
		Str("command", command).
		Int64("execution_id", id).
		Bool("success", success).
		Float64("duration_s", duration).
		Msg("execution finished")
	return nil
}

// ListRunning returns every running execution.
func (r *Registry) ListRunning(ctx context.Context) ([]Execution, error) {
	return r.queryExecutions(ctx,
		`SELECT `+execColumns+` FROM command_executions WHERE status = ? ORDER BY started_at`, StatusRunning)
}

// ListRecent returns the n most recent executions across all commands.
func (r *Registry) ListRecent(ctx context.Context, n int) ([]Execution, error) {
	return r.queryExecutions(ctx,
		`SELECT `+execColumns+` FROM command_executions ORDER BY started_at DESC, id DESC LIMIT ?`, n)
}

// ListFor returns the n most recent executions of one command.
func (r *Registry) ListFor(ctx context.Context, command string, n int) ([]Execution, error) {
	return r.queryExecutions(ctx,
		`SELECT `+execColumns+` FROM command_executions WHERE command_name = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		command, n)
}

const execColumns = `id, command_name, started_at, completed_at, success, duration_s, triggered_by, target, error_message, status, output_summary`

func (r *Registry) queryExecutions(ctx context.Context, query string, args ...any) ([]Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Execution
	for rows.Next() {
		var e Execution
		var completed sql.NullTime
		var success sql.NullInt64
		var output sql.NullString
		if err := rows.Scan(&e.ID, &e.CommandName, &e.StartedAt, &completed, &success,
			&e.DurationS, &e.TriggeredBy, &e.Target, &e.Error, &e.Status, &output); err != nil {
			return nil, fmt.Errorf("registry: scan execution: %w", err)
		}
		e.Running = e.Status == StatusRunning
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		if success.Valid {
			b := success.Int64 != 0
			e.Success = &b
		}
		if output.Valid {
			e.Output = json.RawMessage(output.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune keeps the retention most recent rows per command and deletes the
// rest. Returns the number deleted.
func (r *Registry) Prune(ctx context.Context, retention int) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM command_executions WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY command_name ORDER BY started_at DESC, id DESC
				) AS rn
				FROM command_executions
			) WHERE rn > ?
		)`, retention)
	if err != nil {
		return 0, fmt.Errorf("registry: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SuccessRate returns the completed-run success percentage over the last n
// executions of a command.
func (r *Registry) SuccessRate(ctx context.Context, command string, n int) (float64, error) {
	execs, err := r.ListFor(ctx, command, n)
	if err != nil {
		return 0, err
	}
	total, succeeded := 0, 0
	for _, e := range execs {
		if e.Running {
			continue
		}
		total++
		if e.Success != nil && *e.Success {
			succeeded++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(succeeded) / float64(total) * 100, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
