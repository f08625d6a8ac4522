// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"fmt"
	"time"
)

const (
	cleanupInterval = 5 * time.Minute
	// runawayAfter bounds executions whose command has no timeout configured.
	runawayAfter = 2 * time.Hour
	// DefaultRetention is the per-command execution history kept by the
	// retention pass when EXECUTION_RETENTION is unset.
	DefaultRetention = 50
)

// CleanupResult reports what one cleanup pass did.
type CleanupResult struct {
	TimedOut int `json:"timed_out"`
	Runaway  int `json:"runaway"`
	Pruned   int `json:"pruned"`
}

// RunCleanup performs one maintenance pass: fail executions past their
// command's configured timeout, fail runaway executions with no timeout
// configured, then prune history beyond retention.
func (r *Registry) RunCleanup(ctx context.Context, retention int) (CleanupResult, error) {
	var res CleanupResult
	now := r.now().UTC()

	timedOut, err := r.failTimedOut(ctx, now)
	if err != nil {
		return res, err
	}
	res.TimedOut = timedOut

	runaway, err := r.failRunaway(ctx, now)
	if err != nil {
		return res, err
	}
	res.Runaway = runaway

	pruned, err := r.Prune(ctx, retention)
	if err != nil {
		return res, err
	}
	res.Pruned = pruned

	if res.TimedOut+res.Runaway+res.Pruned > 0 {
		r.logger.Info().
			Str("event", "registry.cleanup").
			Int("timed_out", res.TimedOut).
			Int("runaway", res.Runaway).
			Int("pruned", res.Pruned).
			Msg("cleanup pass complete")
	}
	return res, nil
}

// failTimedOut closes running executions whose command has a timeout and
// whose age exceeds it. Ages and messages use the command's own limit.
func (r *Registry) failTimedOut(ctx context.Context, now time.Time) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id, c.timeout_minutes
		FROM command_executions e
		JOIN command_configs c ON c.name = e.command_name
		WHERE e.status = ? AND c.timeout_minutes > 0
		  AND julianday(e.started_at) <= julianday(?, '-' || c.timeout_minutes || ' minutes')`,
		StatusRunning, now)
	if err != nil {
		return 0, fmt.Errorf("registry: timeout scan: %w", err)
	}
	type victim struct {
		id         int64
		timeoutMin int
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.timeoutMin); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("registry: timeout scan row: %w", err)
		}
		victims = append(victims, v)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("registry: timeout scan rows: %w", err)
	}

	for _, v := range victims {
		msg := fmt.Sprintf("Command timed out after %d minutes", v.timeoutMin)
		if err := r.failExecution(ctx, v.id, now, msg); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

// failRunaway closes running executions older than two hours whose command
// has no timeout configured.
func (r *Registry) failRunaway(ctx context.Context, now time.Time) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id
		FROM command_executions e
		JOIN command_configs c ON c.name = e.command_name
		WHERE e.status = ? AND c.timeout_minutes = 0 AND julianday(e.started_at) <= julianday(?)`,
		StatusRunning, now.Add(-runawayAfter))
	if err != nil {
		return 0, fmt.Errorf("registry: runaway scan: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("registry: runaway scan row: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("registry: runaway scan rows: %w", err)
	}

	for _, id := range ids {
		if err := r.failExecution(ctx, id, now, "Command timed out after 2 hours (no timeout configured)"); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (r *Registry) failExecution(ctx context.Context, id int64, now time.Time, msg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE command_executions
		SET status = ?, success = 0, completed_at = ?, error_message = ?,
		    duration_s = (julianday(?) - julianday(started_at)) * 86400
		WHERE id = ? AND status = ?`,
		StatusFailed, now, msg, now, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("registry: fail execution %d: %w", id, err)
	}
	r.logger.Warn().
		Str("event", "registry.execution_timeout").
		Int64("execution_id", id).
		Str("reason", msg).
		Msg("execution failed by cleanup")
	return nil
}

// CleanupLoop runs RunCleanup every five minutes until ctx is cancelled.
// retention is re-read per pass so config changes apply without restart.
func (r *Registry) CleanupLoop(ctx context.Context, retention func() int) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunCleanup(ctx, retention()); err != nil {
				r.logger.Error().Err(err).Str("event", "registry.cleanup_error").Msg("cleanup pass failed")
			}
		}
	}
}
