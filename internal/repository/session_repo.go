// Package repository persists session records.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/moodterm/moodterm/internal/model"
)

const sessionColumns = `id, name, shell, workdir, env, state, end_reason, exit_code, pid, cast_path, last_error, created_at, updated_at`

// SessionRepository provides data access for sessions.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session record.
func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	envJSON, err := session.EnvToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize env: %w", err)
	}

	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		session.ID,
		session.Name,
		session.Shell,
		nullString(session.Workdir),
		nullString(envJSON),
		session.State,
		nullString(string(session.EndReason)),
		session.ExitCode,
		session.PID,
		nullString(session.CastPath),
		nullString(session.LastError),
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// List retrieves all sessions, newest first.
func (r *SessionRepository) List(ctx context.Context) ([]*model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// Delete removes a session record.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return expectOneRow(result)
}

// MarkActive records that the shell is running with the given pid.
func (r *SessionRepository) MarkActive(ctx context.Context, id string, pid int) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, pid = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		model.SessionStateActive, pid, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	return expectOneRow(result)
}

// MarkStopped records how a session ended. lastError may be empty.
func (r *SessionRepository) MarkStopped(ctx context.Context, id string, reason model.EndReason, exitCode *int, lastError string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, end_reason = ?, exit_code = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		model.SessionStateStopped, nullString(string(reason)), exitCode, nullString(lastError), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	return expectOneRow(result)
}

// SetLastError records an error against a session without changing its state.
func (r *SessionRepository) SetLastError(ctx context.Context, id, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_error = ?, updated_at = ? WHERE id = ?`,
		nullString(lastError), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update last error: %w", err)
	}
	return nil
}

// StopOrphans marks every session not already stopped as stopped. Shells do
// not survive the server, so records left active by a previous run are stale.
func (r *SessionRepository) StopOrphans(ctx context.Context, note string) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, last_error = ?, updated_at = ? WHERE state != ?`,
		model.SessionStateStopped, nullString(note), time.Now(), model.SessionStateStopped)
	if err != nil {
		return 0, fmt.Errorf("failed to stop orphaned sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// CountByState returns the number of sessions in state.
func (r *SessionRepository) CountByState(ctx context.Context, state model.SessionState) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE state = ?`, state).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// Exists checks if a session exists.
func (r *SessionRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*model.Session, error) {
	session := &model.Session{}
	var (
		workdir, envJSON, endReason, castPath, lastError sql.NullString
		exitCode, pid                                    sql.NullInt64
	)

	err := s.Scan(
		&session.ID,
		&session.Name,
		&session.Shell,
		&workdir,
		&envJSON,
		&session.State,
		&endReason,
		&exitCode,
		&pid,
		&castPath,
		&lastError,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if envJSON.Valid {
		if err := session.EnvFromJSON(envJSON.String); err != nil {
			return nil, fmt.Errorf("failed to parse env: %w", err)
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		session.ExitCode = &code
	}
	if pid.Valid {
		p := int(pid.Int64)
		session.PID = &p
	}
	session.Workdir = workdir.String
	session.EndReason = model.EndReason(endReason.String)
	session.CastPath = castPath.String
	session.LastError = lastError.String
	return session, nil
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
