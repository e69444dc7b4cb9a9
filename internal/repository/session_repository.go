package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/Shi33/trae-test-split-images/internal/models"
)

// ErrSessionNotFound is returned when no record exists for a session ID.
var ErrSessionNotFound = errors.New("session not found")

// DBTX is the subset of *sql.DB the repository needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SessionRepository keeps an audit row per upload session.
type SessionRepository struct {
	db    DBTX
	table string
}

func NewSessionRepository(db DBTX, schema string) *SessionRepository {
	return &SessionRepository{
		db:    db,
		table: pq.QuoteIdentifier(schema) + ".upload_sessions",
	}
}

// SessionStarted inserts the session row.
func (r *SessionRepository) SessionStarted(ctx context.Context, s models.SessionSnapshot) error {
	query := `
		INSERT INTO ` + r.table + ` (id, filename, status, total_frames, frames_decoded, batches_emitted, progress, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		s.ID,
		s.Filename,
		s.Status,
		s.TotalFrames,
		s.FramesDecoded,
		s.BatchesEmitted,
		s.Progress,
		nullString(s.Error),
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// SessionProgress updates the counters of a running session.
func (r *SessionRepository) SessionProgress(ctx context.Context, s models.SessionSnapshot) error {
	return r.update(ctx, s)
}

// SessionFinished records the final state.
func (r *SessionRepository) SessionFinished(ctx context.Context, s models.SessionSnapshot) error {
	return r.update(ctx, s)
}

func (r *SessionRepository) update(ctx context.Context, s models.SessionSnapshot) error {
	query := `
		UPDATE ` + r.table + `
		SET status = $1, total_frames = $2, frames_decoded = $3, batches_emitted = $4,
			progress = $5, error = $6, updated_at = $7
		WHERE id = $8
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		s.Status,
		s.TotalFrames,
		s.FramesDecoded,
		s.BatchesEmitted,
		s.Progress,
		nullString(s.Error),
		s.UpdatedAt,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// GetSessionByID reads back a session's audit row.
func (r *SessionRepository) GetSessionByID(ctx context.Context, id string) (models.SessionSnapshot, error) {
	query := `
		SELECT id, filename, status, total_frames, frames_decoded, batches_emitted, progress, error, created_at, updated_at
		FROM ` + r.table + `
		WHERE id = $1
	`
	var (
		s      models.SessionSnapshot
		errMsg sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.Filename,
		&s.Status,
		&s.TotalFrames,
		&s.FramesDecoded,
		&s.BatchesEmitted,
		&s.Progress,
		&errMsg,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SessionSnapshot{}, ErrSessionNotFound
		}
		return models.SessionSnapshot{}, fmt.Errorf("failed to get session: %w", err)
	}
	s.Error = errMsg.String
	return s, nil
}

// Get satisfies the status lookup used by the session endpoint.
func (r *SessionRepository) Get(ctx context.Context, id string) (models.SessionSnapshot, error) {
	return r.GetSessionByID(ctx, id)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
