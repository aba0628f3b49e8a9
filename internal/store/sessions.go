package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mossy-p/healthbridge/internal/models"
)

const sessionColumns = `id, appointment_id, status, created_at, ended_at`

// SessionStore is the video call session registry
type SessionStore struct {
	db DBTX
}

func NewSessionStore(db DBTX) *SessionStore {
	return &SessionStore{db: db}
}

func scanSession(row pgx.Row) (models.VideoCallSession, error) {
	var s models.VideoCallSession
	err := row.Scan(&s.ID, &s.AppointmentID, &s.Status, &s.CreatedAt, &s.EndedAt)
	return s, err
}

// FindOrCreateWaiting returns the appointment's waiting session, creating
// one if none exists. Concurrent callers get the same session.
func (s *SessionStore) FindOrCreateWaiting(ctx context.Context, appointmentID string) (models.VideoCallSession, error) {
	insert := `
		INSERT INTO video_call_sessions (id, appointment_id, status)
		VALUES ($1, $2, 'waiting')
		ON CONFLICT (appointment_id) WHERE status = 'waiting' DO NOTHING
	`
	if _, err := s.db.Exec(ctx, insert, uuid.New().String(), appointmentID); err != nil {
		return models.VideoCallSession{}, wrapErr(ctx, "create session", err)
	}

	query := `
		SELECT ` + sessionColumns + `
		FROM video_call_sessions
		WHERE appointment_id = $1 AND status = 'waiting'
	`
	sess, err := scanSession(s.db.QueryRow(ctx, query, appointmentID))
	if err != nil {
		return models.VideoCallSession{}, wrapErr(ctx, "get waiting session", err)
	}
	return sess, nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (models.VideoCallSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM video_call_sessions WHERE id = $1`
	sess, err := scanSession(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return models.VideoCallSession{}, wrapErr(ctx, "get session", err)
	}
	return sess, nil
}

// MarkActive moves a waiting session to active. Other states are left
// unchanged.
func (s *SessionStore) MarkActive(ctx context.Context, id string) (models.VideoCallSession, error) {
	query := `
		UPDATE video_call_sessions SET status = 'active'
		WHERE id = $1 AND status = 'waiting'
	`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return models.VideoCallSession{}, wrapErr(ctx, "activate session", err)
	}
	return s.Get(ctx, id)
}

// End marks the session ended. Ending an ended session is a no-op.
func (s *SessionStore) End(ctx context.Context, id string) (models.VideoCallSession, error) {
	query := `
		UPDATE video_call_sessions SET status = 'ended', ended_at = now()
		WHERE id = $1 AND status <> 'ended'
	`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return models.VideoCallSession{}, wrapErr(ctx, "end session", err)
	}
	return s.Get(ctx, id)
}

// AddParticipant records userID as a member of the session. Adding twice
// is a no-op.
func (s *SessionStore) AddParticipant(ctx context.Context, sessionID, userID string) error {
	query := `
		INSERT INTO video_call_participants (session_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	if _, err := s.db.Exec(ctx, query, sessionID, userID); err != nil {
		return wrapErr(ctx, "add participant", err)
	}
	return nil
}

func (s *SessionStore) IsParticipant(ctx context.Context, sessionID, userID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM video_call_participants
			WHERE session_id = $1 AND user_id = $2
		)
	`
	var ok bool
	if err := s.db.QueryRow(ctx, query, sessionID, userID).Scan(&ok); err != nil {
		return false, wrapErr(ctx, "check participant", err)
	}
	return ok, nil
}
