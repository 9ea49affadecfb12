package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reflector-media/reflector/pkg/models"
)

// MeetingService persists meetings and participant sessions.
type MeetingService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewMeetingService creates the service.
func NewMeetingService(pool *pgxpool.Pool, logger *slog.Logger) *MeetingService {
	return &MeetingService{pool: pool, logger: logger.With("service", "meeting")}
}

// Create starts a meeting in a room.
func (s *MeetingService) Create(ctx context.Context, roomID string) (*models.Meeting, error) {
	m := &models.Meeting{ID: uuid.NewString(), RoomID: roomID}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO meetings (id, room_id) VALUES ($1, $2) RETURNING started_at`,
		m.ID, m.RoomID).Scan(&m.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}
	s.logger.Info("Meeting started", "meeting_id", m.ID, "room_id", roomID)
	return m, nil
}

// GetByID fetches one meeting.
func (s *MeetingService) GetByID(ctx context.Context, id string) (*models.Meeting, error) {
	var m models.Meeting
	err := s.pool.QueryRow(ctx,
		`SELECT id, room_id, started_at, ended_at FROM meetings WHERE id = $1`,
		id).Scan(&m.ID, &m.RoomID, &m.StartedAt, &m.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get meeting: %w", err)
	}
	return &m, nil
}

// End stamps ended_at once; a second call is a no-op.
func (s *MeetingService) End(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE meetings SET ended_at = now() WHERE id = $1 AND ended_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("end meeting: %w", err)
	}
	return nil
}

const participantColumns = `id, meeting_id, user_id, display_name, track_index,
	consent, joined_at, left_at`

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	err := row.Scan(&p.ID, &p.MeetingID, &p.UserID, &p.DisplayName, &p.TrackIndex,
		&p.Consent, &p.JoinedAt, &p.LeftAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	return &p, nil
}

// Join records a participant session.
func (s *MeetingService) Join(ctx context.Context, meetingID, userID, displayName string, trackIndex *int) (*models.Participant, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO participant_sessions (id, meeting_id, user_id, display_name, track_index)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+participantColumns,
		uuid.NewString(), meetingID, userID, displayName, trackIndex)
	p, err := scanParticipant(row)
	if err != nil {
		return nil, fmt.Errorf("join meeting %s: %w", meetingID, err)
	}
	return p, nil
}

// Leave stamps left_at. The timestamp is immutable: a session that already
// left keeps its original leave time.
func (s *MeetingService) Leave(ctx context.Context, participantID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE participant_sessions SET left_at = now()
		 WHERE id = $1 AND left_at IS NULL`,
		participantID)
	if err != nil {
		return fmt.Errorf("leave meeting: %w", err)
	}
	return nil
}

// SetConsent records the participant's recording consent decision.
func (s *MeetingService) SetConsent(ctx context.Context, participantID string, consent bool) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE participant_sessions SET consent = $2 WHERE id = $1`,
		participantID, consent)
	if err != nil {
		return fmt.Errorf("set consent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Participants returns a meeting's sessions in join order.
func (s *MeetingService) Participants(ctx context.Context, meetingID string) ([]*models.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM participant_sessions
		 WHERE meeting_id = $1 ORDER BY joined_at`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
