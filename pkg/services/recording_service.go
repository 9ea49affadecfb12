package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reflector-media/reflector/pkg/models"
)

// RecordingService persists recordings and their track inventories.
type RecordingService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRecordingService creates the service.
func NewRecordingService(pool *pgxpool.Pool, logger *slog.Logger) *RecordingService {
	return &RecordingService{pool: pool, logger: logger.With("service", "recording")}
}

const recordingColumns = `id, meeting_id, bucket, object_key, track_keys, status,
	duration, recorded_at, created_at`

func scanRecording(row pgx.Row) (*models.Recording, error) {
	var r models.Recording
	var trackKeys []byte
	err := row.Scan(&r.ID, &r.MeetingID, &r.Bucket, &r.ObjectKey, &trackKeys,
		&r.Status, &r.Duration, &r.RecordedAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan recording: %w", err)
	}
	if err := json.Unmarshal(trackKeys, &r.TrackKeys); err != nil {
		return nil, fmt.Errorf("decode track keys: %w", err)
	}
	return &r, nil
}

// Create registers a recording. Recordings without a meeting association
// are stored as orphans; the schema's check constraint keeps status and
// meeting presence consistent either way.
func (s *RecordingService) Create(ctx context.Context, req *models.CreateRecordingRequest) (*models.Recording, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := models.RecordingStatusPending
	if req.MeetingID == nil {
		status = models.RecordingStatusOrphan
	}
	trackKeys, err := json.Marshal(req.TrackKeys)
	if err != nil {
		return nil, fmt.Errorf("encode track keys: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO recordings (id, meeting_id, bucket, object_key, track_keys, status, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+recordingColumns,
		id, req.MeetingID, req.Bucket, req.ObjectKey, trackKeys, status, req.RecordedAt)
	rec, err := scanRecording(row)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	s.logger.Info("Recording registered",
		"recording_id", rec.ID, "status", rec.Status, "tracks", len(rec.TrackKeys))
	return rec, nil
}

// GetByID fetches one recording.
func (s *RecordingService) GetByID(ctx context.Context, id string) (*models.Recording, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE id = $1`, id)
	return scanRecording(row)
}

// ListByMeeting returns a meeting's recordings, oldest first.
func (s *RecordingService) ListByMeeting(ctx context.Context, meetingID string) ([]*models.Recording, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordingColumns+` FROM recordings
		 WHERE meeting_id = $1 ORDER BY created_at`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []*models.Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AttachMeeting adopts an orphan recording into a meeting, moving it to
// pending.
func (s *RecordingService) AttachMeeting(ctx context.Context, recordingID, meetingID string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE recordings SET meeting_id = $2, status = $3
		 WHERE id = $1 AND status = $4`,
		recordingID, meetingID, models.RecordingStatusPending, models.RecordingStatusOrphan)
	if err != nil {
		return fmt.Errorf("attach recording %s to meeting %s: %w", recordingID, meetingID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus moves the recording through its lifecycle. Orphan transitions
// must go through AttachMeeting so the meeting link stays consistent.
func (s *RecordingService) SetStatus(ctx context.Context, recordingID string, status models.RecordingStatus) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE recordings SET status = $2 WHERE id = $1`,
		recordingID, status)
	if err != nil {
		return fmt.Errorf("set recording %s status %s: %w", recordingID, status, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDuration records the assembled duration in seconds.
func (s *RecordingService) SetDuration(ctx context.Context, recordingID string, seconds float64) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE recordings SET duration = $2 WHERE id = $1`,
		recordingID, seconds)
	if err != nil {
		return fmt.Errorf("set recording duration: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
