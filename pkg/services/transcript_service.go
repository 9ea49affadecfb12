// Package services implements the persistence layer: transcripts with
// their append-only event log, recordings, meetings, and participant
// sessions.
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

	"github.com/reflector-media/reflector/pkg/events"
	"github.com/reflector-media/reflector/pkg/models"
)

// Sentinel errors.
var (
	ErrNotFound = errors.New("not found")
	// ErrLocked rejects content mutations on a locked transcript.
	ErrLocked = errors.New("transcript is locked")
)

// TranscriptService owns all transcript reads and writes. Content fields
// on the transcript row are materialised projections of the event log;
// AppendEvent is the single write path that keeps row, log, change counter,
// and live broadcast consistent in one transaction.
type TranscriptService struct {
	pool      *pgxpool.Pool
	publisher *events.Publisher
	logger    *slog.Logger
}

// NewTranscriptService creates the service.
func NewTranscriptService(pool *pgxpool.Pool, publisher *events.Publisher, logger *slog.Logger) *TranscriptService {
	return &TranscriptService{
		pool:      pool,
		publisher: publisher,
		logger:    logger.With("service", "transcript"),
	}
}

const transcriptColumns = `id, user_id, room_id, status, title, short_summary, long_summary,
	topics, action_items, webvtt, duration, source_language, target_language,
	audio_deleted, locked, workflow_run_id, change_seq, created_at, updated_at`

func scanTranscript(row pgx.Row) (*models.Transcript, error) {
	var t models.Transcript
	var topics, actionItems []byte
	err := row.Scan(&t.ID, &t.UserID, &t.RoomID, &t.Status, &t.Title, &t.ShortSummary,
		&t.LongSummary, &topics, &actionItems, &t.WebVTT, &t.Duration,
		&t.SourceLanguage, &t.TargetLanguage, &t.AudioDeleted, &t.Locked,
		&t.WorkflowRunID, &t.ChangeSeq, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	if err := json.Unmarshal(topics, &t.Topics); err != nil {
		return nil, fmt.Errorf("decode topics: %w", err)
	}
	if actionItems != nil {
		t.ActionItems = &models.ActionItems{}
		if err := json.Unmarshal(actionItems, t.ActionItems); err != nil {
			return nil, fmt.Errorf("decode action items: %w", err)
		}
	}
	return &t, nil
}

// Create inserts a new idle transcript.
func (s *TranscriptService) Create(ctx context.Context, req *models.CreateTranscriptRequest) (*models.Transcript, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	src := req.SourceLanguage
	if src == "" {
		src = "en"
	}
	dst := req.TargetLanguage
	if dst == "" {
		dst = src
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO transcripts (id, user_id, room_id, status, source_language, target_language)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+transcriptColumns,
		id, req.UserID, req.RoomID, models.TranscriptStatusIdle, src, dst)
	t, err := scanTranscript(row)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	s.logger.Info("Transcript created", "transcript_id", t.ID)
	return t, nil
}

// GetByID fetches one transcript.
func (s *TranscriptService) GetByID(ctx context.Context, id string) (*models.Transcript, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+transcriptColumns+` FROM transcripts WHERE id = $1`, id)
	return scanTranscript(row)
}

// List returns transcripts matching the filters, newest first.
func (s *TranscriptService) List(ctx context.Context, f *models.TranscriptFilters) ([]*models.Transcript, error) {
	query := `SELECT ` + transcriptColumns + ` FROM transcripts WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}
	if f.UserID != "" {
		add("user_id =", f.UserID)
	}
	if f.RoomID != "" {
		add("room_id =", f.RoomID)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if f.SinceSeq > 0 {
		add("change_seq >", f.SinceSeq)
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	n++
	query += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, limit)
	if f.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	var out []*models.Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Search runs full-text search over title, long summary, and captions,
// ranked by relevance.
func (s *TranscriptService) Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, ts_rank(search_vector, q) AS rank
		 FROM transcripts, websearch_to_tsquery('english', $1) q
		 WHERE search_vector @@ q
		 ORDER BY rank DESC
		 LIMIT $2`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("search transcripts: %w", err)
	}
	defer rows.Close()

	var out []models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		if err := rows.Scan(&r.TranscriptID, &r.Title, &r.Rank); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendEvent appends one event to the transcript's log and, in the same
// transaction, materialises it onto the transcript row, bumps change_seq,
// and broadcasts via NOTIFY. Event ids are caller-supplied; appending an id
// that already exists returns the stored event without side effects, which
// makes pipeline replay idempotent. A locked transcript rejects the append.
func (s *TranscriptService) AppendEvent(ctx context.Context, transcriptID, eventID, eventName string, payload any) (*models.TranscriptEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventName, err)
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID *string
	var locked bool
	var topics []byte
	err = tx.QueryRow(ctx,
		`SELECT user_id, locked, topics FROM transcripts WHERE id = $1 FOR UPDATE`,
		transcriptID).Scan(&userID, &locked, &topics)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock transcript %s: %w", transcriptID, err)
	}
	if locked {
		return nil, fmt.Errorf("append %s to %s: %w", eventName, transcriptID, ErrLocked)
	}

	event := &models.TranscriptEvent{
		ID:           eventID,
		TranscriptID: transcriptID,
		EventName:    eventName,
		Data:         data,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO transcript_events (id, transcript_id, event_name, data)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING seq, occurred_at`,
		eventID, transcriptID, eventName, data).Scan(&event.Seq, &event.OccurredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Duplicate append from a replayed task: return the stored event.
		_ = tx.Rollback(ctx)
		return s.getEvent(ctx, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if err := s.materialize(ctx, tx, transcriptID, eventName, data, topics); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE transcripts
		 SET change_seq = nextval('transcript_change_seq'), updated_at = now()
		 WHERE id = $1`,
		transcriptID); err != nil {
		return nil, fmt.Errorf("bump change_seq: %w", err)
	}

	if err := s.publisher.PublishTx(ctx, tx, event, userID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return event, nil
}

// materialize projects an event onto the transcript row. TRANSCRIPT,
// PIPELINE_PROGRESS, and DAG_STATUS are broadcast-only.
func (s *TranscriptService) materialize(ctx context.Context, tx pgx.Tx, transcriptID, eventName string, data, topicsJSON []byte) error {
	set := func(column string, value any) error {
		_, err := tx.Exec(ctx,
			fmt.Sprintf("UPDATE transcripts SET %s = $2 WHERE id = $1", column),
			transcriptID, value)
		if err != nil {
			return fmt.Errorf("materialize %s: %w", eventName, err)
		}
		return nil
	}

	switch eventName {
	case models.EventStatus:
		var p models.StatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode STATUS: %w", err)
		}
		if !p.Status.Valid() {
			return fmt.Errorf("invalid transcript status %q", p.Status)
		}
		return set("status", p.Status)
	case models.EventDuration:
		var p models.DurationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode DURATION: %w", err)
		}
		return set("duration", p.Duration)
	case models.EventFinalTitle:
		var p models.TitlePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode FINAL_TITLE: %w", err)
		}
		return set("title", p.Title)
	case models.EventLongSummary:
		var p models.SummaryPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode LONG_SUMMARY: %w", err)
		}
		return set("long_summary", p.Summary)
	case models.EventShortSummary:
		var p models.SummaryPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode SHORT_SUMMARY: %w", err)
		}
		return set("short_summary", p.Summary)
	case models.EventActionItems:
		return set("action_items", data)
	case models.EventWebVTT:
		var p models.WebVTTPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode WEBVTT: %w", err)
		}
		return set("webvtt", p.WebVTT)
	case models.EventTopic:
		var topic models.Topic
		if err := json.Unmarshal(data, &topic); err != nil {
			return fmt.Errorf("decode TOPIC: %w", err)
		}
		var topics []models.Topic
		if err := json.Unmarshal(topicsJSON, &topics); err != nil {
			return fmt.Errorf("decode stored topics: %w", err)
		}
		merged := upsertTopic(topics, topic)
		out, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode topics: %w", err)
		}
		return set("topics", out)
	}
	return nil
}

// upsertTopic replaces a topic by id or appends it.
func upsertTopic(topics []models.Topic, topic models.Topic) []models.Topic {
	for i, t := range topics {
		if t.ID == topic.ID {
			topics[i] = topic
			return topics
		}
	}
	return append(topics, topic)
}

func (s *TranscriptService) getEvent(ctx context.Context, eventID string) (*models.TranscriptEvent, error) {
	var e models.TranscriptEvent
	err := s.pool.QueryRow(ctx,
		`SELECT id, seq, transcript_id, event_name, data, occurred_at
		 FROM transcript_events WHERE id = $1`,
		eventID).Scan(&e.ID, &e.Seq, &e.TranscriptID, &e.EventName, &e.Data, &e.OccurredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return &e, nil
}

// ListEventsSince returns events for a transcript after sinceSeq, in append
// order. Implements events.EventLog for catchup.
func (s *TranscriptService) ListEventsSince(ctx context.Context, transcriptID string, sinceSeq int64, limit int) ([]models.TranscriptEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, transcript_id, event_name, data, occurred_at
		 FROM transcript_events
		 WHERE transcript_id = $1 AND seq > $2
		 ORDER BY seq
		 LIMIT $3`,
		transcriptID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []models.TranscriptEvent
	for rows.Next() {
		var e models.TranscriptEvent
		if err := rows.Scan(&e.ID, &e.Seq, &e.TranscriptID, &e.EventName, &e.Data, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetStatus appends a STATUS event.
func (s *TranscriptService) SetStatus(ctx context.Context, transcriptID string, status models.TranscriptStatus) error {
	_, err := s.AppendEvent(ctx, transcriptID, "", models.EventStatus,
		models.StatusPayload{Status: status})
	return err
}

// SetWorkflowRunID binds the transcript to its workflow run. Returns
// ErrLocked on a locked transcript and reports whether the bind happened
// (false when a run is already attached).
func (s *TranscriptService) SetWorkflowRunID(ctx context.Context, transcriptID, runID string) (bool, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE transcripts SET workflow_run_id = $2, updated_at = now()
		 WHERE id = $1 AND workflow_run_id IS NULL AND NOT locked`,
		transcriptID, runID)
	if err != nil {
		return false, fmt.Errorf("set workflow run: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// SetLocked toggles the transcript's write lock.
func (s *TranscriptService) SetLocked(ctx context.Context, transcriptID string, locked bool) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE transcripts SET locked = $2, updated_at = now() WHERE id = $1`,
		transcriptID, locked)
	if err != nil {
		return fmt.Errorf("set locked: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceContent overwrites topics and captions, rewriting history rather
// than appending to it. Used by consent cleanup: the old TRANSCRIPT, TOPIC,
// and WEBVTT events are removed from the log so a reconnecting subscriber's
// catchup never replays the scrubbed words, and the surviving content is
// re-appended and broadcast. change_seq bumps so list sync picks it up.
func (s *TranscriptService) ReplaceContent(ctx context.Context, transcriptID string, topics []models.Topic, webvtt string, audioDeleted bool) error {
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID *string
	err = tx.QueryRow(ctx,
		`SELECT user_id FROM transcripts WHERE id = $1 FOR UPDATE`,
		transcriptID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock transcript %s: %w", transcriptID, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE transcripts
		 SET topics = $2, webvtt = $3, audio_deleted = $4,
		     change_seq = nextval('transcript_change_seq'), updated_at = now()
		 WHERE id = $1`,
		transcriptID, topicsJSON, webvtt, audioDeleted); err != nil {
		return fmt.Errorf("replace content: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM transcript_events
		 WHERE transcript_id = $1 AND event_name = ANY($2)`,
		transcriptID, []string{models.EventTranscript, models.EventTopic, models.EventWebVTT}); err != nil {
		return fmt.Errorf("drop rewritten events: %w", err)
	}

	appendTx := func(eventID, eventName string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventName, err)
		}
		event := &models.TranscriptEvent{
			ID:           eventID,
			TranscriptID: transcriptID,
			EventName:    eventName,
			Data:         data,
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO transcript_events (id, transcript_id, event_name, data)
			 VALUES ($1, $2, $3, $4)
			 RETURNING seq, occurred_at`,
			eventID, transcriptID, eventName, data).Scan(&event.Seq, &event.OccurredAt); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return s.publisher.PublishTx(ctx, tx, event, userID)
	}

	// Topic ids are stable, so the rewritten events keep the original ids;
	// the deletes above make the inserts safe.
	for _, topic := range topics {
		if err := appendTx(topic.ID, models.EventTopic, topic); err != nil {
			return err
		}
	}
	if err := appendTx(uuid.NewString(), models.EventWebVTT, models.WebVTTPayload{WebVTT: webvtt}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

// Delete removes a transcript and, via cascade, its event log.
func (s *TranscriptService) Delete(ctx context.Context, transcriptID string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM transcripts WHERE id = $1`, transcriptID)
	if err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.logger.Info("Transcript deleted", "transcript_id", transcriptID)
	return nil
}
