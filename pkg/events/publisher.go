package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reflector-media/reflector/pkg/models"
)

// notifyLimit is the usable NOTIFY payload budget. PostgreSQL caps NOTIFY
// payloads at 8000 bytes; staying under leaves headroom for encoding.
const notifyLimit = 7900

// Publisher broadcasts transcript events over PostgreSQL NOTIFY.
// Persistent events are published inside the same transaction that appends
// them to the event log (pg_notify is transactional and fires at COMMIT),
// so subscribers never see an event that failed to persist.
type Publisher struct {
	pool *pgxpool.Pool
}

// NewPublisher creates a Publisher.
func NewPublisher(pool *pgxpool.Pool) *Publisher {
	return &Publisher{pool: pool}
}

// PublishTx broadcasts an already-persisted event within tx. Events in
// models.UserRoomEvents are additionally republished on the owner's user
// room when ownerUserID is set.
func (p *Publisher) PublishTx(ctx context.Context, tx pgx.Tx, event *models.TranscriptEvent, ownerUserID *string) error {
	payload, err := notifyPayload(event)
	if err != nil {
		return err
	}
	channel := TranscriptChannel(event.TranscriptID)
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("pg_notify %s: %w", channel, err)
	}
	if ownerUserID != nil && models.UserRoomEvents[event.EventName] {
		userChannel := UserChannel(*ownerUserID)
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", userChannel, payload); err != nil {
			return fmt.Errorf("pg_notify %s: %w", userChannel, err)
		}
	}
	return nil
}

// NotifyOnly broadcasts an event without persistence. Lost on reconnect;
// used for nothing durable.
func (p *Publisher) NotifyOnly(ctx context.Context, channel string, event *models.TranscriptEvent) error {
	payload, err := notifyPayload(event)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("pg_notify %s: %w", channel, err)
	}
	return nil
}

// notifyPayload marshals the event, substituting a routing envelope when
// the full frame exceeds the NOTIFY limit. Clients treat "truncated" frames
// as a prompt to catch up from the event log.
func notifyPayload(event *models.TranscriptEvent) (string, error) {
	full, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	if len(full) <= notifyLimit {
		return string(full), nil
	}
	envelope, err := json.Marshal(map[string]any{
		"id":            event.ID,
		"seq":           event.Seq,
		"transcript_id": event.TranscriptID,
		"event":         event.EventName,
		"truncated":     true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal truncation envelope for %s: %w", event.ID, err)
	}
	return string(envelope), nil
}
