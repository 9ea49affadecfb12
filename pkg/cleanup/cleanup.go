// Package cleanup removes declined speakers' content after a meeting. A
// participant who never consented gets their words dropped from every
// topic, the captions rebuilt without them, and the stored audio deleted.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/reflector-media/reflector/pkg/blob"
	"github.com/reflector-media/reflector/pkg/models"
	"github.com/reflector-media/reflector/pkg/services"
	"github.com/reflector-media/reflector/pkg/webvtt"
)

// Service applies consent cleanup to finished transcripts.
type Service struct {
	transcripts *services.TranscriptService
	blobs       blob.Store
	logger      *slog.Logger
}

// NewService creates the service.
func NewService(transcripts *services.TranscriptService, blobs blob.Store, logger *slog.Logger) *Service {
	return &Service{
		transcripts: transcripts,
		blobs:       blobs,
		logger:      logger.With("component", "cleanup"),
	}
}

// ApplyConsent scrubs the listed speaker indices from the transcript and
// deletes its stored audio artefacts. Idempotent: scrubbing an already
// scrubbed transcript changes nothing.
func (s *Service) ApplyConsent(ctx context.Context, transcriptID string, declinedSpeakers []int) error {
	if len(declinedSpeakers) == 0 {
		return nil
	}
	t, err := s.transcripts.GetByID(ctx, transcriptID)
	if err != nil {
		return fmt.Errorf("load transcript for cleanup: %w", err)
	}

	topics, vtt := Scrub(t.Topics, declinedSpeakers)
	if err := s.transcripts.ReplaceContent(ctx, transcriptID, topics, vtt, true); err != nil {
		return fmt.Errorf("replace scrubbed content: %w", err)
	}

	if err := s.blobs.DeletePrefix(ctx, t.StoragePrefix()); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("delete audio artefacts: %w", err)
	}

	s.logger.Info("Consent cleanup applied",
		"transcript_id", transcriptID, "declined_speakers", len(declinedSpeakers))
	return nil
}

// Scrub drops the declined speakers' words from every topic, recomputes
// topic timings, removes topics left empty, and rebuilds the captions from
// the remaining words.
func Scrub(topics []models.Topic, declinedSpeakers []int) ([]models.Topic, string) {
	declined := make(map[int]bool, len(declinedSpeakers))
	for _, sp := range declinedSpeakers {
		declined[sp] = true
	}

	var kept []models.Topic
	var allWords []models.Word
	for _, topic := range topics {
		words := make([]models.Word, 0, len(topic.Words))
		for _, w := range topic.Words {
			if !declined[w.Speaker] {
				words = append(words, w)
			}
		}
		if len(words) == 0 {
			continue
		}
		topic.Words = words
		topic.Timestamp = words[0].Start
		topic.Duration = words[len(words)-1].End - words[0].Start
		kept = append(kept, topic)
		allWords = append(allWords, words...)
	}
	return kept, webvtt.Build(allWords)
}
