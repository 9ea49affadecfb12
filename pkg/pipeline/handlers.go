package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/reflector-media/reflector/pkg/audio"
	"github.com/reflector-media/reflector/pkg/blob"
	"github.com/reflector-media/reflector/pkg/clients"
	"github.com/reflector-media/reflector/pkg/dag"
	"github.com/reflector-media/reflector/pkg/models"
	"github.com/reflector-media/reflector/pkg/webvtt"
)

// presignTTL is the lifetime of presigned URLs handed to the ASR and
// diarization backends.
const presignTTL = 30 * time.Minute

// trackRef identifies one raw track within a recording's storage prefix.
// Offset is seconds of head silence needed to align the track onto the
// common zero timeline.
type trackRef struct {
	Key    string  `json:"key"`
	Index  int     `json:"index"`
	Offset float64 `json:"offset"`
}

// manifest is the optional sidecar written next to the raw tracks by the
// recorder. It carries per-track start offsets; without it all tracks are
// assumed to start together.
type manifest struct {
	Tracks []struct {
		Key    string  `json:"key"`
		Offset float64 `json:"offset"`
	} `json:"tracks"`
}

type getRecordingIn struct {
	RecordingID string `json:"recording_id"`
}

type getRecordingOut struct {
	RecordingID string     `json:"recording_id"`
	Prefix      string     `json:"prefix"`
	MeetingID   *string    `json:"meeting_id,omitempty"`
	Tracks      []trackRef `json:"tracks"`
}

// getRecording resolves the recording's tracks and their timeline offsets.
func (p *Pipeline) getRecording(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in getRecordingIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}

	rec, err := p.Recordings.GetByID(ctx, in.RecordingID)
	if err != nil {
		return nil, dag.Fatal(fmt.Errorf("recording %s: %w", in.RecordingID, err))
	}

	offsets, err := p.trackOffsets(ctx, rec.StoragePrefix())
	if err != nil {
		return nil, err
	}

	tracks := make([]trackRef, len(rec.TrackKeys))
	for i, key := range rec.TrackKeys {
		tracks[i] = trackRef{Key: key, Index: i, Offset: offsets[key]}
	}
	// Manifests may carry absolute start times instead of relative ones.
	// Rebase on the earliest track so padding stays proportional either way.
	if len(tracks) > 0 {
		t0 := tracks[0].Offset
		for _, tr := range tracks[1:] {
			t0 = min(t0, tr.Offset)
		}
		for i := range tracks {
			tracks[i].Offset -= t0
		}
	}

	if rec.Status == models.RecordingStatusPending {
		if err := p.Recordings.SetStatus(ctx, rec.ID, models.RecordingStatusActive); err != nil {
			return nil, dag.Transient(err)
		}
	}

	return marshalOut(getRecordingOut{
		RecordingID: rec.ID,
		Prefix:      rec.StoragePrefix(),
		MeetingID:   rec.MeetingID,
		Tracks:      tracks,
	})
}

// trackOffsets reads the manifest sidecar, if present. A missing manifest
// means every track starts at zero.
func (p *Pipeline) trackOffsets(ctx context.Context, prefix string) (map[string]float64, error) {
	rc, err := p.Blobs.Get(ctx, prefix+"/manifest.json")
	if errors.Is(err, blob.ErrNotFound) {
		return map[string]float64{}, nil
	}
	if err != nil {
		return nil, dag.Transient(fmt.Errorf("read manifest: %w", err))
	}
	defer rc.Close()

	var m manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, dag.Permanent(fmt.Errorf("decode manifest: %w", err))
	}
	out := make(map[string]float64, len(m.Tracks))
	for _, t := range m.Tracks {
		out[t.Key] = t.Offset
	}
	return out, nil
}

type getParticipantsIn struct {
	MeetingID *string `json:"meeting_id,omitempty"`
}

type getParticipantsOut struct {
	Participants []models.Participant `json:"participants"`
}

// getParticipants loads the meeting's attendee sessions. Recordings that
// arrived orphaned produce an empty list; speakers then stay numeric.
func (p *Pipeline) getParticipants(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in getParticipantsIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}
	if in.MeetingID == nil {
		return marshalOut(getParticipantsOut{})
	}
	parts, err := p.Meetings.Participants(ctx, *in.MeetingID)
	if err != nil {
		return nil, dag.Transient(err)
	}
	out := make([]models.Participant, len(parts))
	for i, pt := range parts {
		out[i] = *pt
	}
	return marshalOut(getParticipantsOut{Participants: out})
}

type padTrackIn struct {
	TranscriptID string   `json:"transcript_id"`
	Prefix       string   `json:"prefix"`
	Track        trackRef `json:"track"`
}

type padTrackOut struct {
	PaddedKey string  `json:"padded_key"`
	Index     int     `json:"index"`
	Seconds   float64 `json:"seconds"`
}

// padTrack decodes one raw track, prepends its offset as silence, and
// stores the re-encoded result under the recording's padded/ prefix. The
// write is idempotent: a retried or replayed task overwrites the same key
// with the same bytes.
func (p *Pipeline) padTrack(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in padTrackIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}

	pcm, err := p.decodeBlob(ctx, in.Prefix+"/"+in.Track.Key)
	if err != nil {
		return nil, err
	}
	padded := audio.PadStart(pcm, time.Duration(in.Track.Offset*float64(time.Second)))

	encoded, err := p.Codec.EncodeOpus(ctx, padded)
	if err != nil {
		return nil, dag.Permanent(fmt.Errorf("encode padded track %d: %w", in.Track.Index, err))
	}

	key := fmt.Sprintf("%s/padded/%d.opus", in.Prefix, in.Track.Index)
	if err := p.Blobs.Put(ctx, key, bytes.NewReader(encoded)); err != nil {
		return nil, dag.Transient(fmt.Errorf("store padded track: %w", err))
	}

	return marshalOut(padTrackOut{PaddedKey: key, Index: in.Track.Index, Seconds: padded.Seconds()})
}

type mixdownIn struct {
	TranscriptID string   `json:"transcript_id"`
	RecordingID  string   `json:"recording_id"`
	PaddedKeys   []string `json:"padded_keys"`
}

type mixdownOut struct {
	AudioKey string  `json:"audio_key"`
	Seconds  float64 `json:"seconds"`
}

// mixdown sums the padded tracks into the transcript's delivery MP3 and
// appends the DURATION event.
func (p *Pipeline) mixdown(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in mixdownIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}

	tracks := make([]audio.PCM, 0, len(in.PaddedKeys))
	for _, key := range in.PaddedKeys {
		pcm, err := p.decodeBlob(ctx, key)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, pcm)
	}

	mix := audio.Mixdown(tracks)
	encoded, err := p.Codec.EncodeMP3(ctx, mix)
	if err != nil {
		return nil, dag.Permanent(fmt.Errorf("encode mixdown: %w", err))
	}

	key := "transcripts/" + in.TranscriptID + "/audio.mp3"
	if err := p.Blobs.Put(ctx, key, bytes.NewReader(encoded)); err != nil {
		return nil, dag.Transient(fmt.Errorf("store mixdown: %w", err))
	}

	seconds := mix.Seconds()
	if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID, tc.EventID("duration"),
		models.EventDuration, models.DurationPayload{Duration: seconds}); err != nil {
		return nil, dag.Transient(err)
	}
	if err := p.Recordings.SetDuration(ctx, in.RecordingID, seconds); err != nil {
		return nil, dag.Transient(err)
	}

	return marshalOut(mixdownOut{AudioKey: key, Seconds: seconds})
}

type waveformIn struct {
	TranscriptID string `json:"transcript_id"`
	AudioKey     string `json:"audio_key"`
}

type waveformOut struct {
	WaveformKey string `json:"waveform_key"`
}

// waveform summarises the mixdown's loudness envelope, stores it as JSON,
// and broadcasts it.
func (p *Pipeline) waveform(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in waveformIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}

	pcm, err := p.decodeBlob(ctx, in.AudioKey)
	if err != nil {
		return nil, err
	}

	envelope := audio.Waveform(pcm, audio.WaveformSegments)
	values := make([]int, len(envelope))
	for i, v := range envelope {
		values[i] = int(v)
	}

	doc, err := json.Marshal(values)
	if err != nil {
		return nil, dag.Fatal(err)
	}
	key := "transcripts/" + in.TranscriptID + "/waveform.json"
	if err := p.Blobs.Put(ctx, key, bytes.NewReader(doc)); err != nil {
		return nil, dag.Transient(fmt.Errorf("store waveform: %w", err))
	}

	if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID, tc.EventID("waveform"),
		models.EventWaveform, models.WaveformPayload{Waveform: values}); err != nil {
		return nil, dag.Transient(err)
	}

	return marshalOut(waveformOut{WaveformKey: key})
}

type transcribeIn struct {
	PaddedKey string `json:"padded_key"`
	Speaker   int    `json:"speaker"`
	Language  string `json:"language"`
	Diarize   bool   `json:"diarize"`
}

type transcribeOut struct {
	Words []models.Word `json:"words"`
}

// transcribeTrack runs ASR over one padded track. Multi-track recordings
// attribute every word to the track's participant; a lone track instead
// goes through diarization to recover speaker turns.
func (p *Pipeline) transcribeTrack(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in transcribeIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}

	url, err := p.Blobs.Presign(ctx, in.PaddedKey, presignTTL)
	if err != nil {
		return nil, dag.Transient(fmt.Errorf("presign track: %w", err))
	}

	resp, err := p.Transcriber.Transcribe(ctx, &clients.TranscribeRequest{
		AudioURL: url,
		Language: in.Language,
	})
	if err != nil {
		return nil, err
	}

	words := resp.Words
	for i := range words {
		words[i].Speaker = in.Speaker
	}

	if in.Diarize && p.Diarizer != nil {
		dresp, err := p.Diarizer.Diarize(ctx, &clients.DiarizeRequest{AudioURL: url})
		if err != nil {
			return nil, err
		}
		assignSpeakers(words, dresp.Segments)
	}

	return marshalOut(transcribeOut{Words: words})
}

// assignSpeakers attributes each word to the diarization segment containing
// its midpoint. Words outside every segment keep their track speaker.
func assignSpeakers(words []models.Word, segments []clients.DiarizeSegment) {
	for i, w := range words {
		mid := (w.Start + w.End) / 2
		for _, seg := range segments {
			if mid >= seg.Start && mid < seg.End {
				words[i].Speaker = seg.Speaker
				break
			}
		}
	}
}

type mergeIn struct {
	TranscriptID string          `json:"transcript_id"`
	Tracks       [][]models.Word `json:"tracks"`
}

type mergeOut struct {
	Words []models.Word `json:"words"`
}

// merge interleaves the per-track word timelines into one chronological
// stream and broadcasts it.
func (p *Pipeline) merge(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in mergeIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}

	var merged []models.Word
	for _, track := range in.Tracks {
		merged = append(merged, track...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })

	if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID, tc.EventID("words"),
		models.EventTranscript, models.TranscriptPayload{Words: merged}); err != nil {
		return nil, dag.Transient(err)
	}

	return marshalOut(mergeOut{Words: merged})
}

type detectTopicsIn struct {
	TranscriptID string         `json:"transcript_id"`
	Words        []models.Word  `json:"words"`
	Speakers     map[int]string `json:"speakers,omitempty"`
}

type detectTopicsOut struct {
	Topics []models.Topic `json:"topics"`
}

// topicRange is the shape the segmentation prompt asks the LLM for.
type topicRange struct {
	Title   string  `json:"title"`
	Summary string  `json:"summary"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// detectTopics asks the LLM to segment one chunk of the timeline into
// topics, then binds each returned time range back to its words. Topic ids
// derive from the task identity so a replay upserts rather than duplicates.
func (p *Pipeline) detectTopics(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in detectTopicsIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}
	if len(in.Words) == 0 {
		return marshalOut(detectTopicsOut{})
	}

	resp, err := p.Generator.Generate(ctx, &clients.GenerateRequest{
		System: "You segment meeting transcripts into topics. Respond with a JSON array of objects with keys title, summary, start, end. Times are seconds.",
		Prompt: renderTimeline(in.Words, in.Speakers),
		JSON:   true,
	})
	if err != nil {
		return nil, err
	}

	var ranges []topicRange
	if err := json.Unmarshal([]byte(resp.Text), &ranges); err != nil {
		return nil, dag.Permanent(fmt.Errorf("decode topic segmentation: %w", err))
	}

	var topics []models.Topic
	for i, r := range ranges {
		words := wordsInRange(in.Words, r.Start, r.End)
		if len(words) == 0 {
			continue
		}
		topic := models.Topic{
			ID:        tc.EventID(fmt.Sprintf("topic-%d", i)),
			Title:     r.Title,
			Summary:   r.Summary,
			Timestamp: words[0].Start,
			Duration:  words[len(words)-1].End - words[0].Start,
			Words:     words,
		}
		if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID, topic.ID,
			models.EventTopic, topic); err != nil {
			return nil, dag.Transient(err)
		}
		topics = append(topics, topic)
	}

	return marshalOut(detectTopicsOut{Topics: topics})
}

func wordsInRange(words []models.Word, start, end float64) []models.Word {
	var out []models.Word
	for _, w := range words {
		if w.Start >= start && w.Start < end {
			out = append(out, w)
		}
	}
	return out
}

// renderTimeline formats words as timestamped speaker turns for prompting.
func renderTimeline(words []models.Word, speakers map[int]string) string {
	var b strings.Builder
	speaker := -1
	for _, w := range words {
		if w.Speaker != speaker {
			speaker = w.Speaker
			name := speakers[speaker]
			if name == "" {
				name = fmt.Sprintf("Speaker %d", speaker)
			}
			fmt.Fprintf(&b, "\n[%s] %s: ", formatClock(w.Start), name)
		}
		b.WriteString(w.Text)
		b.WriteByte(' ')
	}
	return strings.TrimSpace(b.String())
}

func formatClock(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

type titleIn struct {
	TranscriptID string         `json:"transcript_id"`
	Topics       []models.Topic `json:"topics"`
}

type titleOut struct {
	Title string `json:"title"`
}

// generateTitle produces the final meeting title from the topic outline. A
// meeting with no topics gets no title at all: the field stays null rather
// than carrying a placeholder.
func (p *Pipeline) generateTitle(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in titleIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}
	if len(in.Topics) == 0 {
		return marshalOut(titleOut{})
	}

	resp, err := p.Generator.Generate(ctx, &clients.GenerateRequest{
		System: "You title meetings. Respond with a single short title, no quotes, no markdown.",
		Prompt: "Topics discussed:\n" + topicOutline(in.Topics),
	})
	if err != nil {
		return nil, err
	}
	title := webvtt.CleanTitle(resp.Text)
	if title == "" {
		title = "Untitled meeting"
	}

	if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID, tc.EventID("title"),
		models.EventFinalTitle, models.TitlePayload{Title: title}); err != nil {
		return nil, dag.Transient(err)
	}

	return marshalOut(titleOut{Title: title})
}

type summaryIn struct {
	TranscriptID string         `json:"transcript_id"`
	Topics       []models.Topic `json:"topics"`
	Speakers     map[int]string `json:"speakers,omitempty"`
}

type summaryOut struct {
	Long  string `json:"long"`
	Short string `json:"short"`
}

// summaryCompletion is the JSON shape the summary prompt asks for.
type summaryCompletion struct {
	Long        string             `json:"long"`
	Short       string             `json:"short"`
	ActionItems models.ActionItems `json:"action_items"`
}

// generateSummary produces the long and short summaries plus action items
// in a single structured completion, then appends each as its own event. No
// topics means no summary events: the columns stay null.
func (p *Pipeline) generateSummary(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in summaryIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}
	if len(in.Topics) == 0 {
		return marshalOut(summaryOut{})
	}

	resp, err := p.Generator.Generate(ctx, &clients.GenerateRequest{
		System: "You summarise meetings. Respond with a JSON object with keys " +
			"long (a detailed markdown summary), short (one or two sentences), and " +
			"action_items (object with items: array of {task, assigned_to, deadline, context}, " +
			"and decisions: array of strings).",
		Prompt: "Participants: " + speakerList(in.Speakers) + "\n\nTopics discussed:\n" + topicOutline(in.Topics),
		JSON:   true,
	})
	if err != nil {
		return nil, err
	}
	var completion summaryCompletion
	if err := json.Unmarshal([]byte(resp.Text), &completion); err != nil {
		return nil, dag.Permanent(fmt.Errorf("decode summary completion: %w", err))
	}

	if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID, tc.EventID("long"),
		models.EventLongSummary, models.SummaryPayload{Summary: completion.Long}); err != nil {
		return nil, dag.Transient(err)
	}
	if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID, tc.EventID("short"),
		models.EventShortSummary, models.SummaryPayload{Summary: completion.Short}); err != nil {
		return nil, dag.Transient(err)
	}
	if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID, tc.EventID("actions"),
		models.EventActionItems, completion.ActionItems); err != nil {
		return nil, dag.Transient(err)
	}

	return marshalOut(summaryOut{Long: completion.Long, Short: completion.Short})
}

func topicOutline(topics []models.Topic) string {
	var b strings.Builder
	for _, t := range topics {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", formatClock(t.Timestamp), t.Title, t.Summary)
	}
	return b.String()
}

func speakerList(speakers map[int]string) string {
	if len(speakers) == 0 {
		return "unknown"
	}
	indices := make([]int, 0, len(speakers))
	for i := range speakers {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	names := make([]string, len(indices))
	for i, idx := range indices {
		names[i] = speakers[idx]
	}
	return strings.Join(names, ", ")
}

type translateIn struct {
	TranscriptID string         `json:"transcript_id"`
	Topics       []models.Topic `json:"topics"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
}

type translateOut struct {
	Translated bool `json:"translated"`
}

// translate rewrites topic titles and summaries into the target language
// and re-appends each topic so the upsert replaces the original. A matching
// or empty target language is a no-op.
func (p *Pipeline) translate(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in translateIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}
	if in.Target == "" || in.Target == in.Source || len(in.Topics) == 0 {
		return marshalOut(translateOut{})
	}

	texts := make([]string, 0, len(in.Topics)*2)
	for _, t := range in.Topics {
		texts = append(texts, t.Title, t.Summary)
	}
	resp, err := p.Translator.Translate(ctx, &clients.TranslateRequest{
		Texts:          texts,
		SourceLanguage: in.Source,
		TargetLanguage: in.Target,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Texts) != len(texts) {
		return nil, dag.Permanent(fmt.Errorf("translation returned %d texts, want %d", len(resp.Texts), len(texts)))
	}

	for i, topic := range in.Topics {
		topic.Title = resp.Texts[i*2]
		topic.Summary = resp.Texts[i*2+1]
		if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID,
			tc.EventID(fmt.Sprintf("topic-%d", i)), models.EventTopic, topic); err != nil {
			return nil, dag.Transient(err)
		}
	}

	return marshalOut(translateOut{Translated: true})
}

type finalizeIn struct {
	TranscriptID string        `json:"transcript_id"`
	Words        []models.Word `json:"words"`
}

type finalizeOut struct{}

// finalize renders the caption document, restates the duration and title so
// late subscribers see them after the caption stream, and marks the
// transcript ended.
func (p *Pipeline) finalize(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	var in finalizeIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}

	doc := webvtt.Build(in.Words)
	if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID, tc.EventID("webvtt"),
		models.EventWebVTT, models.WebVTTPayload{WebVTT: doc}); err != nil {
		return nil, dag.Transient(err)
	}

	t, err := p.Transcripts.GetByID(ctx, in.TranscriptID)
	if err != nil {
		return nil, dag.Transient(err)
	}
	if t.Duration != nil {
		if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID, tc.EventID("duration"),
			models.EventDuration, models.DurationPayload{Duration: *t.Duration}); err != nil {
			return nil, dag.Transient(err)
		}
	}
	if t.Title != nil {
		if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID, tc.EventID("title"),
			models.EventFinalTitle, models.TitlePayload{Title: *t.Title}); err != nil {
			return nil, dag.Transient(err)
		}
	}

	if _, err := p.Transcripts.AppendEvent(ctx, in.TranscriptID, tc.EventID("status"),
		models.EventStatus, models.StatusPayload{Status: models.TranscriptStatusEnded}); err != nil {
		return nil, dag.Transient(err)
	}

	return marshalOut(finalizeOut{})
}

type notifyIn struct {
	TranscriptID string `json:"transcript_id"`
}

type notifyOut struct{}

// postZulip announces the finished transcript to Zulip. Delivery failures
// are logged, never retried: notifications are best-effort.
func (p *Pipeline) postZulip(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	return p.notifyStep(ctx, input, "zulip", p.Notifier.PostZulip)
}

// sendWebhook delivers the finished-transcript webhook. Best-effort like
// postZulip.
func (p *Pipeline) sendWebhook(ctx context.Context, tc *dag.TaskContext, input json.RawMessage) (json.RawMessage, error) {
	return p.notifyStep(ctx, input, "webhook", p.Notifier.SendWebhook)
}

func (p *Pipeline) notifyStep(ctx context.Context, input json.RawMessage, kind string, send func(context.Context, *models.Transcript) error) (json.RawMessage, error) {
	var in notifyIn
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, dag.Fatal(err)
	}
	t, err := p.Transcripts.GetByID(ctx, in.TranscriptID)
	if err != nil {
		return nil, dag.Transient(err)
	}
	if err := send(ctx, t); err != nil {
		p.logger.Warn("notification failed",
			"transcript_id", in.TranscriptID, "kind", kind, "error", err)
	}
	return marshalOut(notifyOut{})
}

// decodeBlob fetches an object and decodes it to PCM. Fetch failures are
// transient; decode failures mean the object itself is bad.
func (p *Pipeline) decodeBlob(ctx context.Context, key string) (audio.PCM, error) {
	rc, err := p.Blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return audio.PCM{}, dag.Permanent(fmt.Errorf("audio object %s missing", key))
	}
	if err != nil {
		return audio.PCM{}, dag.Transient(fmt.Errorf("fetch %s: %w", key, err))
	}
	defer rc.Close()

	pcm, err := p.Codec.Decode(ctx, rc)
	if err != nil {
		return audio.PCM{}, dag.Permanent(fmt.Errorf("decode %s: %w", key, err))
	}
	return pcm, nil
}

func marshalOut(v any) (json.RawMessage, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, dag.Fatal(err)
	}
	return out, nil
}
