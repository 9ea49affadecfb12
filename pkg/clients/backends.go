package clients

import (
	"context"

	"github.com/reflector-media/reflector/pkg/models"
)

// Transcriber converts one audio track into a word timeline.
type Transcriber interface {
	Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error)
}

// TranscribeRequest identifies the track by a presigned URL so the backend
// streams it without holding our credentials.
type TranscribeRequest struct {
	AudioURL string `json:"audio_url"`
	Language string `json:"language"`
}

// TranscribeResponse carries the recognised words with track-relative
// timestamps.
type TranscribeResponse struct {
	Words []models.Word `json:"words"`
}

// Diarizer segments an audio track by speaker.
type Diarizer interface {
	Diarize(ctx context.Context, req *DiarizeRequest) (*DiarizeResponse, error)
}

// DiarizeRequest identifies the mixed audio by presigned URL.
type DiarizeRequest struct {
	AudioURL string `json:"audio_url"`
}

// DiarizeSegment is one speaker turn.
type DiarizeSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker int     `json:"speaker"`
}

// DiarizeResponse carries speaker turns in time order.
type DiarizeResponse struct {
	Segments []DiarizeSegment `json:"segments"`
}

// Translator translates batches of text between languages.
type Translator interface {
	Translate(ctx context.Context, req *TranslateRequest) (*TranslateResponse, error)
}

// TranslateRequest carries a batch of texts; the response preserves order.
type TranslateRequest struct {
	Texts          []string `json:"texts"`
	SourceLanguage string   `json:"source_language"`
	TargetLanguage string   `json:"target_language"`
}

// TranslateResponse mirrors the request order.
type TranslateResponse struct {
	Texts []string `json:"texts"`
}

// Generator produces text from a prompt (titles, summaries, topic
// segmentation, action items).
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest is one LLM call. When JSON is true the backend is asked
// for a strictly-JSON completion.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	JSON   bool   `json:"json,omitempty"`
}

// GenerateResponse carries the completion text.
type GenerateResponse struct {
	Text string `json:"text"`
}

// HTTP implementations.

type transcriberClient struct{ *httpClient }

// NewTranscriber creates the ASR client.
func NewTranscriber(cfg Config) Transcriber {
	return &transcriberClient{newHTTPClient(cfg)}
}

func (c *transcriberClient) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error) {
	var resp TranscribeResponse
	if err := c.postJSON(ctx, "/v1/transcribe", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type diarizerClient struct{ *httpClient }

// NewDiarizer creates the diarization client.
func NewDiarizer(cfg Config) Diarizer {
	return &diarizerClient{newHTTPClient(cfg)}
}

func (c *diarizerClient) Diarize(ctx context.Context, req *DiarizeRequest) (*DiarizeResponse, error) {
	var resp DiarizeResponse
	if err := c.postJSON(ctx, "/v1/diarize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type translatorClient struct{ *httpClient }

// NewTranslator creates the translation client.
func NewTranslator(cfg Config) Translator {
	return &translatorClient{newHTTPClient(cfg)}
}

func (c *translatorClient) Translate(ctx context.Context, req *TranslateRequest) (*TranslateResponse, error) {
	var resp TranslateResponse
	if err := c.postJSON(ctx, "/v1/translate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type generatorClient struct{ *httpClient }

// NewGenerator creates the text generation client.
func NewGenerator(cfg Config) Generator {
	return &generatorClient{newHTTPClient(cfg)}
}

func (c *generatorClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	var resp GenerateResponse
	if err := c.postJSON(ctx, "/v1/generate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
