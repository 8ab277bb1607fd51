// Package processor provides the reference processing callbacks wired into
// the queue manager by the composition root. They are thin adapters: the
// queue subsystem only depends on the ProcessFunc contract, and deployments
// replace these with their own pipelines.
package processor

import (
	"bytes"
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"

	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/models"
)

// WhisperTranscriber transcribes uploaded audio through the OpenAI
// audio-transcription API.
type WhisperTranscriber struct {
	client *openai.Client
	model  string
}

// NewWhisperTranscriber builds a transcriber. Returns an error when no API
// key is configured; the caller typically leaves the transcription callback
// unset in that case so jobs fail fast with a configuration error.
func NewWhisperTranscriber(apiKey, model string) (*WhisperTranscriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("transcription requires an OpenAI API key (processing.openai_api_key)")
	}
	if model == "" {
		model = openai.Whisper1
	}
	log.Infof("Initialized Whisper transcriber (Model: %s)", model)
	return &WhisperTranscriber{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// Process implements the transcription callback. Used for both transcription
// and audio-analysis jobs; analysis metadata rides along in the result map.
func (t *WhisperTranscriber) Process(ctx context.Context, job *models.Job) (any, error) {
	job.SetProgress(25, "Uploading audio...")

	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: job.Filename,
		Reader:   bytes.NewReader(job.Data()),
	})
	if err != nil {
		return nil, fmt.Errorf("transcription failed: %w", err)
	}

	job.SetProgress(90, "Transcription received")
	return map[string]any{
		"text":     resp.Text,
		"model":    t.model,
		"filename": job.Filename,
	}, nil
}
