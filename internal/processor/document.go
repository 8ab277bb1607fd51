package processor

import (
	"context"
	"strings"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
	log "github.com/sirupsen/logrus"

	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/models"
)

// DocumentIndexer is the reference document callback: it splits the uploaded
// text into sentence-bounded chunks sized for a downstream vector store and
// returns the index summary as the job result.
type DocumentIndexer struct {
	tokenizer         *sentences.DefaultSentenceTokenizer
	sentencesPerChunk int
}

// NewDocumentIndexer builds an indexer chunking sentencesPerChunk sentences
// per chunk (default 5).
func NewDocumentIndexer(sentencesPerChunk int) *DocumentIndexer {
	if sentencesPerChunk <= 0 {
		sentencesPerChunk = 5
	}
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		// Extremely unlikely (embedded training data); fall back to
		// whole-text chunks rather than refusing to index.
		log.Warnf("Failed to build sentence tokenizer, falling back to whole-text chunks: %v", err)
		tokenizer = nil
	}
	return &DocumentIndexer{
		tokenizer:         tokenizer,
		sentencesPerChunk: sentencesPerChunk,
	}
}

// Process implements the document callback for document and
// document_vectorize jobs.
func (d *DocumentIndexer) Process(ctx context.Context, job *models.Job) (any, error) {
	job.SetProgress(25, "Extracting text...")
	text := strings.TrimSpace(string(job.Data()))

	var parts []string
	if d.tokenizer != nil {
		for _, s := range d.tokenizer.Tokenize(text) {
			if trimmed := strings.TrimSpace(s.Text); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
	}
	if len(parts) == 0 && text != "" {
		// Tokenizer found no sentence boundaries; index the text whole.
		log.Warnf("No sentences detected in %s, indexing as a single chunk", job.Filename)
		parts = []string{text}
	}

	job.SetProgress(60, "Chunking document...")
	var chunks []string
	for start := 0; start < len(parts); start += d.sentencesPerChunk {
		end := start + d.sentencesPerChunk
		if end > len(parts) {
			end = len(parts)
		}
		chunks = append(chunks, strings.Join(parts[start:end], " "))
	}

	job.SetProgress(90, "Index summary ready")
	result := map[string]any{
		"filename":       job.Filename,
		"chunk_count":    len(chunks),
		"sentence_count": len(parts),
		"word_count":     len(strings.Fields(text)),
		"vectorize":      job.Kind == models.KindDocumentVectorize,
	}
	if len(chunks) > 0 {
		result["chunks"] = chunks
	}
	return result, nil
}
