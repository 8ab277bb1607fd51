package app

import (
	"time"

	log "github.com/sirupsen/logrus" // Use logrus

	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/config"
	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/processor"
	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/queue"
)

// App is the composition root: it owns the single queue manager instance and
// wires the processing callbacks into it. There is no package-level manager
// singleton; everything reaches the queue through this struct.
type App struct {
	Config  *config.Config
	Manager *queue.Manager
}

func NewApp(cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	app.initManager()
	if err := app.initCallbacks(); err != nil {
		return nil, err
	}

	log.Println("Application initialization complete.")
	return app, nil
}

// Retention returns the configured prune window for terminal jobs.
func (a *App) Retention() time.Duration {
	return time.Duration(a.Config.Queue.RetentionHours) * time.Hour
}

func (a *App) initManager() {
	cfg := a.Config
	a.Manager = queue.NewManager(queue.Options{
		MaxConcurrentProcessing: cfg.Queue.MaxConcurrentProcessing,
		MaxQueueSizePerDevice:   cfg.Queue.MaxSizePerDevice,
		MaxTotalQueueSize:       cfg.Queue.MaxTotalSize,
		GPUConcurrentLimit:      cfg.GPU.ConcurrentLimit,
		MinGPUMemoryGB:          cfg.GPU.MinMemoryGB,
	})
}

func (a *App) initCallbacks() error {
	cfg := a.Config

	var transcribe queue.ProcessFunc
	transcriber, err := processor.NewWhisperTranscriber(cfg.Processing.OpenaiApiKey, cfg.Processing.WhisperModel)
	if err != nil {
		// Left unset on purpose: transcription jobs then fail fast with a
		// configuration error instead of blocking the queue.
		log.Warnf("Transcription callback not configured: %v", err)
	} else {
		transcribe = transcriber.Process
	}

	indexer := processor.NewDocumentIndexer(cfg.Processing.SentencesPerChunk)

	a.Manager.SetCallbacks(transcribe, indexer.Process)
	return nil
}
