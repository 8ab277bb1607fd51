package models

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is one unit of upload work tracked from submission to a terminal state.
//
// Identity fields (ID, DeviceID, Filename, Kind, Priority, CreatedAt, Metadata)
// are immutable after construction and safe to read without synchronization.
// Lifecycle fields are guarded by an internal mutex and must only be touched
// through the methods below; status transitions are monotonic and one-way:
// queued -> {processing, cancelled}, processing -> {completed, failed}.
type Job struct {
	ID        string
	DeviceID  string
	Filename  string
	Kind      JobKind
	Priority  Priority
	CreatedAt time.Time
	FileSize  int64
	Metadata  map[string]any

	mu              sync.RWMutex
	data            []byte
	status          JobStatus
	startedAt       *time.Time
	completedAt     *time.Time
	progress        int
	progressMessage string
	result          any
	errMsg          string
}

// NewJob builds a queued job with a fresh UUID. The payload is owned by the
// job from this point on; submitters must not mutate it.
func NewJob(deviceID, filename string, data []byte, kind JobKind, priority Priority, metadata map[string]any) *Job {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Job{
		ID:              uuid.NewString(),
		DeviceID:        deviceID,
		Filename:        filename,
		Kind:            kind,
		Priority:        priority,
		CreatedAt:       time.Now(),
		FileSize:        int64(len(data)),
		Metadata:        metadata,
		data:            data,
		status:          StatusQueued,
		progressMessage: "Queued for processing",
	}
}

// Data returns the payload. Valid until the job reaches a terminal state,
// after which the payload is released.
func (j *Job) Data() []byte {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.data
}

// Status returns the current lifecycle state.
func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// StartedAt returns when processing began, or nil while still queued.
func (j *Job) StartedAt() *time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.startedAt
}

// CompletedAt returns when the job reached a terminal state, or nil.
func (j *Job) CompletedAt() *time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.completedAt
}

// Result returns the callback result, present only once completed.
func (j *Job) Result() any {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result
}

// Err returns the failure message, present only once failed.
func (j *Job) Err() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.errMsg
}

// SetProgress records callback progress. Clamped to 0-100; ignored once the
// job is terminal so a late callback cannot overwrite the final state.
func (j *Job) SetProgress(progress int, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.IsTerminal() {
		return
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.progress = progress
	j.progressMessage = message
}

// MarkProcessing transitions queued -> processing, stamping the start time.
// Returns false if the job is not queued.
func (j *Job) MarkProcessing() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return false
	}
	now := time.Now()
	j.status = StatusProcessing
	j.startedAt = &now
	j.progress = 5
	j.progressMessage = "Starting processing..."
	return true
}

// RevertToQueued rolls a provisionally dispatched job back to queued after a
// lost resource reservation. The start timestamp is cleared so the next
// dispatch stamps it fresh.
func (j *Job) RevertToQueued() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusProcessing {
		return false
	}
	j.status = StatusQueued
	j.startedAt = nil
	j.progress = 0
	j.progressMessage = "Queued for processing"
	return true
}

// Complete transitions processing -> completed and releases the payload.
func (j *Job) Complete(result any) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusProcessing {
		return false
	}
	now := time.Now()
	j.status = StatusCompleted
	j.completedAt = &now
	j.result = result
	j.progress = 100
	j.progressMessage = "Complete"
	j.data = nil
	return true
}

// Fail transitions processing -> failed and releases the payload.
func (j *Job) Fail(message string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusProcessing {
		return false
	}
	now := time.Now()
	j.status = StatusFailed
	j.completedAt = &now
	j.errMsg = message
	j.progress = 100
	j.progressMessage = "Failed: " + message
	j.data = nil
	return true
}

// CancelIfQueued transitions queued -> cancelled. Dispatched or terminal jobs
// are left untouched and false is returned; in-flight work is never interrupted.
func (j *Job) CancelIfQueued() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return false
	}
	now := time.Now()
	j.status = StatusCancelled
	j.completedAt = &now
	j.progressMessage = "Cancelled"
	j.data = nil
	return true
}

// TerminalBefore reports whether the job is terminal with a completion time
// older than cutoff. Queued and processing jobs are never prunable.
func (j *Job) TerminalBefore(cutoff time.Time) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status.IsTerminal() && j.completedAt != nil && j.completedAt.Before(cutoff)
}

// ProcessingDuration returns how long the job spent in processing, valid only
// once both timestamps are set.
func (j *Job) ProcessingDuration() (time.Duration, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.startedAt == nil || j.completedAt == nil {
		return 0, false
	}
	return j.completedAt.Sub(*j.startedAt), true
}

// JobSummary is the API-facing snapshot of a job. QueuePosition is 1-based
// and filled in by the queue manager; 0 means not currently queued.
type JobSummary struct {
	ID                string         `json:"id"`
	DeviceID          string         `json:"device_id"`
	Filename          string         `json:"filename"`
	Kind              JobKind        `json:"processing_type"`
	Status            JobStatus      `json:"status"`
	Priority          string         `json:"priority"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Progress          int            `json:"progress"`
	ProgressMessage   string         `json:"progress_message"`
	HasResult         bool           `json:"has_result"`
	Result            any            `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	FileSize          int64          `json:"file_size"`
	WaitTimeSeconds   float64        `json:"wait_time_seconds"`
	ProcessingSeconds *float64       `json:"processing_time_seconds,omitempty"`
	QueuePosition     int            `json:"queue_position,omitempty"`
	Metadata          map[string]any `json:"metadata"`
}

// Summary snapshots the job under its lock, so it is safe to call from any
// number of concurrent pollers while the job is mutating.
func (j *Job) Summary() JobSummary {
	j.mu.RLock()
	defer j.mu.RUnlock()

	waitEnd := time.Now()
	if j.startedAt != nil {
		waitEnd = *j.startedAt
	}
	s := JobSummary{
		ID:              j.ID,
		DeviceID:        j.DeviceID,
		Filename:        j.Filename,
		Kind:            j.Kind,
		Status:          j.status,
		Priority:        j.Priority.String(),
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.startedAt,
		CompletedAt:     j.completedAt,
		Progress:        j.progress,
		ProgressMessage: j.progressMessage,
		HasResult:       j.result != nil,
		Result:          j.result,
		Error:           j.errMsg,
		FileSize:        j.FileSize,
		WaitTimeSeconds: roundSeconds(waitEnd.Sub(j.CreatedAt), 1),
		Metadata:        j.Metadata,
	}
	if j.startedAt != nil && j.completedAt != nil {
		d := roundSeconds(j.completedAt.Sub(*j.startedAt), 1)
		s.ProcessingSeconds = &d
	}
	return s
}

func roundSeconds(d time.Duration, decimals int) float64 {
	factor := math.Pow10(decimals)
	return math.Round(d.Seconds()*factor) / factor
}
