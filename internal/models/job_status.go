package models

import "fmt"

/*
Job status, priority and processing-type constants used throughout the codebase.
Centralizing these avoids magic strings and improves maintainability.
*/

// JobStatus is the lifecycle state of a queued upload.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders jobs within and across device queues. Higher wins.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a priority name (as accepted by the API) to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("%w: unknown priority %q", ErrValidation, s)
}

// JobKind selects which processing callback handles the job.
type JobKind string

const (
	KindTranscription     JobKind = "transcription"
	KindDocument          JobKind = "document"
	KindDocumentVectorize JobKind = "document_vectorize"
	KindAudioAnalysis     JobKind = "audio_analysis"
)

// ParseKind converts a processing-type name to a JobKind.
func ParseKind(s string) (JobKind, error) {
	switch JobKind(s) {
	case KindTranscription, KindDocument, KindDocumentVectorize, KindAudioAnalysis:
		return JobKind(s), nil
	}
	return "", fmt.Errorf("%w: unknown processing type %q", ErrValidation, s)
}
