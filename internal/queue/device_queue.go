package queue

import (
	"sort"
	"time"

	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/models"
)

// deviceQueue holds the queued jobs of a single device, kept sorted by
// descending priority then ascending creation time (strict FIFO within a
// priority tier). Created lazily on first submit and kept for the lifetime
// of the manager. All access is serialized by the manager's lock.
type deviceQueue struct {
	deviceID     string
	jobs         []*models.Job
	lastActivity time.Time
}

func newDeviceQueue(deviceID string) *deviceQueue {
	return &deviceQueue{deviceID: deviceID}
}

// insert adds the job and restores the ordering invariant. The sort is
// stable, so jobs with equal priority and creation time keep arrival order.
func (q *deviceQueue) insert(job *models.Job) {
	q.jobs = append(q.jobs, job)
	sort.SliceStable(q.jobs, func(i, k int) bool {
		if q.jobs[i].Priority != q.jobs[k].Priority {
			return q.jobs[i].Priority > q.jobs[k].Priority
		}
		return q.jobs[i].CreatedAt.Before(q.jobs[k].CreatedAt)
	})
	q.lastActivity = time.Now()
}

// head returns the best candidate of this device without removing it.
func (q *deviceQueue) head() *models.Job {
	if len(q.jobs) == 0 {
		return nil
	}
	return q.jobs[0]
}

// remove drops the job with the given ID, preserving order of the rest.
func (q *deviceQueue) remove(jobID string) bool {
	for i, job := range q.jobs {
		if job.ID == jobID {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			q.lastActivity = time.Now()
			return true
		}
	}
	return false
}

func (q *deviceQueue) len() int {
	return len(q.jobs)
}

// position returns the 1-based position of the job, 0 if absent.
func (q *deviceQueue) position(jobID string) int {
	for i, job := range q.jobs {
		if job.ID == jobID {
			return i + 1
		}
	}
	return 0
}

// summaries snapshots every queued job in order.
func (q *deviceQueue) summaries() []models.JobSummary {
	out := make([]models.JobSummary, 0, len(q.jobs))
	for i, job := range q.jobs {
		s := job.Summary()
		s.QueuePosition = i + 1
		out = append(out, s)
	}
	return out
}
