package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/models"
)

// ProcessFunc is the contract for the injected processing callbacks. The
// callback may report intermediate progress via job.SetProgress and returns
// either an opaque result or an error; the manager records the outcome on the
// job. Callbacks can be long-running and are invoked outside any queue lock.
type ProcessFunc func(ctx context.Context, job *models.Job) (any, error)

// Options fixes the manager's limits at construction time.
type Options struct {
	// MaxConcurrentProcessing bounds the pool of processing slots.
	MaxConcurrentProcessing int
	// MaxQueueSizePerDevice caps each device's queue length.
	MaxQueueSizePerDevice int
	// MaxTotalQueueSize caps the sum of all device queue lengths.
	MaxTotalQueueSize int
	// GPUConcurrentLimit and MinGPUMemoryGB configure the resource gate.
	GPUConcurrentLimit int
	MinGPUMemoryGB     float64
	// PollInterval is how long the scheduler idles when nothing is admissible.
	PollInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrentProcessing <= 0 {
		o.MaxConcurrentProcessing = 3
	}
	if o.MaxQueueSizePerDevice <= 0 {
		o.MaxQueueSizePerDevice = 50
	}
	if o.MaxTotalQueueSize <= 0 {
		o.MaxTotalQueueSize = 200
	}
	if o.GPUConcurrentLimit <= 0 {
		o.GPUConcurrentLimit = 2
	}
	if o.MinGPUMemoryGB <= 0 {
		o.MinGPUMemoryGB = 0.5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
}

// Manager owns the per-device upload queues and feeds the processing
// callbacks at a rate the gated resource can sustain. One instance is built
// by the composition root and shared; there is no package-level singleton.
type Manager struct {
	opts Options
	gate *ResourceGate

	// slots bounds concurrently running processing tasks; reserved
	// non-blocking by the scheduler, released by the task on every exit.
	slots       *semaphore.Weighted
	activeSlots atomic.Int64

	// mu guards queues and jobs. Candidate selection, removal and the
	// transition to processing happen in one critical section so two loop
	// iterations can never dispatch the same job.
	mu     sync.Mutex
	queues map[string]*deviceQueue
	jobs   map[string]*models.Job

	transcribe ProcessFunc
	document   ProcessFunc

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewManager builds a stopped manager. Set callbacks, then Start it.
func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	log.Infof("Upload queue manager initialized: max_concurrent=%d, gpu_limit=%d, max_queue_per_device=%d",
		opts.MaxConcurrentProcessing, opts.GPUConcurrentLimit, opts.MaxQueueSizePerDevice)
	return &Manager{
		opts:   opts,
		gate:   NewResourceGate(opts.GPUConcurrentLimit, opts.MinGPUMemoryGB),
		slots:  semaphore.NewWeighted(int64(opts.MaxConcurrentProcessing)),
		queues: make(map[string]*deviceQueue),
		jobs:   make(map[string]*models.Job),
	}
}

// SetCallbacks installs the processing callbacks. Must be called before
// Start; a job dispatched with its callback unset fails with a
// configuration error instead of blocking.
func (m *Manager) SetCallbacks(transcription, document ProcessFunc) {
	m.transcribe = transcription
	m.document = document
}

// Start launches the scheduling loop. Idempotent while running.
func (m *Manager) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run(ctx)
	log.Info("Queue worker started")
}

// Stop terminates the scheduling loop and waits for in-flight processing
// tasks to finish. Queued jobs stay queued; nothing further is dispatched.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stop)
	m.wg.Wait()
	log.Info("Queue worker stopped")
}

// Running reports whether the scheduling loop is active.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Gate exposes the resource gate for observability.
func (m *Manager) Gate() *ResourceGate {
	return m.gate
}

// Submit admits a job into the device's queue. Capacity checks run before
// any insertion, so a rejected submit leaves every queue untouched. Never
// blocks on processing.
func (m *Manager) Submit(deviceID, filename string, data []byte, kind models.JobKind, priority models.Priority, metadata map[string]any) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dq := m.queues[deviceID]
	if dq != nil && dq.len() >= m.opts.MaxQueueSizePerDevice {
		return nil, fmt.Errorf("%w: device %s (max %d)", models.ErrDeviceQueueFull, deviceID, m.opts.MaxQueueSizePerDevice)
	}
	if m.totalQueuedLocked() >= m.opts.MaxTotalQueueSize {
		return nil, fmt.Errorf("%w (max %d)", models.ErrTotalQueueFull, m.opts.MaxTotalQueueSize)
	}

	if dq == nil {
		dq = newDeviceQueue(deviceID)
		m.queues[deviceID] = dq
	}

	job := models.NewJob(deviceID, filename, data, kind, priority, metadata)
	dq.insert(job)
	m.jobs[job.ID] = job

	log.Infof("Queued job %s from device %s: %s (%d bytes, %s, priority=%s)",
		job.ID, deviceID, filename, job.FileSize, kind, priority)
	return job, nil
}

// GetJob returns the live job record, or ErrJobNotFound.
func (m *Manager) GetJob(jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	return job, nil
}

// GetStatus snapshots one job, including its 1-based position within its
// device queue (0 once dispatched or terminal).
func (m *Manager) GetStatus(jobID string) (models.JobSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.JobSummary{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	s := job.Summary()
	if dq := m.queues[job.DeviceID]; dq != nil {
		s.QueuePosition = dq.position(jobID)
	}
	return s, nil
}

// Cancel cancels a still-queued job and removes it from its device queue.
// Returns false for dispatched, terminal or unknown jobs.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return false
	}
	if !job.CancelIfQueued() {
		return false
	}
	if dq := m.queues[job.DeviceID]; dq != nil {
		dq.remove(jobID)
	}
	log.Infof("Cancelled job %s", jobID)
	return true
}

// DeviceQueue snapshots the queued jobs of one device, in dispatch order.
func (m *Manager) DeviceQueue(deviceID string) []models.JobSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	dq := m.queues[deviceID]
	if dq == nil {
		return []models.JobSummary{}
	}
	return dq.summaries()
}

// AllQueues snapshots every device's queue.
func (m *Manager) AllQueues() map[string][]models.JobSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]models.JobSummary, len(m.queues))
	for deviceID, dq := range m.queues {
		out[deviceID] = dq.summaries()
	}
	return out
}

// PruneOlderThan drops terminal jobs whose completion time is older than
// maxAge from the index. Queued and processing jobs are never pruned,
// regardless of age. Returns how many records were removed.
func (m *Manager) PruneOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, job := range m.jobs {
		if job.TerminalBefore(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		log.Infof("Cleaned up %d old queue jobs", removed)
	}
	return removed
}

func (m *Manager) totalQueuedLocked() int {
	total := 0
	for _, dq := range m.queues {
		total += dq.len()
	}
	return total
}

// run is the scheduling loop: dispatch everything admissible, then idle for
// a poll interval. One failing job never stops the loop.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	log.Info("Queue worker loop started")

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			for m.dispatchOne() {
			}
		}
	}
}

// dispatchOne selects the best candidate across all devices and hands it to
// a processing task. Returns false when nothing is admissible right now.
//
// The processing slot is reserved here; the gate is only probed (CanAdmit)
// and committed later by the task itself, which rolls the job back to its
// queue if it loses that race.
func (m *Manager) dispatchOne() bool {
	if !m.gate.CanAdmit() {
		return false
	}
	if !m.slots.TryAcquire(1) {
		return false
	}

	m.mu.Lock()
	job := m.nextCandidateLocked()
	if job == nil {
		m.mu.Unlock()
		m.slots.Release(1)
		return false
	}
	m.queues[job.DeviceID].remove(job.ID)
	if !job.MarkProcessing() {
		// Cannot happen while the lock serializes cancel and dispatch,
		// but a slot must never leak if it ever does.
		m.mu.Unlock()
		m.slots.Release(1)
		return false
	}
	m.mu.Unlock()

	m.activeSlots.Add(1)
	m.wg.Add(1)
	go m.process(job)
	return true
}

// nextCandidateLocked scans every device queue once and picks the head with
// the strictly highest priority. Devices are visited in sorted ID order so
// ties always resolve the same way; within a device the queue is already
// priority/FIFO sorted. No fairness beyond priority is applied across
// devices; a fairness strategy (e.g. weighted round-robin per tier) would
// slot in here.
func (m *Manager) nextCandidateLocked() *models.Job {
	deviceIDs := make([]string, 0, len(m.queues))
	for id := range m.queues {
		deviceIDs = append(deviceIDs, id)
	}
	sort.Strings(deviceIDs)

	var best *models.Job
	for _, id := range deviceIDs {
		head := m.queues[id].head()
		if head == nil {
			continue
		}
		if best == nil || head.Priority > best.Priority {
			best = head
		}
	}
	return best
}

// requeue rolls a job that lost the gate race back into its device queue.
// Revert and insert happen in one critical section under m.mu, the same way
// selection, removal and the processing transition do in dispatchOne; a
// Cancel serialized around the whole step either sees the job processing
// (no-op) or cancels it after it is back in the queue, so a terminal job can
// never end up queued.
func (m *Manager) requeue(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !job.RevertToQueued() {
		return
	}
	dq := m.queues[job.DeviceID]
	if dq == nil {
		dq = newDeviceQueue(job.DeviceID)
		m.queues[job.DeviceID] = dq
	}
	dq.insert(job)
}

// process runs one dispatched job to a terminal state. The gate reservation
// and the processing slot are released on every exit path, and a panicking
// callback is converted into a failed job rather than a crashed loop.
func (m *Manager) process(job *models.Job) {
	defer m.wg.Done()
	defer m.activeSlots.Add(-1)
	defer m.slots.Release(1)

	if !m.gate.Acquire() {
		// Lost the race for the gated resource; the job is requeued, not lost.
		m.requeue(job)
		log.Debugf("Gate busy, requeued job %s", job.ID)
		return
	}
	defer m.gate.Release()

	defer func() {
		if r := recover(); r != nil {
			job.Fail(fmt.Sprintf("processing panic: %v", r))
			log.Errorf("Panic processing job %s: %v", job.ID, r)
		}
	}()

	log.Infof("Processing job %s: %s (%s)", job.ID, job.Filename, job.Kind)
	job.SetProgress(10, "Processing started...")

	fn, name := m.callbackFor(job.Kind)
	if name == "" {
		job.Fail(fmt.Sprintf("unknown processing type: %s", job.Kind))
		return
	}
	if fn == nil {
		job.Fail(name + " callback not configured")
		return
	}

	result, err := fn(context.Background(), job)
	if err != nil {
		job.Fail(err.Error())
		log.Errorf("Job %s failed: %v", job.ID, err)
		return
	}
	job.Complete(result)
	if d, ok := job.ProcessingDuration(); ok {
		log.Infof("Completed job %s in %.2fs", job.ID, d.Seconds())
	}
}

func (m *Manager) callbackFor(kind models.JobKind) (ProcessFunc, string) {
	switch kind {
	case models.KindTranscription, models.KindAudioAnalysis:
		return m.transcribe, "transcription"
	case models.KindDocument, models.KindDocumentVectorize:
		return m.document, "document"
	}
	return nil, ""
}
