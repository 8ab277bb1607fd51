package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/models"
)

func TestMain(m *testing.M) {
	log.SetLevel(log.WarnLevel)
	os.Exit(m.Run())
}

// newTestManager builds a manager with a fast poll interval and a memory
// threshold no machine fails, with GPU probes stubbed out.
func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	stubNvidia(t, 0, false)
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Millisecond
	}
	if opts.MinGPUMemoryGB == 0 {
		opts.MinGPUMemoryGB = 0.000001
	}
	m := NewManager(opts)
	t.Cleanup(m.Stop)
	return m
}

func submit(t *testing.T, m *Manager, device string, kind models.JobKind, priority models.Priority) *models.Job {
	t.Helper()
	job, err := m.Submit(device, "upload.bin", []byte("payload"), kind, priority, nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond) // keep creation times strictly ordered
	return job
}

func TestSubmitReportsQueuedWithPosition(t *testing.T) {
	m := newTestManager(t, Options{})

	first := submit(t, m, "esp32-a", models.KindTranscription, models.PriorityNormal)
	second := submit(t, m, "esp32-a", models.KindTranscription, models.PriorityNormal)
	require.NotEqual(t, first.ID, second.ID)

	s, err := m.GetStatus(first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, s.Status)
	assert.Equal(t, 1, s.QueuePosition)

	s, err = m.GetStatus(second.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.QueuePosition)
}

func TestGetStatusUnknownJob(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.GetStatus("nope")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestPerDeviceCapRejectsWithoutMutation(t *testing.T) {
	m := newTestManager(t, Options{MaxQueueSizePerDevice: 2})

	a1 := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)
	a2 := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)

	_, err := m.Submit("dev-a", "third.bin", []byte("x"), models.KindTranscription, models.PriorityUrgent, nil)
	require.ErrorIs(t, err, models.ErrDeviceQueueFull)

	// the rejected submit must not have touched dev-a's queue
	queued := m.DeviceQueue("dev-a")
	require.Len(t, queued, 2)
	assert.Equal(t, a1.ID, queued[0].ID)
	assert.Equal(t, a2.ID, queued[1].ID)

	// other devices are unaffected by dev-a's cap
	_, err = m.Submit("dev-b", "ok.bin", []byte("x"), models.KindTranscription, models.PriorityNormal, nil)
	assert.NoError(t, err)
}

func TestGlobalCapRejectsEvenBelowDeviceCap(t *testing.T) {
	m := newTestManager(t, Options{MaxQueueSizePerDevice: 10, MaxTotalQueueSize: 2})

	submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)
	submit(t, m, "dev-b", models.KindTranscription, models.PriorityNormal)

	_, err := m.Submit("dev-c", "new.bin", []byte("x"), models.KindTranscription, models.PriorityNormal, nil)
	assert.ErrorIs(t, err, models.ErrTotalQueueFull)
}

func TestCancelQueuedJob(t *testing.T) {
	m := newTestManager(t, Options{})
	job := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)

	require.True(t, m.Cancel(job.ID))
	assert.Equal(t, models.StatusCancelled, job.Status())
	assert.NotNil(t, job.CompletedAt())
	assert.Empty(t, m.DeviceQueue("dev-a"))

	// repeated cancels and unknown IDs are no-ops
	assert.False(t, m.Cancel(job.ID))
	assert.False(t, m.Cancel("unknown"))
}

func TestCancelProcessingJobIsNoop(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m := newTestManager(t, Options{MaxConcurrentProcessing: 1, GPUConcurrentLimit: 1})
	m.SetCallbacks(func(ctx context.Context, job *models.Job) (any, error) {
		close(started)
		<-release
		return "ok", nil
	}, nil)

	job := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)
	m.Start(context.Background())

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job was never dispatched")
	}

	assert.False(t, m.Cancel(job.ID), "in-flight work is never interrupted")
	close(release)

	require.Eventually(t, func() bool {
		return job.Status() == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

// Producer A submits three normal jobs, then B submits one urgent job: the
// urgent job is dispatched first, then A's jobs in submission order.
func TestDispatchOrderPriorityThenFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	m := newTestManager(t, Options{MaxConcurrentProcessing: 1, GPUConcurrentLimit: 1})
	m.SetCallbacks(func(ctx context.Context, job *models.Job) (any, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return "ok", nil
	}, nil)

	a1 := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)
	a2 := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)
	a3 := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)
	b1 := submit(t, m, "dev-b", models.KindTranscription, models.PriorityUrgent)

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{b1.ID, a1.ID, a2.ID, a3.ID}, order)
}

func TestHigherPriorityOvertakesWithinDevice(t *testing.T) {
	m := newTestManager(t, Options{})
	low := submit(t, m, "dev-a", models.KindTranscription, models.PriorityLow)
	high := submit(t, m, "dev-a", models.KindTranscription, models.PriorityHigh)

	queued := m.DeviceQueue("dev-a")
	require.Len(t, queued, 2)
	assert.Equal(t, high.ID, queued[0].ID)
	assert.Equal(t, low.ID, queued[1].ID)
}

// With a gate limit of one, two eligible jobs are processed strictly one at
// a time; the second stays queued until the first completes and releases.
func TestGateLimitSerializesProcessing(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	m := newTestManager(t, Options{MaxConcurrentProcessing: 2, GPUConcurrentLimit: 1})
	m.SetCallbacks(func(ctx context.Context, job *models.Job) (any, error) {
		started <- job.ID
		<-release
		return "ok", nil
	}, nil)

	j1 := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)
	j2 := submit(t, m, "dev-b", models.KindTranscription, models.PriorityNormal)
	m.Start(context.Background())

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("no job was dispatched")
	}

	// exactly one processing, the other waiting; gate never exceeds its max
	require.Eventually(t, func() bool {
		s1, s2 := j1.Status(), j2.Status()
		processing := 0
		queued := 0
		for _, s := range []models.JobStatus{s1, s2} {
			switch s {
			case models.StatusProcessing:
				processing++
			case models.StatusQueued:
				queued++
			}
		}
		return processing == 1 && queued == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, m.Gate().InFlight(), 1)

	close(release)
	require.Eventually(t, func() bool {
		return j1.Status() == models.StatusCompleted && j2.Status() == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Gate().InFlight())
}

// A panicking callback fails the job, leaks nothing and leaves the loop
// able to service later jobs.
func TestCallbackPanicFailsJobWithoutLeaking(t *testing.T) {
	m := newTestManager(t, Options{MaxConcurrentProcessing: 1, GPUConcurrentLimit: 1})
	m.SetCallbacks(
		func(ctx context.Context, job *models.Job) (any, error) {
			panic("model blew up")
		},
		func(ctx context.Context, job *models.Job) (any, error) {
			return map[string]any{"chunks": 1}, nil
		},
	)

	bad := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)
	good := submit(t, m, "dev-a", models.KindDocument, models.PriorityNormal)
	m.Start(context.Background())

	require.Eventually(t, func() bool {
		return bad.Status() == models.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, bad.Err(), "model blew up")

	// the loop survived and the later job still completes
	require.Eventually(t, func() bool {
		return good.Status() == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, m.Gate().InFlight())
	require.Eventually(t, func() bool {
		return m.Stats().CurrentProcessing == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCallbackErrorFailsJob(t *testing.T) {
	m := newTestManager(t, Options{})
	m.SetCallbacks(func(ctx context.Context, job *models.Job) (any, error) {
		return nil, context.DeadlineExceeded
	}, nil)

	job := submit(t, m, "dev-a", models.KindAudioAnalysis, models.PriorityNormal)
	m.Start(context.Background())

	require.Eventually(t, func() bool {
		return job.Status() == models.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, job.Err(), "deadline exceeded")
}

func TestMissingCallbackFailsImmediately(t *testing.T) {
	m := newTestManager(t, Options{})
	m.SetCallbacks(nil, nil)

	job := submit(t, m, "dev-a", models.KindDocumentVectorize, models.PriorityNormal)
	m.Start(context.Background())

	require.Eventually(t, func() bool {
		return job.Status() == models.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "document callback not configured", job.Err())
	assert.Equal(t, 0, m.Gate().InFlight())
}

// A job that loses the gate race is rolled back to the front of its queue
// with its start time cleared, never dropped.
func TestRequeueAfterLostReservation(t *testing.T) {
	m := newTestManager(t, Options{})
	job := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)
	waiting := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)

	// simulate the scheduler's provisional dispatch
	m.mu.Lock()
	m.queues["dev-a"].remove(job.ID)
	m.mu.Unlock()
	require.True(t, job.MarkProcessing())

	m.requeue(job)

	assert.Equal(t, models.StatusQueued, job.Status())
	assert.Nil(t, job.StartedAt())
	queued := m.DeviceQueue("dev-a")
	require.Len(t, queued, 2)
	assert.Equal(t, job.ID, queued[0].ID, "rolled-back job resumes ahead of later arrivals")
	assert.Equal(t, waiting.ID, queued[1].ID)
}

// A Cancel racing the rollback of a lost reservation must resolve cleanly:
// either it sees the job still processing (no-op, then cancels it once back
// in the queue) or it cancels after the rollback. A cancelled job sitting in
// a device queue would be picked as head and abort the dispatch chain.
func TestRequeueRacingCancelNeverQueuesTerminalJob(t *testing.T) {
	m := newTestManager(t, Options{MaxTotalQueueSize: 1000})

	for i := 0; i < 200; i++ {
		job, err := m.Submit("dev-a", "upload.bin", []byte("x"), models.KindTranscription, models.PriorityNormal, nil)
		require.NoError(t, err)

		// simulate the scheduler's provisional dispatch
		m.mu.Lock()
		m.queues["dev-a"].remove(job.ID)
		m.mu.Unlock()
		require.True(t, job.MarkProcessing())

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !m.Cancel(job.ID) {
			}
		}()
		m.requeue(job)
		wg.Wait()

		// the canceller always wins eventually; the queue must be empty
		require.Equal(t, models.StatusCancelled, job.Status())
		queued := m.DeviceQueue("dev-a")
		require.Emptyf(t, queued, "cancelled job %s is sitting in the device queue", job.ID)
	}
}

func TestPruneRemovesOnlyOldTerminalJobs(t *testing.T) {
	m := newTestManager(t, Options{})

	cancelled := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)
	require.True(t, m.Cancel(cancelled.ID))
	queued := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)

	time.Sleep(5 * time.Millisecond)

	// young terminal jobs survive a long retention window
	assert.Equal(t, 0, m.PruneOlderThan(time.Hour))

	// an expired window prunes the terminal job but never the queued one
	assert.Equal(t, 1, m.PruneOlderThan(time.Millisecond))
	_, err := m.GetStatus(cancelled.ID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
	_, err = m.GetStatus(queued.ID)
	assert.NoError(t, err)
}

func TestStatsAggregation(t *testing.T) {
	m := newTestManager(t, Options{MaxConcurrentProcessing: 4})
	m.SetCallbacks(func(ctx context.Context, job *models.Job) (any, error) {
		return "ok", nil
	}, nil)

	submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)
	submit(t, m, "dev-b", models.KindAudioAnalysis, models.PriorityHigh)
	cancelled := submit(t, m, "dev-b", models.KindTranscription, models.PriorityLow)
	require.True(t, m.Cancel(cancelled.ID))

	stats := m.Stats()
	assert.Equal(t, 3, stats.TotalJobs)
	assert.Equal(t, 2, stats.ByStatus[string(models.StatusQueued)])
	assert.Equal(t, 1, stats.ByStatus[string(models.StatusCancelled)])
	assert.Equal(t, 2, stats.ByKind[string(models.KindTranscription)])
	assert.Equal(t, 2, stats.ByDevice["dev-b"])
	assert.Equal(t, 2, stats.ActiveDevices)
	assert.Equal(t, 4, stats.MaxConcurrentProcessing)
	assert.False(t, stats.WorkerRunning)

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.ByStatus[string(models.StatusCompleted)] == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.Stats().WorkerRunning)
}

func TestDeviceStats(t *testing.T) {
	m := newTestManager(t, Options{})
	m.SetCallbacks(func(ctx context.Context, job *models.Job) (any, error) {
		return "ok", nil
	}, nil)

	_, ok := m.DeviceStats("ghost")
	assert.False(t, ok)

	done := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)
	submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return done.Status() == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	stats, ok := m.DeviceStats("dev-a")
	require.True(t, ok)
	assert.Equal(t, "dev-a", stats.DeviceID)
	assert.Equal(t, 2, stats.TotalCompleted+stats.TotalQueued+stats.TotalProcessing)
	assert.NotNil(t, stats.LastActivity)
}

func TestStartStopIdempotent(t *testing.T) {
	m := newTestManager(t, Options{})
	m.Start(context.Background())
	m.Start(context.Background())
	assert.True(t, m.Running())
	m.Stop()
	m.Stop()
	assert.False(t, m.Running())
}

func TestStopDoesNotDropQueuedJobs(t *testing.T) {
	m := newTestManager(t, Options{PollInterval: time.Hour})
	job := submit(t, m, "dev-a", models.KindTranscription, models.PriorityNormal)

	m.Start(context.Background())
	m.Stop()

	s, err := m.GetStatus(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, s.Status)
	assert.Equal(t, 1, s.QueuePosition)
}
