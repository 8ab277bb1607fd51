package queue

import (
	"math"
	"time"

	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/models"
)

func roundSeconds(d time.Duration, decimals int) float64 {
	factor := math.Pow10(decimals)
	return math.Round(d.Seconds()*factor) / factor
}

// Stats aggregates the whole manager for observability.
type Stats struct {
	TotalJobs               int            `json:"total_items"`
	ByStatus                map[string]int `json:"by_status"`
	ByKind                  map[string]int `json:"by_type"`
	ByDevice                map[string]int `json:"by_device"`
	ActiveDevices           int            `json:"active_devices"`
	AvgProcessingSeconds    float64        `json:"avg_processing_time_seconds"`
	Gate                    GateStatus     `json:"gpu_status"`
	WorkerRunning           bool           `json:"worker_running"`
	MaxConcurrentProcessing int            `json:"max_concurrent_processing"`
	CurrentProcessing       int            `json:"current_processing"`
}

// DeviceStats summarizes one device's history and current queue.
type DeviceStats struct {
	DeviceID             string     `json:"device_id"`
	TotalQueued          int        `json:"total_queued"`
	TotalProcessing      int        `json:"total_processing"`
	TotalCompleted       int        `json:"total_completed"`
	TotalFailed          int        `json:"total_failed"`
	AvgProcessingSeconds float64    `json:"avg_processing_time_seconds"`
	LastActivity         *time.Time `json:"last_activity,omitempty"`
	CurrentQueueLength   int        `json:"current_queue_length"`
}

// Stats snapshots aggregate counts over every tracked job (queued, in flight
// and terminal-but-unpruned), plus the gate and slot-pool state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()

	byStatus := map[string]int{}
	byKind := map[string]int{}
	byDevice := map[string]int{}
	var completed int
	var totalProcessing time.Duration

	for _, job := range m.jobs {
		byStatus[string(job.Status())]++
		byKind[string(job.Kind)]++
		byDevice[job.DeviceID]++
		if d, ok := job.ProcessingDuration(); ok && job.Status() == models.StatusCompleted {
			completed++
			totalProcessing += d
		}
	}
	totalJobs := len(m.jobs)
	activeDevices := len(m.queues)
	m.mu.Unlock()

	avg := 0.0
	if completed > 0 {
		avg = roundSeconds(totalProcessing/time.Duration(completed), 2)
	}

	return Stats{
		TotalJobs:               totalJobs,
		ByStatus:                byStatus,
		ByKind:                  byKind,
		ByDevice:                byDevice,
		ActiveDevices:           activeDevices,
		AvgProcessingSeconds:    avg,
		Gate:                    m.gate.Status(),
		WorkerRunning:           m.running.Load(),
		MaxConcurrentProcessing: m.opts.MaxConcurrentProcessing,
		CurrentProcessing:       int(m.activeSlots.Load()),
	}
}

// DeviceStats summarizes the given device, or false if it has never
// submitted anything.
func (m *Manager) DeviceStats(deviceID string) (DeviceStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dq := m.queues[deviceID]
	if dq == nil {
		return DeviceStats{}, false
	}

	stats := DeviceStats{
		DeviceID:           deviceID,
		CurrentQueueLength: dq.len(),
	}
	if !dq.lastActivity.IsZero() {
		t := dq.lastActivity
		stats.LastActivity = &t
	}

	var completed int
	var totalProcessing time.Duration
	for _, job := range m.jobs {
		if job.DeviceID != deviceID {
			continue
		}
		switch job.Status() {
		case models.StatusQueued:
			stats.TotalQueued++
		case models.StatusProcessing:
			stats.TotalProcessing++
		case models.StatusCompleted:
			stats.TotalCompleted++
			if d, ok := job.ProcessingDuration(); ok {
				completed++
				totalProcessing += d
			}
		case models.StatusFailed:
			stats.TotalFailed++
		}
	}
	if completed > 0 {
		stats.AvgProcessingSeconds = roundSeconds(totalProcessing/time.Duration(completed), 2)
	}
	return stats, true
}
