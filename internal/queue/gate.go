package queue

import (
	"context"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	log "github.com/sirupsen/logrus"
)

const bytesPerGB = 1 << 30

// ResourceGate guards the shared GPU against overcommit: a hard cap on
// concurrent gated tasks plus a best-effort minimum-free-memory check.
// CanAdmit is a cheap read-only probe; Acquire is the single mutating
// admission step and every successful Acquire must be paired with exactly
// one Release.
type ResourceGate struct {
	maxConcurrent   int
	minFreeMemoryGB float64

	mu       sync.Mutex
	inFlight int
}

// GateStatus is the observability snapshot of the gate. GPU figures are
// best-effort and absent when nvidia-smi is unavailable.
type GateStatus struct {
	CurrentGPUTasks     int     `json:"current_gpu_tasks"`
	MaxConcurrentTasks  int     `json:"max_concurrent_gpu_tasks"`
	SlotsAvailable      int     `json:"gpu_slots_available"`
	MinMemoryRequiredGB float64 `json:"min_memory_required_gb"`

	SystemMemoryAvailableGB *float64 `json:"system_memory_available_gb,omitempty"`
	SystemMemoryTotalGB     *float64 `json:"system_memory_total_gb,omitempty"`
	SystemMemoryPercentUsed *float64 `json:"system_memory_percent_used,omitempty"`

	GPUAvailable          bool `json:"gpu_available"`
	GPUMemoryUsedMB       *int `json:"gpu_memory_used_mb,omitempty"`
	GPUMemoryTotalMB      *int `json:"gpu_memory_total_mb,omitempty"`
	GPUUtilizationPercent *int `json:"gpu_utilization_percent,omitempty"`
}

// NewResourceGate builds a gate allowing maxConcurrent in-flight gated tasks,
// refusing admission while less than minFreeMemoryGB of memory is available.
func NewResourceGate(maxConcurrent int, minFreeMemoryGB float64) *ResourceGate {
	return &ResourceGate{
		maxConcurrent:   maxConcurrent,
		minFreeMemoryGB: minFreeMemoryGB,
	}
}

// CanAdmit reports whether a new gated task could start right now. It never
// mutates state, so the scheduler can probe freely before committing with
// Acquire. Memory checks fail open: if a probe is unavailable the gate does
// not block on it.
func (g *ResourceGate) CanAdmit() bool {
	g.mu.Lock()
	inFlight := g.inFlight
	g.mu.Unlock()

	if inFlight >= g.maxConcurrent {
		return false
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		availableGB := float64(vm.Available) / bytesPerGB
		if availableGB < g.minFreeMemoryGB {
			log.Warnf("Low memory: %.2fGB available, need %.2fGB", availableGB, g.minFreeMemoryGB)
			return false
		}
	} else {
		log.Warnf("Failed to check memory: %v", err)
	}

	if freeGB, ok := nvidiaFreeMemoryGB(); ok && freeGB < g.minFreeMemoryGB {
		log.Warnf("Low GPU memory: %.2fGB available", freeGB)
		return false
	}

	return true
}

// Acquire attempts to claim one gated slot. Atomic with respect to concurrent
// callers; returns false when the gate is at capacity.
func (g *ResourceGate) Acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight >= g.maxConcurrent {
		return false
	}
	g.inFlight++
	log.Infof("GPU acquired: %d/%d tasks", g.inFlight, g.maxConcurrent)
	return true
}

// Release returns one gated slot. The count never goes below zero.
func (g *ResourceGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight > 0 {
		g.inFlight--
	}
	log.Infof("GPU released: %d/%d tasks", g.inFlight, g.maxConcurrent)
}

// InFlight returns the current number of gated tasks.
func (g *ResourceGate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Status returns the gate snapshot for observability.
func (g *ResourceGate) Status() GateStatus {
	g.mu.Lock()
	inFlight := g.inFlight
	g.mu.Unlock()

	status := GateStatus{
		CurrentGPUTasks:     inFlight,
		MaxConcurrentTasks:  g.maxConcurrent,
		SlotsAvailable:      g.maxConcurrent - inFlight,
		MinMemoryRequiredGB: g.minFreeMemoryGB,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		available := roundGB(float64(vm.Available) / bytesPerGB)
		total := roundGB(float64(vm.Total) / bytesPerGB)
		percent := vm.UsedPercent
		status.SystemMemoryAvailableGB = &available
		status.SystemMemoryTotalGB = &total
		status.SystemMemoryPercentUsed = &percent
	}

	if usedMB, totalMB, utilization, ok := nvidiaUsage(); ok {
		status.GPUAvailable = true
		status.GPUMemoryUsedMB = &usedMB
		status.GPUMemoryTotalMB = &totalMB
		status.GPUUtilizationPercent = &utilization
	}

	return status
}

func roundGB(v float64) float64 {
	return math.Round(v*100) / 100
}

// nvidia-smi probes are swappable so tests do not depend on the host GPU.
var (
	nvidiaFreeMemoryGB = queryNvidiaFreeMemoryGB
	nvidiaUsage        = queryNvidiaUsage
)

func runNvidiaSMI(args ...string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi", args...).Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}

func queryNvidiaFreeMemoryGB() (float64, bool) {
	out, ok := runNvidiaSMI("--query-gpu=memory.available", "--format=csv,nounits,noheader")
	if !ok {
		return 0, false
	}
	firstLine := strings.SplitN(out, "\n", 2)[0]
	memMB, err := strconv.Atoi(strings.TrimSpace(firstLine))
	if err != nil {
		return 0, false
	}
	return float64(memMB) / 1024, true
}

func queryNvidiaUsage() (usedMB, totalMB, utilization int, ok bool) {
	out, found := runNvidiaSMI("--query-gpu=memory.used,memory.total,utilization.gpu", "--format=csv,nounits,noheader")
	if !found {
		return 0, 0, 0, false
	}
	parts := strings.Split(strings.SplitN(out, "\n", 2)[0], ",")
	if len(parts) < 3 {
		return 0, 0, 0, false
	}
	used, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	total, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	util, err3 := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	return used, total, util, true
}
