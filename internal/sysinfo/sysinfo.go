// Package sysinfo samples disk, memory and process metrics with gopsutil.
package sysinfo

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const MB = 1024 * 1024

// FreeSpaceFunc reports free bytes on the filesystem holding path
type FreeSpaceFunc func(path string) (uint64, error)

// FreeBytes returns the free space of the filesystem holding path. A path
// that does not exist yet is resolved against its nearest existing parent.
func FreeBytes(path string) (uint64, error) {
	dir := existingAncestor(path)
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to query disk usage for %s: %w", dir, err)
	}
	return usage.Free, nil
}

func existingAncestor(path string) string {
	dir := filepath.Clean(path)
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// ResourceMetrics is a point-in-time snapshot of resource usage
type ResourceMetrics struct {
	MemoryUsedPercent float64   `json:"memory_used_percent"`
	ProcessRSS        uint64    `json:"process_rss"`
	CPUPercent        float64   `json:"cpu_percent"`
	DiskFreeBytes     uint64    `json:"disk_free_bytes"`
	SampledAt         time.Time `json:"sampled_at"`
}

// Sampler caches ResourceMetrics and refreshes them at most once per interval
type Sampler struct {
	dir      string
	interval time.Duration

	mu   sync.Mutex
	last ResourceMetrics
	proc *process.Process
}

// NewSampler creates a sampler whose disk metric follows dir
func NewSampler(dir string, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Sampler{dir: dir, interval: interval}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	} else {
		slog.Debug("Process metrics unavailable", "error", err)
	}
	return s
}

// Snapshot returns the cached metrics, sampling again when they are stale
func (s *Sampler) Snapshot() ResourceMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.last.SampledAt.IsZero() && time.Since(s.last.SampledAt) < s.interval {
		return s.last
	}

	m := ResourceMetrics{SampledAt: time.Now()}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryUsedPercent = vm.UsedPercent
	} else {
		slog.Debug("Failed to sample memory", "error", err)
	}

	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil && info != nil {
			m.ProcessRSS = info.RSS
		}
		// 0 interval compares against the previous call
		if pct, err := s.proc.Percent(0); err == nil {
			m.CPUPercent = pct
		}
	} else if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		m.CPUPercent = pcts[0]
	}

	if s.dir != "" {
		if free, err := FreeBytes(s.dir); err == nil {
			m.DiskFreeBytes = free
		} else {
			slog.Debug("Failed to sample disk", "dir", s.dir, "error", err)
		}
	}

	s.last = m
	return m
}
