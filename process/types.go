package process

import (
	"sync"
	"time"
)

// TargetInfo describes the monitored process
type TargetInfo struct {
	PID     int      `json:"pid"`
	Comm    string   `json:"comm"`
	ExePath string   `json:"exe_path,omitempty"`
	CmdLine []string `json:"cmdline,omitempty"`
}

// TargetStats holds the dynamic statistics for the target process
type TargetStats struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUSeconds    float64   `json:"cpu_seconds"`    // user + system time
	ResidentBytes uint64    `json:"resident_bytes"` // RSS
	VirtualBytes  uint64    `json:"virtual_bytes"`
	ThreadCount   int       `json:"threads"`
	ReadBytes     uint64    `json:"read_bytes"`
	WriteBytes    uint64    `json:"write_bytes"`
}

// statsHolder guards the latest snapshot
type statsHolder struct {
	mu     sync.RWMutex
	latest TargetStats
	valid  bool
}

func (h *statsHolder) set(s TargetStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = s
	h.valid = true
}

func (h *statsHolder) get() (TargetStats, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.valid
}
