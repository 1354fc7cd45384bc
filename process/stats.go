package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"
)

// StatsCollector manages periodic collection of target statistics
type StatsCollector struct {
	resolver           *Resolver
	pid                int
	collectionInterval time.Duration
	stats              statsHolder
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector(resolver *Resolver, pid int, interval time.Duration) *StatsCollector {
	return &StatsCollector{
		resolver:           resolver,
		pid:                pid,
		collectionInterval: interval,
	}
}

// Start begins periodic collection. It returns nil when the target exits and
// ctx.Err() when ctx is done.
func (sc *StatsCollector) Start(ctx context.Context) error {
	ticker := time.NewTicker(sc.collectionInterval)
	defer ticker.Stop()

	log.Debugf("Starting target stats collection for pid %d every %v", sc.pid, sc.collectionInterval)

	for {
		if err := sc.Collect(); err != nil {
			if errors.Is(err, ErrNoSuchProcess) {
				log.Infof("Target process %d exited", sc.pid)
				return nil
			}
			log.Printf("Error collecting target stats: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Collect takes one snapshot of the target
func (sc *StatsCollector) Collect() error {
	p, err := sc.resolver.fs.Proc(sc.pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: pid %d", ErrNoSuchProcess, sc.pid)
		}
		return err
	}

	stat, err := p.Stat()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: pid %d", ErrNoSuchProcess, sc.pid)
		}
		return fmt.Errorf("failed to read stat of %d: %w", sc.pid, err)
	}

	stats := statsFromProc(stat)

	// io needs ptrace access to the target, treat it as optional
	if io, err := p.IO(); err == nil {
		stats.ReadBytes = io.ReadBytes
		stats.WriteBytes = io.WriteBytes
	}

	sc.stats.set(stats)
	return nil
}

func statsFromProc(stat procfs.ProcStat) TargetStats {
	return TargetStats{
		Timestamp:     time.Now(),
		CPUSeconds:    stat.CPUTime(),
		ResidentBytes: uint64(stat.ResidentMemory()),
		VirtualBytes:  uint64(stat.VirtualMemory()),
		ThreadCount:   stat.NumThreads,
	}
}

// Latest returns the most recent snapshot, if any
func (sc *StatsCollector) Latest() (TargetStats, bool) {
	return sc.stats.get()
}
