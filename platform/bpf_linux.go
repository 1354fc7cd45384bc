//go:build linux

package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	log "github.com/sirupsen/logrus"
)

const (
	eventsMapName = "events"
	targetMapName = "target_pid"
)

type LinuxBPFMonitor struct {
	cfg      MonitorConfig
	stopOnce sync.Once
	stopChan chan struct{}

	coll  *ebpf.Collection
	links []link.Link
}

func NewBPFMonitor(cfg MonitorConfig) (BPFMonitor, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("monitor needs a dispatcher")
	}
	if cfg.ObjectPath == "" {
		return nil, errors.New("monitor needs a BPF object path")
	}
	if cfg.Profile.NeedsLibrary() && cfg.Library == "" {
		return nil, fmt.Errorf("profile %s needs a library to attach uprobes to", cfg.Profile.Name)
	}
	return &LinuxBPFMonitor{
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}, nil
}

func (m *LinuxBPFMonitor) Start(ctx context.Context) error {
	// Remove resource limits
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("failed to remove memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(m.cfg.ObjectPath)
	if err != nil {
		return fmt.Errorf("failed to load BPF object %s: %w", m.cfg.ObjectPath, err)
	}

	m.coll, err = ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("failed to load BPF collection: %w", err)
	}
	defer m.close()

	if err := m.setTarget(); err != nil {
		return err
	}

	if err := m.attach(); err != nil {
		return err
	}

	events, ok := m.coll.Maps[eventsMapName]
	if !ok {
		return fmt.Errorf("BPF object has no %s map", eventsMapName)
	}
	reader, err := ringbuf.NewReader(events)
	if err != nil {
		return fmt.Errorf("failed to create ringbuf reader: %w", err)
	}

	if m.cfg.OnAttached != nil {
		m.cfg.OnAttached()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go m.handleEvents(&wg, reader)

	log.Infof("Sampling with profile %s (%d probes)... Press Ctrl+C to exit", m.cfg.Profile.Name, len(m.links))

	select {
	case <-ctx.Done():
	case <-m.stopChan:
	}

	// Closing the reader unblocks Read with ErrClosed
	reader.Close()
	wg.Wait()
	return nil
}

func (m *LinuxBPFMonitor) Stop() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	return nil
}

// setTarget writes the filter into the kernel side so kernel probes drop
// foreign pids before touching the ring buffer
func (m *LinuxBPFMonitor) setTarget() error {
	target, ok := m.coll.Maps[targetMapName]
	if !ok {
		return fmt.Errorf("BPF object has no %s map", targetMapName)
	}
	if err := target.Put(uint32(0), int32(m.cfg.Target)); err != nil {
		return fmt.Errorf("failed to set target pid: %w", err)
	}
	return nil
}

func (m *LinuxBPFMonitor) attach() error {
	var exe *link.Executable
	if m.cfg.Profile.NeedsLibrary() {
		var err error
		exe, err = link.OpenExecutable(m.cfg.Library)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", m.cfg.Library, err)
		}
	}

	for _, probe := range m.cfg.Profile.Probes {
		l, err := m.attachProbe(exe, probe)
		if err != nil {
			if probe.Optional {
				log.Warnf("Warning: failed to attach optional %s %s: %v", probe.Type, probe.AttachSymbol(), err)
				continue
			}
			return fmt.Errorf("failed to attach %s %s: %w", probe.Type, probe.AttachSymbol(), err)
		}
		log.Debugf("Attached %s %s -> %s", probe.Type, probe.AttachSymbol(), probe.Program)
		m.links = append(m.links, l)
	}
	return nil
}

func (m *LinuxBPFMonitor) attachProbe(exe *link.Executable, probe Probe) (link.Link, error) {
	prog, ok := m.coll.Programs[probe.Program]
	if !ok {
		return nil, fmt.Errorf("program %s not found in BPF object", probe.Program)
	}

	opts := &link.UprobeOptions{}
	if !m.cfg.Target.Any() {
		opts.PID = int(m.cfg.Target)
	}

	switch probe.Type {
	case Uprobe:
		return exe.Uprobe(probe.AttachSymbol(), prog, opts)
	case Uretprobe:
		return exe.Uretprobe(probe.AttachSymbol(), prog, opts)
	case Kprobe:
		return link.Kprobe(probe.AttachSymbol(), prog, nil)
	case Kretprobe:
		return link.Kretprobe(probe.AttachSymbol(), prog, nil)
	default:
		return nil, fmt.Errorf("unsupported probe type %s", probe.Type)
	}
}

func (m *LinuxBPFMonitor) handleEvents(wg *sync.WaitGroup, reader *ringbuf.Reader) {
	defer wg.Done()

	var record ringbuf.Record
	backoff := newReadBackoff()
	for {
		if err := reader.ReadInto(&record); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			select {
			case <-m.stopChan:
				return
			case <-time.After(backoff.failed(err)):
			}
			continue
		}
		backoff.ok()

		ev, err := DecodeHookEvent(record.RawSample)
		if err != nil {
			log.Printf("Failed to parse hook event: %v", err)
			continue
		}
		m.cfg.Dispatcher.Handle(ev)
	}
}

func (m *LinuxBPFMonitor) close() {
	for _, l := range m.links {
		if err := l.Close(); err != nil {
			log.Debugf("Failed to detach probe: %v", err)
		}
	}
	m.links = nil
	if m.coll != nil {
		m.coll.Close()
	}
}
