package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jnesss/bpf-sampler/alloc"
	"github.com/jnesss/bpf-sampler/binary"
	"github.com/jnesss/bpf-sampler/config"
	"github.com/jnesss/bpf-sampler/consumer"
	"github.com/jnesss/bpf-sampler/eventbuf"
	"github.com/jnesss/bpf-sampler/network"
	"github.com/jnesss/bpf-sampler/platform"
	"github.com/jnesss/bpf-sampler/process"
	"github.com/jnesss/bpf-sampler/types"
	"github.com/jnesss/bpf-sampler/web"
)

const (
	targetStatsInterval = time.Second
	symbolCacheSize     = 8
)

// sampler owns every long-lived component of one run
type sampler struct {
	profile   platform.Profile
	cfg       config.Config
	target    types.TargetFilter
	library   string
	startedAt time.Time

	sampleRate atomic.Uint64

	// overrides reapplies command line flags to a reloaded config
	overrides func(*config.Config)

	buffer     *eventbuf.Buffer[types.Frame]
	aggregator *alloc.Aggregator
	correlator *network.WriteCorrelator
	dispatcher *platform.Dispatcher
	consumer   *consumer.Consumer
	sink       consumer.Sink
	targetInfo *process.StatsCollector
}

func run(ctx context.Context, profile platform.Profile, cfg config.Config, configPath string, overrides func(*config.Config)) error {
	resolver, err := process.NewResolver(cfg.ProcRoot)
	if err != nil {
		return err
	}

	target, err := resolver.ResolveTarget(cfg.PID, cfg.Executable)
	if err != nil {
		return fmt.Errorf("failed to resolve target: %w", err)
	}
	if profile.Kernel() && target.Any() {
		log.Warnf("Profile %s samples every process on the host; pass --pid or --executable to narrow it", profile.Name)
	}

	library, err := resolveLibrary(resolver, profile, target, cfg.Library)
	if err != nil {
		return err
	}
	if library != "" {
		symbols, err := binary.NewCache(symbolCacheSize)
		if err != nil {
			return err
		}
		if err := checkProbeSymbols(symbols, profile, library); err != nil {
			return err
		}
	}

	sink, err := newSink(cfg, os.Stdout)
	if err != nil {
		return err
	}

	s, err := newSampler(profile, cfg, target, library, sink)
	if err != nil {
		sink.Close()
		return err
	}
	s.overrides = overrides
	if !target.Any() {
		s.targetInfo = process.NewStatsCollector(resolver, int(target), targetStatsInterval)
	}

	monitor, err := platform.NewBPFMonitor(platform.MonitorConfig{
		ObjectPath: cfg.BPFObject,
		Profile:    profile,
		Target:     target,
		Library:    library,
		Dispatcher: s.dispatcher,
		OnAttached: onAttached,
	})
	if err != nil {
		sink.Close()
		return err
	}

	return s.run(ctx, monitor, configPath)
}

// resolveLibrary picks the binary uprobes attach to. Kernel profiles need none.
func resolveLibrary(resolver *process.Resolver, profile platform.Profile, target types.TargetFilter, library string) (string, error) {
	if !profile.NeedsLibrary() {
		return "", nil
	}
	if library == "" {
		library = profile.DefaultLibrary
	}
	if library == "" {
		return "", fmt.Errorf("profile %s needs --library", profile.Name)
	}

	path, err := resolver.FindLibrary(int(target), library)
	if err != nil {
		return "", fmt.Errorf("failed to find library %s: %w", library, err)
	}
	log.Infof("Attaching %s uprobes to %s", profile.Name, path)
	return path, nil
}

// checkProbeSymbols fails early when library lacks a required uprobe symbol
func checkProbeSymbols(symbols *binary.Cache, profile platform.Profile, library string) error {
	var want []string
	optional := make(map[string]bool)
	for _, p := range profile.Probes {
		if p.Type.Kernel() {
			continue
		}
		want = append(want, p.Symbol)
		optional[p.Symbol] = p.Optional
	}

	missing, err := symbols.Missing(library, want)
	if err != nil {
		return fmt.Errorf("failed to read symbols of %s: %w", library, err)
	}

	var required []string
	for _, name := range missing {
		if optional[name] {
			log.Debugf("Optional symbol %s not exported by %s", name, library)
			continue
		}
		required = append(required, name)
	}
	if len(required) > 0 {
		return fmt.Errorf("%s does not export %v, is it the right library for profile %s?", library, required, profile.Name)
	}
	return nil
}

func newSink(cfg config.Config, stdout io.Writer) (consumer.Sink, error) {
	switch cfg.Output {
	case config.OutputKafka:
		return consumer.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	case config.OutputText, "":
		return consumer.NewTextSink(stdout, cfg.Delimiter), nil
	default:
		return nil, fmt.Errorf("unknown output %q", cfg.Output)
	}
}

// newSampler builds the pipeline for profile. Allocation profiles get an
// aggregator, the write profile gets a correlator.
func newSampler(profile platform.Profile, cfg config.Config, target types.TargetFilter, library string, sink consumer.Sink) (*sampler, error) {
	s := &sampler{
		profile:   profile,
		cfg:       cfg,
		target:    target,
		library:   library,
		startedAt: time.Now(),
		buffer:    eventbuf.New[types.Frame](cfg.BufferSize),
		sink:      sink,
	}
	s.sampleRate.Store(cfg.SampleRate)

	var (
		allocs platform.AllocationRecorder
		writes network.WriteTracker
	)

	switch profile.Name {
	case "write":
		c, err := network.NewWriteCorrelator(target, cfg.MaxInFlight, types.MonotonicClock{})
		if err != nil {
			return nil, fmt.Errorf("failed to create write correlator: %w", err)
		}
		s.correlator = c
		writes = c
	case "send":
	default:
		a, err := alloc.NewAggregator(alloc.Options{
			ThresholdNs: cfg.SampleRate,
			MaxKeys:     cfg.MaxKeys,
			OnFlush:     s.emit,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create aggregator: %w", err)
		}
		s.aggregator = a
		allocs = a
	}

	s.dispatcher = platform.NewDispatcher(allocs, writes, s.buffer, target)
	s.consumer = consumer.New(s.buffer, sink, consumer.Options{
		Filter: target,
		Batch:  cfg.BatchRecords,
	})
	return s, nil
}

// emit is the aggregator eviction callback. The dispatcher is created after
// the aggregator, and evictions only happen once events flow.
func (s *sampler) emit(rec types.Record) {
	s.dispatcher.Emit(rec)
}

// flush pushes every pending aggregation window into the buffer
func (s *sampler) flush() {
	if s.aggregator == nil {
		return
	}
	recs := s.aggregator.Flush()
	for _, rec := range recs {
		s.dispatcher.Emit(rec)
	}
	log.Debugf("Flushed %d pending allocation windows", len(recs))
}

// run attaches the monitor and blocks until ctx is done or a stage fails.
// Shutdown order: stop probes, flush pending windows, drain the buffer, close
// the sink.
func (s *sampler) run(ctx context.Context, monitor platform.BPFMonitor, configPath string) error {
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	consumerDone := make(chan error, 1)
	go func() { consumerDone <- s.consumer.Run(consumerCtx) }()

	auxCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()
	var aux sync.WaitGroup
	s.startAux(auxCtx, &aux, configPath)

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- monitor.Start(ctx) }()

	var monitorErr, consumerErr error
	consumerFinished := false
	select {
	case monitorErr = <-monitorDone:
	case consumerErr = <-consumerDone:
		consumerFinished = true
		monitor.Stop()
		monitorErr = <-monitorDone
	}

	log.Info("Shutting down...")
	stopAux()
	s.flush()
	stopConsumer()
	if !consumerFinished {
		consumerErr = <-consumerDone
	}
	closeErr := s.sink.Close()
	aux.Wait()

	stats := s.consumer.Stats()
	log.Infof("Wrote %d records, %d dropped", stats.Written, s.buffer.Dropped())

	return errors.Join(monitorErr, consumerErr, closeErr)
}

// startAux launches the config watcher, target stats and status server. Their
// failures are logged and never stop sampling.
func (s *sampler) startAux(ctx context.Context, wg *sync.WaitGroup, configPath string) {
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warnf("Warning: %s stopped: %v", name, err)
			}
		}()
	}

	if configPath != "" {
		w, err := config.NewWatcher(configPath, s.applyConfig)
		if err != nil {
			log.Warnf("Warning: config reload disabled: %v", err)
		} else {
			start("config watcher", w.Run)
		}
	}

	if s.targetInfo != nil {
		start("target stats", s.targetInfo.Start)
	}

	if s.cfg.Listen != "" {
		start("status server", web.NewServer(s, s.cfg.Listen).Start)
	}
}

// applyConfig hot-applies the reloadable settings of a changed config file.
// Flags given on the command line still win over the file.
func (s *sampler) applyConfig(cfg config.Config) {
	if s.overrides != nil {
		s.overrides(&cfg)
	}
	if cfg.SampleRate != s.sampleRate.Load() {
		if err := s.SetSampleRate(cfg.SampleRate); err != nil {
			log.Warnf("Warning: ignoring reloaded sample rate: %v", err)
		} else {
			log.Infof("Sample rate reloaded: %d ns", cfg.SampleRate)
		}
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil && level != log.GetLevel() {
		log.SetLevel(level)
		log.Infof("Log level reloaded: %s", level)
	}
}
