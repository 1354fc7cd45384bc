package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jnesss/bpf-sampler/config"
	"github.com/jnesss/bpf-sampler/platform"
	"github.com/jnesss/bpf-sampler/types"
)

// cliFlags holds raw flag values. Only flags set on the command line
// override the config file.
type cliFlags struct {
	configPath   string
	pid          int
	sampleRate   uint64
	executable   string
	library      string
	output       string
	delimiter    string
	kafkaBrokers []string
	kafkaTopic   string
	listen       string
	bufferSize   int
	bpfObject    string
	procRoot     string
	logLevel     string
}

func newRootCommand() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "bpf-sampler",
		Short:         "Sample allocation and write activity with eBPF probes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file, reloaded on change")
	pf.IntVarP(&flags.pid, "pid", "p", int(types.AnyTarget), "Process to sample, -1 for any")
	pf.Uint64VarP(&flags.sampleRate, "sample-rate", "s", config.DefaultSampleRate, "Minimum ns between two allocation records per process")
	pf.StringVarP(&flags.executable, "executable", "e", "", "Sample the process with this name, overrides --pid")
	pf.StringVar(&flags.library, "library", "", "Library uprobes attach to (short name or path)")
	pf.StringVar(&flags.output, "output", config.OutputText, "Record sink: text or kafka")
	pf.StringVar(&flags.delimiter, "delimiter", ",", "Field delimiter for text output")
	pf.StringSliceVar(&flags.kafkaBrokers, "kafka-brokers", nil, "Kafka broker addresses")
	pf.StringVar(&flags.kafkaTopic, "kafka-topic", "", "Kafka topic")
	pf.StringVar(&flags.listen, "listen", "", "Serve status JSON on this address")
	pf.IntVar(&flags.bufferSize, "buffer-size", 0, "Event buffer capacity in records")
	pf.StringVar(&flags.bpfObject, "bpf-object", "", "Compiled BPF object")
	pf.StringVar(&flags.procRoot, "proc-root", "", "procfs mount point")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	for _, name := range platform.ProfileNames() {
		profile, err := platform.LookupProfile(name)
		if err != nil {
			continue
		}
		root.AddCommand(newProfileCommand(profile, flags))
	}

	return root
}

func newProfileCommand(profile platform.Profile, flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   profile.Name,
		Short: profile.Description,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := cmd.Flags().Changed
			cfg, err := loadConfig(flags, changed)
			if err != nil {
				return err
			}
			overrides := func(c *config.Config) { applyFlags(c, flags, changed) }
			return run(cmd.Context(), profile, cfg, flags.configPath, overrides)
		},
	}
}

// loadConfig reads the config file and applies the flags that were set
func loadConfig(flags *cliFlags, changed func(string) bool) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, flags, changed)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cfg, fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	return cfg, nil
}

func applyFlags(cfg *config.Config, flags *cliFlags, changed func(string) bool) {
	if changed("pid") {
		cfg.PID = flags.pid
	}
	if changed("sample-rate") {
		cfg.SampleRate = flags.sampleRate
	}
	if changed("executable") {
		cfg.Executable = flags.executable
	}
	if changed("library") {
		cfg.Library = flags.library
	}
	if changed("output") {
		cfg.Output = flags.output
	}
	if changed("delimiter") {
		cfg.Delimiter = flags.delimiter
	}
	if changed("kafka-brokers") {
		cfg.Kafka.Brokers = flags.kafkaBrokers
	}
	if changed("kafka-topic") {
		cfg.Kafka.Topic = flags.kafkaTopic
	}
	if changed("listen") {
		cfg.Listen = flags.listen
	}
	if changed("buffer-size") {
		cfg.BufferSize = flags.bufferSize
	}
	if changed("bpf-object") {
		cfg.BPFObject = flags.bpfObject
	}
	if changed("proc-root") {
		cfg.ProcRoot = flags.procRoot
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
}
