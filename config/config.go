// Package config holds sampler settings loaded from defaults, an optional
// YAML file and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jnesss/bpf-sampler/types"
)

// Output kinds
const (
	OutputText  = "text"
	OutputKafka = "kafka"
)

// DefaultSampleRate is the default aggregation window in nanoseconds
const DefaultSampleRate = 500_000

// Config is the full sampler configuration
type Config struct {
	// Core settings
	PID        int    `yaml:"pid"`
	SampleRate uint64 `yaml:"sample_rate"` // minimum ns between two allocation records
	Executable string `yaml:"executable,omitempty"`
	Library    string `yaml:"library,omitempty"`

	BufferSize   int `yaml:"buffer_size"`   // event channel capacity, in records
	MaxKeys      int `yaml:"max_keys"`      // aggregation table size
	MaxInFlight  int `yaml:"max_in_flight"` // write correlation table size
	BatchRecords int `yaml:"batch_records"` // consumer drain batch size hint

	BPFObject string `yaml:"bpf_object"`
	ProcRoot  string `yaml:"proc_root,omitempty"`

	Output    string      `yaml:"output"`
	Delimiter string      `yaml:"delimiter"`
	Kafka     KafkaConfig `yaml:"kafka"`

	Listen   string `yaml:"listen,omitempty"`
	LogLevel string `yaml:"log_level"`
}

// KafkaConfig configures the kafka sink
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		PID:          int(types.AnyTarget),
		SampleRate:   DefaultSampleRate,
		BufferSize:   1 << 15,
		MaxKeys:      1024,
		MaxInFlight:  10240,
		BatchRecords: 256,
		BPFObject:    "bpf/sampler.bpf.o",
		Output:       OutputText,
		Delimiter:    ",",
		Kafka: KafkaConfig{
			Topic: "bpf-sampler",
		},
		LogLevel: "info",
	}
}

// Load reads path on top of the defaults. Keys missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if err := cfg.merge(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) merge(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// ValidateSampleRate rejects a window that would emit on every call
func ValidateSampleRate(ns uint64) error {
	if ns == 0 {
		return errors.New("sample_rate must be positive")
	}
	return nil
}

// Validate checks the configuration for values the sampler cannot run with
func (c Config) Validate() error {
	var errs []error

	if c.PID < -1 {
		errs = append(errs, fmt.Errorf("pid must be -1 (any) or a process id, got %d", c.PID))
	}
	if err := ValidateSampleRate(c.SampleRate); err != nil {
		errs = append(errs, err)
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize))
	}
	if c.MaxKeys <= 0 {
		errs = append(errs, fmt.Errorf("max_keys must be positive, got %d", c.MaxKeys))
	}
	if c.MaxInFlight <= 0 {
		errs = append(errs, fmt.Errorf("max_in_flight must be positive, got %d", c.MaxInFlight))
	}
	if c.BPFObject == "" {
		errs = append(errs, errors.New("bpf_object must be set"))
	}

	switch c.Output {
	case OutputText:
		if c.Delimiter == "" || strings.ContainsAny(c.Delimiter, "\n\r") {
			errs = append(errs, fmt.Errorf("invalid delimiter %q", c.Delimiter))
		}
	case OutputKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka output needs at least one broker"))
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka output needs a topic"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown output %q (want %s or %s)", c.Output, OutputText, OutputKafka))
	}

	return errors.Join(errs...)
}
