package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/bpf-sampler/types"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(DefaultSampleRate), cfg.SampleRate)
	assert.Equal(t, int(types.AnyTarget), cfg.PID)
	assert.Equal(t, OutputText, cfg.Output)
	assert.Equal(t, ",", cfg.Delimiter)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sampler.yaml")
	writeConfig(t, path, `
pid: 4242
sample_rate: 1000000
output: kafka
kafka:
  brokers: [localhost:9092]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4242, cfg.PID)
	assert.Equal(t, uint64(1_000_000), cfg.SampleRate)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "bpf-sampler", cfg.Kafka.Topic, "topic keeps its default")
	assert.Equal(t, Default().BufferSize, cfg.BufferSize)
}

func TestLoadEmptyPath(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeConfig(t, path, "pid: [not a number\n")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{name: "pid below sentinel", modify: func(c *Config) { c.PID = -2 }, errMsg: "pid"},
		{name: "zero sample rate", modify: func(c *Config) { c.SampleRate = 0 }, errMsg: "sample_rate"},
		{name: "empty buffer", modify: func(c *Config) { c.BufferSize = 0 }, errMsg: "buffer_size"},
		{name: "no keys", modify: func(c *Config) { c.MaxKeys = 0 }, errMsg: "max_keys"},
		{name: "no in-flight slots", modify: func(c *Config) { c.MaxInFlight = -1 }, errMsg: "max_in_flight"},
		{name: "no object", modify: func(c *Config) { c.BPFObject = "" }, errMsg: "bpf_object"},
		{name: "newline delimiter", modify: func(c *Config) { c.Delimiter = "\n" }, errMsg: "delimiter"},
		{name: "kafka without brokers", modify: func(c *Config) { c.Output = OutputKafka }, errMsg: "broker"},
		{name: "unknown output", modify: func(c *Config) { c.Output = "csv" }, errMsg: "unknown output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.BufferSize = 0
	cfg.MaxKeys = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer_size")
	assert.Contains(t, err.Error(), "max_keys")
}

func TestWatcherReloads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "sampler.yaml")
	writeConfig(t, path, "sample_rate: 1000\n")

	var (
		mu       sync.Mutex
		reloaded []Config
	)
	w, err := NewWatcher(path, func(c Config) {
		mu.Lock()
		reloaded = append(reloaded, c)
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Unrelated files in the same directory are ignored
	writeConfig(t, filepath.Join(dir, "other.yaml"), "sample_rate: 1\n")
	writeConfig(t, path, "sample_rate: 2000\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloaded) > 0 && reloaded[len(reloaded)-1].SampleRate == 2000
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	for _, c := range reloaded {
		assert.NotEqual(t, uint64(1), c.SampleRate)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherKeepsPreviousOnInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "sampler.yaml")
	writeConfig(t, path, "sample_rate: 1000\n")

	reloads := make(chan Config, 16)
	w, err := NewWatcher(path, func(c Config) {
		select {
		case reloads <- c:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeConfig(t, path, "buffer_size: 0\n")
	time.Sleep(3 * reloadDelay)
	writeConfig(t, path, "sample_rate: 3000\n")

	timeout := time.After(3 * time.Second)
	for {
		select {
		case c := <-reloads:
			require.NotZero(t, c.BufferSize, "invalid config must not be delivered")
			if c.SampleRate == 3000 {
				return
			}
		case <-timeout:
			t.Fatal("valid config was never delivered")
		}
	}
}

func TestNewWatcherMissingDirectory(t *testing.T) {
	t.Parallel()

	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope", "sampler.yaml"), func(Config) {})
	assert.Error(t, err)
}
