package process

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/bpf-sampler/types"
)

type fakeProc struct {
	pid     int
	comm    string
	exe     string
	cmdline []string
	maps    []string
	threads int
}

// statLine renders /proc/<pid>/stat with every field procfs scans
func (p fakeProc) statLine() string {
	fields := make([]string, 49)
	for i := range fields {
		fields[i] = "0"
	}
	fields[10] = "150" // utime
	fields[11] = "50"  // stime
	fields[16] = strconv.Itoa(p.threads)
	fields[19] = "8192" // vsize
	fields[20] = "2"    // rss pages
	return strconv.Itoa(p.pid) + " (" + p.comm + ") S " + strings.Join(fields, " ") + "\n"
}

func writeFakeProcfs(t *testing.T, procs ...fakeProc) string {
	t.Helper()

	root := t.TempDir()
	for _, p := range procs {
		dir := filepath.Join(root, strconv.Itoa(p.pid))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(p.comm+"\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(strings.Join(p.cmdline, "\x00")+"\x00"), 0o644))
		if len(p.maps) > 0 {
			require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(strings.Join(p.maps, "\n")+"\n"), 0o644))
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(p.statLine()), 0o644))
		if p.exe != "" {
			require.NoError(t, os.Symlink(p.exe, filepath.Join(dir, "exe")))
		}
	}
	// Non-process entries are ignored
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys"), 0o755))
	return root
}

func mapLine(path string) string {
	return "7f1c2a000000-7f1c2a1c5000 r-xp 00000000 08:01 1835048                    " + path
}

var testProcs = []fakeProc{
	{
		pid:     300,
		comm:    "nginx",
		exe:     "/usr/sbin/nginx",
		cmdline: []string{"nginx", "-g", "daemon off;"},
		maps: []string{
			mapLine("/usr/sbin/nginx"),
			"7ffd1e5f0000-7ffd1e611000 rw-p 00000000 00:00 0                          [stack]",
			mapLine("/usr/lib/x86_64-linux-gnu/libcrypt.so.1.1.0"),
			mapLine("/usr/lib/x86_64-linux-gnu/libc.so.6"),
		},
		threads: 4,
	},
	{
		pid:     120,
		comm:    "nginx",
		exe:     "/usr/sbin/nginx",
		cmdline: []string{"nginx"},
		threads: 1,
	},
	{
		pid:     555,
		comm:    "python3.10",
		exe:     "/opt/conda/bin/python3.10",
		cmdline: []string{"python3.10", "train.py"},
		maps: []string{
			mapLine("/opt/conda/lib/libcudart-a7b20f20.so.11.0"),
			mapLine("/usr/lib/x86_64-linux-gnu/libc-2.31.so"),
		},
		threads: 12,
	},
	{
		pid:     777,
		comm:    "very-long-proce",
		cmdline: []string{"very-long-process-name"},
		threads: 1,
	},
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(writeFakeProcfs(t, testProcs...))
	require.NoError(t, err)
	return r
}

func TestLookup(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t)
	info, err := r.Lookup(300)
	require.NoError(t, err)
	assert.Equal(t, TargetInfo{
		PID:     300,
		Comm:    "nginx",
		ExePath: "/usr/sbin/nginx",
		CmdLine: []string{"nginx", "-g", "daemon off;"},
	}, info)

	_, err = r.Lookup(4242)
	assert.ErrorIs(t, err, ErrNoSuchProcess)
}

func TestFindByName(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t)

	matches, err := r.FindByName("nginx")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, 120, matches[0].PID)
	assert.Equal(t, 300, matches[1].PID)

	matches, err = r.FindByName("very-long-process-name")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 777, matches[0].PID)

	matches, err = r.FindByName("python3.10")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	matches, err = r.FindByName("postgres")
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, err = r.FindByName("")
	assert.Error(t, err)
}

func TestResolveTarget(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t)

	tests := []struct {
		name       string
		pid        int
		executable string
		want       types.TargetFilter
		wantErr    error
	}{
		{name: "any", pid: -1, want: types.AnyTarget},
		{name: "pid", pid: 555, want: 555},
		{name: "missing pid", pid: 9, wantErr: ErrNoSuchProcess},
		{name: "executable picks lowest pid", pid: -1, executable: "nginx", want: 120},
		{name: "executable wins over pid", pid: 555, executable: "nginx", want: 120},
		{name: "missing executable", pid: -1, executable: "redis", wantErr: ErrNoSuchProcess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveTarget(tt.pid, tt.executable)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindLibrary(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t)

	path, err := r.FindLibrary(300, "c")
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/x86_64-linux-gnu/libc.so.6", path)

	path, err = r.FindLibrary(555, "c")
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/x86_64-linux-gnu/libc-2.31.so", path)

	path, err = r.FindLibrary(555, "cudart")
	require.NoError(t, err)
	assert.Equal(t, "/opt/conda/lib/libcudart-a7b20f20.so.11.0", path)

	path, err = r.FindLibrary(300, "/lib/custom/libfoo.so")
	require.NoError(t, err)
	assert.Equal(t, "/lib/custom/libfoo.so", path)

	_, err = r.FindLibrary(300, "cudart")
	assert.Error(t, err)

	_, err = r.FindLibrary(9999, "c")
	assert.Error(t, err)
}

func TestMatchesLibrary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base string
		name string
		want bool
	}{
		{"libc.so.6", "c", true},
		{"libc-2.31.so", "c", true},
		{"libcrypt.so.1", "c", false},
		{"libcap-ng.so.0", "c", false},
		{"libcudart.so.12", "cudart", true},
		{"libcudart-a7b20f20.so.11.0", "cudart", true},
		{"libc.a", "c", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchesLibrary(tt.base, tt.name), tt.base)
	}
}

func TestStatsCollector(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t)
	sc := NewStatsCollector(r, 555, time.Hour)

	_, ok := sc.Latest()
	assert.False(t, ok)

	require.NoError(t, sc.Collect())
	stats, ok := sc.Latest()
	require.True(t, ok)
	assert.Equal(t, 12, stats.ThreadCount)
	assert.Equal(t, uint64(8192), stats.VirtualBytes)
	assert.Equal(t, uint64(2*os.Getpagesize()), stats.ResidentBytes)
	assert.InDelta(t, 2.0, stats.CPUSeconds, 0.001)
}

func TestStatsCollectorStopsWhenTargetExits(t *testing.T) {
	t.Parallel()

	root := writeFakeProcfs(t, testProcs...)
	r, err := NewResolver(root)
	require.NoError(t, err)

	sc := NewStatsCollector(r, 300, 10*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- sc.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		_, ok := sc.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "300")))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not notice the exit")
	}
}

func TestStatsCollectorHonorsContext(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t)
	sc := NewStatsCollector(r, 555, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sc.Start(ctx), context.Canceled)
}
