// Package process resolves sampling targets and their libraries from procfs.
package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"

	"github.com/jnesss/bpf-sampler/types"
)

// commLen is the kernel's TASK_COMM_LEN minus the terminating NUL
const commLen = 15

// ErrNoSuchProcess is returned when no process matches a pid or name
var ErrNoSuchProcess = errors.New("no such process")

// Resolver looks processes up in a procfs mount
type Resolver struct {
	fs procfs.FS
}

// NewResolver creates a resolver over the procfs mounted at root.
// An empty root means the default mount point.
func NewResolver(root string) (*Resolver, error) {
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", root, err)
	}
	return &Resolver{fs: fs}, nil
}

// Lookup collects basic information about pid
func (r *Resolver) Lookup(pid int) (TargetInfo, error) {
	p, err := r.fs.Proc(pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TargetInfo{}, fmt.Errorf("%w: pid %d", ErrNoSuchProcess, pid)
		}
		return TargetInfo{}, fmt.Errorf("failed to read process %d: %w", pid, err)
	}
	return collectInfo(p), nil
}

func collectInfo(p procfs.Proc) TargetInfo {
	info := TargetInfo{PID: p.PID}

	// Processes can exit while we look at them; keep what we got
	if comm, err := p.Comm(); err == nil {
		info.Comm = comm
	}
	if exe, err := p.Executable(); err == nil {
		info.ExePath = exe
	}
	if args, err := p.CmdLine(); err == nil {
		info.CmdLine = args
	}
	return info
}

// FindByName returns every process whose command name or executable base
// name matches name, ordered by pid
func (r *Resolver) FindByName(name string) ([]TargetInfo, error) {
	if name == "" {
		return nil, errors.New("empty process name")
	}

	procs, err := r.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	sort.Sort(procs)

	var matches []TargetInfo
	for _, p := range procs {
		info := collectInfo(p)
		if matchesName(info, name) {
			matches = append(matches, info)
		}
	}
	return matches, nil
}

func matchesName(info TargetInfo, name string) bool {
	if info.ExePath != "" && filepath.Base(info.ExePath) == name {
		return true
	}
	if info.Comm == "" {
		return false
	}
	// comm is truncated by the kernel
	if len(name) > commLen {
		return info.Comm == name[:commLen]
	}
	return info.Comm == name
}

// ResolveTarget turns the pid and executable options into a filter. A
// non-empty executable name wins over pid; with several matches the lowest
// pid is used.
func (r *Resolver) ResolveTarget(pid int, executable string) (types.TargetFilter, error) {
	if executable == "" {
		if pid < 0 {
			return types.AnyTarget, nil
		}
		if _, err := r.Lookup(pid); err != nil {
			return 0, err
		}
		return types.TargetFilter(pid), nil
	}

	matches, err := r.FindByName(executable)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoSuchProcess, executable)
	}
	if len(matches) > 1 {
		log.Warnf("Warning: %d processes named %s, using pid %d", len(matches), executable, matches[0].PID)
	}
	return types.TargetFilter(matches[0].PID), nil
}

// FindLibrary resolves a short library name ("c", "cudart") to the path
// mapped by pid. A negative pid searches this process. Names containing a
// slash are returned unchanged.
func (r *Resolver) FindLibrary(pid int, name string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}

	var (
		p   procfs.Proc
		err error
	)
	if pid < 0 {
		p, err = r.fs.Self()
	} else {
		p, err = r.fs.Proc(pid)
	}
	if err != nil {
		return "", fmt.Errorf("failed to open process for library lookup: %w", err)
	}

	maps, err := p.ProcMaps()
	if err != nil {
		return "", fmt.Errorf("failed to read memory maps of %d: %w", p.PID, err)
	}

	for _, m := range maps {
		if m.Pathname == "" || !strings.HasPrefix(m.Pathname, "/") {
			continue
		}
		if matchesLibrary(filepath.Base(m.Pathname), name) {
			return m.Pathname, nil
		}
	}
	return "", fmt.Errorf("library %s is not mapped by process %d", name, p.PID)
}

// matchesLibrary accepts libNAME.so, libNAME.so.N and libNAME-VERSION.so
func matchesLibrary(base, name string) bool {
	prefix := "lib" + name
	if !strings.HasPrefix(base, prefix) {
		return false
	}
	rest := base[len(prefix):]
	return strings.HasPrefix(rest, ".so") || (strings.HasPrefix(rest, "-") && strings.Contains(rest, ".so"))
}
