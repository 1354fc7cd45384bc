package platform

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// ProbeType says where and when a hook program runs
type ProbeType int

const (
	Uprobe ProbeType = iota
	Uretprobe
	Kprobe
	Kretprobe
)

func (t ProbeType) String() string {
	switch t {
	case Uprobe:
		return "uprobe"
	case Uretprobe:
		return "uretprobe"
	case Kprobe:
		return "kprobe"
	case Kretprobe:
		return "kretprobe"
	default:
		return fmt.Sprintf("ProbeType(%d)", int(t))
	}
}

// Kernel reports whether the probe attaches to a kernel symbol
func (t ProbeType) Kernel() bool {
	return t == Kprobe || t == Kretprobe
}

// Probe is one program/symbol pair to attach
type Probe struct {
	Symbol   string
	Program  string // program name in the BPF object
	Type     ProbeType
	Syscall  bool // Symbol is a syscall name, resolved per architecture
	Optional bool // missing symbol is logged and skipped
}

// AttachSymbol returns the symbol to attach to on this architecture
func (p Probe) AttachSymbol() string {
	if !p.Syscall {
		return p.Symbol
	}
	return syscallPrefix(runtime.GOARCH) + "sys_" + p.Symbol
}

func syscallPrefix(arch string) string {
	switch arch {
	case "amd64":
		return "__x64_"
	case "arm64":
		return "__arm64_"
	case "s390x":
		return "__s390x_"
	default:
		return ""
	}
}

// Profile is a named set of probes attached together
type Profile struct {
	Name        string
	Description string

	// DefaultLibrary is used for uprobes when no library is given. "c" means
	// the C library mapped by the target.
	DefaultLibrary string
	Probes         []Probe
}

// NeedsLibrary reports whether any probe is a uprobe
func (p Profile) NeedsLibrary() bool {
	for _, probe := range p.Probes {
		if !probe.Type.Kernel() {
			return true
		}
	}
	return false
}

// Kernel reports whether every probe attaches to the kernel
func (p Profile) Kernel() bool {
	return !p.NeedsLibrary()
}

func allocProbe(symbol, program string, optional bool) Probe {
	return Probe{Symbol: symbol, Program: program, Type: Uprobe, Optional: optional}
}

var profiles = map[string]Profile{
	"mem": {
		Name:           "mem",
		Description:    "Sample heap allocation sizes from the C library",
		DefaultLibrary: "c",
		Probes: []Probe{
			allocProbe("malloc", "uprobe_malloc", false),
			allocProbe("calloc", "uprobe_calloc", false),
			allocProbe("realloc", "uprobe_realloc", false),
			allocProbe("mmap", "uprobe_mmap", false),
			allocProbe("posix_memalign", "uprobe_posix_memalign", false),
			allocProbe("valloc", "uprobe_valloc", true),
			allocProbe("memalign", "uprobe_memalign", false),
			allocProbe("pvalloc", "uprobe_pvalloc", true),
			allocProbe("aligned_alloc", "uprobe_aligned_alloc", true),
		},
	},
	"cuda": {
		Name:        "cuda",
		Description: "Sample device allocation and copy sizes from the CUDA runtime",
		Probes: []Probe{
			allocProbe("cudaMalloc", "uprobe_cuda_malloc", false),
			allocProbe("cudaMemcpy", "uprobe_cuda_memcpy", false),
			allocProbe("cudaHostAlloc", "uprobe_cuda_host_alloc", false),
			allocProbe("cudaMallocAsync", "uprobe_cuda_malloc_async", true),
			allocProbe("cudaMemcpyAsync", "uprobe_cuda_memcpy_async", false),
			// Exported by libnccl or libtorch_cuda when --library points there
			allocProbe("ncclBroadcast", "uprobe_nccl_broadcast", true),
		},
	},
	"kcache": {
		Name:        "kcache",
		Description: "Sample kernel slab object sizes",
		Probes: []Probe{
			{Symbol: "kmem_cache_alloc", Program: "kprobe_kmem_cache_alloc", Type: Kprobe},
		},
	},
	"write": {
		Name:        "write",
		Description: "Report write(2) calls that send on a socket",
		Probes: []Probe{
			{Symbol: "security_socket_sendmsg", Program: "kprobe_security_socket_sendmsg", Type: Kprobe},
			{Symbol: "write", Program: "kprobe_write", Type: Kprobe, Syscall: true},
			{Symbol: "write", Program: "kretprobe_write", Type: Kretprobe, Syscall: true},
		},
	},
	"send": {
		Name:        "send",
		Description: "Report tcp_sendmsg return values",
		Probes: []Probe{
			{Symbol: "tcp_sendmsg", Program: "kretprobe_tcp_sendmsg", Type: Kretprobe},
		},
	},
}

// LookupProfile returns the named profile
func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q (available: %s)", name, strings.Join(ProfileNames(), ", "))
	}
	return p, nil
}

// ProfileNames lists the known profiles in sorted order
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
