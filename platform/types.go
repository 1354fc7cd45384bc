package platform

import (
	"bytes"
	"context"
	binenc "encoding/binary"
	"errors"
	"fmt"

	"github.com/jnesss/bpf-sampler/types"
)

// Hook event kinds, must match bpf/sampler.bpf.c
const (
	HOOK_ALLOC         = 1
	HOOK_WRITE_ENTER   = 2
	HOOK_SOCKET_MARKER = 3
	HOOK_WRITE_RETURN  = 4
	HOOK_SEND_RETURN   = 5
)

// HookEventSize is the size of one ring buffer sample
const HookEventSize = 32

// ErrShortEvent is returned for ring buffer samples smaller than a HookEvent
var ErrShortEvent = errors.New("short hook event")

// HookEvent represents one hook firing from eBPF
type HookEvent struct {
	Kind      uint32
	Pid       uint32 // tgid
	Tid       uint32
	Fd        int32
	Arg       uint64 // allocation size or syscall return value
	Timestamp uint64 // bpf_ktime_get_ns
}

// Caller returns the thread the hook fired on
func (e HookEvent) Caller() types.Caller {
	return types.Caller{Pid: e.Pid, Tid: e.Tid}
}

// DecodeHookEvent parses a raw ring buffer sample
func DecodeHookEvent(raw []byte) (HookEvent, error) {
	var ev HookEvent
	if len(raw) < HookEventSize {
		return ev, fmt.Errorf("%w: %d bytes", ErrShortEvent, len(raw))
	}
	if err := binenc.Read(bytes.NewReader(raw[:HookEventSize]), binenc.LittleEndian, &ev); err != nil {
		return ev, fmt.Errorf("failed to parse hook event: %w", err)
	}
	return ev, nil
}

// BPFMonitor interface defines what we need from our BPF implementation
type BPFMonitor interface {
	// Start attaches the probes and blocks delivering events until ctx is
	// done or Stop is called.
	Start(ctx context.Context) error
	Stop() error
}

// MonitorConfig holds configuration for creating a new monitor
type MonitorConfig struct {
	ObjectPath string // compiled BPF object holding every hook program
	Profile    Profile
	Target     types.TargetFilter
	Library    string // binary uprobes attach to, ignored for kernel profiles
	Dispatcher *Dispatcher
	OnAttached func() // called once every probe is attached
}
