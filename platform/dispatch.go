package platform

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jnesss/bpf-sampler/eventbuf"
	"github.com/jnesss/bpf-sampler/network"
	"github.com/jnesss/bpf-sampler/types"
)

// AllocationRecorder is the hook-facing surface of the aggregator
type AllocationRecorder interface {
	RecordAllocationAt(key, size, now uint64) (types.Record, bool)
}

// DispatchStats holds dispatcher counters
type DispatchStats struct {
	Events   uint64 `json:"events"`
	Filtered uint64 `json:"filtered"`
	Unknown  uint64 `json:"unknown"`
	Records  uint64 `json:"records"`
	Dropped  uint64 `json:"dropped"`
}

// Dispatcher routes hook events to the aggregator or the write correlator and
// queues whatever they emit. Handle never blocks.
type Dispatcher struct {
	allocs AllocationRecorder
	writes network.WriteTracker
	out    *eventbuf.Buffer[types.Frame]
	filter types.TargetFilter

	warn         *rate.Limiter
	reportedDrop atomic.Uint64

	events   atomic.Uint64
	filtered atomic.Uint64
	unknown  atomic.Uint64
	records  atomic.Uint64
}

// NewDispatcher creates a dispatcher. allocs or writes may be nil when the
// active profile never produces the matching hooks.
func NewDispatcher(allocs AllocationRecorder, writes network.WriteTracker, out *eventbuf.Buffer[types.Frame], filter types.TargetFilter) *Dispatcher {
	return &Dispatcher{
		allocs: allocs,
		writes: writes,
		out:    out,
		filter: filter,
		warn:   rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Handle processes one hook event
func (d *Dispatcher) Handle(ev HookEvent) {
	d.events.Add(1)

	switch ev.Kind {
	case HOOK_ALLOC:
		if d.allocs == nil {
			break
		}
		if !d.filter.Matches(ev.Pid) {
			d.filtered.Add(1)
			return
		}
		if rec, ok := d.allocs.RecordAllocationAt(uint64(ev.Pid), ev.Arg, ev.Timestamp); ok {
			d.Emit(rec)
		}
		return

	case HOOK_WRITE_ENTER:
		if d.writes == nil {
			break
		}
		d.writes.OnWriteEnter(ev.Caller(), ev.Fd)
		return

	case HOOK_SOCKET_MARKER:
		if d.writes == nil {
			break
		}
		d.writes.OnSocketMarker(ev.Caller())
		return

	case HOOK_WRITE_RETURN:
		if d.writes == nil {
			break
		}
		if rec, ok := d.writes.OnWriteReturnAt(ev.Caller(), int64(ev.Arg), ev.Timestamp); ok {
			d.Emit(rec)
		}
		return

	case HOOK_SEND_RETURN:
		if !d.filter.Matches(ev.Pid) {
			d.filtered.Add(1)
			return
		}
		d.Emit(types.Record{
			Kind:        types.RecordSend,
			Pid:         ev.Pid,
			Size:        ev.Arg,
			TimestampNs: ev.Timestamp,
		})
		return
	}

	d.unknown.Add(1)
}

// Emit encodes rec and queues it for the consumer
func (d *Dispatcher) Emit(rec types.Record) {
	d.records.Add(1)
	d.out.TryPush(types.Encode(rec))

	dropped := d.out.Dropped()
	reported := d.reportedDrop.Load()
	if dropped > reported && d.warn.Allow() {
		d.reportedDrop.Store(dropped)
		log.Warnf("Event buffer full, %d records dropped (%d total)", dropped-reported, dropped)
	}
}

// Stats returns the current counters
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Events:   d.events.Load(),
		Filtered: d.filtered.Load(),
		Unknown:  d.unknown.Load(),
		Records:  d.records.Load(),
		Dropped:  d.out.Dropped(),
	}
}
