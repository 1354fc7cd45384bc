package network

import (
	"fmt"
	"sync/atomic"

	lru "github.com/elastic/go-freelru"

	"github.com/jnesss/bpf-sampler/types"
)

// DefaultTableSize bounds the number of threads with a write in flight.
const DefaultTableSize = 10240

// WriteCorrelator matches a write(2) entry, the socket send marker and the
// write return on the same thread into one socket write record.
//
// Per thread the state machine is:
//
//	no entry -> entry(unmarked) -> entry(marked) -> emit, clear
//	            entry(unmarked) -----------------> clear
//
// The entry is removed on every return, whether or not it was marked. Only
// one write per thread is tracked; a nested write overwrites the outer one.
type WriteCorrelator struct {
	filter  types.TargetFilter
	clock   types.Clock
	entries *lru.SyncedLRU[uint64, writeEntry]
	size    int

	entered       atomic.Uint64
	filtered      atomic.Uint64
	marked        atomic.Uint64
	orphanMarkers atomic.Uint64
	emitted       atomic.Uint64
	discarded     atomic.Uint64
	orphanReturns atomic.Uint64
	evicted       atomic.Uint64
}

// hashCallerID folds a pid_tgid into the table's 32-bit hash space
func hashCallerID(id uint64) uint32 {
	id ^= id >> 33
	id *= 0xff51afd7ed558ccd
	id ^= id >> 33
	return uint32(id)
}

// NewWriteCorrelator creates a correlator whose thread table is allocated up
// front with room for tableSize concurrent writes. When the table is full the
// least recently touched entry is dropped, which bounds memory even if traced
// threads die between entry and return.
func NewWriteCorrelator(filter types.TargetFilter, tableSize int, clock types.Clock) (*WriteCorrelator, error) {
	if tableSize <= 0 {
		tableSize = DefaultTableSize
	}
	if clock == nil {
		clock = types.MonotonicClock{}
	}

	entries, err := lru.NewSynced[uint64, writeEntry](uint32(tableSize), hashCallerID)
	if err != nil {
		return nil, fmt.Errorf("failed to create write correlation table: %w", err)
	}

	return &WriteCorrelator{
		filter:  filter,
		clock:   clock,
		entries: entries,
		size:    tableSize,
	}, nil
}

// OnWriteEnter starts tracking a write on the calling thread.
func (c *WriteCorrelator) OnWriteEnter(caller types.Caller, fd int32) {
	if !c.filter.Matches(caller.Pid) {
		c.filtered.Add(1)
		return
	}
	c.entered.Add(1)
	if c.entries.Add(caller.ID(), writeEntry{Fd: fd}) {
		c.evicted.Add(1)
	}
}

// OnSocketMarker flags the thread's in-flight write as a socket send. Markers
// for threads without a tracked write are ignored.
func (c *WriteCorrelator) OnSocketMarker(caller types.Caller) {
	id := caller.ID()
	entry, ok := c.entries.Peek(id)
	if !ok {
		c.orphanMarkers.Add(1)
		return
	}
	if entry.SocketEvent {
		return
	}
	entry.SocketEvent = true
	c.entries.Add(id, entry)
	c.marked.Add(1)
}

// OnWriteReturn resolves the thread's write at the current clock time.
func (c *WriteCorrelator) OnWriteReturn(caller types.Caller, retval int64) (types.Record, bool) {
	return c.OnWriteReturnAt(caller, retval, c.clock.Now())
}

// OnWriteReturnAt resolves the thread's write at monotonic time now. A record
// is returned only when the socket marker fired in between; retval is kept
// as-is even when negative. The entry is always removed.
func (c *WriteCorrelator) OnWriteReturnAt(caller types.Caller, retval int64, now uint64) (types.Record, bool) {
	id := caller.ID()
	entry, ok := c.entries.Peek(id)
	if !ok {
		c.orphanReturns.Add(1)
		return types.Record{}, false
	}
	c.entries.Remove(id)

	if !entry.SocketEvent {
		c.discarded.Add(1)
		return types.Record{}, false
	}

	c.emitted.Add(1)
	return types.Record{
		Kind:        types.RecordSocketWrite,
		Pid:         caller.Pid,
		Size:        uint64(retval),
		TimestampNs: now,
		Fd:          entry.Fd,
	}, true
}

// InFlight reports whether the thread has a tracked write.
func (c *WriteCorrelator) InFlight(caller types.Caller) bool {
	return c.entries.Contains(caller.ID())
}

// Stats returns the current counters.
func (c *WriteCorrelator) Stats() Stats {
	return Stats{
		Tracked:       c.entries.Len(),
		Entered:       c.entered.Load(),
		Filtered:      c.filtered.Load(),
		Marked:        c.marked.Load(),
		OrphanMarkers: c.orphanMarkers.Load(),
		Emitted:       c.emitted.Load(),
		Discarded:     c.discarded.Load(),
		OrphanReturns: c.orphanReturns.Load(),
		Evicted:       c.evicted.Load(),
		TableCapacity: c.size,
	}
}
