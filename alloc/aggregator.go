// Package alloc coalesces allocation calls into periodic size summaries.
package alloc

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/jnesss/bpf-sampler/types"
)

// DefaultMaxKeys bounds the number of coalescing keys tracked at once.
const DefaultMaxKeys = 1024

// Stats holds aggregator counters
type Stats struct {
	Keys      int    `json:"keys"`
	Calls     uint64 `json:"calls"`
	Emitted   uint64 `json:"emitted"`
	Contended uint64 `json:"contended"`
	Evicted   uint64 `json:"evicted"`
	Threshold uint64 `json:"threshold_ns"`
}

// aggregationState is the per-key window. accumulated is updated atomically by
// every caller; mu only serializes the emit decision and is never waited on.
// retired is set once the state has left the table.
type aggregationState struct {
	accumulated atomic.Uint64
	retired     atomic.Bool

	mu       sync.Mutex
	anchored bool
	lastEmit uint64
}

// Aggregator turns a stream of allocation sizes into at most one record per
// key per threshold window. Each record carries the bytes seen in the window
// and the window's start time.
type Aggregator struct {
	threshold atomic.Uint64
	clock     types.Clock
	states    *lru.Cache

	onFlush func(types.Record)

	calls     atomic.Uint64
	emitted   atomic.Uint64
	contended atomic.Uint64
	evicted   atomic.Uint64
}

// Options configures an Aggregator.
type Options struct {
	// ThresholdNs is the minimum time between two emissions for a key.
	ThresholdNs uint64

	// MaxKeys sizes the key table. Defaults to DefaultMaxKeys.
	MaxKeys int

	// Clock is used by RecordAllocation. Defaults to types.MonotonicClock.
	Clock types.Clock

	// OnFlush receives the pending window of a key evicted from a full table.
	OnFlush func(types.Record)
}

// NewAggregator creates an aggregator with a pre-sized key table.
func NewAggregator(opts Options) (*Aggregator, error) {
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = DefaultMaxKeys
	}
	if opts.Clock == nil {
		opts.Clock = types.MonotonicClock{}
	}

	a := &Aggregator{
		clock:   opts.Clock,
		onFlush: opts.OnFlush,
	}
	a.threshold.Store(opts.ThresholdNs)

	states, err := lru.NewWithEvict(opts.MaxKeys, a.handleEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregation table: %w", err)
	}
	a.states = states
	return a, nil
}

// RecordAllocation accounts size bytes for key at the current clock time.
func (a *Aggregator) RecordAllocation(key, size uint64) (types.Record, bool) {
	return a.RecordAllocationAt(key, size, a.clock.Now())
}

// RecordAllocationAt accounts size bytes for key at monotonic time now and
// returns a record when the key's window has lasted at least the threshold.
//
// The first call for a key only seeds the total, the second anchors the
// window; neither can emit.
func (a *Aggregator) RecordAllocationAt(key, size, now uint64) (types.Record, bool) {
	a.calls.Add(1)
	return a.record(key, size, now)
}

func (a *Aggregator) record(key, size, now uint64) (types.Record, bool) {
	st, created := a.lookup(key, size)
	if created {
		return types.Record{}, false
	}
	return a.recordInto(key, st, size, now)
}

func (a *Aggregator) recordInto(key uint64, st *aggregationState, size, now uint64) (types.Record, bool) {
	st.accumulated.Add(size)

	// The key was evicted after lookup. Whatever the eviction flush missed is
	// moved to the key's new state.
	if st.retired.Load() {
		if n := st.accumulated.Swap(0); n > 0 {
			return a.record(key, n, now)
		}
		return types.Record{}, false
	}

	// Someone else is deciding for this key right now; our bytes are counted.
	if !st.mu.TryLock() {
		a.contended.Add(1)
		return types.Record{}, false
	}
	defer st.mu.Unlock()

	if !st.anchored {
		st.anchored = true
		st.lastEmit = now
		return types.Record{}, false
	}

	if now < st.lastEmit || now-st.lastEmit < a.threshold.Load() {
		return types.Record{}, false
	}

	rec := types.Record{
		Kind:        types.RecordAlloc,
		Pid:         uint32(key),
		Size:        st.accumulated.Swap(0),
		TimestampNs: st.lastEmit,
	}
	st.lastEmit = now
	a.emitted.Add(1)
	return rec, true
}

// lookup returns the state for key. When the key is new, a state seeded with
// size is inserted and created is true. Concurrent first callers race on
// PeekOrAdd; the loser joins the winner's state as a regular caller.
func (a *Aggregator) lookup(key, size uint64) (st *aggregationState, created bool) {
	if v, ok := a.states.Get(key); ok {
		return v.(*aggregationState), false
	}

	fresh := &aggregationState{}
	fresh.accumulated.Store(size)
	prev, found, _ := a.states.PeekOrAdd(key, fresh)
	if found {
		return prev.(*aggregationState), false
	}
	return fresh, true
}

// handleEvict runs after a key has left the table, outside the table lock.
func (a *Aggregator) handleEvict(key interface{}, value interface{}) {
	st := value.(*aggregationState)
	st.retired.Store(true)
	a.evicted.Add(1)
	if a.onFlush == nil {
		return
	}
	if rec, ok := flushState(key.(uint64), st); ok {
		a.onFlush(rec)
	}
}

// Flush emits the pending window of every anchored key with a non-zero total.
// Keys that never anchored have no window start and are skipped.
func (a *Aggregator) Flush() []types.Record {
	var out []types.Record
	for _, k := range a.states.Keys() {
		v, ok := a.states.Peek(k)
		if !ok {
			continue
		}
		if rec, ok := flushState(k.(uint64), v.(*aggregationState)); ok {
			out = append(out, rec)
		}
	}
	return out
}

func flushState(key uint64, st *aggregationState) (types.Record, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.anchored {
		return types.Record{}, false
	}
	size := st.accumulated.Swap(0)
	if size == 0 {
		return types.Record{}, false
	}
	return types.Record{
		Kind:        types.RecordAlloc,
		Pid:         uint32(key),
		Size:        size,
		TimestampNs: st.lastEmit,
	}, true
}

// Pending returns the unflushed total for key.
func (a *Aggregator) Pending(key uint64) uint64 {
	v, ok := a.states.Peek(key)
	if !ok {
		return 0
	}
	return v.(*aggregationState).accumulated.Load()
}

// SetThreshold replaces the minimum emission interval.
func (a *Aggregator) SetThreshold(ns uint64) {
	a.threshold.Store(ns)
}

// Threshold returns the current minimum emission interval.
func (a *Aggregator) Threshold() uint64 {
	return a.threshold.Load()
}

// Stats returns the current counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Keys:      a.states.Len(),
		Calls:     a.calls.Load(),
		Emitted:   a.emitted.Load(),
		Contended: a.contended.Load(),
		Evicted:   a.evicted.Load(),
		Threshold: a.threshold.Load(),
	}
}
