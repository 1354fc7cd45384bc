package platform

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/bpf-sampler/alloc"
	"github.com/jnesss/bpf-sampler/eventbuf"
	"github.com/jnesss/bpf-sampler/network"
	"github.com/jnesss/bpf-sampler/types"
)

func newTestDispatcher(t *testing.T, filter types.TargetFilter, capacity int) (*Dispatcher, *eventbuf.Buffer[types.Frame]) {
	t.Helper()

	agg, err := alloc.NewAggregator(alloc.Options{ThresholdNs: 100})
	require.NoError(t, err)
	writes, err := network.NewWriteCorrelator(filter, 16, nil)
	require.NoError(t, err)

	buf := eventbuf.New[types.Frame](capacity)
	return NewDispatcher(agg, writes, buf, filter), buf
}

func drainRecords(t *testing.T, buf *eventbuf.Buffer[types.Frame]) []types.Record {
	t.Helper()

	if buf.Len() == 0 {
		return nil
	}
	frames, err := buf.Drain(context.Background(), nil)
	require.NoError(t, err)

	recs := make([]types.Record, 0, len(frames))
	for _, f := range frames {
		rec, err := types.Decode(f[:])
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs
}

func TestDispatchAllocations(t *testing.T) {
	t.Parallel()

	d, buf := newTestDispatcher(t, types.AnyTarget, 8)
	d.Handle(HookEvent{Kind: HOOK_ALLOC, Pid: 10, Tid: 11, Arg: 64, Timestamp: 0})
	d.Handle(HookEvent{Kind: HOOK_ALLOC, Pid: 10, Tid: 12, Arg: 32, Timestamp: 50})
	assert.Empty(t, drainRecords(t, buf))

	d.Handle(HookEvent{Kind: HOOK_ALLOC, Pid: 10, Tid: 11, Arg: 4, Timestamp: 150})
	recs := drainRecords(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, types.Record{Kind: types.RecordAlloc, Pid: 10, Size: 100, TimestampNs: 50}, recs[0])
}

func TestDispatchSocketWrite(t *testing.T) {
	t.Parallel()

	d, buf := newTestDispatcher(t, types.AnyTarget, 8)
	d.Handle(HookEvent{Kind: HOOK_WRITE_ENTER, Pid: 1, Tid: 5, Fd: 3})
	d.Handle(HookEvent{Kind: HOOK_SOCKET_MARKER, Pid: 1, Tid: 5})
	d.Handle(HookEvent{Kind: HOOK_WRITE_RETURN, Pid: 1, Tid: 5, Arg: 42, Timestamp: 99})

	recs := drainRecords(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, types.Record{Kind: types.RecordSocketWrite, Pid: 1, Size: 42, TimestampNs: 99, Fd: 3}, recs[0])
}

func TestDispatchUnmarkedWrite(t *testing.T) {
	t.Parallel()

	d, buf := newTestDispatcher(t, types.AnyTarget, 8)
	d.Handle(HookEvent{Kind: HOOK_WRITE_ENTER, Pid: 1, Tid: 5, Fd: 3})
	d.Handle(HookEvent{Kind: HOOK_WRITE_RETURN, Pid: 1, Tid: 5, Arg: 42})
	assert.Empty(t, drainRecords(t, buf))
}

func TestDispatchSendReturn(t *testing.T) {
	t.Parallel()

	d, buf := newTestDispatcher(t, types.TargetFilter(7), 8)
	errno := int64(-11)
	d.Handle(HookEvent{Kind: HOOK_SEND_RETURN, Pid: 8, Arg: 10})
	d.Handle(HookEvent{Kind: HOOK_SEND_RETURN, Pid: 7, Arg: uint64(errno), Timestamp: 3})

	recs := drainRecords(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, types.RecordSend, int(recs[0].Kind))
	assert.Equal(t, errno, recs[0].SignedSize())
	assert.Equal(t, uint64(1), d.Stats().Filtered)
}

func TestDispatchFiltersAllocations(t *testing.T) {
	t.Parallel()

	d, buf := newTestDispatcher(t, types.TargetFilter(7), 8)
	for ts := uint64(0); ts < 1000; ts += 100 {
		d.Handle(HookEvent{Kind: HOOK_ALLOC, Pid: 8, Arg: 1, Timestamp: ts})
	}
	assert.Empty(t, drainRecords(t, buf))
	assert.Equal(t, uint64(10), d.Stats().Filtered)
}

func TestDispatchUnknownKind(t *testing.T) {
	t.Parallel()

	buf := eventbuf.New[types.Frame](4)
	d := NewDispatcher(nil, nil, buf, types.AnyTarget)
	d.Handle(HookEvent{Kind: 99})
	d.Handle(HookEvent{Kind: HOOK_ALLOC, Arg: 1})
	d.Handle(HookEvent{Kind: HOOK_WRITE_ENTER})

	stats := d.Stats()
	assert.Equal(t, uint64(3), stats.Events)
	assert.Equal(t, uint64(3), stats.Unknown)
	assert.Equal(t, 0, buf.Len())
}

func TestDispatchOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	buf := eventbuf.New[types.Frame](2)
	d := NewDispatcher(nil, nil, buf, types.AnyTarget)
	for i := uint64(1); i <= 5; i++ {
		d.Handle(HookEvent{Kind: HOOK_SEND_RETURN, Pid: 1, Arg: i})
	}

	recs := drainRecords(t, buf)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(4), recs[0].Size)
	assert.Equal(t, uint64(5), recs[1].Size)

	stats := d.Stats()
	assert.Equal(t, uint64(5), stats.Records)
	assert.Equal(t, uint64(3), stats.Dropped)
}

func TestDecodeHookEvent(t *testing.T) {
	t.Parallel()

	raw := make([]byte, HookEventSize)
	binary.LittleEndian.PutUint32(raw[0:], HOOK_WRITE_RETURN)
	binary.LittleEndian.PutUint32(raw[4:], 100)
	binary.LittleEndian.PutUint32(raw[8:], 101)
	binary.LittleEndian.PutUint32(raw[12:], uint32(0xffffffff))
	binary.LittleEndian.PutUint64(raw[16:], 4096)
	binary.LittleEndian.PutUint64(raw[24:], 123456789)

	ev, err := DecodeHookEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, HookEvent{
		Kind:      HOOK_WRITE_RETURN,
		Pid:       100,
		Tid:       101,
		Fd:        -1,
		Arg:       4096,
		Timestamp: 123456789,
	}, ev)
	assert.Equal(t, types.Caller{Pid: 100, Tid: 101}, ev.Caller())

	_, err = DecodeHookEvent(raw[:20])
	assert.ErrorIs(t, err, ErrShortEvent)
}
