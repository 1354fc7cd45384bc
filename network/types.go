package network

import (
	"github.com/jnesss/bpf-sampler/types"
)

// writeEntry is the in-flight state of one write(2) on one thread
type writeEntry struct {
	Fd          int32
	SocketEvent bool
}

// Stats holds correlator counters
type Stats struct {
	Tracked       int    `json:"tracked"`
	Entered       uint64 `json:"entered"`
	Filtered      uint64 `json:"filtered"`
	Marked        uint64 `json:"marked"`
	OrphanMarkers uint64 `json:"orphan_markers"`
	Emitted       uint64 `json:"emitted"`
	Discarded     uint64 `json:"discarded"`
	OrphanReturns uint64 `json:"orphan_returns"`
	Evicted       uint64 `json:"evicted"`
	TableCapacity int    `json:"table_capacity"`
}

// WriteTracker is the hook-facing surface of the correlator
type WriteTracker interface {
	OnWriteEnter(caller types.Caller, fd int32)
	OnSocketMarker(caller types.Caller)
	OnWriteReturnAt(caller types.Caller, retval int64, now uint64) (types.Record, bool)
}

var _ WriteTracker = (*WriteCorrelator)(nil)
