package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Record kinds
const (
	RecordAlloc       = 1 // Aggregated allocation window
	RecordSocketWrite = 2 // write(2) that went through the socket send path
	RecordSend        = 3 // Direct send return value
)

// FrameSize is the fixed on-channel size of one encoded Record.
const FrameSize = 32

// ErrMalformedRecord means producer and consumer disagree on the record layout.
var ErrMalformedRecord = errors.New("malformed record")

// Frame is the fixed-size wire form of a Record.
type Frame [FrameSize]byte

// Record is one emitted observation. It is built once when an aggregation or
// correlation decision resolves to "emit" and is never modified afterwards.
type Record struct {
	// 4-byte aligned header
	Kind uint32
	Pid  uint32

	// Size holds bytes allocated, or for write/send records the two's
	// complement of the signed syscall return value.
	Size        uint64
	TimestampNs uint64

	// Only meaningful for RecordSocketWrite
	Fd  int32
	Pad uint32
}

// SignedSize returns Size as the syscall return value it was built from.
func (r Record) SignedSize() int64 {
	return int64(r.Size)
}

// HasFd reports whether the record carries a file descriptor.
func (r Record) HasFd() bool {
	return r.Kind == RecordSocketWrite
}

// KindName returns a short label for the record kind.
func (r Record) KindName() string {
	switch r.Kind {
	case RecordAlloc:
		return "alloc"
	case RecordSocketWrite:
		return "socket_write"
	case RecordSend:
		return "send"
	default:
		return "unknown"
	}
}

// Encode packs a record into its fixed wire form without allocating.
func Encode(r Record) Frame {
	var f Frame
	binary.LittleEndian.PutUint32(f[0:4], r.Kind)
	binary.LittleEndian.PutUint32(f[4:8], r.Pid)
	binary.LittleEndian.PutUint64(f[8:16], r.Size)
	binary.LittleEndian.PutUint64(f[16:24], r.TimestampNs)
	binary.LittleEndian.PutUint32(f[24:28], uint32(r.Fd))
	return f
}

// Decode parses one wire frame. Any deviation from the agreed layout is
// reported as ErrMalformedRecord.
func Decode(raw []byte) (Record, error) {
	var r Record
	if len(raw) != FrameSize {
		return r, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedRecord, len(raw), FrameSize)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	switch r.Kind {
	case RecordAlloc, RecordSend:
		if r.Fd != 0 {
			return r, fmt.Errorf("%w: fd set on %s record", ErrMalformedRecord, r.KindName())
		}
	case RecordSocketWrite:
	default:
		return r, fmt.Errorf("%w: unknown kind %d", ErrMalformedRecord, r.Kind)
	}
	if r.Pad != 0 {
		return r, fmt.Errorf("%w: non-zero padding", ErrMalformedRecord)
	}
	return r, nil
}
