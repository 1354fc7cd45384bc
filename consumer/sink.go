package consumer

import (
	"bufio"
	"io"
	"strconv"

	"github.com/jnesss/bpf-sampler/types"
)

// Sink receives decoded records with their wall clock timestamp
type Sink interface {
	Write(rec types.Record, wallNs uint64) error
	// Flush is called once per drained batch
	Flush() error
	Close() error
}

// TextSink writes one delimited line per record:
//
//	timestamp,size        allocation and send records
//	timestamp,size,fd     socket write records
//
// Write and send sizes are printed as signed return values.
type TextSink struct {
	w     *bufio.Writer
	delim string
	line  []byte
}

// NewTextSink creates a text sink writing to out
func NewTextSink(out io.Writer, delim string) *TextSink {
	if delim == "" {
		delim = ","
	}
	return &TextSink{
		w:     bufio.NewWriter(out),
		delim: delim,
		line:  make([]byte, 0, 64),
	}
}

func (s *TextSink) Write(rec types.Record, wallNs uint64) error {
	line := strconv.AppendUint(s.line[:0], wallNs, 10)
	line = append(line, s.delim...)
	if rec.Kind == types.RecordAlloc {
		line = strconv.AppendUint(line, rec.Size, 10)
	} else {
		line = strconv.AppendInt(line, rec.SignedSize(), 10)
	}
	if rec.HasFd() {
		line = append(line, s.delim...)
		line = strconv.AppendInt(line, int64(rec.Fd), 10)
	}
	line = append(line, '\n')
	s.line = line

	_, err := s.w.Write(line)
	return err
}

func (s *TextSink) Flush() error {
	return s.w.Flush()
}

// Close flushes buffered lines. The underlying writer is left open.
func (s *TextSink) Close() error {
	return s.w.Flush()
}
