// Package consumer drains emitted records, filters them and hands them to a
// sink on a single goroutine.
package consumer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jnesss/bpf-sampler/eventbuf"
	"github.com/jnesss/bpf-sampler/types"
)

// DefaultBatch is the initial drain buffer size
const DefaultBatch = 256

// Stats holds consumer counters
type Stats struct {
	Batches  uint64 `json:"batches"`
	Records  uint64 `json:"records"`
	Filtered uint64 `json:"filtered"`
	Written  uint64 `json:"written"`
}

// Options configures a Consumer
type Options struct {
	Filter types.TargetFilter
	Batch  int

	// Clock and Wall compute the monotonic to wall clock offset once at
	// construction. Default to types.MonotonicClock and time.Now.
	Clock types.Clock
	Wall  func() time.Time
}

// Consumer is the only reader of an event buffer
type Consumer struct {
	in     *eventbuf.Buffer[types.Frame]
	sink   Sink
	filter types.TargetFilter
	offset int64
	batch  int

	batches  atomic.Uint64
	records  atomic.Uint64
	filtered atomic.Uint64
	written  atomic.Uint64
}

// New creates a consumer reading in and writing to sink
func New(in *eventbuf.Buffer[types.Frame], sink Sink, opts Options) *Consumer {
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	if opts.Clock == nil {
		opts.Clock = types.MonotonicClock{}
	}
	if opts.Wall == nil {
		opts.Wall = time.Now
	}

	return &Consumer{
		in:     in,
		sink:   sink,
		filter: opts.Filter,
		offset: opts.Wall().UnixNano() - int64(opts.Clock.Now()),
		batch:  opts.Batch,
	}
}

// WallTime converts a monotonic record timestamp to unix nanoseconds
func (c *Consumer) WallTime(monoNs uint64) uint64 {
	return uint64(int64(monoNs) + c.offset)
}

// Run drains until ctx is done. Records already queued when ctx ends are
// still written and the sink is flushed before Run returns nil. A malformed
// record or a sink failure stops the consumer with an error.
func (c *Consumer) Run(ctx context.Context) error {
	frames := make([]types.Frame, 0, c.batch)

	for {
		var drainErr error
		frames, drainErr = c.in.Drain(ctx, frames[:0])

		if err := c.process(frames); err != nil {
			return err
		}
		if err := c.sink.Flush(); err != nil {
			return fmt.Errorf("failed to flush sink: %w", err)
		}

		if drainErr != nil {
			log.Debugf("Consumer stopping after %d records", c.records.Load())
			return nil
		}
	}
}

func (c *Consumer) process(frames []types.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	c.batches.Add(1)

	for i := range frames {
		rec, err := types.Decode(frames[i][:])
		if err != nil {
			return fmt.Errorf("failed to decode record %d of batch: %w", i, err)
		}
		c.records.Add(1)

		if !c.filter.Matches(rec.Pid) {
			c.filtered.Add(1)
			continue
		}

		if err := c.sink.Write(rec, c.WallTime(rec.TimestampNs)); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		c.written.Add(1)
	}
	return nil
}

// Stats returns the current counters
func (c *Consumer) Stats() Stats {
	return Stats{
		Batches:  c.batches.Load(),
		Records:  c.records.Load(),
		Filtered: c.filtered.Load(),
		Written:  c.written.Load(),
	}
}
