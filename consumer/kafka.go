package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jnesss/bpf-sampler/types"
)

// kafkaWriteTimeout bounds one batch delivery
const kafkaWriteTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaRecord is the JSON body of one message
type kafkaRecord struct {
	Kind        string `json:"kind"`
	Pid         uint32 `json:"pid"`
	Size        int64  `json:"size"`
	TimestampNs uint64 `json:"timestamp_ns"`
	Fd          *int32 `json:"fd,omitempty"`
}

// KafkaSink publishes each record as a JSON message keyed by pid. Messages
// are buffered per batch and written on Flush.
type KafkaSink struct {
	writer  messageWriter
	pending []kafka.Message
}

// NewKafkaSink creates a sink producing to topic on brokers
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink needs at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink needs a topic")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Lz4,
	}
	return newKafkaSink(w), nil
}

func newKafkaSink(w messageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Write(rec types.Record, wallNs uint64) error {
	body := kafkaRecord{
		Kind:        rec.KindName(),
		Pid:         rec.Pid,
		Size:        rec.SignedSize(),
		TimestampNs: wallNs,
	}
	if rec.HasFd() {
		fd := rec.Fd
		body.Fd = &fd
	}

	value, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	s.pending = append(s.pending, kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(rec.Pid), 10)),
		Value: value,
	})
	return nil
}

func (s *KafkaSink) Flush() error {
	if len(s.pending) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
	defer cancel()

	if err := s.writer.WriteMessages(ctx, s.pending...); err != nil {
		return fmt.Errorf("failed to write %d messages to kafka: %w", len(s.pending), err)
	}
	clear(s.pending)
	s.pending = s.pending[:0]
	return nil
}

func (s *KafkaSink) Close() error {
	flushErr := s.Flush()
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return flushErr
}
