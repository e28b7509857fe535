// Package messaging forwards event emissions to Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"loginus/internal/events"
)

// DefaultWriteTimeout bounds one forwarded emission.
const DefaultWriteTimeout = 2 * time.Second

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink is an events.Sink publishing each emission as one JSON message
// keyed by event name.
type KafkaSink struct {
	w       messageWriter
	topic   string
	timeout time.Duration
	log     zerolog.Logger
}

var _ events.Sink = (*KafkaSink)(nil)

// Message is the forwarded document.
type Message struct {
	ID         string           `json:"id"`
	Event      events.Name      `json:"event"`
	Payload    any              `json:"payload,omitempty"`
	EmittedAt  time.Time        `json:"emitted_at"`
	Matched    int              `json:"matched"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	Outcomes   []events.Outcome `json:"outcomes,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

// NewKafkaSink builds a writer for brokers and topic.
func NewKafkaSink(brokers []string, topic string, log zerolog.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one Kafka broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		WriteTimeout:           DefaultWriteTimeout,
		ReadTimeout:            DefaultWriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newKafkaSink(w, topic, log), nil
}

func newKafkaSink(w messageWriter, topic string, log zerolog.Logger) *KafkaSink {
	return &KafkaSink{
		w:       w,
		topic:   topic,
		timeout: DefaultWriteTimeout,
		log:     log.With().Str("component", "kafka-sink").Str("topic", topic).Logger(),
	}
}

// Record publishes res. Errors are returned for the bus to log.
func (k *KafkaSink) Record(ctx context.Context, res events.EmissionResult) error {
	doc := Message{
		ID:         res.Envelope.ID,
		Event:      res.Envelope.Name,
		Payload:    res.Envelope.Payload,
		EmittedAt:  res.Envelope.EmittedAt.UTC(),
		Matched:    res.Matched,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Outcomes:   res.Outcomes,
		DurationMs: res.Duration.Milliseconds(),
	}
	value, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode emission: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(res.Envelope.Name),
		Value: value,
		Time:  doc.EmittedAt,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "producer", Value: []byte("loginus")},
			{Key: "emission-id", Value: []byte(res.Envelope.ID)},
		},
	}

	wctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	start := time.Now()
	if err := k.w.WriteMessages(wctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", k.topic, err)
	}
	k.log.Debug().Str("event", string(res.Envelope.Name)).Int("size", len(value)).Dur("dur", time.Since(start)).Msg("emission forwarded")
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error { return k.w.Close() }
