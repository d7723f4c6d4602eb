package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/splax/deployflow/internal/domain"
)

// MessageWriter is the subset of kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes visits to a Kafka topic keyed by project id.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaWriter builds a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaSink wraps writer as a Sink.
func NewKafkaSink(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

// Send implements Sink.
func (k *KafkaSink) Send(ctx context.Context, visits ...domain.PageVisit) error {
	messages := make([]kafka.Message, 0, len(visits))
	for _, visit := range visits {
		value, err := json.Marshal(visit)
		if err != nil {
			return fmt.Errorf("marshal page visit: %w", err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(visit.ProjectID),
			Value: value,
		})
	}
	return k.writer.WriteMessages(ctx, messages...)
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
