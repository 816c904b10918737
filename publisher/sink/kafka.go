package sink

import (
	"context"
	"fmt"
	"sort"

	"github.com/civicworks/changefeed/cfg"
	"github.com/civicworks/changefeed/publisher"
	kafkatransport "github.com/civicworks/changefeed/transport/kafka"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	// Register kafka sink factory
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		kafkaConfig := DefaultKafkaConfig(config.Brokers)
		kafkaConfig.TopicPrefix = config.TopicPrefix
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink implements the Sink interface for Kafka publishing.
// Topics follow the Kafka transport's naming, so a relay can feed other
// changefeed instances.
type KafkaSink struct {
	writer *kafka.Writer
	prefix string
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	TopicPrefix      string             // Prepended to schema.table
	BatchSize        int                // Batch size for writes (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create topics if they don't exist (default: true)
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	// Set defaults if not provided
	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Partition by key for consistent routing
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer, prefix: config.TopicPrefix}, nil
}

// Topic returns the topic msg is written to
func (k *KafkaSink) Topic(msg publisher.Message) string {
	return kafkatransport.Topic(k.prefix, msg.Schema, msg.Table)
}

// Publish sends a message to Kafka. A nil value is a tombstone.
//
// Uses context.Background() because the relay worker manages retries.
func (k *KafkaSink) Publish(msg publisher.Message) error {
	return k.writer.WriteMessages(context.Background(), k.message(msg))
}

func (k *KafkaSink) message(msg publisher.Message) kafka.Message {
	return kafka.Message{
		Topic:   k.Topic(msg),
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: kafkaHeaders(msg.Headers),
	}
}

// kafkaHeaders converts headers in a stable order
func kafkaHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(h[k])})
	}
	return out
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
