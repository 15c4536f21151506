package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
)

// DefaultTopic is the Kafka topic activity entries are published to.
const DefaultTopic = "bg2.activity"

// KafkaWriter publishes entries to a Kafka topic, keyed by user id so one
// user's entries stay ordered within a partition.
type KafkaWriter struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaProducerConfig returns the producer settings used by NewKafkaWriter.
func NewKafkaProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

// NewKafkaWriter connects a synchronous producer to brokers.
func NewKafkaWriter(brokers []string, topic, clientID string) (*KafkaWriter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaProducerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return NewKafkaWriterWithProducer(producer, topic), nil
}

// NewKafkaWriterWithProducer wraps an existing producer.
func NewKafkaWriterWithProducer(producer sarama.SyncProducer, topic string) *KafkaWriter {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaWriter{producer: producer, topic: topic}
}

// BatchInsert publishes entries as one batch of JSON messages.
func (w *KafkaWriter) BatchInsert(_ context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding activity entry %s: %w", e.ID, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:     w.topic,
			Key:       sarama.StringEncoder(e.UserID),
			Value:     sarama.ByteEncoder(data),
			Timestamp: e.Timestamp,
		})
	}

	if err := w.producer.SendMessages(msgs); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			return fmt.Errorf("publishing activity entries: %d of %d failed: %w", len(perrs), len(msgs), err)
		}
		return fmt.Errorf("publishing activity entries: %w", err)
	}
	return nil
}

// Close closes the producer.
func (w *KafkaWriter) Close() error {
	return w.producer.Close()
}

// MultiWriter fans a batch out to several writers. Every writer is attempted;
// the returned error joins the individual failures.
type MultiWriter []BatchWriter

func (m MultiWriter) BatchInsert(ctx context.Context, entries []Entry) error {
	var errs []error
	for _, w := range m {
		if err := w.BatchInsert(ctx, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
