package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"

	"github.com/evermart/outbox/logger"
	"github.com/evermart/outbox/outbox"
)

// kafkaProducer is a helper interface to work with kafka.Producer.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// Publisher delivers envelopes to Kafka. Publish blocks on the producer's
// delivery report under the caller's deadline, bridging the asynchronous
// confluent client to the publisher contract.
type Publisher struct {
	producer kafkaProducer
	logger   logger.Logger
}

var _ outbox.Publisher = (*Publisher)(nil)
var _ logger.Loggable = (*Publisher)(nil)

func New(p kafkaProducer) *Publisher {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Publisher{
		producer: p,
		logger:   &logger.NopLogger{},
	}
}

func (p *Publisher) SetLogger(l logger.Logger) {
	p.logger = l
}

// Publish produces the envelope and waits for the broker delivery report.
// The partition key (when present) becomes the message key, so entries
// sharing a key land on the same partition; without a key the message is
// distributed with PartitionAny semantics.
func (p *Publisher) Publish(ctx context.Context, e *outbox.Envelope) (*outbox.DeliveryReceipt, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("could not encode the envelope: %w", err)
	}

	var key []byte
	if e.PartitionKey != "" {
		key = []byte(e.PartitionKey)
	}

	topic := buildTopicName(e.MessageType)
	internal := make(chan kafka.Event, 1)
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          value,
		Headers: []kafka.Header{
			{Key: "messageId", Value: []byte(e.MessageID.String())},
			{Key: "messageType", Value: []byte(e.MessageType)},
			{Key: "source", Value: []byte(e.Source)},
			{Key: "version", Value: []byte(e.Version)},
			{Key: "correlationId", Value: []byte(e.CorrelationID)},
			{Key: "timestamp", Value: []byte(strconv.FormatInt(e.Timestamp.UnixMilli(), 10))},
		},
	}, internal)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		// the broker-side outcome is unknown; the entry will be retried
		// and consumers dedupe by messageId
		return nil, ctx.Err()
	case ev := <-internal:
		m, ok := ev.(*kafka.Message)
		if !ok {
			p.logger.Debug(fmt.Sprintf("Ignored event: %s", ev))
			return nil, fmt.Errorf("unexpected delivery report: %s", ev)
		}
		if m.TopicPartition.Error != nil {
			return nil, m.TopicPartition.Error
		}
		return &outbox.DeliveryReceipt{
			Destination: topic,
			Details: fmt.Sprintf("Delivered message %s to topic %s [%d] at offset %v",
				e.MessageID, *m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset),
		}, nil
	}
}

// buildTopicName builds a topic name from a message type (e.g. if
// messageType="StockLevelChanged" then topic name is
// "outbox-stock-level-changed").
func buildTopicName(messageType string) string {
	return fmt.Sprintf("outbox-%s", strcase.ToKebab(messageType))
}
