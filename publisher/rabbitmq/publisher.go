package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/iancoleman/strcase"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/evermart/outbox/logger"
	"github.com/evermart/outbox/outbox"
)

// confirmation abstracts the broker acknowledgment of a published message.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// confirmChannel is a helper interface to work with a confirm-mode
// amqp.Channel.
type confirmChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) (confirmation, error)
}

// channelAdapter adapts *amqp.Channel to the confirmChannel seam.
type channelAdapter struct {
	ch *amqp.Channel
}

func (a *channelAdapter) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) (confirmation, error) {
	return a.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// Publisher delivers envelopes to RabbitMQ through a confirm-mode channel.
// Publish blocks until the broker confirm arrives or the caller's deadline
// expires.
type Publisher struct {
	channel  confirmChannel
	exchange string
	logger   logger.Logger
}

var _ outbox.Publisher = (*Publisher)(nil)
var _ logger.Loggable = (*Publisher)(nil)

// New creates a Publisher on top of a channel that was already put in
// confirm mode (see amqp.Channel.Confirm).
func New(ch *amqp.Channel, exchange string) *Publisher {
	if ch == nil {
		panic("channel is mandatory")
	}
	return newWithChannel(&channelAdapter{ch: ch}, exchange)
}

func newWithChannel(ch confirmChannel, exchange string) *Publisher {
	if ch == nil || reflect.ValueOf(ch).IsNil() {
		panic("channel is mandatory")
	}
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   &logger.NopLogger{},
	}
}

func (p *Publisher) SetLogger(l logger.Logger) {
	p.logger = l
}

// Publish sends the envelope with the message type as routing key and waits
// for the broker confirm. The partition key travels as a header so queue
// topologies can use consistent-hash exchanges for per-key ordering.
func (p *Publisher) Publish(ctx context.Context, e *outbox.Envelope) (*outbox.DeliveryReceipt, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("could not encode the envelope: %w", err)
	}

	headers := amqp.Table{
		"messageType": e.MessageType,
		"source":      e.Source,
		"version":     e.Version,
	}
	if e.PartitionKey != "" {
		headers["partitionKey"] = e.PartitionKey
	}

	routingKey := buildRoutingKey(e.MessageType)
	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     e.MessageID.String(),
		CorrelationId: e.CorrelationID,
		Timestamp:     e.Timestamp,
		Body:          body,
	})
	if err != nil {
		return nil, err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return nil, err
	}
	if !acked {
		return nil, fmt.Errorf("the broker rejected message '%s'", e.MessageID)
	}

	return &outbox.DeliveryReceipt{
		Destination: p.exchange,
		Details: fmt.Sprintf("Delivered message %s to exchange %q with routing key %q",
			e.MessageID, p.exchange, routingKey),
	}, nil
}

// buildRoutingKey builds a routing key from a message type (e.g. if
// messageType="StockLevelChanged" then the key is
// "outbox.stock-level-changed").
func buildRoutingKey(messageType string) string {
	return fmt.Sprintf("outbox.%s", strcase.ToKebab(messageType))
}
