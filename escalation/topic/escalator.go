package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/evermart/outbox/outbox"
	"github.com/evermart/outbox/repository"
)

const (
	failureMessageType    = "OutboxDeliveryFailed"
	failurePayloadVersion = "1.0.0"
)

// Escalator republishes the failure signal of terminally failed entries
// through any publisher, so operators can watch a dedicated failure topic.
// The failed entry's own payload is not republished, only its summary.
type Escalator struct {
	publisher outbox.Publisher
}

var _ outbox.Escalator = (*Escalator)(nil)

func New(p outbox.Publisher) *Escalator {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("publisher is mandatory")
	}
	return &Escalator{publisher: p}
}

func (esc *Escalator) Escalate(ctx context.Context, e *repository.Entry) error {
	signal := outbox.NewFailureSignal(e)
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("could not encode the failure signal: %w", err)
	}
	env, err := outbox.NewEnvelope(e.Source, outbox.EventRequest{
		MessageType:    failureMessageType,
		Payload:        payload,
		PayloadVersion: failurePayloadVersion,
		CorrelationID:  e.CorrelationID,
		EventTimestamp: signal.FailedAt,
	})
	if err != nil {
		return err
	}
	if _, err := esc.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("could not publish the failure signal for entry '%s': %w", e.EntryID, err)
	}
	return nil
}
