package topic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/evermart/outbox/outbox"
	"github.com/evermart/outbox/repository"
)

type mockedPublisher struct {
	published []*outbox.Envelope
	retErr    error
}

func (p *mockedPublisher) Publish(_ context.Context, env *outbox.Envelope) (*outbox.DeliveryReceipt, error) {
	if p.retErr != nil {
		return nil, p.retErr
	}
	p.published = append(p.published, env)
	return &outbox.DeliveryReceipt{Destination: "test"}, nil
}

func failedEntry() *repository.Entry {
	now := time.Now().UTC()
	return &repository.Entry{
		EntryID:        uuid.New(),
		MessageID:      uuid.New(),
		MessageType:    "StockLevelChanged",
		Source:         "inventory-service",
		Payload:        []byte(`{"sku":"X","level":3}`),
		PayloadVersion: "1.0.0",
		CorrelationID:  "corr-1",
		Status:         repository.StatusFailed,
		RetryCount:     3,
		LastError:      "broker unavailable",
		UpdatedAt:      now,
	}
}

func TestNew(t *testing.T) {
	assert.PanicsWithValue(t, "publisher is mandatory", func() {
		_ = New(nil)
	})
	assert.PanicsWithValue(t, "publisher is mandatory", func() {
		_ = New((*mockedPublisher)(nil))
	})
	assert.NotNil(t, New(&mockedPublisher{}))
}

func TestEscalate(t *testing.T) {
	pub := &mockedPublisher{}
	esc := New(pub)
	e := failedEntry()

	err := esc.Escalate(context.Background(), e)
	assert.NoError(t, err)
	assert.Len(t, pub.published, 1)

	env := pub.published[0]
	assert.Equal(t, "OutboxDeliveryFailed", env.MessageType)
	assert.Equal(t, e.Source, env.Source)
	assert.Equal(t, "1.0.0", env.Version)
	assert.Equal(t, e.CorrelationID, env.CorrelationID)

	var signal outbox.FailureSignal
	assert.NoError(t, json.Unmarshal(env.Payload, &signal))
	assert.Equal(t, e.MessageID, signal.MessageID)
	assert.Equal(t, e.MessageType, signal.MessageType)
	assert.Equal(t, e.LastError, signal.LastError)
	assert.True(t, signal.FailedAt.Equal(e.UpdatedAt))
}

func TestEscalate_withPublishError(t *testing.T) {
	esc := New(&mockedPublisher{retErr: errors.New("error#1")})
	e := failedEntry()

	err := esc.Escalate(context.Background(), e)
	assert.EqualError(t, err, fmt.Sprintf("could not publish the failure signal for entry '%s': error#1", e.EntryID))
}
