package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/evermart/outbox/repository"
	"github.com/evermart/outbox/test"
)

func failedEntry() *repository.Entry {
	now := time.Now().UTC()
	return &repository.Entry{
		EntryID:        uuid.New(),
		MessageID:      uuid.New(),
		MessageType:    "StockLevelChanged",
		Source:         "inventory-service",
		Payload:        []byte(`{"sku":"X","level":3}`),
		PayloadVersion: "1.0.0",
		Status:         repository.StatusFailed,
		RetryCount:     3,
		LastError:      "broker unavailable",
		CreatedAt:      now.Add(-time.Minute),
		UpdatedAt:      now,
	}
}

func TestNewFailureSignal(t *testing.T) {
	e := failedEntry()

	s := NewFailureSignal(e)

	assert.Equal(t, e.MessageID, s.MessageID)
	assert.Equal(t, e.MessageType, s.MessageType)
	assert.Equal(t, e.Source, s.Source)
	assert.Equal(t, e.LastError, s.LastError)
	assert.Equal(t, e.UpdatedAt.UTC(), s.FailedAt)
}

func TestLogEscalator(t *testing.T) {
	l := &test.TestLogger{}
	le := &LogEscalator{}
	le.SetLogger(l)
	e := failedEntry()

	err := le.Escalate(context.Background(), e)

	assert.NoError(t, err)
	assert.Len(t, l.Lines, 1)
	assert.Contains(t, l.Lines[0], e.MessageID.String())
	assert.Contains(t, l.Lines[0], "StockLevelChanged")
}

func TestMultiEscalator(t *testing.T) {
	type args struct {
		errs []error
	}
	testcases := []struct {
		name    string
		args    args
		wantErr string
	}{
		{
			name: "all sinks succeed",
			args: args{
				errs: []error{nil, nil, nil},
			},
		},
		{
			name: "first error wins but every sink runs",
			args: args{
				errs: []error{errors.New("error#1"), nil, errors.New("error#2")},
			},
			wantErr: "error#1",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			sinks := make([]*fakeEscalator, len(tc.args.errs))
			escalators := make([]Escalator, len(tc.args.errs))
			for i, e := range tc.args.errs {
				sinks[i] = &fakeEscalator{retErr: e}
				escalators[i] = sinks[i]
			}
			me := NewMultiEscalator(escalators...)
			entry := failedEntry()

			err := me.Escalate(context.Background(), entry)

			if tc.wantErr != "" {
				assert.EqualError(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			for _, s := range sinks {
				assert.Len(t, s.escalated, 1)
			}
		})
	}
}
