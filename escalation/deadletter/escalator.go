package deadletter

import (
	"context"
	"fmt"
	"reflect"

	"github.com/evermart/outbox/outbox"
	"github.com/evermart/outbox/repository"
)

// Recorder persists terminal failure summaries. Every repository backend of
// this module satisfies it.
type Recorder interface {
	RecordFailure(ctx context.Context, dl *repository.DeadLetter) error
}

// Escalator copies terminally failed entries into the 'outbox_dead_letter'
// table so operators can inspect, replay (see Outbox.Requeue) or archive
// them.
type Escalator struct {
	recorder Recorder
}

var _ outbox.Escalator = (*Escalator)(nil)

func New(r Recorder) *Escalator {
	if r == nil || reflect.ValueOf(r).IsNil() {
		panic("recorder is mandatory")
	}
	return &Escalator{recorder: r}
}

func (esc *Escalator) Escalate(ctx context.Context, e *repository.Entry) error {
	dl := &repository.DeadLetter{
		EntryID:     e.EntryID,
		MessageID:   e.MessageID,
		MessageType: e.MessageType,
		Source:      e.Source,
		Payload:     e.Payload,
		LastError:   e.LastError,
		RetryCount:  e.RetryCount,
		FailedAt:    e.UpdatedAt.UTC(),
	}
	if err := esc.recorder.RecordFailure(ctx, dl); err != nil {
		return fmt.Errorf("could not dead-letter entry '%s': %w", e.EntryID, err)
	}
	return nil
}
