package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/evermart/outbox/logger"
	"github.com/evermart/outbox/repository"
)

// FailureSignal is the escalation payload emitted for entries that exhausted
// their retry budget.
type FailureSignal struct {
	MessageID   uuid.UUID `json:"messageId"`
	MessageType string    `json:"messageType"`
	Source      string    `json:"source"`
	LastError   string    `json:"lastError"`
	FailedAt    time.Time `json:"failedAt"`
}

// NewFailureSignal builds the escalation signal for a terminally failed
// entry. The entry's UpdatedAt stamp is the failure time.
func NewFailureSignal(e *repository.Entry) *FailureSignal {
	return &FailureSignal{
		MessageID:   e.MessageID,
		MessageType: e.MessageType,
		Source:      e.Source,
		LastError:   e.LastError,
		FailedAt:    e.UpdatedAt.UTC(),
	}
}

// Escalator defines the contract for terminal-failure sinks. Escalate is
// invoked exactly once per entry, right after the entry is marked FAILED.
// Re-activation of a terminal entry is a manual operation (see
// Outbox.Requeue); the dispatcher never retries it.
type Escalator interface {
	Escalate(ctx context.Context, e *repository.Entry) error
}

// LogEscalator is the default escalation sink: it writes the failure signal
// to the configured logger at error level.
type LogEscalator struct {
	logger logger.Logger
}

var _ Escalator = (*LogEscalator)(nil)
var _ logger.Loggable = (*LogEscalator)(nil)

func (le *LogEscalator) SetLogger(l logger.Logger) {
	le.logger = l
}

func (le *LogEscalator) Escalate(_ context.Context, e *repository.Entry) error {
	s := NewFailureSignal(e)
	le.logger.Error(
		fmt.Sprintf("outbox entry terminally failed: messageId=%s messageType=%s source=%s failedAt=%s",
			s.MessageID, s.MessageType, s.Source, s.FailedAt.Format(time.RFC3339)),
		fmt.Errorf("%s", s.LastError))
	return nil
}

// MultiEscalator fans a terminal failure out to several sinks. Sinks are
// invoked in order; a failing sink does not prevent the remaining ones from
// being invoked and the first error is returned.
type MultiEscalator struct {
	escalators []Escalator
}

var _ Escalator = (*MultiEscalator)(nil)

func NewMultiEscalator(escalators ...Escalator) *MultiEscalator {
	return &MultiEscalator{escalators: escalators}
}

func (me *MultiEscalator) Escalate(ctx context.Context, e *repository.Entry) error {
	var first error
	for _, esc := range me.escalators {
		if err := esc.Escalate(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
