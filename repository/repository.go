package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	ClaimTimeout        = time.Second * 30 // a PROCESSING claim older than this is reclaimable
	SubsExpirationAfter = time.Second * 30 // consider a subscription expired after 30 seconds of inactivity
	MaxLastErrorLen     = 500              // stored last_error values are truncated to this length
)

type TxKey any

// Status models the delivery lifecycle of an outbox entry.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
	StatusFailed     Status = "FAILED"
)

// Entry contains all the information stored in the underlying outbox table.
// Entries are created by the scheduler inside the caller's transaction and
// mutated only by dispatchers afterwards; they are never deleted here.
type Entry struct {
	EntryID        uuid.UUID
	MessageID      uuid.UUID
	MessageType    string
	Source         string
	Payload        []byte
	PayloadVersion string
	PartitionKey   string
	CorrelationID  string
	EventTimestamp time.Time
	Status         Status
	RetryCount     int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PublishedAt    *time.Time
}

// DeadLetter is the summary of a terminally failed entry, kept in the
// 'outbox_dead_letter' table for operator inspection and manual replay.
type DeadLetter struct {
	EntryID     uuid.UUID
	MessageID   uuid.UUID
	MessageType string
	Source      string
	Payload     []byte
	LastError   string
	RetryCount  int
	FailedAt    time.Time
}

// Repository manages outbox entries persistent operations. This interface is
// the only one the clients need to interact with the module.
type Repository interface {

	// Save persists an outbox entry in the configured external storage.
	// This operation must be called inside an existing business transaction
	// provided in the context; implementations return
	// outbox.ErrNoActiveTransaction when the transaction is missing.
	Save(ctx context.Context, e *Entry) error

	// SaveAll persists several outbox entries inside the same business
	// transaction, so they commit (or roll back) together with the domain
	// mutation and with each other.
	SaveAll(ctx context.Context, entries []*Entry) error

	// ClaimBatch atomically claims up to batchSize deliverable entries for
	// the given dispatcher, marking them PROCESSING. Deliverable entries are
	// PENDING ones, FAILED ones with retry budget left and PROCESSING ones
	// whose claim is older than ClaimTimeout. The returned slice is ordered
	// by creation time, oldest first.
	ClaimBatch(ctx context.Context, dispatcherID uuid.UUID, batchSize int, maxRetries int) ([]*Entry, error)

	// MarkPublished finishes an entry lifecycle: status PUBLISHED, the
	// published_at stamp set exactly once and last_error cleared.
	MarkPublished(ctx context.Context, entryID uuid.UUID, publishedAt time.Time) error

	// MarkRetry requeues an entry after a failed delivery attempt: status
	// back to PENDING with the incremented retry count and the truncated
	// last error recorded.
	MarkRetry(ctx context.Context, entryID uuid.UUID, retryCount int, lastError string) error

	// MarkTerminal moves an entry to the terminal FAILED status. Terminal
	// entries are never picked up again by dispatchers.
	MarkTerminal(ctx context.Context, entryID uuid.UUID, retryCount int, lastError string) error

	// Requeue re-activates a terminal entry: status back to PENDING and the
	// retry count reset to zero. It fails when the entry is not FAILED.
	Requeue(ctx context.Context, entryID uuid.UUID) error

	// RecordFailure copies a terminal failure summary into the
	// 'outbox_dead_letter' table.
	RecordFailure(ctx context.Context, dl *DeadLetter) error

	// SubscribeDispatcher tries to create a dispatcher subscription taking
	// into account the maximum allowed dispatchers. Implementations should
	// use locking mechanisms to prevent that the maximum allowed dispatchers
	// number is surpassed.
	SubscribeDispatcher(dispatcherID uuid.UUID, maxDispatchers int) (subscribed bool, subscription int, err error)

	// UpdateSubscription updates the dispatcher subscription to prevent
	// potential thefts by other dispatchers.
	UpdateSubscription(dispatcherID uuid.UUID) (updated bool, err error)
}
