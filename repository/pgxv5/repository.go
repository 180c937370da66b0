package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/evermart/outbox/logger"
	"github.com/evermart/outbox/outbox"
	"github.com/evermart/outbox/repository"
)

const (
	getSubscriptionsSql          = "SELECT * FROM outbox_dispatcher_subscription ORDER BY id ASC"
	insertOutboxSql              = "INSERT INTO outbox (entry_id, message_id, message_type, source, payload, payload_version, partition_key, correlation_id, event_timestamp, status) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"
	claimOutboxSql               = "UPDATE outbox SET status='PROCESSING', claimed_by=$1, claimed_at=NOW(), updated_at=NOW() WHERE entry_id IN (SELECT entry_id FROM outbox WHERE status='PENDING' OR (status='FAILED' AND retry_count < $2) OR (status='PROCESSING' AND claimed_at < $3) ORDER BY created_at ASC LIMIT $4 FOR UPDATE SKIP LOCKED) RETURNING entry_id, message_id, message_type, source, payload, payload_version, partition_key, correlation_id, event_timestamp, status, retry_count, last_error, created_at, updated_at, published_at"
	markPublishedSql             = "UPDATE outbox SET status='PUBLISHED', published_at=COALESCE(published_at, $2), last_error='', claimed_by=NULL, claimed_at=NULL, updated_at=NOW() WHERE entry_id=$1"
	markRetrySql                 = "UPDATE outbox SET status='PENDING', retry_count=$2, last_error=$3, claimed_by=NULL, claimed_at=NULL, updated_at=NOW() WHERE entry_id=$1"
	markTerminalSql              = "UPDATE outbox SET status='FAILED', retry_count=$2, last_error=$3, claimed_by=NULL, claimed_at=NULL, updated_at=NOW() WHERE entry_id=$1"
	requeueSql                   = "UPDATE outbox SET status='PENDING', retry_count=0, last_error='', claimed_by=NULL, claimed_at=NULL, updated_at=NOW() WHERE entry_id=$1 AND status='FAILED'"
	insertDeadLetterSql          = "INSERT INTO outbox_dead_letter (entry_id, message_id, message_type, source, payload, last_error, retry_count, failed_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"
	subscribeDispatcherInsertSql = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES ($1, $2, $3, 1)"
	subscribeDispatcherUpdateSql = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=$1, alive_at=$2, version=$3 WHERE id=$4 AND version=$5"
	updateSubscriptionSql        = "UPDATE outbox_dispatcher_subscription SET alive_at=NOW() WHERE dispatcher_id=$1"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Repository struct {
	txKey  repository.TxKey
	db     dbpool
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Repository = (*Repository)(nil)

func New(txKey repository.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// Save persists an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement pgx.Tx interface.
func (r *Repository) Save(ctx context.Context, e *repository.Entry) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return fmt.Errorf("%w: a pgx.Tx transaction was expected", outbox.ErrNoActiveTransaction)
	}
	_, err := tx.Exec(ctx, insertOutboxSql, insertArgs(e)...)
	if err != nil {
		return fmt.Errorf("could not persist the outbox entry: %w", err)
	}

	return nil
}

// SaveAll persists several outbox entries in the provided business
// transaction using a single batched round trip.
func (r *Repository) SaveAll(ctx context.Context, entries []*repository.Entry) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return fmt.Errorf("%w: a pgx.Tx transaction was expected", outbox.ErrNoActiveTransaction)
	}
	b := &pgx.Batch{}
	for _, e := range entries {
		b.Queue(insertOutboxSql, insertArgs(e)...)
	}
	br := tx.SendBatch(ctx, b)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("could not persist the outbox entries: %w", err)
		}
	}

	return nil
}

// ClaimBatch claims up to batchSize deliverable entries for the dispatcher
// in a single statement: the inner locking read skips rows already locked by
// competing dispatchers and the update marks the claim with a PROCESSING
// status and a claim timestamp, so stalled claims become reclaimable after
// repository.ClaimTimeout.
func (r *Repository) ClaimBatch(ctx context.Context, dispatcherID uuid.UUID, batchSize int, maxRetries int) ([]*repository.Entry, error) {
	reclaimBefore := time.Now().Add(-repository.ClaimTimeout)
	rows, err := r.db.Query(ctx, claimOutboxSql, dispatcherID, maxRetries, reclaimBefore, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*repository.Entry
	for rows.Next() {
		var e repository.Entry
		err := rows.Scan(&e.EntryID, &e.MessageID, &e.MessageType, &e.Source, &e.Payload, &e.PayloadVersion,
			&e.PartitionKey, &e.CorrelationID, &e.EventTimestamp, &e.Status, &e.RetryCount, &e.LastError,
			&e.CreatedAt, &e.UpdatedAt, &e.PublishedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not guarantee row order
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	return entries, nil
}

// MarkPublished finishes the entry lifecycle. COALESCE keeps the first
// published_at stamp if a duplicate delivery ever lands here twice.
func (r *Repository) MarkPublished(ctx context.Context, entryID uuid.UUID, publishedAt time.Time) error {
	return r.exec(ctx, "mark the entry as published", markPublishedSql, entryID, publishedAt)
}

// MarkRetry requeues the entry for a later poll cycle.
func (r *Repository) MarkRetry(ctx context.Context, entryID uuid.UUID, retryCount int, lastError string) error {
	return r.exec(ctx, "requeue the entry", markRetrySql, entryID, retryCount, lastError)
}

// MarkTerminal moves the entry to the terminal FAILED status.
func (r *Repository) MarkTerminal(ctx context.Context, entryID uuid.UUID, retryCount int, lastError string) error {
	return r.exec(ctx, "mark the entry as terminally failed", markTerminalSql, entryID, retryCount, lastError)
}

// Requeue re-activates a terminal entry on explicit operator request.
func (r *Repository) Requeue(ctx context.Context, entryID uuid.UUID) error {
	ct, err := r.db.Exec(ctx, requeueSql, entryID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("the entry '%s' is not in a terminal status", entryID)
	}
	return nil
}

// RecordFailure copies a terminal failure summary into 'outbox_dead_letter'.
func (r *Repository) RecordFailure(ctx context.Context, dl *repository.DeadLetter) error {
	_, err := r.db.Exec(ctx, insertDeadLetterSql, dl.EntryID, dl.MessageID, dl.MessageType, dl.Source,
		dl.Payload, dl.LastError, dl.RetryCount, dl.FailedAt)
	if err != nil {
		return fmt.Errorf("could not persist the dead letter: %w", err)
	}
	return nil
}

// SubscribeDispatcher tries to subscribe a dispatcher in the 'outbox_dispatcher_subscription'
// table taking into account the max number of allowed dispatchers. If the subscription is successful
// the function returns the assigned subscription to the caller.
func (r *Repository) SubscribeDispatcher(dispatcherID uuid.UUID, maxDispatchers int) (bool, int, error) {
	ctx := context.Background()
	rows, err := r.db.Query(ctx, getSubscriptionsSql)
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	var dss []dispatcherSubscription
	for rows.Next() {
		var ds dispatcherSubscription
		err := rows.Scan(&ds.id, &ds.dispatcherId, &ds.aliveAt, &ds.version)
		if err != nil {
			return false, 0, err
		}
		dss = append(dss, ds)
	}

	if err := rows.Err(); err != nil {
		return false, 0, err
	}

	subscriptionId, ds := allocateSubscription(dss)
	if subscriptionId > maxDispatchers {
		r.logger.Debug("Unable to subscribe due to maximum number of dispatchers reached")
		return false, 0, nil
	}
	now := time.Now()
	if ds != nil {
		ct, err := r.db.Exec(ctx, subscribeDispatcherUpdateSql, dispatcherID, now, ds.version+1, ds.id, ds.version)
		if err != nil {
			return false, 0, err
		}
		if ct.RowsAffected() == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		_, err := r.db.Exec(ctx, subscribeDispatcherInsertSql, subscriptionId, dispatcherID, now)
		if err != nil {
			return false, 0, err
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (r *Repository) UpdateSubscription(dispatcherID uuid.UUID) (bool, error) {
	ctx := context.Background()
	ct, err := r.db.Exec(ctx, updateSubscriptionSql, dispatcherID)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		r.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherID.String()))
		return false, nil
	}
	return true, nil
}

func (r *Repository) exec(ctx context.Context, action string, sql string, args ...interface{}) error {
	ct, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("could not %s: %w", action, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("could not %s: the entry does not exist", action)
	}
	return nil
}

func insertArgs(e *repository.Entry) []interface{} {
	return []interface{}{e.EntryID, e.MessageID, e.MessageType, e.Source, e.Payload, e.PayloadVersion,
		e.PartitionKey, e.CorrelationID, e.EventTimestamp, e.Status}
}

// allocateSubscription analyzes the current subscriptions and determines the next
// subscription identifier that can be used for a new dispatcher. If there is an
// expired subscription (determined by aliveAt) it is reused instead of allocating
// a new subscription entry in the 'outbox_dispatcher_subscription' table.
func allocateSubscription(dss []dispatcherSubscription) (int, *dispatcherSubscription) {
	for _, ds := range dss {
		if isExpired(ds) {
			return ds.id, &ds
		}
	}
	return len(dss) + 1, nil
}

// isExpired considers expired the subscriptions whose dispatcher last aliveAt mark
// is above repository.SubsExpirationAfter from current time.
func isExpired(ds dispatcherSubscription) bool {
	return ds.aliveAt.Add(repository.SubsExpirationAfter).Before(time.Now())
}
