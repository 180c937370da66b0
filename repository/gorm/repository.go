package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/evermart/outbox/logger"
	"github.com/evermart/outbox/outbox"
	"github.com/evermart/outbox/repository"
)

const (
	getSubscriptionsSql          = "SELECT * FROM outbox_dispatcher_subscription ORDER BY id ASC"
	insertOutboxSql              = "INSERT INTO outbox (entry_id, message_id, message_type, source, payload, payload_version, partition_key, correlation_id, event_timestamp, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	claimOutboxSql               = "UPDATE outbox SET status='PROCESSING', claimed_by=?, claimed_at=NOW(), updated_at=NOW() WHERE entry_id IN (SELECT entry_id FROM outbox WHERE status='PENDING' OR (status='FAILED' AND retry_count < ?) OR (status='PROCESSING' AND claimed_at < ?) ORDER BY created_at ASC LIMIT ? FOR UPDATE SKIP LOCKED) RETURNING entry_id, message_id, message_type, source, payload, payload_version, partition_key, correlation_id, event_timestamp, status, retry_count, last_error, created_at, updated_at, published_at"
	markPublishedSql             = "UPDATE outbox SET status='PUBLISHED', published_at=COALESCE(published_at, ?), last_error='', claimed_by=null, claimed_at=null, updated_at=NOW() WHERE entry_id=?"
	markRetrySql                 = "UPDATE outbox SET status='PENDING', retry_count=?, last_error=?, claimed_by=null, claimed_at=null, updated_at=NOW() WHERE entry_id=?"
	markTerminalSql              = "UPDATE outbox SET status='FAILED', retry_count=?, last_error=?, claimed_by=null, claimed_at=null, updated_at=NOW() WHERE entry_id=?"
	requeueSql                   = "UPDATE outbox SET status='PENDING', retry_count=0, last_error='', claimed_by=null, claimed_at=null, updated_at=NOW() WHERE entry_id=? AND status='FAILED'"
	insertDeadLetterSql          = "INSERT INTO outbox_dead_letter (entry_id, message_id, message_type, source, payload, last_error, retry_count, failed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	subscribeDispatcherInsertSql = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES (?, ?, ?, 1)"
	subscribeDispatcherUpdateSql = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=?, alive_at=?, version=? WHERE id=? AND version=?"
	updateSubscriptionSql        = "UPDATE outbox_dispatcher_subscription SET alive_at=NOW() WHERE dispatcher_id=?"
)

// Repository is a gorm implementation with Postgres claim semantics: the
// locking read skips rows locked by competing dispatchers and the PROCESSING
// marker makes stalled claims reclaimable after repository.ClaimTimeout.
type Repository struct {
	txKey  repository.TxKey
	db     *gorm.DB
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Repository = (*Repository)(nil)

func New(txKey repository.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// Save persists an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, e *repository.Entry) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return fmt.Errorf("%w: a *gorm.DB transaction was expected", outbox.ErrNoActiveTransaction)
	}
	err := tx.Exec(insertOutboxSql, insertArgs(e)...).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox entry: %w", err)
	}

	return nil
}

// SaveAll persists several outbox entries in the provided business
// transaction so they commit or roll back together.
func (r *Repository) SaveAll(ctx context.Context, entries []*repository.Entry) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return fmt.Errorf("%w: a *gorm.DB transaction was expected", outbox.ErrNoActiveTransaction)
	}
	for _, e := range entries {
		if err := tx.Exec(insertOutboxSql, insertArgs(e)...).Error; err != nil {
			return fmt.Errorf("could not persist the outbox entries: %w", err)
		}
	}

	return nil
}

// ClaimBatch claims up to batchSize deliverable entries for the dispatcher
// in a single statement (see claimOutboxSql).
func (r *Repository) ClaimBatch(ctx context.Context, dispatcherID uuid.UUID, batchSize int, maxRetries int) ([]*repository.Entry, error) {
	reclaimBefore := time.Now().Add(-repository.ClaimTimeout)
	rows, err := r.db.WithContext(ctx).Raw(claimOutboxSql, dispatcherID, maxRetries, reclaimBefore, batchSize).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*repository.Entry
	for rows.Next() {
		var e repository.Entry
		var publishedAt sql.NullTime
		err := rows.Scan(&e.EntryID, &e.MessageID, &e.MessageType, &e.Source, &e.Payload, &e.PayloadVersion,
			&e.PartitionKey, &e.CorrelationID, &e.EventTimestamp, &e.Status, &e.RetryCount, &e.LastError,
			&e.CreatedAt, &e.UpdatedAt, &publishedAt)
		if err != nil {
			return nil, err
		}
		if publishedAt.Valid {
			e.PublishedAt = &publishedAt.Time
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
	return r.exec(ctx, "mark the entry as published", markPublishedSql, publishedAt, entryID)
}

// MarkRetry requeues the entry for a later poll cycle.
func (r *Repository) MarkRetry(ctx context.Context, entryID uuid.UUID, retryCount int, lastError string) error {
	return r.exec(ctx, "requeue the entry", markRetrySql, retryCount, lastError, entryID)
}

// MarkTerminal moves the entry to the terminal FAILED status.
func (r *Repository) MarkTerminal(ctx context.Context, entryID uuid.UUID, retryCount int, lastError string) error {
	return r.exec(ctx, "mark the entry as terminally failed", markTerminalSql, retryCount, lastError, entryID)
}

// Requeue re-activates a terminal entry on explicit operator request.
func (r *Repository) Requeue(ctx context.Context, entryID uuid.UUID) error {
	res := r.db.WithContext(ctx).Exec(requeueSql, entryID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("the entry '%s' is not in a terminal status", entryID)
	}
	return nil
}

// RecordFailure copies a terminal failure summary into 'outbox_dead_letter'.
func (r *Repository) RecordFailure(ctx context.Context, dl *repository.DeadLetter) error {
	err := r.db.WithContext(ctx).Exec(insertDeadLetterSql, dl.EntryID, dl.MessageID, dl.MessageType, dl.Source,
		dl.Payload, dl.LastError, dl.RetryCount, dl.FailedAt).Error
	if err != nil {
		return fmt.Errorf("could not persist the dead letter: %w", err)
	}
	return nil
}

// SubscribeDispatcher tries to subscribe a dispatcher in the 'outbox_dispatcher_subscription'
// table taking into account the max number of allowed dispatchers. If the subscription is successful
// the function returns the assigned subscription to the caller.
func (r *Repository) SubscribeDispatcher(dispatcherID uuid.UUID, maxDispatchers int) (bool, int, error) {
	rows, err := r.db.Raw(getSubscriptionsSql).Rows()
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
		res := r.db.Exec(subscribeDispatcherUpdateSql, dispatcherID, now, ds.version+1, ds.id, ds.version)
		if res.Error != nil {
			return false, 0, res.Error
		}
		if res.RowsAffected == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		if err := r.db.Exec(subscribeDispatcherInsertSql, subscriptionId, dispatcherID, now).Error; err != nil {
			return false, 0, err
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (r *Repository) UpdateSubscription(dispatcherID uuid.UUID) (bool, error) {
	res := r.db.Exec(updateSubscriptionSql, dispatcherID)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		r.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherID.String()))
		return false, nil
	}
	return true, nil
}

func (r *Repository) exec(ctx context.Context, action string, query string, args ...interface{}) error {
	res := r.db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return fmt.Errorf("could not %s: %w", action, res.Error)
	}
	if res.RowsAffected == 0 {
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
	return ds.aliveAt.Time.Add(repository.SubsExpirationAfter).Before(time.Now())
}
