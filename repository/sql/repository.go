package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evermart/outbox/logger"
	"github.com/evermart/outbox/outbox"
	"github.com/evermart/outbox/repository"
)

const raNotSupported string = "RowsAffected not supported"

const entryColumns = "entry_id, message_id, message_type, source, payload, payload_version, partition_key, correlation_id, event_timestamp, status, retry_count, last_error, created_at, updated_at, published_at"

var (
	getSubscriptionsSql          = "SELECT * FROM outbox_dispatcher_subscription ORDER BY id ASC"
	insertOutboxSql              = "INSERT INTO outbox (entry_id, message_id, message_type, source, payload, payload_version, partition_key, correlation_id, event_timestamp, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	selectClaimableSql           = "SELECT entry_id FROM outbox WHERE status='PENDING' OR (status='FAILED' AND retry_count < ?) OR (status='PROCESSING' AND claimed_at < ?) ORDER BY created_at ASC LIMIT ?"
	getClaimedSql                = "SELECT " + entryColumns + " FROM outbox WHERE claimed_by=? AND status='PROCESSING' AND claimed_at >= ? ORDER BY created_at ASC"
	markPublishedSql             = "UPDATE outbox SET status='PUBLISHED', published_at=COALESCE(published_at, ?), last_error='', claimed_by=null, claimed_at=null, updated_at=? WHERE entry_id=?"
	markRetrySql                 = "UPDATE outbox SET status='PENDING', retry_count=?, last_error=?, claimed_by=null, claimed_at=null, updated_at=? WHERE entry_id=?"
	markTerminalSql              = "UPDATE outbox SET status='FAILED', retry_count=?, last_error=?, claimed_by=null, claimed_at=null, updated_at=? WHERE entry_id=?"
	requeueSql                   = "UPDATE outbox SET status='PENDING', retry_count=0, last_error='', claimed_by=null, claimed_at=null, updated_at=? WHERE entry_id=? AND status='FAILED'"
	insertDeadLetterSql          = "INSERT INTO outbox_dead_letter (entry_id, message_id, message_type, source, payload, last_error, retry_count, failed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	subscribeDispatcherInsertSql = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES (?, ?, ?, 1)"
	subscribeDispatcherUpdateSql = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=?, alive_at=?, version=? WHERE id=? AND version=?"
	updateSubscriptionSql        = "UPDATE outbox_dispatcher_subscription SET alive_at=? WHERE dispatcher_id=?"
)

// Repository is a driver-agnostic database/sql implementation. Without the
// guarantee of a SELECT ... FOR UPDATE SKIP LOCKED, claiming relies on the
// PROCESSING marker plus claim timestamp alone, which admits a slightly
// higher duplicate-delivery probability under races; duplicates stay within
// the at-least-once contract.
type Repository struct {
	txKey     repository.TxKey
	db        *sql.DB
	useDollar bool
	logger    logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Repository = (*Repository)(nil)

func New(txKey repository.TxKey, db *sql.DB, useDollar bool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}

	if useDollar {
		insertOutboxSql = convertToDollarPlaceholder(insertOutboxSql)
		selectClaimableSql = convertToDollarPlaceholder(selectClaimableSql)
		getClaimedSql = convertToDollarPlaceholder(getClaimedSql)
		markPublishedSql = convertToDollarPlaceholder(markPublishedSql)
		markRetrySql = convertToDollarPlaceholder(markRetrySql)
		markTerminalSql = convertToDollarPlaceholder(markTerminalSql)
		requeueSql = convertToDollarPlaceholder(requeueSql)
		insertDeadLetterSql = convertToDollarPlaceholder(insertDeadLetterSql)
		subscribeDispatcherInsertSql = convertToDollarPlaceholder(subscribeDispatcherInsertSql)
		subscribeDispatcherUpdateSql = convertToDollarPlaceholder(subscribeDispatcherUpdateSql)
		updateSubscriptionSql = convertToDollarPlaceholder(updateSubscriptionSql)
	}

	return &Repository{
		txKey:     txKey,
		db:        db,
		useDollar: useDollar,
		logger:    &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// Save persists an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of sql.Tx.
func (r *Repository) Save(ctx context.Context, e *repository.Entry) error {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return fmt.Errorf("%w: an *sql.Tx transaction was expected", outbox.ErrNoActiveTransaction)
	}
	_, err := tx.ExecContext(ctx, insertOutboxSql, insertArgs(e)...)
	if err != nil {
		return fmt.Errorf("could not persist the outbox entry: %w", err)
	}

	return nil
}

// SaveAll persists several outbox entries in the provided business
// transaction so they commit or roll back together.
func (r *Repository) SaveAll(ctx context.Context, entries []*repository.Entry) error {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return fmt.Errorf("%w: an *sql.Tx transaction was expected", outbox.ErrNoActiveTransaction)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, insertOutboxSql, insertArgs(e)...); err != nil {
			return fmt.Errorf("could not persist the outbox entries: %w", err)
		}
	}

	return nil
}

// ClaimBatch claims up to batchSize deliverable entries in three steps:
// select the candidate identifiers, mark them PROCESSING guarded by the same
// deliverability predicate (so rows claimed by a competing dispatcher in
// between are skipped) and read back the rows that were actually claimed.
func (r *Repository) ClaimBatch(ctx context.Context, dispatcherID uuid.UUID, batchSize int, maxRetries int) ([]*repository.Entry, error) {
	reclaimBefore := time.Now().Add(-repository.ClaimTimeout)
	rows, err := r.db.QueryContext(ctx, selectClaimableSql, maxRetries, reclaimBefore, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimedAt := time.Now()
	if err := r.markClaimed(ctx, dispatcherID, claimedAt, ids, maxRetries, reclaimBefore); err != nil {
		return nil, err
	}

	return r.getClaimed(ctx, dispatcherID, claimedAt)
}

// MarkPublished finishes the entry lifecycle. COALESCE keeps the first
// published_at stamp if a duplicate delivery ever lands here twice.
func (r *Repository) MarkPublished(ctx context.Context, entryID uuid.UUID, publishedAt time.Time) error {
	return r.exec(ctx, "mark the entry as published", markPublishedSql, publishedAt, time.Now(), entryID)
}

// MarkRetry requeues the entry for a later poll cycle.
func (r *Repository) MarkRetry(ctx context.Context, entryID uuid.UUID, retryCount int, lastError string) error {
	return r.exec(ctx, "requeue the entry", markRetrySql, retryCount, lastError, time.Now(), entryID)
}

// MarkTerminal moves the entry to the terminal FAILED status.
func (r *Repository) MarkTerminal(ctx context.Context, entryID uuid.UUID, retryCount int, lastError string) error {
	return r.exec(ctx, "mark the entry as terminally failed", markTerminalSql, retryCount, lastError, time.Now(), entryID)
}

// Requeue re-activates a terminal entry on explicit operator request.
func (r *Repository) Requeue(ctx context.Context, entryID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, requeueSql, time.Now(), entryID)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return fmt.Errorf("the entry '%s' is not in a terminal status", entryID)
	}
	return nil
}

// RecordFailure copies a terminal failure summary into 'outbox_dead_letter'.
func (r *Repository) RecordFailure(ctx context.Context, dl *repository.DeadLetter) error {
	_, err := r.db.ExecContext(ctx, insertDeadLetterSql, dl.EntryID, dl.MessageID, dl.MessageType, dl.Source,
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
	rows, err := r.db.Query(getSubscriptionsSql)
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
		res, err := r.db.Exec(subscribeDispatcherUpdateSql, dispatcherID, now, ds.version+1, ds.id, ds.version)
		if err != nil {
			return false, 0, err
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return false, 0, errors.New(raNotSupported)
		}
		if ra == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		_, err := r.db.Exec(subscribeDispatcherInsertSql, subscriptionId, dispatcherID, now)
		if err != nil {
			return false, 0, err
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (r *Repository) UpdateSubscription(dispatcherID uuid.UUID) (bool, error) {
	res, err := r.db.Exec(updateSubscriptionSql, time.Now(), dispatcherID)
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	if ra == 0 {
		r.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherID.String()))
		return false, nil
	}
	return true, nil
}

// markClaimed marks the selected identifiers as PROCESSING. The WHERE clause
// repeats the deliverability predicate so identifiers grabbed by a competing
// dispatcher between the select and this update are silently skipped.
func (r *Repository) markClaimed(ctx context.Context, dispatcherID uuid.UUID, claimedAt time.Time, ids []uuid.UUID, maxRetries int, reclaimBefore time.Time) error {
	query := "UPDATE outbox SET status='PROCESSING', claimed_by=" + r.placeholder(1) +
		", claimed_at=" + r.placeholder(2) + ", updated_at=" + r.placeholder(3) +
		" WHERE entry_id IN ("
	args := []interface{}{dispatcherID, claimedAt, claimedAt}
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = r.placeholder(4 + i)
		args = append(args, id)
	}
	query += strings.Join(placeholders, ",") + ") AND (status='PENDING' OR (status='FAILED' AND retry_count < " +
		r.placeholder(4+len(ids)) + ") OR (status='PROCESSING' AND claimed_at < " + r.placeholder(5+len(ids)) + "))"
	args = append(args, maxRetries, reclaimBefore)

	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// getClaimed reads back the rows the claim update actually marked.
func (r *Repository) getClaimed(ctx context.Context, dispatcherID uuid.UUID, claimedAt time.Time) ([]*repository.Entry, error) {
	rows, err := r.db.QueryContext(ctx, getClaimedSql, dispatcherID, claimedAt)
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

	return entries, nil
}

func (r *Repository) exec(ctx context.Context, action string, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("could not %s: %w", action, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return fmt.Errorf("could not %s: the entry does not exist", action)
	}
	return nil
}

// placeholder renders the n-th positional placeholder for the configured
// placeholder style.
func (r *Repository) placeholder(n int) string {
	if r.useDollar {
		return "$" + strconv.Itoa(n)
	}
	return "?"
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

func convertToDollarPlaceholder(query string) string {
	count := 0
	for strings.Contains(query, "?") {
		count++
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", count), 1)
	}
	return query
}
