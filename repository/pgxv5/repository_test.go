package pgxv5

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/evermart/outbox/outbox"
	"github.com/evermart/outbox/repository"
	"github.com/evermart/outbox/test"
)

var (
	ctx       context.Context = context.Background()
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
)

func TestMain(m *testing.M) {
	var err error
	container, err = test.InitPostgresContainer(ctx)
	if err != nil {
		panic(err)
	}
	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		panic(err)
	}
	pool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		panic(err)
	}

	code := m.Run()

	pool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func truncateTables(t *testing.T) {
	_, err := pool.Exec(ctx, "TRUNCATE TABLE outbox, outbox_dead_letter, outbox_dispatcher_subscription")
	assert.NoError(t, err)
}

func anEntry() *repository.Entry {
	now := time.Now().UTC()
	return &repository.Entry{
		EntryID:        uuid.New(),
		MessageID:      uuid.New(),
		MessageType:    "StockLevelChanged",
		Source:         "inventory-service",
		Payload:        []byte(`{"sku":"X","level":3}`),
		PayloadVersion: "1.0.0",
		PartitionKey:   "sku-X",
		EventTimestamp: now,
		Status:         repository.StatusPending,
	}
}

// saveCommitted persists the entry through the repository inside a committed
// transaction, the way a business caller would.
func saveCommitted(t *testing.T, r *Repository, e *repository.Entry) {
	tx, err := pool.Begin(ctx)
	assert.NoError(t, err)
	txCtx := context.WithValue(ctx, test.DefaultCtxKey, tx)
	assert.NoError(t, r.Save(txCtx, e))
	assert.NoError(t, tx.Commit(ctx))
}

func countEntries(t *testing.T, status repository.Status) int {
	var count int
	err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM outbox WHERE status=$1", status).Scan(&count)
	assert.NoError(t, err)
	return count
}

func TestNew(t *testing.T) {
	type args struct {
		txKey repository.TxKey
		pool  dbpool
	}
	testcases := []struct {
		name       string
		args       args
		wantErrMsg string
	}{
		{
			name: "with nil txKey",
			args: args{
				txKey: nil,
				pool:  pool,
			},
			wantErrMsg: "txKey is mandatory",
		},
		{
			name: "with nil pool",
			args: args{
				txKey: test.DefaultCtxKey,
				pool:  nil,
			},
			wantErrMsg: "pool is mandatory",
		},
		{
			name: "with typed nil pool",
			args: args{
				txKey: test.DefaultCtxKey,
				pool:  (*pgxpool.Pool)(nil),
			},
			wantErrMsg: "pool is mandatory",
		},
		{
			name: "with valid arguments",
			args: args{
				txKey: test.DefaultCtxKey,
				pool:  pool,
			},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantErrMsg != "" {
				assert.PanicsWithValue(t, tc.wantErrMsg, func() {
					_ = New(tc.args.txKey, tc.args.pool)
				})
			} else {
				assert.NotNil(t, New(tc.args.txKey, tc.args.pool))
			}
		})
	}
}

func TestSave_withoutTransaction(t *testing.T) {
	r := New(test.DefaultCtxKey, pool)

	err := r.Save(ctx, anEntry())
	assert.ErrorIs(t, err, outbox.ErrNoActiveTransaction)
}

func TestSave_rollsBackWithBusinessTransaction(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)
	e := anEntry()

	tx, err := pool.Begin(ctx)
	assert.NoError(t, err)
	txCtx := context.WithValue(ctx, test.DefaultCtxKey, tx)
	assert.NoError(t, r.Save(txCtx, e))
	assert.NoError(t, tx.Rollback(ctx))

	assert.Equal(t, 0, countEntries(t, repository.StatusPending))
}

func TestSave_commitsWithBusinessTransaction(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)
	e := anEntry()

	saveCommitted(t, r, e)

	claimed, err := r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)
	assert.Equal(t, e.EntryID, claimed[0].EntryID)
	assert.Equal(t, e.MessageID, claimed[0].MessageID)
	assert.Equal(t, e.Payload, claimed[0].Payload)
	assert.Equal(t, repository.StatusProcessing, claimed[0].Status)
	assert.Nil(t, claimed[0].PublishedAt)
}

func TestSaveAll(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)

	tx, err := pool.Begin(ctx)
	assert.NoError(t, err)
	txCtx := context.WithValue(ctx, test.DefaultCtxKey, tx)
	assert.NoError(t, r.SaveAll(txCtx, []*repository.Entry{anEntry(), anEntry(), anEntry()}))
	assert.NoError(t, tx.Commit(ctx))

	assert.Equal(t, 3, countEntries(t, repository.StatusPending))
}

func TestSaveAll_withoutTransaction(t *testing.T) {
	r := New(test.DefaultCtxKey, pool)

	err := r.SaveAll(ctx, []*repository.Entry{anEntry()})
	assert.ErrorIs(t, err, outbox.ErrNoActiveTransaction)
}

func TestClaimBatch_respectsBatchSizeAndOrder(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)
	first, second, third := anEntry(), anEntry(), anEntry()
	for _, e := range []*repository.Entry{first, second, third} {
		saveCommitted(t, r, e)
	}

	claimed, err := r.ClaimBatch(ctx, uuid.New(), 2, 3)
	assert.NoError(t, err)
	assert.Len(t, claimed, 2)
	assert.Equal(t, first.EntryID, claimed[0].EntryID)
	assert.Equal(t, second.EntryID, claimed[1].EntryID)

	// the remaining pending entry is claimable by another dispatcher
	claimed, err = r.ClaimBatch(ctx, uuid.New(), 2, 3)
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)
	assert.Equal(t, third.EntryID, claimed[0].EntryID)

	// everything is PROCESSING now, nothing left to claim
	claimed, err = r.ClaimBatch(ctx, uuid.New(), 2, 3)
	assert.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimBatch_reclaimsStaleClaims(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)
	e := anEntry()
	saveCommitted(t, r, e)

	claimed, err := r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)

	// a fresh claim is invisible to competing dispatchers
	claimed, err = r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)
	assert.Empty(t, claimed)

	// age the claim beyond the claim timeout, simulating a crashed dispatcher
	_, err = pool.Exec(ctx, "UPDATE outbox SET claimed_at=NOW() - INTERVAL '1 minute' WHERE entry_id=$1", e.EntryID)
	assert.NoError(t, err)

	claimed, err = r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)
	assert.Equal(t, e.EntryID, claimed[0].EntryID)
}

func TestMarkPublished(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)
	e := anEntry()
	saveCommitted(t, r, e)
	_, err := r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)

	firstPublishedAt := time.Now()
	assert.NoError(t, r.MarkPublished(ctx, e.EntryID, firstPublishedAt))

	var status repository.Status
	var publishedAt *time.Time
	err = pool.QueryRow(ctx, "SELECT status, published_at FROM outbox WHERE entry_id=$1", e.EntryID).Scan(&status, &publishedAt)
	assert.NoError(t, err)
	assert.Equal(t, repository.StatusPublished, status)
	assert.NotNil(t, publishedAt)

	// a duplicate delivery keeps the original stamp
	assert.NoError(t, r.MarkPublished(ctx, e.EntryID, firstPublishedAt.Add(time.Hour)))
	var again *time.Time
	err = pool.QueryRow(ctx, "SELECT published_at FROM outbox WHERE entry_id=$1", e.EntryID).Scan(&again)
	assert.NoError(t, err)
	assert.Equal(t, publishedAt.UTC(), again.UTC())

	// published entries are never claimed again
	claimed, err := r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestMarkPublished_withMissingEntry(t *testing.T) {
	r := New(test.DefaultCtxKey, pool)

	err := r.MarkPublished(ctx, uuid.New(), time.Now())
	assert.ErrorContains(t, err, "the entry does not exist")
}

func TestMarkRetry(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)
	e := anEntry()
	saveCommitted(t, r, e)
	_, err := r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)

	assert.NoError(t, r.MarkRetry(ctx, e.EntryID, 1, "broker unavailable"))

	claimed, err := r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].RetryCount)
	assert.Equal(t, "broker unavailable", claimed[0].LastError)
}

func TestMarkTerminalAndRequeue(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)
	e := anEntry()
	saveCommitted(t, r, e)
	_, err := r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)

	maxRetries := 3
	assert.NoError(t, r.MarkTerminal(ctx, e.EntryID, maxRetries, "broker unavailable"))

	// a terminal entry that exhausted its budget is not claimable
	claimed, err := r.ClaimBatch(ctx, uuid.New(), 10, maxRetries)
	assert.NoError(t, err)
	assert.Empty(t, claimed)

	// the manual requeue resets the entry for a fresh retry budget
	assert.NoError(t, r.Requeue(ctx, e.EntryID))
	claimed, err = r.ClaimBatch(ctx, uuid.New(), 10, maxRetries)
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)
	assert.Equal(t, 0, claimed[0].RetryCount)
}

func TestRequeue_withNonTerminalEntry(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)
	e := anEntry()
	saveCommitted(t, r, e)

	err := r.Requeue(ctx, e.EntryID)
	assert.ErrorContains(t, err, "is not in a terminal status")
}

func TestRecordFailure(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)
	e := anEntry()

	err := r.RecordFailure(ctx, &repository.DeadLetter{
		EntryID:     e.EntryID,
		MessageID:   e.MessageID,
		MessageType: e.MessageType,
		Source:      e.Source,
		Payload:     e.Payload,
		LastError:   "broker unavailable",
		RetryCount:  3,
		FailedAt:    time.Now(),
	})
	assert.NoError(t, err)

	var count int
	err = pool.QueryRow(ctx, "SELECT COUNT(*) FROM outbox_dead_letter WHERE entry_id=$1", e.EntryID).Scan(&count)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSubscribeDispatcher(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)
	maxDispatchers := 2

	ok, subscription, err := r.SubscribeDispatcher(uuid.New(), maxDispatchers)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, subscription)

	ok, subscription, err = r.SubscribeDispatcher(uuid.New(), maxDispatchers)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, subscription)

	// the maximum number of dispatchers is reached
	ok, _, err = r.SubscribeDispatcher(uuid.New(), maxDispatchers)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscribeDispatcher_reusesExpiredSubscription(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)

	ok, subscription, err := r.SubscribeDispatcher(uuid.New(), 1)
	assert.NoError(t, err)
	assert.True(t, ok)

	_, err = pool.Exec(ctx, "UPDATE outbox_dispatcher_subscription SET alive_at=NOW() - INTERVAL '1 minute' WHERE id=$1", subscription)
	assert.NoError(t, err)

	ok, reused, err := r.SubscribeDispatcher(uuid.New(), 1)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, subscription, reused)
}

func TestUpdateSubscription(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, pool)
	dispatcherID := uuid.New()

	ok, _, err := r.SubscribeDispatcher(dispatcherID, 2)
	assert.NoError(t, err)
	assert.True(t, ok)

	updated, err := r.UpdateSubscription(dispatcherID)
	assert.NoError(t, err)
	assert.True(t, updated)

	updated, err = r.UpdateSubscription(uuid.New())
	assert.NoError(t, err)
	assert.False(t, updated)
}
