package gorm

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/evermart/outbox/outbox"
	"github.com/evermart/outbox/repository"
	"github.com/evermart/outbox/test"
)

var (
	ctx       context.Context = context.Background()
	container *postgres.PostgresContainer
	db        *gorm.DB
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
	db, err = gorm.Open(gormpostgres.Open(connStr), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()

	_ = container.Terminate(ctx)
	os.Exit(code)
}

func truncateTables(t *testing.T) {
	err := db.Exec("TRUNCATE TABLE outbox, outbox_dead_letter, outbox_dispatcher_subscription").Error
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

func TestNew(t *testing.T) {
	assert.PanicsWithValue(t, "txKey is mandatory", func() {
		_ = New(nil, db)
	})
	assert.PanicsWithValue(t, "db is mandatory", func() {
		_ = New(test.DefaultCtxKey, nil)
	})
	assert.NotNil(t, New(test.DefaultCtxKey, db))
}

func TestSave_withoutTransaction(t *testing.T) {
	r := New(test.DefaultCtxKey, db)

	err := r.Save(ctx, anEntry())
	assert.ErrorIs(t, err, outbox.ErrNoActiveTransaction)
}

func TestSave_rollsBackWithBusinessTransaction(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, db)
	e := anEntry()

	err := db.Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, test.DefaultCtxKey, tx)
		assert.NoError(t, r.Save(txCtx, e))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	var count int64
	assert.NoError(t, db.Raw("SELECT COUNT(*) FROM outbox").Scan(&count).Error)
	assert.Zero(t, count)
}

func TestSaveAndClaimLifecycle(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, db)
	e := anEntry()

	err := db.Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, test.DefaultCtxKey, tx)
		return r.Save(txCtx, e)
	})
	assert.NoError(t, err)

	claimed, err := r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)
	assert.Equal(t, e.EntryID, claimed[0].EntryID)
	assert.Equal(t, repository.StatusProcessing, claimed[0].Status)
	assert.Nil(t, claimed[0].PublishedAt)

	assert.NoError(t, r.MarkPublished(ctx, e.EntryID, time.Now()))

	// published entries are never claimed again
	claimed, err = r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestSaveAll(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, db)

	err := db.Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, test.DefaultCtxKey, tx)
		return r.SaveAll(txCtx, []*repository.Entry{anEntry(), anEntry()})
	})
	assert.NoError(t, err)

	var count int64
	assert.NoError(t, db.Raw("SELECT COUNT(*) FROM outbox WHERE status='PENDING'").Scan(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestMarkRetryAndTerminal(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, db)
	e := anEntry()
	err := db.Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, test.DefaultCtxKey, tx)
		return r.Save(txCtx, e)
	})
	assert.NoError(t, err)
	_, err = r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)

	assert.NoError(t, r.MarkRetry(ctx, e.EntryID, 1, "broker unavailable"))
	claimed, err := r.ClaimBatch(ctx, uuid.New(), 10, 3)
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].RetryCount)

	maxRetries := 3
	assert.NoError(t, r.MarkTerminal(ctx, e.EntryID, maxRetries, "broker unavailable"))
	claimed, err = r.ClaimBatch(ctx, uuid.New(), 10, maxRetries)
	assert.NoError(t, err)
	assert.Empty(t, claimed)

	assert.NoError(t, r.Requeue(ctx, e.EntryID))
	claimed, err = r.ClaimBatch(ctx, uuid.New(), 10, maxRetries)
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)
	assert.Equal(t, 0, claimed[0].RetryCount)
}

func TestRequeue_withNonTerminalEntry(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, db)

	err := r.Requeue(ctx, uuid.New())
	assert.ErrorContains(t, err, "is not in a terminal status")
}

func TestRecordFailure(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, db)
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

	var count int64
	assert.NoError(t, db.Raw("SELECT COUNT(*) FROM outbox_dead_letter WHERE entry_id=?", e.EntryID).Scan(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestSubscribeDispatcher(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, db)
	maxDispatchers := 2

	ok, subscription, err := r.SubscribeDispatcher(uuid.New(), maxDispatchers)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, subscription)

	ok, subscription, err = r.SubscribeDispatcher(uuid.New(), maxDispatchers)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, subscription)

	ok, _, err = r.SubscribeDispatcher(uuid.New(), maxDispatchers)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateSubscription(t *testing.T) {
	truncateTables(t)
	r := New(test.DefaultCtxKey, db)
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
