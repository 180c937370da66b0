package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_outbox.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

var entryColumns = []string{"entry_id", "message_id", "message_type", "source", "payload", "payload_version",
	"partition_key", "correlation_id", "event_timestamp", "status", "retry_count", "last_error",
	"created_at", "updated_at", "published_at"}

// MockClaimableIdRows mocks the claimable-identifier select with the
// provided entry identifiers.
func MockClaimableIdRows(mock sqlmock.Sqlmock, ids ...uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"entry_id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	mock.ExpectQuery("SELECT entry_id FROM outbox.+").WillReturnRows(rows)
	return rows
}

// MockClaimedEntryRows mocks the claimed-rows select with one PROCESSING
// entry per provided identifier.
func MockClaimedEntryRows(mock sqlmock.Sqlmock, ids ...uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows(entryColumns)
	for i, id := range ids {
		rows.AddRow(id, uuid.New(), "StockLevelChanged", "inventory-service", []byte(`{"sku":"X"}`), "1.0.0",
			"", "", time.Now(), "PROCESSING", 0, "", time.Now().Add(time.Duration(i)*time.Millisecond), time.Now(), nil)
	}
	mock.ExpectQuery("SELECT (.+) FROM outbox WHERE claimed_by=.+").WillReturnRows(rows)
	return rows
}

func MockSubscriptionRowsWithOneExpired(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "dispatcher_id", "alive_at", "version"}).
		AddRow(1, uuid.New(), time.Now(), 1).
		AddRow(2, uuid.New(), time.Now(), 1).
		AddRow(3, uuid.New(), time.Now().Add(time.Minute*-1), 1)
	mock.ExpectQuery("SELECT \\* FROM outbox_dispatcher_subscription ORDER BY id ASC").WillReturnRows(rows)
	return rows
}

func MockSubscriptionRowsAllActive(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "dispatcher_id", "alive_at", "version"}).
		AddRow(1, uuid.New(), time.Now(), 1).
		AddRow(2, uuid.New(), time.Now(), 1)
	mock.ExpectQuery("SELECT \\* FROM outbox_dispatcher_subscription ORDER BY id ASC").WillReturnRows(rows)
	return rows
}
