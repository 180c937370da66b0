package gorm

import (
	"database/sql"

	"github.com/google/uuid"
)

type dispatcherSubscription struct {
	id           int
	dispatcherId uuid.UUID
	aliveAt      sql.NullTime
	version      int64
}
