package pgxv5

import (
	"time"

	"github.com/google/uuid"
)

type dispatcherSubscription struct {
	id           int
	dispatcherId uuid.UUID
	aliveAt      time.Time
	version      int64
}
