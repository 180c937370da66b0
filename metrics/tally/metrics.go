package tally

import (
	tally "github.com/uber-go/tally/v4"

	"github.com/evermart/outbox/metrics"
)

type Counter struct {
	Counter tally.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}
