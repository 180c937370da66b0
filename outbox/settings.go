package outbox

import (
	"errors"
	"time"
)

const (
	defaultMaxDispatchers int           = 2
	defaultPublishTimeout time.Duration = time.Second * 10
)

// Settings holds the general module configuration.
type Settings struct {
	Source           string        // fixed identity of the owning service, stamped on every envelope
	EnableDispatcher bool          // enables the dispatcher using the polling publisher pattern
	MaxDispatchers   int           // in HA environments, maximum allowed number of dispatchers working concurrently
	PollInterval     time.Duration // interval between database pollings by the dispatchers
	BatchSize        int           // maximum number of entries claimed by a dispatcher in each poll cycle
	MaxRetries       int           // maximum number of recorded delivery retries before an entry is terminally failed
	PublishTimeout   time.Duration // per-entry timeout for the publisher round trip
}

// validateSettings validates the established settings and sets the documented
// defaults. PollInterval, BatchSize and MaxRetries have no defaults on
// purpose: a dispatcher with an unintended retry budget or claim size is a
// misconfiguration, not something to paper over.
func validateSettings(s *Settings) error {
	if s.Source == "" {
		return errors.New("Source is mandatory")
	}
	if s.EnableDispatcher {
		if s.PollInterval <= 0 {
			return errors.New("PollInterval is mandatory when the dispatcher is enabled")
		}
		if s.BatchSize <= 0 {
			return errors.New("BatchSize is mandatory when the dispatcher is enabled")
		}
		if s.MaxRetries <= 0 {
			return errors.New("MaxRetries is mandatory when the dispatcher is enabled")
		}
		if s.MaxDispatchers <= 0 {
			s.MaxDispatchers = defaultMaxDispatchers
		}
		if s.PublishTimeout <= 0 {
			s.PublishTimeout = defaultPublishTimeout
		}
	}
	return nil
}
