package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/evermart/outbox/logger"
	"github.com/evermart/outbox/metrics"
	"github.com/evermart/outbox/repository"
)

var once sync.Once

// Outbox implements the transactional outbox module: it schedules domain
// events durably inside the caller's business transaction and, when the
// dispatcher is enabled, delivers them asynchronously to the configured
// publisher.
type Outbox struct {
	settings   Settings
	logger     logger.Logger
	publisher  Publisher
	repository repository.Repository
	escalator  Escalator
	successCtr metrics.Counter
	errorCtr   metrics.Counter

	mu         sync.RWMutex
	validators map[validatorKey]Validator
}

// opt allows optional configuration.
type opt func(o *Outbox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(o *Outbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure optional delivery counters for
// observability.
func WithCounters(success metrics.Counter, error metrics.Counter) opt {
	return func(o *Outbox) {
		if success != nil {
			o.successCtr = success
		}
		if error != nil {
			o.errorCtr = error
		}
	}
}

// WithEscalator allows clients to configure the terminal-failure sink. When
// not provided, terminal failures are logged through the configured logger.
func WithEscalator(e Escalator) opt {
	return func(o *Outbox) {
		if e != nil {
			o.escalator = e
		}
	}
}

// WithValidator registers a schema validator for a (messageType,
// payloadVersion) pair at construction time.
func WithValidator(messageType string, payloadVersion string, v Validator) opt {
	return func(o *Outbox) {
		if v != nil {
			o.validators[validatorKey{messageType, payloadVersion}] = v
		}
	}
}

// Singleton creates a unique instance of Outbox using the provided settings
// and options and the provided Repository and Publisher implementations.
func Singleton(s Settings, r repository.Repository, p Publisher, options ...opt) *Outbox {
	var ob *Outbox
	once.Do(func() {
		if p == nil || r == nil {
			panic("you must provide a publisher and a repository")
		}

		if err := validateSettings(&s); err != nil {
			panic(err)
		}

		ob = &Outbox{
			settings:   s,
			logger:     &logger.NopLogger{},
			publisher:  p,
			repository: r,
			escalator:  &LogEscalator{},
			successCtr: &metrics.NopCounter{},
			errorCtr:   &metrics.NopCounter{},
			validators: make(map[validatorKey]Validator),
		}

		for _, o := range options {
			o(ob)
		}

		for _, a := range []any{p, r, ob.escalator} {
			if l, ok := a.(logger.Loggable); ok {
				l.SetLogger(ob.logger)
			}
		}

		if s.EnableDispatcher {
			ob.logger.Debug("the polling publisher dispatcher is enabled")
			d := dispatcher{
				id:         uuid.New(),
				settings:   s,
				logger:     ob.logger,
				publisher:  ob.publisher,
				repository: ob.repository,
				escalator:  ob.escalator,
				successCtr: ob.successCtr,
				errorCtr:   ob.errorCtr,
			}
			go d.launchDispatcher()
		}
	})

	return ob
}

// ScheduleEvent schedules a domain event reliably within a business
// transaction, utilizing the polling publisher variant of the Transactional
// Outbox pattern. The caller's open transaction must be present in the
// context; the outbox entry insert participates in the same atomic commit as
// the domain mutation. It returns the message identifier carried by the
// envelope that will eventually be published.
func (ob *Outbox) ScheduleEvent(ctx context.Context, req EventRequest) (uuid.UUID, error) {
	e, err := ob.buildEntry(req)
	if err != nil {
		return uuid.Nil, err
	}
	if err := ob.repository.Save(ctx, e); err != nil {
		return uuid.Nil, err
	}
	return e.MessageID, nil
}

// ScheduleEvents schedules several domain events atomically together with
// one state change. Either all entries are written within the caller's
// transaction or none is; a validation failure on any request aborts the
// whole call before anything is persisted.
func (ob *Outbox) ScheduleEvents(ctx context.Context, reqs []EventRequest) ([]uuid.UUID, error) {
	entries := make([]*repository.Entry, 0, len(reqs))
	ids := make([]uuid.UUID, 0, len(reqs))
	for _, req := range reqs {
		e, err := ob.buildEntry(req)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		ids = append(ids, e.MessageID)
	}
	if err := ob.repository.SaveAll(ctx, entries); err != nil {
		return nil, err
	}
	return ids, nil
}

// Requeue re-activates a terminally failed entry so dispatchers pick it up
// again: status back to PENDING and the retry count reset to zero. This is
// the manual operator action referenced by the escalation surface; the
// dispatcher itself never retries a terminal entry.
func (ob *Outbox) Requeue(ctx context.Context, entryID uuid.UUID) error {
	return ob.repository.Requeue(ctx, entryID)
}

// RegisterValidator registers a schema validator for a (messageType,
// payloadVersion) pair after construction.
func (ob *Outbox) RegisterValidator(messageType string, payloadVersion string, v Validator) {
	if v == nil {
		return
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.validators[validatorKey{messageType, payloadVersion}] = v
}

// buildEntry validates the request and assembles the pending outbox entry.
func (ob *Outbox) buildEntry(req EventRequest) (*repository.Entry, error) {
	env, err := NewEnvelope(ob.settings.Source, req)
	if err != nil {
		return nil, err
	}
	ob.mu.RLock()
	v, registered := ob.validators[validatorKey{req.MessageType, req.PayloadVersion}]
	ob.mu.RUnlock()
	if !registered {
		// unvalidated publishing is preferred over silently dropping
		// events when schemas are incomplete
		ob.logger.Debug(fmt.Sprintf("no validator registered for (%s, %s), skipping validation", req.MessageType, req.PayloadVersion))
	} else if err := v.Validate(req.Payload); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPayloadSchemaViolation, err)
	}
	return entryFromEnvelope(env), nil
}
