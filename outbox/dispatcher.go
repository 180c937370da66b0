package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/evermart/outbox/logger"
	"github.com/evermart/outbox/metrics"
	"github.com/evermart/outbox/repository"
)

type dispatcher struct {
	id         uuid.UUID
	settings   Settings
	logger     logger.Logger
	publisher  Publisher
	repository repository.Repository
	escalator  Escalator
	successCtr metrics.Counter
	errorCtr   metrics.Counter
}

// launchDispatcher starts a subscription loop to attempt the registration of a new dispatcher
// within the 'outbox_dispatcher_subscription'. Only subscribed dispatchers can poll the
// outbox table and deliver entries to the configured publisher. The function also ensures
// the consistent updating of the "alive_at" column to avoid losing the dispatcher
// subscription.
func (d *dispatcher) launchDispatcher() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	subscribed := false
	for ; true; <-ticker.C {
		if !subscribed {
			if success, subscription, err := d.repository.SubscribeDispatcher(d.id, d.settings.MaxDispatchers); success {
				d.logger.Debug(fmt.Sprintf("subscription '%d' assigned to dispatcher '%s'", subscription, d.id))
				go d.executeDispatcherLoop()
				subscribed = true
			} else if err != nil {
				d.logger.Error(fmt.Sprintf("trying to subscribe dispatcher '%s'", d.id), err)
			}
		} else {
			updated, err := d.repository.UpdateSubscription(d.id)
			if err != nil {
				d.logger.Error("updating subscription", err)
			} else if !updated {
				d.logger.Error("subscription not updated", errors.New("stolen subscription!"))
				subscribed = false
			}
		}
	}
}

// executeDispatcherLoop implements the main dispatcher loop. The poll
// interval is also the de facto backoff step for requeued entries: a failed
// entry waits at least one cycle before the next attempt.
func (d *dispatcher) executeDispatcherLoop() {
	ticker := time.NewTicker(d.settings.PollInterval)
	for ; true; <-ticker.C {
		d.processOutbox(context.Background())
	}
}

// processOutbox claims up to Settings.BatchSize deliverable entries and
// attempts to deliver them sequentially, oldest first, so per-partition-key
// ordering holds as long as a single dispatcher drains the claims.
func (d *dispatcher) processOutbox(ctx context.Context) {
	entries, err := d.repository.ClaimBatch(ctx, d.id, d.settings.BatchSize, d.settings.MaxRetries)
	if err != nil {
		d.logger.Error("when trying to claim outbox entries", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	d.logger.Debug(fmt.Sprintf("processing %d outbox entries", len(entries)))
	var published, requeued, terminal int
	for _, e := range entries {
		switch d.deliver(ctx, e) {
		case repository.StatusPublished:
			published++
		case repository.StatusPending:
			requeued++
		case repository.StatusFailed:
			terminal++
		}
	}
	d.logger.Info(fmt.Sprintf("%d entries were successfully delivered (with %d requeued and %d terminally failed) from a total of %d claimed from outbox",
		published, requeued, terminal, len(entries)))
}

// deliver publishes a single claimed entry and persists the outcome. The
// updated row is written regardless of the delivery result, so progress
// survives a dispatcher crash mid-batch. It returns the status the entry
// was left in.
func (d *dispatcher) deliver(ctx context.Context, e *repository.Entry) repository.Status {
	pctx, cancel := context.WithTimeout(ctx, d.settings.PublishTimeout)
	receipt, err := d.publisher.Publish(pctx, EnvelopeFromEntry(e))
	cancel()

	if err == nil {
		d.successCtr.Inc(1)
		d.logger.Debug(receipt.Details)
		if err := d.repository.MarkPublished(ctx, e.EntryID, time.Now()); err != nil {
			// the entry stays PROCESSING and will be reclaimed after the
			// claim timeout; consumers dedupe the resulting re-delivery
			d.logger.Error("when marking an entry as published", err)
		}
		return repository.StatusPublished
	}

	// any publisher failure, timeouts included, walks the same retry path
	d.errorCtr.Inc(1)
	d.logger.Error(fmt.Sprintf("delivery problem for entry '%s'", e.EntryID), err)
	e.LastError = truncateError(err)
	e.UpdatedAt = time.Now()

	if e.RetryCount >= d.settings.MaxRetries {
		e.Status = repository.StatusFailed
		if err := d.repository.MarkTerminal(ctx, e.EntryID, e.RetryCount, e.LastError); err != nil {
			d.logger.Error("when marking an entry as terminally failed", err)
			return repository.StatusProcessing
		}
		if err := d.escalator.Escalate(ctx, e); err != nil {
			d.logger.Error("when escalating a terminal failure", err)
		}
		return repository.StatusFailed
	}

	e.RetryCount++
	e.Status = repository.StatusPending
	if err := d.repository.MarkRetry(ctx, e.EntryID, e.RetryCount, e.LastError); err != nil {
		d.logger.Error("when requeueing an entry", err)
		return repository.StatusProcessing
	}
	return repository.StatusPending
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > repository.MaxLastErrorLen {
		return msg[:repository.MaxLastErrorLen]
	}
	return msg
}
