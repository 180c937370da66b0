package outbox

import "context"

// DeliveryReceipt contains information about a broker-confirmed delivery.
type DeliveryReceipt struct {
	Destination string // topic, exchange or queue the envelope was delivered to
	Details     string // more information about the delivery
}

// Publisher defines the contract for publisher adapters over a message
// broker. Publish blocks until the broker acknowledges the envelope or the
// context expires; a timeout is reported as a plain delivery error.
//
// Adapters must tolerate being called twice for the same messageId after an
// ambiguous prior outcome: this module provides at-least-once delivery and
// downstream consumers deduplicate by messageId.
type Publisher interface {
	Publish(ctx context.Context, e *Envelope) (*DeliveryReceipt, error)
}
