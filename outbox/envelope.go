package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/evermart/outbox/repository"
)

// EventRequest contains high level information about a domain event and
// should be provided by the clients when scheduling.
type EventRequest struct {
	MessageType    string    // the event kind (e.g. "StockLevelChanged")
	Payload        []byte    // serialized event body; opaque to this module
	PayloadVersion string    // semantic version of the payload schema (e.g. "1.0.0")
	PartitionKey   string    // optional routing/ordering affinity key
	CorrelationID  string    // optional cross-service tracing identifier
	EventTimestamp time.Time // when the business event occurred; zero value defaults to now
}

// Envelope is the wire-level message published to the broker. Its JSON form
// is the contract with downstream consumers, who deduplicate by messageId.
type Envelope struct {
	MessageID     uuid.UUID       `json:"messageId"`
	MessageType   string          `json:"messageType"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Version       string          `json:"version"`
	PartitionKey  string          `json:"partitionKey,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// NewEnvelope assembles a complete envelope from a scheduling request: a
// freshly generated message identifier, the fixed source and the event
// timestamp defaulted to now (always normalized to UTC).
func NewEnvelope(source string, req EventRequest) (*Envelope, error) {
	if !isValidPayloadVersion(req.PayloadVersion) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPayloadVersion, req.PayloadVersion)
	}
	ts := req.EventTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Envelope{
		MessageID:     uuid.New(),
		MessageType:   req.MessageType,
		Source:        source,
		Timestamp:     ts.UTC(),
		Payload:       req.Payload,
		Version:       req.PayloadVersion,
		PartitionKey:  req.PartitionKey,
		CorrelationID: req.CorrelationID,
	}, nil
}

// EnvelopeFromEntry rebuilds the wire envelope from a stored entry. The
// message identifier is the stored one, so retries of the same entry always
// carry the same messageId.
func EnvelopeFromEntry(e *repository.Entry) *Envelope {
	return &Envelope{
		MessageID:     e.MessageID,
		MessageType:   e.MessageType,
		Source:        e.Source,
		Timestamp:     e.EventTimestamp.UTC(),
		Payload:       e.Payload,
		Version:       e.PayloadVersion,
		PartitionKey:  e.PartitionKey,
		CorrelationID: e.CorrelationID,
	}
}

func entryFromEnvelope(env *Envelope) *repository.Entry {
	return &repository.Entry{
		EntryID:        uuid.New(),
		MessageID:      env.MessageID,
		MessageType:    env.MessageType,
		Source:         env.Source,
		Payload:        env.Payload,
		PayloadVersion: env.Version,
		PartitionKey:   env.PartitionKey,
		CorrelationID:  env.CorrelationID,
		EventTimestamp: env.Timestamp,
		Status:         repository.StatusPending,
		RetryCount:     0,
	}
}

// isValidPayloadVersion accepts plain semantic versions like "1.0.0" or
// "2.1.0-beta.1". The "v" prefix form is rejected: the envelope contract
// carries bare versions.
func isValidPayloadVersion(v string) bool {
	return v != "" && !strings.HasPrefix(v, "v") && semver.IsValid("v"+v)
}
