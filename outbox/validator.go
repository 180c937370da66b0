package outbox

// Validator checks payloads against the schema registered for one
// (messageType, payloadVersion) pair. The validation mechanism itself is up
// to the client; this module only routes payloads to the right validator.
type Validator interface {
	Validate(payload []byte) error
}

// ValidatorFunc adapts a plain function to the Validator interface.
type ValidatorFunc func(payload []byte) error

var _ Validator = (ValidatorFunc)(nil)

func (f ValidatorFunc) Validate(payload []byte) error {
	return f(payload)
}

type validatorKey struct {
	messageType    string
	payloadVersion string
}
