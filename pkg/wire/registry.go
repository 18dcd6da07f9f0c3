package wire

import "fmt"

// Handler decodes and processes one envelope's TLV payload.
type Handler func(Fields) error

// Registry dispatches decoded envelopes to per-type handlers, the closed
// sum-type counterpart to a duck-typed `map[string]func(any)` dispatch
// table: a message's type tag, not its runtime shape, selects the handler.
type Registry struct {
	handlers map[MessageType]Handler
}

// NewRegistry creates an empty dispatch registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[MessageType]Handler)}
}

// On registers the handler for a message type, replacing any previous
// registration.
func (r *Registry) On(t MessageType, h Handler) {
	r.handlers[t] = h
}

// Dispatch decodes env's payload and invokes the registered handler for
// its type, or returns an error if no handler is registered.
func (r *Registry) Dispatch(env Envelope) error {
	h, ok := r.handlers[env.Type]
	if !ok {
		return fmt.Errorf("wire: no handler registered for %s", env.Type)
	}
	fields, err := DecodeFields(env.Payload)
	if err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", env.Type, err)
	}
	return h(fields)
}
