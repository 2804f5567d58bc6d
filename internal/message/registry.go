// ABOUTME: Registry mapping envelope discriminators to payload factories.
// ABOUTME: Encodes messages to JSON and decodes them without ever failing.

package message

import (
	"fmt"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope is the wire form of a Message.
type envelope struct {
	Type    Kind                `json:"type"`
	Subject string              `json:"subject,omitempty"`
	Data    jsoniter.RawMessage `json:"data"`
}

// Factory returns a new zero payload of one kind.
type Factory func() Payload

// Registry maps discriminators to payload factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

// NewDefaultRegistry returns a registry holding every built-in kind.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, f := range []Factory{
		func() Payload { return &RuntimeConnect{} },
		func() Payload { return &ConnectAck{} },
		func() Payload { return &Ack{} },
		func() Payload { return &Error{} },
		func() Payload { return &SetRoots{} },
		func() Payload { return &SetRuntimeCapabilities{} },
		func() Payload { return &SetGlobalRuntime{} },
		func() Payload { return &SetDefaultTestingRuntime{} },
		func() Payload { return &SetMCPClientName{} },
		func() Payload { return &Heartbeat{} },
		func() Payload { return &UpdateConfiguredMCPServers{} },
		func() Payload { return &AgentCapabilities{} },
		func() Payload { return &UpdateMCPTools{} },
	} {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a kind. Registering the same discriminator twice is an error.
func (r *Registry) Register(f Factory) error {
	kind := f().Kind()
	if kind == "" {
		return fmt.Errorf("registering message kind: empty discriminator")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("message kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Unregister removes a kind. Unknown kinds are ignored.
func (r *Registry) Unregister(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, kind)
}

// Kinds returns the registered discriminators in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Encode serializes m into its JSON envelope.
func Encode(m *Message) ([]byte, error) {
	if m == nil || m.Data == nil {
		return nil, fmt.Errorf("%w: empty message", ErrValidation)
	}
	data, err := json.Marshal(m.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", m.Kind, err)
	}
	return json.Marshal(envelope{Type: m.Kind, Subject: m.Subject, Data: data})
}

// Decode parses raw into a Message. Malformed envelopes, unknown
// discriminators and invalid payloads all decode to a KindError message.
func (r *Registry) Decode(raw []byte) *Message {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return undecodable(CodeProtocol, "malformed envelope: %v", err)
	}

	r.mu.RLock()
	factory, ok := r.factories[env.Type]
	r.mu.RUnlock()
	if !ok {
		return undecodable(CodeProtocol, "unknown message type %q", env.Type)
	}

	p := factory()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, p); err != nil {
			return undecodable(CodeProtocol, "malformed %s payload: %v", env.Type, err)
		}
	}
	if err := check(p); err != nil {
		return undecodable(CodeValidation, "%v", err)
	}

	m := &Message{Kind: env.Type, Subject: env.Subject, Data: p}
	if a, ok := p.(Addressable); ok && m.Subject == "" {
		m.Subject = a.Subject()
	}
	return m
}

// undecodable builds the Error message that stands in for input Decode
// could not turn into a valid payload.
func undecodable(code, format string, args ...any) *Message {
	m := ErrorMessage(code, format, args...)
	m.undecodable = true
	return m
}
