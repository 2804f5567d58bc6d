// ABOUTME: Message envelope, roles, and construction-time validation.
// ABOUTME: Request messages carry an optional reply address bound by the transport.

package message

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
)

// Kind is the envelope discriminator.
type Kind string

// Role is the delivery role a payload plays on the bus.
type Role int

// Roles.
const (
	RolePublish Role = iota
	RoleRequest
	RoleResponse
)

func (r Role) String() string {
	switch r {
	case RolePublish:
		return "publish"
	case RoleRequest:
		return "request"
	case RoleResponse:
		return "response"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Payload is the typed body of a message.
type Payload interface {
	Kind() Kind
	Role() Role
}

// Addressable payloads derive their subject from their own data.
type Addressable interface {
	Payload
	Subject() string
}

// Validator is implemented by payloads with rules struct tags cannot express.
type Validator interface {
	Validate() error
}

// Replier sends a response to a reply address. The bus connection
// implements it.
type Replier interface {
	Reply(ctx context.Context, reply string, resp *Message) error
}

// Message is a validated payload plus its routing data.
type Message struct {
	Kind    Kind
	Subject string
	Data    Payload

	reply       string
	replier     Replier
	responded   atomic.Bool
	undecodable bool
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New validates p and wraps it in a Message. The subject is derived for
// addressable payloads.
func New(p Payload) (*Message, error) {
	if p == nil {
		return nil, &ValidationError{Kind: "", Reason: "nil payload"}
	}
	if err := check(p); err != nil {
		return nil, err
	}
	m := &Message{Kind: p.Kind(), Data: p}
	if a, ok := p.(Addressable); ok {
		m.Subject = a.Subject()
	}
	return m, nil
}

// MustNew is New for payloads known to be valid. It panics otherwise.
func MustNew(p Payload) *Message {
	m, err := New(p)
	if err != nil {
		panic(err)
	}
	return m
}

func check(p Payload) error {
	if err := validate.Struct(p); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return &ValidationError{Kind: p.Kind(), Reason: invalid.Error()}
		}
		return &ValidationError{Kind: p.Kind(), Reason: err.Error()}
	}
	if v, ok := p.(Validator); ok {
		if err := v.Validate(); err != nil {
			return &ValidationError{Kind: p.Kind(), Reason: err.Error()}
		}
	}
	return nil
}

// Role reports the payload's role.
func (m *Message) Role() Role {
	if m.Data == nil {
		return RoleResponse
	}
	return m.Data.Role()
}

// AttachReply binds a reply address to a delivered request.
func (m *Message) AttachReply(reply string, r Replier) {
	m.reply = reply
	m.replier = r
}

// ReplyTo returns the bound reply address, if any.
func (m *Message) ReplyTo() string {
	return m.reply
}

// Undecodable reports whether m is the Error that Decode produced in place
// of malformed, unknown or invalid input.
func (m *Message) Undecodable() bool {
	return m.undecodable
}

// ShouldRespond reports whether this is a request with a reply channel.
func (m *Message) ShouldRespond() bool {
	return m.Role() == RoleRequest && m.reply != "" && m.replier != nil
}

// Respond sends resp back to the requester. It is a no-op when there is no
// reply channel. Only Response payloads are accepted, and only once.
func (m *Message) Respond(ctx context.Context, resp Payload) error {
	if !m.ShouldRespond() {
		return nil
	}
	if resp == nil || resp.Role() != RoleResponse {
		return fmt.Errorf("%w: cannot answer %s with a non-response", ErrProtocol, m.Kind)
	}
	out, err := New(resp)
	if err != nil {
		return err
	}
	if !m.responded.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	return m.replier.Reply(ctx, m.reply, out)
}

// RespondError answers with an Error payload.
func (m *Message) RespondError(ctx context.Context, code string, err error) error {
	return m.Respond(ctx, &Error{Code: code, Message: err.Error()})
}

// ErrorMessage builds a KindError message without validation so that it can
// never itself fail.
func ErrorMessage(code, format string, args ...any) *Message {
	return &Message{
		Kind: KindError,
		Data: &Error{Code: code, Message: fmt.Sprintf(format, args...)},
	}
}
