// Package message defines the envelope exchanged between the gateway and
// runtime processes over the bus.
//
// # Roles
//
// Every payload declares one of three roles:
//
//   - Publish: fire-and-forget, addressed by a subject
//   - Request: addressed by a subject; when the delivery carried a reply
//     address exactly one Response may be sent back
//   - Response: no subject of its own, only ever delivered as a reply
//
// # Construction
//
// New validates a payload before it can be sent. Struct tags are checked
// with go-playground/validator and payloads may add a Validate method for
// rules tags cannot express. An invalid payload never reaches the wire.
//
// # Registry
//
// A Registry maps the "type" discriminator of the JSON envelope to a
// payload factory. Decode never fails: an unknown discriminator or a
// malformed envelope decodes to a KindError message so peers running
// different versions cannot crash each other.
//
//	reg := message.NewDefaultRegistry()
//	msg := reg.Decode(raw)
//	switch p := msg.Data.(type) {
//	case *message.SetRoots:
//	    ...
//	case *message.Error:
//	    ...
//	}
package message
