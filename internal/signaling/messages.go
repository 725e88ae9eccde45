package signaling

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the value of an envelope's data.msg field.
type Kind string

const (
	KindInit   Kind = "init"
	KindSignal Kind = "signal"
)

// Outbound event names.
const (
	EventSocketIDs = "socketIds"
	EventSignal    = "signal"
)

var (
	// ErrProtocolViolation classifies envelope and kind failures. The sender is
	// disconnected.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrInvalidPayload classifies payload shape failures within a known kind.
	// The message is dropped and the connection kept.
	ErrInvalidPayload = errors.New("invalid payload")
)

// ValidationError is returned by ParseMessage. Class is ErrProtocolViolation
// or ErrInvalidPayload; errors.Is matches against it.
type ValidationError struct {
	Class  error
	App    string
	Kind   Kind
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%v: %s: %s", e.Class, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%v: %s", e.Class, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Class }

func protocolViolation(reason string) error {
	return &ValidationError{Class: ErrProtocolViolation, Reason: reason}
}

func invalidPayload(app string, kind Kind, reason string) error {
	return &ValidationError{Class: ErrInvalidPayload, App: app, Kind: kind, Reason: reason}
}

// Message is one of InitMessage or SignalMessage. The set is closed: dispatch
// is unexported, and every kind has a method on Handler.
type Message interface {
	Kind() Kind
	dispatch(ctx context.Context, h Handler, from Conn)
}

// Handler receives validated messages.
type Handler interface {
	HandleInit(ctx context.Context, from Conn, msg InitMessage)
	HandleSignal(ctx context.Context, from Conn, msg SignalMessage)
}

// InitMessage registers the sender under (App, DisplayName).
type InitMessage struct {
	App         string
	DisplayName string
}

func (InitMessage) Kind() Kind { return KindInit }

func (m InitMessage) dispatch(ctx context.Context, h Handler, from Conn) {
	h.HandleInit(ctx, from, m)
}

// SignalMessage addresses SignalData to connection SocketID registered under
// (App, Username).
type SignalMessage struct {
	App        string
	SocketID   string
	Username   string
	SignalData string
}

func (SignalMessage) Kind() Kind { return KindSignal }

func (m SignalMessage) dispatch(ctx context.Context, h Handler, from Conn) {
	h.HandleSignal(ctx, from, m)
}

// SocketIDsPayload answers an init with the connection ids that were already
// in the group.
type SocketIDsPayload struct {
	SocketIDs []string `json:"socketIds"`
}

// RelayedSignal is delivered to the target of a signal. SocketID is the
// sender, so the target knows where to reply.
type RelayedSignal struct {
	SocketID   string `json:"socketId"`
	SignalData string `json:"signalData"`
}

// ParseMessage validates a decoded envelope of the form
//
//	{"app": string, "data": {"msg": "init"|"signal", "payload": ...}}
//
// raw is whatever a JSON decoder produced for the inbound message, so records
// are map[string]any. Checks run in order and stop at the first failure.
func ParseMessage(raw any) (Message, error) {
	env, ok := raw.(map[string]any)
	if !ok {
		return nil, protocolViolation("message is not an object")
	}
	app, ok := env["app"].(string)
	if !ok {
		return nil, protocolViolation("app must be a string")
	}
	data, ok := env["data"].(map[string]any)
	if !ok {
		return nil, protocolViolation("data must be an object")
	}

	msg, ok := data["msg"].(string)
	if !ok {
		return nil, protocolViolation("data.msg must be a string")
	}
	payload := data["payload"]

	switch Kind(msg) {
	case KindInit:
		name, ok := payload.(string)
		if !ok {
			return nil, invalidPayload(app, KindInit, "payload must be a string")
		}
		return InitMessage{App: app, DisplayName: name}, nil

	case KindSignal:
		fields, ok := payload.(map[string]any)
		if !ok {
			return nil, invalidPayload(app, KindSignal, "payload must be an object")
		}
		var m SignalMessage
		m.App = app
		for _, f := range []struct {
			key string
			dst *string
		}{
			{"socketId", &m.SocketID},
			{"username", &m.Username},
			{"signalData", &m.SignalData},
		} {
			v, ok := fields[f.key].(string)
			if !ok {
				return nil, invalidPayload(app, KindSignal, "payload."+f.key+" must be a string")
			}
			*f.dst = v
		}
		return m, nil

	default:
		return nil, protocolViolation(fmt.Sprintf("unknown message kind %q", msg))
	}
}
