// Package protocol defines the JSON messages exchanged over the websocket
// between clients and the sync server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"arena-sync/internal/event"

	"github.com/invopop/jsonschema"
)

// Message types
const (
	TypeEvent   = "event"
	TypeWelcome = "welcome"
	TypeTick    = "tick"
	TypeError   = "error"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
	ErrUnknownKind = errors.New("unknown event kind")
)

// Envelope is the only client → server message: one input event.
type Envelope struct {
	Type      string     `json:"type" jsonschema:"required,enum=event"`
	Kind      event.Kind `json:"kind" jsonschema:"required,enum=movement,enum=fire"`
	Index     uint64     `json:"index" jsonschema:"required"`
	Timestamp float64    `json:"timestamp" jsonschema:"required,description=client wall time in seconds since the Unix epoch"`
	AxisX     float32    `json:"axisX,omitempty" jsonschema:"minimum=-1,maximum=1"`
	AxisY     float32    `json:"axisY,omitempty" jsonschema:"minimum=-1,maximum=1"`
}

// Welcome is sent once after a successful handshake.
type Welcome struct {
	Type     string `json:"type"`
	ClientID uint64 `json:"clientId"`
	EntityID uint64 `json:"entityId"`
	Group    int    `json:"group"`
	Tick     uint32 `json:"tick"`
}

// EntityPos is one replicated entity in a tick frame.
type EntityPos struct {
	ID uint64  `json:"id"`
	X  float32 `json:"x"`
	Y  float32 `json:"y"`
}

// TickFrame carries the entities visible to the receiving client.
type TickFrame struct {
	Type     string      `json:"type"`
	Tick     uint32      `json:"tick"`
	Entities []EntityPos `json:"entities"`
}

// ErrorMessage reports a rejected message back to the sender.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// DecodeEvent parses a client envelope into a concrete event.
// The event is not validated; ingestion does that.
func DecodeEvent(data []byte) (event.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type != TypeEvent {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	switch env.Kind {
	case event.KindMovement:
		return event.Movement2D{Seq: env.Index, Time: env.Timestamp, AxisX: env.AxisX, AxisY: env.AxisY}, nil
	case event.KindFire:
		return event.Fire{Seq: env.Index, Time: env.Timestamp}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

// EncodeEvent wraps ev in an Envelope.
func EncodeEvent(ev event.Event) ([]byte, error) {
	env := Envelope{Type: TypeEvent, Index: ev.Index(), Timestamp: ev.Timestamp()}
	switch e := ev.(type) {
	case event.Movement2D:
		env.Kind = event.KindMovement
		env.AxisX, env.AxisY = e.AxisX, e.AxisY
	case event.Fire:
		env.Kind = event.KindFire
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, ev)
	}
	return json.Marshal(env)
}

// DecodeServer parses a server → client message. It returns *Welcome,
// *TickFrame or *ErrorMessage.
func DecodeServer(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg any
	switch head.Type {
	case TypeWelcome:
		msg = &Welcome{}
	case TypeTick:
		msg = &TickFrame{}
	case TypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// Schema returns the JSON schema of the inbound Envelope.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(Envelope))
	schema.Title = "Client Event Envelope"
	schema.Description = "Movement and fire input sent by clients over /ws"
	return schema
}
