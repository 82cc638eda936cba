// Package control defines the command protocol between the editor and a
// session: requests carry a command name and correlation id, answers reuse
// the id.
package control

import (
	"context"
	"encoding/json"
)

// Commands.
const (
	CmdInit   = "init"
	CmdLaunch = "launch"
)

const (
	suffixComplete = "_complete"
	suffixError    = "_error"
)

// Message is the control envelope.
type Message struct {
	Cmd     string          `json:"cmd"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the body of error answers and abort events.
type ErrorPayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Sink receives answers and events.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Complete answers req successfully.
func Complete(req Message, payload any) Message {
	return Message{Cmd: req.Cmd + suffixComplete, ID: req.ID, Payload: marshal(payload)}
}

// Error answers req with a failure reason.
func Error(req Message, reason string) Message {
	return Message{Cmd: req.Cmd + suffixError, ID: req.ID, Payload: marshal(ErrorPayload{Type: "error", Value: reason})}
}

// Aborted is the uncorrelated event sent when the process stops.
func Aborted(process string) Message {
	return Message{Cmd: process + suffixError, Payload: marshal(ErrorPayload{Type: "error", Value: process + " aborted"})}
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Decode parses an inbound control message.
func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
