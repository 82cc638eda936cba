// Package channel carries JSON messages between the editor and a session.
// A channel is a websocket the editor opens against a handle it created
// earlier; the session claims the same handle by id.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/lspbridge/internal/logx"
)

// ErrEnded is returned by Write after End.
var ErrEnded = errors.New("channel ended")

// MessageReader delivers inbound messages in arrival order. fn is called for
// one message at a time; a non-nil return stops the loop.
type MessageReader interface {
	Listen(ctx context.Context, fn func(json.RawMessage) error) error
}

// MessageWriter sends outbound messages. End closes the channel for good.
type MessageWriter interface {
	Write(ctx context.Context, msg json.RawMessage) error
	End()
}

// Port is both ends of a message channel as seen by the session.
type Port interface {
	MessageReader
	MessageWriter
}

// Endpoint is a Port over a websocket connection.
type Endpoint struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	mu   sync.Mutex
	once sync.Once
	done chan struct{}
	err  error
}

// NewEndpoint wraps an accepted or dialed connection.
func NewEndpoint(conn *websocket.Conn) *Endpoint {
	return &Endpoint{conn: conn, done: make(chan struct{})}
}

// Listen reads text messages until the connection closes or fn fails.
// Binary frames are ignored.
func (e *Endpoint) Listen(ctx context.Context, fn func(json.RawMessage) error) error {
	for {
		typ, data, err := e.conn.Read(ctx)
		if err != nil {
			e.finish(err)
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			logx.Log.Debug().Int("bytes", len(data)).Msg("ignoring binary channel message")
			continue
		}
		if err := fn(json.RawMessage(data)); err != nil {
			return err
		}
	}
}

func (e *Endpoint) Write(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-e.done:
		return ErrEnded
	default:
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	return e.conn.Write(ctx, websocket.MessageText, msg)
}

// End closes the connection normally without waiting for the peer to
// acknowledge. Later calls do nothing.
func (e *Endpoint) End() {
	e.once.Do(func() {
		go func() { _ = e.conn.Close(websocket.StatusNormalClosure, "end") }()
	})
	e.finish(nil)
}

// Done is closed once the endpoint has ended or its peer went away.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Err reports why the endpoint finished, nil for a normal end.
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Endpoint) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
	default:
		e.err = err
		close(e.done)
	}
}
