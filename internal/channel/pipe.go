package channel

import (
	"context"
	"encoding/json"
	"sync"
)

// Pipe returns two connected in-process ports. A message written on one is
// received by Listen on the other. Ending either side ends both.
func Pipe() (*PipePort, *PipePort) {
	shared := &pipeState{done: make(chan struct{})}
	a := &PipePort{in: make(chan json.RawMessage, 64), state: shared}
	b := &PipePort{in: make(chan json.RawMessage, 64), state: shared}
	a.out, b.out = b.in, a.in
	return a, b
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// PipePort is one side of a Pipe.
type PipePort struct {
	in    chan json.RawMessage
	out   chan json.RawMessage
	state *pipeState
}

func (p *PipePort) Listen(ctx context.Context, fn func(json.RawMessage) error) error {
	for {
		select {
		case msg := <-p.in:
			if err := fn(msg); err != nil {
				return err
			}
		case <-p.state.done:
			// drain what was sent before the end
			for {
				select {
				case msg := <-p.in:
					if err := fn(msg); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *PipePort) Write(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-p.state.done:
		return ErrEnded
	default:
	}
	select {
	case p.out <- append(json.RawMessage(nil), msg...):
		return nil
	case <-p.state.done:
		return ErrEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipePort) End() {
	p.state.once.Do(func() { close(p.state.done) })
}

// Done is closed once either side has ended.
func (p *PipePort) Done() <-chan struct{} { return p.state.done }
