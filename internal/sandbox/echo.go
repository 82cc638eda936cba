package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gaspardpetit/lspbridge/internal/frame"
	"github.com/gaspardpetit/lspbridge/internal/vfs"
)

// EchoRuntime is an in-process stand-in for a language server. It reads
// Content-Length frames from stdin and writes each body back as a frame on
// stdout, with one diagnostic line per frame on stderr.
type EchoRuntime struct{}

func (EchoRuntime) Instantiate(ctx context.Context) (Instance, error) {
	return &echoInstance{fs: vfs.NewMemFS(), done: make(chan struct{})}, nil
}

type echoInstance struct {
	fs *vfs.Tree

	mu      sync.Mutex
	started bool
	onExit  func(error)
	exited  atomic.Bool
	done    chan struct{}
}

func (e *echoInstance) FS() vfs.FS { return e.fs }

func (e *echoInstance) Start(ctx context.Context, stdio Stdio, onExit func(error)) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	select {
	case <-e.done:
		e.mu.Unlock()
		return ErrKilled
	default:
	}
	e.started = true
	e.onExit = onExit
	e.mu.Unlock()

	go func() {
		err := e.serve(stdio)
		e.finish(err)
	}()
	return nil
}

func (e *echoInstance) serve(stdio Stdio) error {
	br := bufio.NewReader(stdio.Stdin)
	for {
		body, err := frame.ReadFrame(br)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-e.done:
			return ErrKilled
		default:
		}
		if stdio.Stderr != nil {
			_, _ = fmt.Fprintf(stdio.Stderr, "echo: %d bytes\n", len(body))
		}
		if _, err := stdio.Stdout.Write(frame.AppendFrame(nil, body)); err != nil {
			return err
		}
	}
}

func (e *echoInstance) finish(err error) {
	e.mu.Lock()
	onExit := e.onExit
	e.mu.Unlock()
	if onExit != nil && e.exited.CompareAndSwap(false, true) {
		onExit(err)
	}
}

// Kill reports ErrKilled immediately; the serving goroutine stops at its next
// frame or when stdin is exhausted.
func (e *echoInstance) Kill() {
	e.mu.Lock()
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	e.mu.Unlock()
	e.finish(ErrKilled)
}
