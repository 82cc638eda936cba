// Package bridge connects a message channel to a process's standard streams.
// Inbound messages are framed onto stdin; stdout is scanned for complete
// JSON documents, which are forwarded in order; stderr is logged.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/lspbridge/internal/channel"
	"github.com/gaspardpetit/lspbridge/internal/frame"
	"github.com/gaspardpetit/lspbridge/internal/jsonstream"
	"github.com/gaspardpetit/lspbridge/internal/metrics"
	"github.com/gaspardpetit/lspbridge/internal/sandbox"
)

var (
	// ErrExited is returned by the stdio writers once the bridge has exited.
	ErrExited = errors.New("bridge exited")
	// ErrInvalidOutput reports a balanced but malformed document on stdout.
	ErrInvalidOutput = errors.New("process wrote invalid JSON")
)

// Options tune a Bridge.
type Options struct {
	MaxMessageBytes int
	Log             zerolog.Logger
}

// Bridge is created per launched process.
type Bridge struct {
	in      channel.MessageReader
	out     channel.MessageWriter
	onAbort func(error)
	log     zerolog.Logger

	queue *frame.Queue
	ctx   context.Context
	stop  context.CancelFunc

	outMu sync.Mutex
	ext   *jsonstream.Extractor

	errMu   sync.Mutex
	errLine []byte

	exiting atomic.Bool
	done    chan struct{}
	err     error
}

// New wires in and out. onAbort is called once when the bridge exits.
func New(in channel.MessageReader, out channel.MessageWriter, onAbort func(error), opts Options) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		in:      in,
		out:     out,
		onAbort: onAbort,
		log:     opts.Log,
		queue:   frame.NewQueue(),
		ctx:     ctx,
		stop:    cancel,
		ext:     jsonstream.New(opts.MaxMessageBytes),
		done:    make(chan struct{}),
	}
}

// Stdio returns the streams to hand to the process.
func (b *Bridge) Stdio() sandbox.Stdio {
	return sandbox.Stdio{
		Stdin:  b.queue.Reader(context.Background()),
		Stdout: stdoutWriter{b},
		Stderr: stderrWriter{b},
	}
}

// Listen forwards inbound messages to stdin, one at a time and in arrival
// order, until the channel closes or ctx is done. Messages that are not
// valid JSON are logged and dropped. When the channel closes the queue is
// closed so the process sees end of input.
func (b *Bridge) Listen(ctx context.Context) error {
	err := b.in.Listen(ctx, func(msg json.RawMessage) error {
		n, err := b.queue.Enqueue(msg)
		switch {
		case errors.Is(err, frame.ErrClosed):
			return err
		case err != nil:
			b.log.Warn().Err(err).Int("bytes", len(msg)).Msg("dropping invalid inbound message")
			return nil
		}
		metrics.RecordFrame(n)
		return nil
	})
	b.queue.Close()
	if errors.Is(err, frame.ErrClosed) {
		return nil
	}
	return err
}

// Exit stops the bridge: stdin is closed, the outbound channel is ended and
// onAbort runs. Only the first call has an effect; later calls, including
// ones made from within onAbort, return immediately.
func (b *Bridge) Exit(err error) {
	if !b.exiting.CompareAndSwap(false, true) {
		return
	}
	b.err = err
	b.queue.Close()
	b.flushStderr()
	b.out.End()
	b.stop()
	close(b.done)
	if b.onAbort != nil {
		b.onAbort(err)
	}
}

func (b *Bridge) exited() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

type stdoutWriter struct{ b *Bridge }

func (w stdoutWriter) Write(p []byte) (int, error) {
	b := w.b
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if b.exited() {
		return 0, ErrExited
	}
	n, err := b.ext.Write(p, func(msg []byte) error {
		if !json.Valid(msg) {
			return fmt.Errorf("%w: %.64q", ErrInvalidOutput, msg)
		}
		metrics.RecordMessageExtracted()
		if err := b.out.Write(b.ctx, json.RawMessage(msg)); err != nil {
			return fmt.Errorf("forward to message channel: %w", err)
		}
		return nil
	})
	if err != nil {
		b.log.Error().Err(err).Msg("stdout relay stopped")
		b.Exit(err)
	}
	return n, err
}

type stderrWriter struct{ b *Bridge }

func (w stderrWriter) Write(p []byte) (int, error) {
	b := w.b
	b.errMu.Lock()
	defer b.errMu.Unlock()
	b.errLine = append(b.errLine, p...)
	for {
		i := bytes.IndexByte(b.errLine, '\n')
		if i < 0 {
			break
		}
		b.logStderr(b.errLine[:i])
		b.errLine = b.errLine[i+1:]
	}
	if len(b.errLine) == 0 {
		b.errLine = nil
	}
	return len(p), nil
}

func (b *Bridge) flushStderr() {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if len(b.errLine) > 0 {
		b.logStderr(b.errLine)
		b.errLine = nil
	}
}

func (b *Bridge) logStderr(line []byte) {
	line = bytes.TrimRight(line, "\r")
	metrics.RecordStderrLine()
	b.log.Debug().Str("component", "stderr").Msg(string(line))
}
