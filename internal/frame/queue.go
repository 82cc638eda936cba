package frame

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

var (
	// ErrExhausted is returned by Pull once the queue is closed and drained.
	ErrExhausted = errors.New("frame queue exhausted")
	// ErrPullPending is returned when a Pull is already suspended.
	ErrPullPending = errors.New("a pull is already pending")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("frame queue closed")
)

// Token is one unit handed to the consumer: a byte, or the marker that ends
// the current chunk.
type Token struct {
	Byte byte
	End  bool
}

// Queue holds framed output for a process that pulls its input. Each frame is
// stored as three chunks (header, delimiter, body) and every chunk is
// followed by an end marker. Enqueue never blocks; Pull suspends while the
// queue is empty.
type Queue struct {
	mu      sync.Mutex
	chunks  [][]byte
	cur     []byte
	pos     int
	inChunk bool
	pending int
	waiter  chan struct{}
	closed  bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue frames an already serialized message and returns the body length
// declared in its header.
func (q *Queue) Enqueue(raw json.RawMessage) (int, error) {
	body, err := EncodeRaw(raw)
	if err != nil {
		return 0, err
	}
	return len(body), q.push(body)
}

func (q *Queue) push(body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.chunks = append(q.chunks, []byte(Header(len(body))), []byte(Delimiter), body)
	q.pending += len(body) + len(Delimiter) + len(Header(len(body)))
	q.wakeLocked()
	return nil
}

// Pull returns the next token. When nothing is queued it suspends until the
// next Enqueue, Close, or ctx cancellation. Only one Pull may be suspended at
// a time.
func (q *Queue) Pull(ctx context.Context) (Token, error) {
	for {
		q.mu.Lock()
		if tok, ok := q.nextLocked(); ok {
			q.mu.Unlock()
			return tok, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Token{}, ErrExhausted
		}
		if q.waiter != nil {
			q.mu.Unlock()
			return Token{}, ErrPullPending
		}
		wake := make(chan struct{})
		q.waiter = wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			q.mu.Lock()
			if q.waiter == wake {
				q.waiter = nil
			}
			q.mu.Unlock()
			return Token{}, ctx.Err()
		}
	}
}

// TryPull returns the next token without suspending.
func (q *Queue) TryPull() (Token, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextLocked()
}

// queued reports the number of bytes not yet pulled.
func (q *Queue) queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close marks the producer as finished. Queued bytes remain pullable; after
// that Pull returns ErrExhausted.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}

func (q *Queue) wakeLocked() {
	if q.waiter != nil {
		close(q.waiter)
		q.waiter = nil
	}
}

func (q *Queue) nextLocked() (Token, bool) {
	if !q.inChunk {
		if len(q.chunks) == 0 {
			return Token{}, false
		}
		q.cur = q.chunks[0]
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
		q.pos = 0
		q.inChunk = true
	}
	if q.pos < len(q.cur) {
		b := q.cur[q.pos]
		q.pos++
		q.pending--
		return Token{Byte: b}, true
	}
	q.cur = nil
	q.inChunk = false
	return Token{End: true}, true
}

// Reader adapts the queue to io.Reader for processes that consume stdin as a
// plain byte stream. A Read blocks only until the first byte is available and
// returns early at chunk boundaries. Exhaustion maps to io.EOF.
func (q *Queue) Reader(ctx context.Context) io.Reader {
	return &queueReader{q: q, ctx: ctx}
}

type queueReader struct {
	q   *Queue
	ctx context.Context
}

func (r *queueReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := 0
	for n == 0 {
		tok, err := r.q.Pull(r.ctx)
		if err != nil {
			if errors.Is(err, ErrExhausted) {
				return 0, io.EOF
			}
			return 0, err
		}
		if tok.End {
			continue
		}
		p[n] = tok.Byte
		n++
	}
	for n < len(p) {
		tok, ok := r.q.TryPull()
		if !ok || tok.End {
			break
		}
		p[n] = tok.Byte
		n++
	}
	return n, nil
}
