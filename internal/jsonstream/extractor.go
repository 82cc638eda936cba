// Package jsonstream splits an unframed byte stream into complete JSON
// documents by tracking brace balance one byte at a time.
package jsonstream

import (
	"errors"
	"fmt"
)

// DefaultMaxMessageBytes bounds a single buffered document.
const DefaultMaxMessageBytes = 64 << 20

// ErrDesync indicates the stream can no longer be split reliably.
var ErrDesync = errors.New("json stream desynchronized")

// Extractor accumulates bytes and yields each JSON object as soon as its
// outermost brace closes. Bytes received before the opening brace of a
// document are discarded; this drops the Content-Length headers language
// servers write to stdout as well as stray diagnostic text.
//
// Extractor is not safe for concurrent use.
type Extractor struct {
	// MaxMessageBytes caps the buffered document. Zero means DefaultMaxMessageBytes.
	MaxMessageBytes int

	buf      []byte
	depth    int
	started  bool
	inString bool
	escaped  bool
}

// New returns an Extractor with the given size cap.
func New(maxMessageBytes int) *Extractor {
	return &Extractor{MaxMessageBytes: maxMessageBytes}
}

// Insert consumes exactly one byte. It returns the complete document when c
// closes it, and nil otherwise.
func (e *Extractor) Insert(c byte) ([]byte, error) {
	if !e.started {
		if c != '{' {
			return nil, nil
		}
		e.started = true
	}

	e.buf = append(e.buf, c)
	if limit := e.limit(); len(e.buf) > limit {
		n := len(e.buf)
		e.Reset()
		return nil, fmt.Errorf("%w: document exceeds %d bytes (%d buffered)", ErrDesync, limit, n)
	}

	if e.inString {
		switch {
		case e.escaped:
			e.escaped = false
		case c == '\\':
			e.escaped = true
		case c == '"':
			e.inString = false
		}
		return nil, nil
	}

	switch c {
	case '"':
		e.inString = true
	case '{', '[':
		e.depth++
	case '}', ']':
		e.depth--
		if e.depth == 0 {
			msg := e.buf
			e.buf = nil
			e.Reset()
			return msg, nil
		}
	}
	return nil, nil
}

// Write feeds p through Insert and calls emit for every completed document.
// It stops at the first error and returns the number of bytes consumed
// before the failing one.
func (e *Extractor) Write(p []byte, emit func([]byte) error) (int, error) {
	for i, c := range p {
		msg, err := e.Insert(c)
		if err != nil {
			return i, err
		}
		if msg != nil {
			if err := emit(msg); err != nil {
				return i, err
			}
		}
	}
	return len(p), nil
}

// Reset drops any partially accumulated document.
func (e *Extractor) Reset() {
	e.buf = e.buf[:0]
	e.depth = 0
	e.started = false
	e.inString = false
	e.escaped = false
}

func (e *Extractor) limit() int {
	if e.MaxMessageBytes > 0 {
		return e.MaxMessageBytes
	}
	return DefaultMaxMessageBytes
}
