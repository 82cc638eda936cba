// Package frame encodes structured messages into Content-Length framed
// chunks and hands them to a process one byte at a time.
package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Delimiter separates the header block from the body.
const Delimiter = "\r\n"

const headerPrefix = "Content-Length:"

var (
	// ErrMissingLength indicates a header block without Content-Length.
	ErrMissingLength = errors.New("missing Content-Length header")
	// ErrShortBody indicates fewer body bytes than the header declared.
	ErrShortBody = errors.New("frame body shorter than Content-Length")
)

// Header returns the header line announcing an n byte body.
func Header(n int) string {
	return headerPrefix + " " + strconv.Itoa(n) + "\r\n"
}

// EncodeRaw compacts an already serialized message and escapes every
// non-ASCII character, so the body's byte count equals its character count.
func EncodeRaw(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("compact: %w", err)
	}
	return escapeNonASCII(buf.Bytes()), nil
}

// AppendFrame appends header, delimiter and body to dst.
func AppendFrame(dst, body []byte) []byte {
	dst = append(dst, Header(len(body))...)
	dst = append(dst, Delimiter...)
	return append(dst, body...)
}

// ReadFrame reads one framed body. Headers other than Content-Length are
// ignored.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line == "" && length < 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, headerPrefix); ok {
			v = strings.TrimSpace(v)
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length value %q: %w", v, err)
			}
			if n < 0 {
				return nil, fmt.Errorf("negative Content-Length: %d", n)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, ErrMissingLength
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrShortBody, err)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// escapeNonASCII rewrites every rune at or above U+007F as a \uXXXX escape.
// Runes outside the BMP become a surrogate pair. JSON only carries such runes
// inside string literals, so the result stays valid JSON.
func escapeNonASCII(b []byte) []byte {
	clean := true
	for _, c := range b {
		if c >= utf8.RuneSelf || c == 0x7f {
			clean = false
			break
		}
	}
	if clean {
		return b
	}
	out := make([]byte, 0, len(b)+len(b)/2)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		b = b[size:]
		if r < 0x7f {
			out = append(out, byte(r))
			continue
		}
		if r > 0xffff {
			hi, lo := utf16.EncodeRune(r)
			out = appendEscape(out, hi)
			out = appendEscape(out, lo)
			continue
		}
		out = appendEscape(out, r)
	}
	return out
}

func appendEscape(dst []byte, r rune) []byte {
	const hex = "0123456789abcdef"
	return append(dst, '\\', 'u',
		hex[(r>>12)&0xf], hex[(r>>8)&0xf], hex[(r>>4)&0xf], hex[r&0xf])
}
