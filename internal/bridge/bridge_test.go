package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/lspbridge/internal/channel"
	"github.com/gaspardpetit/lspbridge/internal/frame"
	"github.com/gaspardpetit/lspbridge/internal/jsonstream"
)

type abortRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (a *abortRecorder) record(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, err)
}

func (a *abortRecorder) calls() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.errs...)
}

// collect reads everything the bridge forwards until the channel ends.
func collect(p *channel.PipePort) <-chan []string {
	out := make(chan []string, 1)
	go func() {
		var msgs []string
		_ = p.Listen(context.Background(), func(m json.RawMessage) error {
			msgs = append(msgs, string(m))
			return nil
		})
		out <- msgs
	}()
	return out
}

func TestStdoutMessagesForwardedInOrder(t *testing.T) {
	local, editor := channel.Pipe()
	ab := &abortRecorder{}
	b := New(local, local, ab.record, Options{Log: zerolog.Nop()})
	got := collect(editor)

	stdout := b.Stdio().Stdout
	chunks := []string{
		"Content-Length: 38\r\n\r\n{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}",
		"Content-Length: 52\r\n\r\n{\"jsonrpc\":\"2.0\",\"method\":\"log\",",
		"\"params\":{\"text\":\"a } b\"}}",
	}
	for _, c := range chunks {
		if n, err := stdout.Write([]byte(c)); err != nil || n != len(c) {
			t.Fatalf("write: %d %v", n, err)
		}
	}
	b.Exit(nil)

	msgs := <-got
	want := []string{
		`{"jsonrpc":"2.0","id":1,"result":{}}`,
		`{"jsonrpc":"2.0","method":"log","params":{"text":"a } b"}}`,
	}
	if strings.Join(msgs, "\n") != strings.Join(want, "\n") {
		t.Fatalf("forwarded %q; want %q", msgs, want)
	}
	if calls := ab.calls(); len(calls) != 1 || calls[0] != nil {
		t.Fatalf("abort calls = %v", calls)
	}
}

func TestInboundMessagesFramedOntoStdin(t *testing.T) {
	local, editor := channel.Pipe()
	b := New(local, local, nil, Options{Log: zerolog.Nop()})
	listened := make(chan error, 1)
	go func() { listened <- b.Listen(context.Background()) }()

	ctx := context.Background()
	in := []string{`{"id":1,"method":"initialize"}`, `{"id":2,"method":"textDocument/hover","params":{"text":"é"}}`}
	for _, m := range in {
		if err := editor.Write(ctx, json.RawMessage(m)); err != nil {
			t.Fatalf("editor write: %v", err)
		}
	}
	if err := editor.Write(ctx, json.RawMessage(`not json`)); err != nil {
		t.Fatalf("editor write: %v", err)
	}
	editor.End()
	select {
	case err := <-listened:
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("listen did not return after channel end")
	}

	br := bufio.NewReader(b.Stdio().Stdin)
	first, err := frame.ReadFrame(br)
	if err != nil || string(first) != in[0] {
		t.Fatalf("first frame %s %v", first, err)
	}
	second, err := frame.ReadFrame(br)
	if err != nil || string(second) != `{"id":2,"method":"textDocument/hover","params":{"text":"\u00e9"}}` {
		t.Fatalf("second frame %s %v", second, err)
	}
	if _, err := frame.ReadFrame(br); err == nil {
		t.Fatalf("expected end of input after channel end")
	}
}

func TestOversizedOutputExitsOnce(t *testing.T) {
	local, editor := channel.Pipe()
	ab := &abortRecorder{}
	b := New(local, local, ab.record, Options{MaxMessageBytes: 16, Log: zerolog.Nop()})
	got := collect(editor)

	_, err := b.Stdio().Stdout.Write([]byte(`{"result":"this is far too long"}`))
	if !errors.Is(err, jsonstream.ErrDesync) {
		t.Fatalf("expected ErrDesync got %v", err)
	}
	if _, err := b.Stdio().Stdout.Write([]byte(`{}`)); !errors.Is(err, ErrExited) {
		t.Fatalf("expected ErrExited got %v", err)
	}
	b.Exit(errors.New("process exited"))

	if msgs := <-got; len(msgs) != 0 {
		t.Fatalf("forwarded %v", msgs)
	}
	calls := ab.calls()
	if len(calls) != 1 || !errors.Is(calls[0], jsonstream.ErrDesync) {
		t.Fatalf("abort calls = %v", calls)
	}
	<-b.done
	if !errors.Is(b.err, jsonstream.ErrDesync) {
		t.Fatalf("bridge err = %v", b.err)
	}
	if _, err := b.queue.Enqueue(json.RawMessage(`{"id":1}`)); !errors.Is(err, frame.ErrClosed) {
		t.Fatalf("queue still open after exit: %v", err)
	}
}

func TestInvalidOutputExits(t *testing.T) {
	local, _ := channel.Pipe()
	ab := &abortRecorder{}
	b := New(local, local, ab.record, Options{Log: zerolog.Nop()})
	if _, err := b.Stdio().Stdout.Write([]byte(`{"a":}`)); !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput got %v", err)
	}
	select {
	case <-b.done:
	default:
		t.Fatalf("bridge did not exit")
	}
	if len(ab.calls()) != 1 {
		t.Fatalf("abort calls = %v", ab.calls())
	}
}

func TestStderrLoggedPerLine(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)
	local, editor := channel.Pipe()
	b := New(local, local, nil, Options{Log: log})
	got := collect(editor)

	stderr := b.Stdio().Stderr
	_, _ = stderr.Write([]byte("I[10:00] clangd version 17\r\nI[10:00] "))
	_, _ = stderr.Write([]byte("indexing\nE[10:01] partial"))
	b.Exit(nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 log lines got %d: %s", len(lines), buf.String())
	}
	for i, want := range []string{"I[10:00] clangd version 17", "I[10:00] indexing", "E[10:01] partial"} {
		var entry map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &entry); err != nil {
			t.Fatalf("log line %d: %v", i, err)
		}
		if entry["message"] != want || entry["component"] != "stderr" {
			t.Fatalf("log line %d = %v; want %q", i, entry, want)
		}
	}
	if msgs := <-got; len(msgs) != 0 {
		t.Fatalf("stderr forwarded to channel: %v", msgs)
	}
}
