package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/lspbridge/internal/fssync"
)

func newServer(t *testing.T, r *Registry) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/channels", r.HandleCreate)
	mux.HandleFunc("/channels/", func(w http.ResponseWriter, req *http.Request) {
		r.HandleAttach(w, req, strings.TrimPrefix(req.URL.Path, "/channels/"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func createChannel(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/channels", "application/json", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		ID        string `json:"id"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ID == "" || body.ExpiresAt == "" {
		t.Fatalf("unexpected create response %+v", body)
	}
	return body.ID
}

func TestWebsocketChannelRoundTrip(t *testing.T) {
	reg := NewRegistry(time.Minute)
	srv := newServer(t, reg)
	id := createChannel(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resolved := make(chan Port, 1)
	go func() {
		p, err := reg.Resolve(ctx, id)
		if err != nil {
			t.Errorf("resolve: %v", err)
		}
		resolved <- p
	}()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/channels/" + id
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	port := <-resolved
	if port == nil {
		t.Fatalf("no port resolved")
	}

	if err := port.Write(ctx, json.RawMessage(`{"id":1,"result":null}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := c.Read(ctx)
	if err != nil || string(data) != `{"id":1,"result":null}` {
		t.Fatalf("client read %s %v", data, err)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"id":2,"method":"shutdown"}`)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	got := make(chan string, 1)
	go func() {
		_ = port.Listen(ctx, func(m json.RawMessage) error {
			got <- string(m)
			return errors.New("stop")
		})
	}()
	select {
	case m := <-got:
		if m != `{"id":2,"method":"shutdown"}` {
			t.Fatalf("unexpected inbound %s", m)
		}
	case <-ctx.Done():
		t.Fatalf("no inbound message")
	}

	if _, err := reg.Resolve(ctx, id); !errors.Is(err, ErrTaken) {
		t.Fatalf("expected ErrTaken got %v", err)
	}

	port.End()
	if _, _, err := c.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure got %v", err)
	}
	if err := port.Write(ctx, json.RawMessage(`{}`)); !errors.Is(err, ErrEnded) {
		t.Fatalf("expected ErrEnded got %v", err)
	}
}

func TestAttachUnknownChannel(t *testing.T) {
	srv := newServer(t, NewRegistry(time.Minute))
	resp, err := http.Get(srv.URL + "/channels/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestChannelExpires(t *testing.T) {
	reg := NewRegistry(20 * time.Millisecond)
	id, _ := reg.Create()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.Resolve(ctx, id); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired while waiting got %v", err)
	}
	if err := reg.Attach(id, nil); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired on attach got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expired handle still registered")
	}
}

func TestResolveCancelledReleasesClaim(t *testing.T) {
	reg := NewRegistry(time.Minute)
	id, _ := reg.Create()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := reg.Resolve(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline got %v", err)
	}
	ep := &Endpoint{done: make(chan struct{})}
	if err := reg.Attach(id, ep); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := reg.Attach(id, ep); !errors.Is(err, ErrTaken) {
		t.Fatalf("expected ErrTaken got %v", err)
	}
	p, err := reg.Resolve(context.Background(), id)
	if err != nil || p != Port(ep) {
		t.Fatalf("resolve after cancel: %v %v", p, err)
	}
}

func TestPipeDeliversInOrderAndEnds(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()
	for _, m := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := a.Write(ctx, json.RawMessage(m)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	a.End()
	var got []string
	if err := b.Listen(ctx, func(m json.RawMessage) error {
		got = append(got, string(m))
		return nil
	}); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if strings.Join(got, ",") != `{"n":1},{"n":2},{"n":3}` {
		t.Fatalf("got %v", got)
	}
	if err := b.Write(ctx, json.RawMessage(`{}`)); !errors.Is(err, ErrEnded) {
		t.Fatalf("expected ErrEnded got %v", err)
	}
}

func TestFSSinkWireFormat(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()
	sink := FSSink{W: a}
	if err := sink.SyncFile(ctx, fssync.SyncMessage{ResourceURI: "/workspace/a.c", Content: []byte("int x;")}); err != nil {
		t.Fatalf("sync file: %v", err)
	}
	if err := sink.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	a.End()
	var msgs []FSMessage
	_ = b.Listen(ctx, func(m json.RawMessage) error {
		var fm FSMessage
		if err := json.Unmarshal(m, &fm); err != nil {
			return err
		}
		msgs = append(msgs, fm)
		return nil
	})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Type != TypeSyncFile || msgs[0].ResourceURI != "/workspace/a.c" || string(msgs[0].Content) != "int x;" {
		t.Fatalf("unexpected sync message %+v", msgs[0])
	}
	if msgs[1].Type != TypeReady {
		t.Fatalf("unexpected final message %+v", msgs[1])
	}
}
