package control

import (
	"encoding/json"
	"testing"
)

func TestAnswersReuseID(t *testing.T) {
	req := Message{Cmd: CmdInit, ID: "42"}
	ok := Complete(req, nil)
	if ok.Cmd != "init_complete" || ok.ID != "42" || ok.Payload != nil {
		t.Fatalf("unexpected complete %+v", ok)
	}
	bad := Error(req, "invalid state")
	if bad.Cmd != "init_error" || bad.ID != "42" {
		t.Fatalf("unexpected error %+v", bad)
	}
	var p ErrorPayload
	if err := json.Unmarshal(bad.Payload, &p); err != nil || p.Type != "error" || p.Value != "invalid state" {
		t.Fatalf("unexpected error payload %s", bad.Payload)
	}
}

func TestAbortedEvent(t *testing.T) {
	b, err := json.Marshal(Aborted("clangd"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"cmd":"clangd_error","payload":{"type":"error","value":"clangd aborted"}}`
	if string(b) != want {
		t.Fatalf("got %s; want %s", b, want)
	}
}

func TestDecode(t *testing.T) {
	m, err := Decode([]byte(`{"cmd":"launch","id":"7","payload":{"x":1}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Cmd != CmdLaunch || m.ID != "7" || string(m.Payload) != `{"x":1}` {
		t.Fatalf("unexpected message %+v", m)
	}
	if _, err := Decode([]byte(`{`)); err == nil {
		t.Fatalf("expected error")
	}
}
