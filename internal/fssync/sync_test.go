package fssync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/lspbridge/internal/vfs"
)

type recordingSink struct {
	mu       sync.Mutex
	files    []string
	ready    int
	readyAt  int
	failFile string
	delay    time.Duration
}

func (r *recordingSink) SyncFile(ctx context.Context, msg SyncMessage) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if msg.ResourceURI == r.failFile {
		return errors.New("channel closed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, msg.ResourceURI)
	return nil
}

func (r *recordingSink) Ready(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready++
	r.readyAt = len(r.files)
	return nil
}

type unreadableFS struct {
	*vfs.Tree
	bad string
}

func (u *unreadableFS) ReadFile(name string) ([]byte, error) {
	if name == u.bad {
		return nil, errors.New("permission denied")
	}
	return u.Tree.ReadFile(name)
}

func newTree(t *testing.T, k int) *vfs.Tree {
	t.Helper()
	m := vfs.NewMemFS()
	if err := m.Mkdir("/workspace"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < k; i++ {
		if err := m.WriteFile(fmt.Sprintf("/workspace/f%02d.cpp", i), []byte("x")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return m
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
	passes   int
}

func (c *countingObserver) FileSynced(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
}

func (c *countingObserver) PassCompleted(time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passes++
}

func TestSyncSkipsUnreadableFileAndSignalsReadyOnce(t *testing.T) {
	const k = 12
	fsys := &unreadableFS{Tree: newTree(t, k), bad: "/workspace/f03.cpp"}
	sink := &recordingSink{delay: time.Millisecond}
	obs := &countingObserver{outcomes: map[string]int{}}
	s := New(sink, zerolog.Nop())
	s.Concurrency = 4
	s.Observer = obs

	stats, err := s.Sync(context.Background(), fsys, "/workspace")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stats.Files != k || stats.Sent != k-1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(sink.files) != k-1 {
		t.Fatalf("sent %d files; want %d", len(sink.files), k-1)
	}
	if sink.ready != 1 || sink.readyAt != k-1 {
		t.Fatalf("ready sent %d times after %d files", sink.ready, sink.readyAt)
	}
	if obs.outcomes["sent"] != k-1 || obs.outcomes["read_error"] != 1 || obs.passes != 1 {
		t.Fatalf("observer saw %v passes=%d", obs.outcomes, obs.passes)
	}
	sort.Strings(sink.files)
	for _, f := range sink.files {
		if f == "/workspace/f03.cpp" {
			t.Fatalf("unreadable file was sent")
		}
	}
}

func TestSyncSendFailureDoesNotAbort(t *testing.T) {
	sink := &recordingSink{failFile: "/workspace/f01.cpp"}
	stats, err := New(sink, zerolog.Nop()).Sync(context.Background(), newTree(t, 3), "/workspace")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stats.Sent != 2 || stats.Failed != 1 || sink.ready != 1 {
		t.Fatalf("unexpected stats %+v ready=%d", stats, sink.ready)
	}
}

func TestSyncEmptyTreeStillSignalsReady(t *testing.T) {
	sink := &recordingSink{}
	if _, err := New(sink, zerolog.Nop()).Sync(context.Background(), newTree(t, 0), "/workspace"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if sink.ready != 1 {
		t.Fatalf("ready = %d", sink.ready)
	}
}

func TestSyncWithoutSink(t *testing.T) {
	if _, err := (&Syncer{}).Sync(context.Background(), vfs.NewMemFS(), "/"); !errors.Is(err, ErrNoSink) {
		t.Fatalf("expected ErrNoSink got %v", err)
	}
}

func TestSyncMissingRoot(t *testing.T) {
	sink := &recordingSink{}
	if _, err := New(sink, zerolog.Nop()).Sync(context.Background(), vfs.NewMemFS(), "/nope"); err == nil {
		t.Fatalf("expected walk error")
	}
	if sink.ready != 0 {
		t.Fatalf("ready sent for failed walk")
	}
}
