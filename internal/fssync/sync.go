// Package fssync mirrors a process's file tree to a remote observer: one
// message per file, sent concurrently, followed by a single ready signal.
package fssync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/lspbridge/internal/vfs"
)

// ErrNoSink is returned when a Syncer has nowhere to send files.
var ErrNoSink = errors.New("fssync: no sink")

// SyncMessage carries one file.
type SyncMessage struct {
	ResourceURI string `json:"resourceUri"`
	Content     []byte `json:"content"`
}

// Sink receives files and the final ready signal.
type Sink interface {
	SyncFile(ctx context.Context, msg SyncMessage) error
	Ready(ctx context.Context) error
}

// Stats summarizes a pass.
type Stats struct {
	Files    int
	Sent     int
	Failed   int
	Duration time.Duration
}

// Observer is notified once per file with the outcome ("sent",
// "read_error" or "send_error") and once per pass.
type Observer interface {
	FileSynced(outcome string)
	PassCompleted(d time.Duration)
}

// Syncer runs sync passes. Passes on the same Syncer do not overlap.
type Syncer struct {
	Sink Sink
	// Concurrency bounds in-flight sends; zero means unbounded.
	Concurrency int
	Observer    Observer
	Log         zerolog.Logger

	mu sync.Mutex
}

// New returns a Syncer that sends to sink.
func New(sink Sink, log zerolog.Logger) *Syncer {
	return &Syncer{Sink: sink, Log: log}
}

// Sync sends every file under root and then signals ready. Per-file read and
// send failures are logged and counted; they never abort the pass. The
// returned error is non-nil only when the tree cannot be listed or the ready
// signal fails.
func (s *Syncer) Sync(ctx context.Context, fsys vfs.FS, root string) (Stats, error) {
	if s.Sink == nil {
		return Stats{}, ErrNoSink
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	listing, err := fsys.Walk(root)
	if err != nil {
		return Stats{}, err
	}

	var sent, failed atomic.Int64
	g := new(errgroup.Group)
	if s.Concurrency > 0 {
		g.SetLimit(s.Concurrency)
	}
	for _, name := range listing.Files {
		name := name
		g.Go(func() error {
			data, err := fsys.ReadFile(name)
			if err != nil {
				s.Log.Error().Err(err).Str("file", name).Msg("read file failed")
				failed.Add(1)
				s.observe("read_error")
				return nil
			}
			if err := s.Sink.SyncFile(ctx, SyncMessage{ResourceURI: name, Content: data}); err != nil {
				s.Log.Error().Err(err).Str("file", name).Msg("sync file failed")
				failed.Add(1)
				s.observe("send_error")
				return nil
			}
			sent.Add(1)
			s.observe("sent")
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{
		Files:    len(listing.Files),
		Sent:     int(sent.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}
	if s.Observer != nil {
		s.Observer.PassCompleted(stats.Duration)
	}
	s.Log.Info().
		Int("files", stats.Files).
		Int("failed", stats.Failed).
		Dur("elapsed", stats.Duration).
		Msgf("file loading completed in %dms", stats.Duration.Milliseconds())
	return stats, s.Sink.Ready(ctx)
}

func (s *Syncer) observe(outcome string) {
	if s.Observer != nil {
		s.Observer.FileSynced(outcome)
	}
}
