// Package session drives one editor connection: it resolves the message and
// filesystem channels, launches the process, bridges its streams and reports
// when it stops.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/lspbridge/internal/bridge"
	"github.com/gaspardpetit/lspbridge/internal/channel"
	"github.com/gaspardpetit/lspbridge/internal/control"
	"github.com/gaspardpetit/lspbridge/internal/fssync"
	"github.com/gaspardpetit/lspbridge/internal/logx"
	"github.com/gaspardpetit/lspbridge/internal/metrics"
	"github.com/gaspardpetit/lspbridge/internal/sandbox"
	"github.com/gaspardpetit/lspbridge/internal/serverstate"
	"github.com/gaspardpetit/lspbridge/internal/workspace"
)

var (
	// ErrInvalidState is returned for a command the current state does not
	// accept, such as launch before init.
	ErrInvalidState = errors.New("invalid session state")
	// ErrUnknownCommand is returned for a cmd other than init or launch.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrTerminated is returned for any command once the process has stopped.
	ErrTerminated = errors.New("session terminated")
	// ErrMissingChannel is returned when init omits a channel handle.
	ErrMissingChannel = errors.New("missing channel handle")
	errClosed         = errors.New("session closed")
)

// State is the lifecycle position of a session.
type State int

const (
	// Uninitialized accepts only init.
	Uninitialized State = iota
	// Initialized holds resolved channels and accepts only launch.
	Initialized
	// Launched has a running process bridged to the message channel.
	Launched
	// Terminated is final; every command fails with ErrTerminated.
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Launched:
		return "launched"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options configure a session.
type Options struct {
	// Process names the compute process in events, e.g. "clangd".
	Process string
	// SyncRoot is the tree mirrored over the filesystem channel.
	SyncRoot        string
	ChannelWait     time.Duration
	MaxMessageBytes int
	SyncConcurrency int
	RemoteAddr      string
}

// Deps are the collaborators a session uses.
type Deps struct {
	Runtime  sandbox.Runtime
	Channels channel.Resolver
	Control  control.Sink
	Sources  workspace.Sources
	Store    serverstate.Store
}

// InitPayload is the body of an init command.
type InitPayload struct {
	LSChannel     string                   `json:"lsChannel"`
	FSChannel     string                   `json:"fsChannel"`
	LoadWorkspace bool                     `json:"loadWorkspace"`
	Volatile      *workspace.VolatileInput `json:"volatile,omitempty"`
}

// Session is the server side of one control connection. Commands are handled
// one at a time; the abort event is sent at most once.
type Session struct {
	id      string
	opts    Options
	deps    Deps
	log     zerolog.Logger
	created time.Time

	// cmdMu serializes control commands.
	cmdMu sync.Mutex

	mu      sync.Mutex
	state   State
	cfg     InitPayload
	ls      channel.Port
	fs      channel.Port
	inst    sandbox.Instance
	br      *bridge.Bridge
	closing bool

	abort  sync.Once
	closed sync.Once
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a session in the Uninitialized state and publishes it.
func New(opts Options, deps Deps) *Session {
	if opts.Process == "" {
		opts.Process = "clangd"
	}
	if opts.SyncRoot == "" {
		opts.SyncRoot = "/"
	}
	if opts.ChannelWait <= 0 {
		opts.ChannelWait = 30 * time.Second
	}
	if deps.Store == nil {
		deps.Store = serverstate.Active()
	}
	id := uuid.NewString()
	s := &Session{
		id:      id,
		opts:    opts,
		deps:    deps,
		log:     logx.Session(id),
		created: time.Now().UTC(),
		done:    make(chan struct{}),
	}
	metrics.SessionTransition("", Uninitialized.String())
	s.publish(Uninitialized)
	return s
}

// ID is the random identifier the session is published under.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle processes one control command and sends its answer. The returned
// error is the one reported to the editor, if any.
func (s *Session) Handle(ctx context.Context, msg control.Message) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	var err error
	switch msg.Cmd {
	case control.CmdInit:
		err = s.init(ctx, msg)
	case control.CmdLaunch:
		err = s.launch(ctx, msg)
		if err == nil {
			return s.acknowledgeLaunch(ctx, msg)
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Cmd)
	}
	if err != nil {
		return s.fail(ctx, msg, err)
	}
	s.complete(ctx, msg)
	return nil
}

// acknowledgeLaunch replies launch_complete and starts the filesystem sync,
// unless the process already stopped. The check and the reply share s.mu with
// onAbort, so an abort event never precedes a launch_complete.
func (s *Session) acknowledgeLaunch(ctx context.Context, msg control.Message) error {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return s.fail(ctx, msg, fmt.Errorf("%w: %s exited during launch", ErrTerminated, s.opts.Process))
	}
	s.complete(ctx, msg)
	s.mu.Unlock()
	s.startSync()
	return nil
}

func (s *Session) complete(ctx context.Context, msg control.Message) {
	metrics.RecordControlCommand(msg.Cmd, true)
	s.log.Info().Str("cmd", msg.Cmd).Str("id", msg.ID).Msg("control command completed")
	s.reply(ctx, control.Complete(msg, nil))
}

func (s *Session) fail(ctx context.Context, msg control.Message, err error) error {
	metrics.RecordControlCommand(msg.Cmd, false)
	s.log.Warn().Err(err).Str("cmd", msg.Cmd).Str("id", msg.ID).Msg("control command failed")
	s.reply(ctx, control.Error(msg, err.Error()))
	return err
}

func (s *Session) expect(cmd string, want State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case want:
		return nil
	case Terminated:
		return ErrTerminated
	default:
		return fmt.Errorf("%w: %s while %s", ErrInvalidState, cmd, s.state)
	}
}

func (s *Session) init(ctx context.Context, msg control.Message) error {
	if err := s.expect(control.CmdInit, Uninitialized); err != nil {
		return err
	}
	var p InitPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("invalid init payload: %w", err)
		}
	}
	if p.LSChannel == "" {
		return fmt.Errorf("%w: lsChannel", ErrMissingChannel)
	}
	if p.FSChannel == "" {
		return fmt.Errorf("%w: fsChannel", ErrMissingChannel)
	}

	rctx, cancel := context.WithTimeout(ctx, s.opts.ChannelWait)
	defer cancel()
	ls, err := s.deps.Channels.Resolve(rctx, p.LSChannel)
	if err != nil {
		return fmt.Errorf("resolve lsChannel: %w", err)
	}
	fs, err := s.deps.Channels.Resolve(rctx, p.FSChannel)
	if err != nil {
		ls.End()
		return fmt.Errorf("resolve fsChannel: %w", err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ls.End()
		fs.End()
		return errClosed
	}
	s.cfg, s.ls, s.fs = p, ls, fs
	s.mu.Unlock()
	s.transition(Initialized)
	return nil
}

func (s *Session) launch(ctx context.Context, msg control.Message) error {
	if err := s.expect(control.CmdLaunch, Initialized); err != nil {
		return err
	}
	s.mu.Lock()
	cfg, ls := s.cfg, s.ls
	s.mu.Unlock()

	inst, err := s.deps.Runtime.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiate %s: %w", s.opts.Process, err)
	}
	res, err := workspace.Populate(inst.FS(), s.deps.Sources, workspace.Request{
		LoadWorkspace: cfg.LoadWorkspace,
		Volatile:      cfg.Volatile,
	}, s.log)
	if err != nil {
		inst.Kill()
		return fmt.Errorf("populate workspace: %w", err)
	}
	s.log.Debug().
		Int("written", len(res.Written)).
		Int("skipped", len(res.Skipped)).
		Int("failed", len(res.Failed)).
		Msg("workspace populated")

	br := bridge.New(ls, ls, s.onAbort, bridge.Options{
		MaxMessageBytes: s.opts.MaxMessageBytes,
		Log:             s.log,
	})
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		inst.Kill()
		return errClosed
	}
	s.inst, s.br = inst, br
	s.mu.Unlock()
	if err := inst.Start(ctx, br.Stdio(), br.Exit); err != nil {
		s.mu.Lock()
		s.inst, s.br = nil, nil
		s.mu.Unlock()
		inst.Kill()
		return fmt.Errorf("start %s: %w", s.opts.Process, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := br.Listen(context.Background()); err != nil {
			s.log.Debug().Err(err).Msg("message channel closed")
		}
	}()
	s.transition(Launched)
	return nil
}

// startSync mirrors the process tree once the launch has been acknowledged.
func (s *Session) startSync() {
	s.mu.Lock()
	inst, fs, st := s.inst, s.fs, s.state
	s.mu.Unlock()
	if inst == nil || fs == nil || st == Terminated {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sync(inst, fs)
	}()
}

func (s *Session) sync(inst sandbox.Instance, fs channel.Port) {
	syncer := fssync.New(channel.FSSink{W: fs}, s.log)
	syncer.Concurrency = s.opts.SyncConcurrency
	syncer.Observer = metrics.SyncObserver{}
	if _, err := syncer.Sync(context.Background(), inst.FS(), s.opts.SyncRoot); err != nil {
		s.log.Error().Err(err).Msg("filesystem sync failed")
	}
}

// onAbort runs once when the bridge exits, whatever the cause.
func (s *Session) onAbort(err error) {
	s.abort.Do(func() {
		s.mu.Lock()
		inst, closing, fs := s.inst, s.closing, s.fs
		s.mu.Unlock()
		s.transition(Terminated)
		if inst != nil {
			inst.Kill()
		}
		if fs != nil {
			fs.End()
		}
		if closing {
			close(s.done)
			return
		}
		metrics.RecordAbort(s.opts.Process)
		ev := s.log.Warn()
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msgf("%s aborted", s.opts.Process)
		s.reply(context.Background(), control.Aborted(s.opts.Process))
		close(s.done)
	})
}

// Close ends the session because the control connection went away. A
// running process is killed; no abort event is sent.
func (s *Session) Close() {
	s.closed.Do(s.close)
}

func (s *Session) close() {
	s.mu.Lock()
	s.closing = true
	br, ls, fs := s.br, s.ls, s.fs
	s.mu.Unlock()

	if br != nil {
		br.Exit(errClosed)
	} else {
		if ls != nil {
			ls.End()
		}
		if fs != nil {
			fs.End()
		}
		s.abort.Do(func() {
			s.transition(Terminated)
			close(s.done)
		})
	}
	<-s.done
	s.wg.Wait()
	s.deps.Store.DeleteSession(s.id)
	metrics.SessionTransition(Terminated.String(), "")
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to || from == Terminated {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	metrics.SessionTransition(from.String(), to.String())
	s.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("session state changed")
	s.publish(to)
}

func (s *Session) publish(st State) {
	s.deps.Store.PutSession(serverstate.SessionRecord{
		ID:         s.id,
		State:      st.String(),
		Process:    s.opts.Process,
		RemoteAddr: s.opts.RemoteAddr,
		CreatedAt:  s.created,
		UpdatedAt:  time.Now().UTC(),
	})
}

func (s *Session) reply(ctx context.Context, msg control.Message) {
	if s.deps.Control == nil {
		return
	}
	if err := s.deps.Control.Send(ctx, msg); err != nil {
		s.log.Debug().Err(err).Str("cmd", msg.Cmd).Msg("control reply not delivered")
	}
}
