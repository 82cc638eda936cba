package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gaspardpetit/lspbridge/internal/logx"
	"github.com/gaspardpetit/lspbridge/internal/vfs"
)

// ExecRuntime runs a host command whose file tree is a directory on disk.
type ExecRuntime struct {
	Command string
	Args    []string
	// Root is the host directory backing the tree. When empty every instance
	// gets its own temporary directory, removed on exit.
	Root string
	// WorkDir is the virtual directory the command runs in.
	WorkDir string
}

func (r *ExecRuntime) Instantiate(ctx context.Context) (Instance, error) {
	root, temp := r.Root, false
	if root == "" {
		dir, err := os.MkdirTemp("", "lspbridge-*")
		if err != nil {
			return nil, err
		}
		root, temp = dir, true
	} else if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &execInstance{rt: r, fs: vfs.NewOSFS(root), temp: temp}, nil
}

type execInstance struct {
	rt   *ExecRuntime
	fs   *vfs.Tree
	temp bool

	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	exit    sync.Once
	started bool
	killed  bool
}

func (e *execInstance) FS() vfs.FS { return e.fs }

func (e *execInstance) Start(ctx context.Context, stdio Stdio, onExit func(error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	if e.killed {
		return ErrKilled
	}
	path, err := exec.LookPath(e.rt.Command)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotInstalled, e.rt.Command)
	}

	// The process outlives the caller's request context.
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(pctx, path, e.rt.Args...)
	cmd.Dir = e.fs.HostPath(e.rt.WorkDir)
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr
	cmd.WaitDelay = 2 * time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start process: %w", err)
	}
	e.cmd, e.cancel, e.started = cmd, cancel, true
	logx.Log.Info().Str("command", path).Str("dir", cmd.Dir).Int("pid", cmd.Process.Pid).Msg("process started")

	go func() {
		_, _ = io.Copy(stdin, stdio.Stdin)
		_ = stdin.Close()
	}()
	go func() {
		err := cmd.Wait()
		cancel()
		if e.temp {
			_ = os.RemoveAll(e.fs.Root())
		}
		e.exit.Do(func() { onExit(err) })
	}()
	return nil
}

func (e *execInstance) Kill() {
	e.mu.Lock()
	cancel := e.cancel
	e.killed = true
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		return
	}
	if e.temp {
		_ = os.RemoveAll(e.fs.Root())
	}
}
