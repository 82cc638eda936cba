// Package sandbox instantiates the compute process behind a session. An
// instance exports its file tree before its main entry is started so the
// workspace can be populated first.
package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/gaspardpetit/lspbridge/internal/vfs"
)

var (
	// ErrAlreadyStarted is returned by Start on a running instance.
	ErrAlreadyStarted = errors.New("sandbox: already started")
	// ErrKilled is reported to onExit when Kill ended the instance.
	ErrKilled = errors.New("sandbox: killed")
	// ErrNotInstalled is returned when the configured command is missing.
	ErrNotInstalled = errors.New("sandbox: command not installed")
)

// Stdio is the set of standard streams handed to the process.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runtime creates instances.
type Runtime interface {
	Instantiate(ctx context.Context) (Instance, error)
}

// Instance is one process. FS is usable before Start.
type Instance interface {
	FS() vfs.FS
	// Start runs the main entry. onExit is called exactly once when the
	// process ends; a nil error means a clean exit.
	Start(ctx context.Context, stdio Stdio, onExit func(error)) error
	Kill()
}
