// Package pty runs commands attached to a pseudo-terminal. Some agent CLIs
// only flush their stream output line by line when they see a terminal.
package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// Size represents terminal dimensions in rows and columns.
type Size struct {
	Rows uint16
	Cols uint16
}

// DefaultSize is wide enough that agents do not wrap JSON lines.
var DefaultSize = Size{Rows: 50, Cols: 4096}

// Runner spawns commands on a PTY. Implementations can be swapped
// (e.g. creack/pty, or a mock for tests).
type Runner interface {
	// Start spawns cmd with stdin, stdout and stderr attached to a new
	// terminal and returns its controlling side.
	Start(cmd *exec.Cmd, size Size) (io.ReadWriteCloser, error)
}

// CreackPTY implements Runner using github.com/creack/pty.
type CreackPTY struct{}

var _ Runner = (*CreackPTY)(nil)

// Start implements Runner.
func (c *CreackPTY) Start(cmd *exec.Cmd, size Size) (io.ReadWriteCloser, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// IsClosed reports whether err is how a terminal signals that its process
// side has gone away. Linux returns EIO instead of io.EOF.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}
