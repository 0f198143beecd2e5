package ptyreg

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// SetStartPTYForTest replaces the PTY start function so tests can supply a
// pty pair without spawning a real shell. It returns a restore func.
func SetStartPTYForTest(fn func(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error)) func() {
	prev := startPTY
	startPTY = fn
	return func() { startPTY = prev }
}
