package ptyreg

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/vibecanvas/termstream/internal/replay"
)

// startPTY starts a command under a pseudo-terminal. Indirection so tests
// can substitute an in-memory process.
var startPTY = func(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error) {
	return pty.StartWithSize(cmd, ws)
}

// PTY is one hosted shell process: the command, its pty file, the replay
// log its output feeds, and mutable presentation metadata.
type PTY struct {
	// ID identifies the process. It changes when the process is recreated,
	// which is what invalidates stale client cursors.
	ID string
	// WorkingDirectory is the directory the shell was started in. Together
	// with ID it forms the registry key.
	WorkingDirectory string
	// Shell is the command used for this process.
	Shell string
	// CreatedAt is when the process was started.
	CreatedAt time.Time

	// Log buffers process output for resumption.
	Log *replay.Log
	// Recording captures timestamped I/O (nil if disabled).
	Recording *Recording

	cmd  *exec.Cmd
	ptmx *os.File

	mu           sync.Mutex
	title        string
	rows, cols   uint16
	attached     bool
	exited       bool
	lastActivity time.Time
	done         chan struct{}
}

// Title returns the user-visible title.
func (p *PTY) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

// SetTitle updates the user-visible title.
func (p *PTY) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
	p.lastActivity = time.Now()
}

// Size returns the current terminal dimensions.
func (p *PTY) Size() (rows, cols uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows, p.cols
}

// Resize changes the terminal dimensions, clamped to the allowed maxima.
func (p *PTY) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return nil
	}
	if cols > MaxTermCols {
		cols = MaxTermCols
	}
	if rows > MaxTermRows {
		rows = MaxTermRows
	}

	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return nil
	}
	p.rows, p.cols = rows, cols
	p.lastActivity = time.Now()
	ptmx := p.ptmx
	p.mu.Unlock()

	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// WriteInput sends input bytes to the process's stdin.
func (p *PTY) WriteInput(data []byte) (int, error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.lastActivity = time.Now()
	ptmx := p.ptmx
	p.mu.Unlock()

	if p.Recording != nil {
		p.Recording.RecordInput(data)
	}
	return ptmx.Write(data)
}

// TryAttach claims the single live-stream attachment. It returns false if
// another connection already holds it, so two physical connections never
// double-consume the stream.
func (p *PTY) TryAttach() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached {
		return false
	}
	p.attached = true
	p.lastActivity = time.Now()
	return true
}

// Detach releases the attachment. The process and replay log stay alive.
func (p *PTY) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = false
	p.lastActivity = time.Now()
}

// Attached reports whether a connection currently holds the attachment.
func (p *PTY) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// Exited reports whether the process has ended.
func (p *PTY) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// LastActivity returns the time of the last attach, detach, input, resize,
// or state change.
func (p *PTY) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// Done returns a channel closed when the process exits.
func (p *PTY) Done() <-chan struct{} {
	return p.done
}

// Close terminates the process and closes the replay log. Idempotent.
func (p *PTY) Close() {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.lastActivity = time.Now()
	cmd, ptmx := p.cmd, p.ptmx
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	if ptmx != nil {
		ptmx.Close()
	}
	p.Log.Close()
}

// markExited records process exit observed by the output relay, without
// re-killing the process.
func (p *PTY) markExited() {
	p.mu.Lock()
	already := p.exited
	p.exited = true
	p.lastActivity = time.Now()
	p.mu.Unlock()

	if !already {
		p.Log.Close()
	}
}
