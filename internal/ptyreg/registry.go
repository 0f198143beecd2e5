package ptyreg

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/vibecanvas/termstream/internal/logutil"
	"github.com/vibecanvas/termstream/internal/replay"
)

// DefaultIdleTimeout is how long an exited, detached PTY is kept around
// (so a reconnecting client can learn it is gone) before cleanup.
const DefaultIdleTimeout = 30 * time.Minute

// Config carries registry-wide settings.
type Config struct {
	// DefaultShell is used when Create is called with an empty shell.
	// Empty falls back to $SHELL, then /bin/bash.
	DefaultShell string
	// ReplayBytes is the per-PTY replay retention budget in bytes.
	ReplayBytes int
	// ReplayRecords is the per-PTY cap on retained replay records.
	ReplayRecords int
	// IdleTimeout is how long exited PTYs linger before cleanup.
	// Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration
	// RecordingEnabled turns on timestamped I/O capture for new PTYs.
	RecordingEnabled bool
}

// CreateOptions are per-PTY creation parameters.
type CreateOptions struct {
	Shell string
	Rows  uint16
	Cols  uint16
	Title string
}

// Registry tracks all hosted PTY processes, keyed by (workingDirectory,
// ptyID). It owns their lifecycle; client connections only borrow an
// attachment.
type Registry struct {
	mu   sync.RWMutex
	ptys map[string]*PTY // ptyID → PTY

	cfg Config
}

// NewRegistry creates a registry with the given settings.
func NewRegistry(cfg Config) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Registry{
		ptys: make(map[string]*PTY),
		cfg:  cfg,
	}
}

// Create starts a new shell under a PTY in the given working directory and
// begins relaying its output into a fresh replay log.
func (r *Registry) Create(workingDir string, opts CreateOptions) (*PTY, error) {
	if workingDir == "" {
		return nil, fmt.Errorf("working directory is required")
	}
	if err := ValidateShell(opts.Shell); err != nil {
		return nil, fmt.Errorf("validate shell: %w", err)
	}

	shell := opts.Shell
	if shell == "" {
		shell = r.cfg.DefaultShell
	}
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}
	title := opts.Title
	if title == "" {
		title = "Terminal"
	}

	cmd := exec.Command(shell)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := startPTY(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &PTY{
		ID:               uuid.New().String(),
		WorkingDirectory: workingDir,
		Shell:            shell,
		CreatedAt:        time.Now(),
		Log:              replay.New(r.cfg.ReplayBytes, r.cfg.ReplayRecords),
		cmd:              cmd,
		ptmx:             ptmx,
		title:            title,
		rows:             rows,
		cols:             cols,
		lastActivity:     time.Now(),
		done:             make(chan struct{}),
	}
	if r.cfg.RecordingEnabled {
		p.Recording = NewRecording(0)
	}

	go r.relayOutput(p)

	r.mu.Lock()
	r.ptys[p.ID] = p
	r.mu.Unlock()

	log.Printf("[ptyreg] created pty %s in %s (shell %s, %dx%d)",
		p.ID, logutil.SanitizeForLog(workingDir), shell, cols, rows)

	return p, nil
}

// relayOutput reads from the pty file and appends to the replay log. This
// goroutine runs for the lifetime of the process regardless of WebSocket
// connections.
func (r *Registry) relayOutput(p *PTY) {
	defer close(p.done)
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			p.Log.Append(buf[:n])
			if p.Recording != nil {
				p.Recording.RecordOutput(buf[:n])
			}
		}
		if err != nil {
			log.Printf("[ptyreg] pty %s output ended: %v", p.ID, err)
			p.cmd.Wait()
			p.markExited()
			return
		}
	}
}

// Get returns the PTY with the given ID if its working directory matches,
// or nil. The directory is part of the identity: resuming with a mismatched
// directory would attach the wrong process.
func (r *Registry) Get(workingDir, ptyID string) *PTY {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.ptys[ptyID]
	if p == nil || p.WorkingDirectory != workingDir {
		return nil
	}
	return p
}

// List returns all PTYs for a working directory, or all PTYs when the
// directory is empty.
func (r *Registry) List(workingDir string) []*PTY {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*PTY
	for _, p := range r.ptys {
		if workingDir != "" && p.WorkingDirectory != workingDir {
			continue
		}
		result = append(result, p)
	}
	return result
}

// Update applies metadata changes to a PTY: a new title and/or new
// dimensions. Zero-valued fields are left unchanged.
func (r *Registry) Update(workingDir, ptyID, title string, cols, rows uint16) error {
	p := r.Get(workingDir, ptyID)
	if p == nil {
		return fmt.Errorf("pty %q not found in %q", ptyID, workingDir)
	}

	if title != "" {
		p.SetTitle(title)
	}
	if cols > 0 && rows > 0 {
		if err := p.Resize(cols, rows); err != nil {
			return fmt.Errorf("resize pty %s: %w", ptyID, err)
		}
	}
	return nil
}

// Remove terminates a PTY and drops it from the registry.
func (r *Registry) Remove(workingDir, ptyID string) error {
	p := r.Get(workingDir, ptyID)
	if p == nil {
		return fmt.Errorf("pty %q not found in %q", ptyID, workingDir)
	}

	p.Close()

	r.mu.Lock()
	delete(r.ptys, ptyID)
	r.mu.Unlock()

	log.Printf("[ptyreg] removed pty %s", ptyID)
	return nil
}

// CleanupIdle drops exited PTYs that have been inactive longer than the
// idle timeout. Attached or running PTYs are never touched. Returns the
// number of PTYs removed.
func (r *Registry) CleanupIdle() int {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var stale []string
	for id, p := range r.ptys {
		if p.Exited() && !p.Attached() && p.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(r.ptys, id)
	}
	r.mu.Unlock()

	for _, id := range stale {
		log.Printf("[ptyreg] cleaned up exited pty %s", id)
	}
	return len(stale)
}

// Count returns the number of tracked PTYs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ptys)
}

// CloseAll terminates every PTY. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make([]*PTY, 0, len(r.ptys))
	for _, p := range r.ptys {
		all = append(all, p)
	}
	r.mu.RUnlock()

	for _, p := range all {
		p.Close()
	}
}
