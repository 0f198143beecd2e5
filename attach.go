package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/vibecanvas/termstream/internal/config"
	"github.com/vibecanvas/termstream/internal/cursor"
	"github.com/vibecanvas/termstream/internal/frame"
	"github.com/vibecanvas/termstream/internal/sessioncache"
	"github.com/vibecanvas/termstream/internal/transport"
)

// attach runs the interactive client: load cached resumption state, connect
// with the last known cursor, stream output to stdout while persisting every
// cursor update, and relay stdin to the PTY. On a truncation signal the
// cursor is discarded and one fresh reconnect fetches the full snapshot.
func attach(host string, secure bool, workingDir, ptyID, terminalKey string) error {
	scheme := "http"
	if secure {
		scheme = "https"
	}

	cachePath := config.Cfg.CachePath
	if cachePath == "" {
		cachePath = filepath.Join(config.Cfg.DataPath, "session-cache.db")
	}
	cache, err := sessioncache.Open(cachePath)
	if err != nil {
		return fmt.Errorf("open session cache: %w", err)
	}
	defer cache.Close()

	if terminalKey == "" {
		terminalKey = "attach:" + workingDir
	}

	// Resume from the cached session when its identity matches.
	var cursorArg *float64
	state := cache.Load(terminalKey)
	if state != nil && state.WorkingDirectory == workingDir {
		if ptyID == "" || ptyID == state.PTYID {
			ptyID = state.PTYID
			c := float64(state.Cursor)
			cursorArg = &c
		}
	}

	if ptyID == "" {
		ptyID, err = createPTY(scheme, host, workingDir)
		if err != nil {
			return err
		}
		log.Printf("[attach] created pty %s", ptyID)
	}

	if state == nil || state.PTYID != ptyID {
		state = &sessioncache.TerminalSession{
			TerminalKey:      terminalKey,
			WorkingDirectory: workingDir,
			PTYID:            ptyID,
			Rows:             sessioncache.DefaultRows,
			Cols:             sessioncache.DefaultCols,
			Title:            sessioncache.DefaultTitle,
		}
	}

	// At most one reconnect: a truncation signal discards the cursor and
	// refetches the full buffer.
	for attempt := 0; attempt < 2; attempt++ {
		truncated, err := attachOnce(host, secure, workingDir, ptyID, cursorArg, cache, state)
		if err != nil {
			return err
		}
		if !truncated {
			return nil
		}

		log.Printf("[attach] cursor outside retained window; resyncing from full snapshot")
		state.Cursor = 0
		if err := cache.Save(state); err != nil {
			log.Printf("[attach] save session: %v", err)
		}
		cursorArg = nil
	}
	return nil
}

// attachOnce runs a single physical connection to completion. It reports
// whether the server signaled truncation, in which case the caller should
// reconnect without a cursor.
func attachOnce(host string, secure bool, workingDir, ptyID string, cursorArg *float64, cache *sessioncache.Cache, state *sessioncache.TerminalSession) (bool, error) {
	done := make(chan struct{})
	var truncated atomic.Bool
	var connErr error

	t := transport.New(transport.Options{
		Secure:           secure,
		Host:             host,
		WorkingDirectory: workingDir,
		PTYID:            ptyID,
		Cursor:           cursorArg,
		OnMessage: func(binary bool, data []byte) {
			f := frame.Decode(binary, data)
			switch f.Kind {
			case frame.KindData:
				os.Stdout.Write(f.Data)
			case frame.KindControl:
				var msg frame.ControlMessage
				if err := json.Unmarshal(f.Control, &msg); err == nil && msg.Type == frame.TypeTruncated {
					truncated.Store(true)
					return
				}
				if c, ok := cursor.FromPayload(binary, data); ok {
					state.Cursor = c
					if err := cache.Save(state); err != nil {
						log.Printf("[attach] save session: %v", err)
					}
				}
			}
		},
		OnClose: func() {
			close(done)
		},
		OnError: func(err error) {
			connErr = err
			close(done)
		},
	})

	ctx := context.Background()
	if err := t.Connect(ctx); err != nil {
		return false, err
	}

	// stdin → PTY. The goroutine leaks on EOF only for the life of the
	// process; Send degrades to a no-op once the socket is gone.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				t.SendBinary(buf[:n])
			}
			if err != nil {
				t.Close()
				return
			}
		}
	}()

	<-done
	if truncated.Load() {
		return true, nil
	}
	if connErr != nil {
		return false, fmt.Errorf("connection failed: %w", connErr)
	}
	return false, nil
}
