package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/vibecanvas/termstream/internal/config"
	"github.com/vibecanvas/termstream/internal/handlers"
	"github.com/vibecanvas/termstream/internal/logging"
	"github.com/vibecanvas/termstream/internal/ptyreg"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--attach" {
		runAttach(os.Args[2:])
		return
	}

	config.Load()
	logging.Init()

	idleTimeout, err := time.ParseDuration(config.Cfg.PTYIdleTimeout)
	if err != nil {
		idleTimeout = ptyreg.DefaultIdleTimeout
	}

	registry := ptyreg.NewRegistry(ptyreg.Config{
		DefaultShell:     config.Cfg.DefaultShell,
		ReplayBytes:      config.Cfg.ReplayBufferBytes,
		ReplayRecords:    config.Cfg.ReplayMaxRecords,
		IdleTimeout:      idleTimeout,
		RecordingEnabled: config.Cfg.RecordingEnabled,
	})
	log.Printf("PTY registry initialized (replay=%d bytes, idle_timeout=%s, recording=%v)",
		config.Cfg.ReplayBufferBytes, idleTimeout, config.Cfg.RecordingEnabled)

	// Periodic cleanup of exited, detached PTYs.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(config.Cfg.CleanupCronSpec, func() {
		if n := registry.CleanupIdle(); n > 0 {
			log.Printf("Cleaned up %d idle ptys", n)
		}
	}); err != nil {
		log.Fatalf("Invalid cleanup cron spec %q: %v", config.Cfg.CleanupCronSpec, err)
	}
	sweeper.Start()

	api := handlers.New(registry)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Mount("/", api.Routes())

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	sweeper.Stop()
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// createPTY asks the server to start a new shell and returns its ID.
func createPTY(scheme, host, workingDir string) (string, error) {
	body, _ := json.Marshal(map[string]string{"workingDirectory": workingDir})
	resp, err := http.Post(
		fmt.Sprintf("%s://%s/api/opencode/pty", scheme, host),
		"application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create pty: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create pty: server returned %s", resp.Status)
	}

	var info struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	return info.ID, nil
}

func runAttach(args []string) {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	host := fs.String("server", "localhost:3001", "Server host:port")
	secure := fs.Bool("secure", false, "Use wss/https")
	dir := fs.String("dir", "", "Working directory of the PTY (required)")
	ptyID := fs.String("pty", "", "PTY ID to attach to (created if empty)")
	key := fs.String("key", "", "Terminal key for the local session cache")
	fs.Parse(args)

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Usage: termstream --attach -dir <path> [-pty <id>] [-server host:port]")
		os.Exit(1)
	}

	config.Load()

	if err := attach(*host, *secure, *dir, *ptyID, *key); err != nil {
		log.Fatalf("attach: %v", err)
	}
}
