package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vibecanvas/termstream/internal/config"
	"github.com/vibecanvas/termstream/internal/ptyreg"
)

func TestGetLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	content := "line one\nline two\nline three\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	prev := config.Cfg.LogPath
	config.Cfg.LogPath = path
	t.Cleanup(func() { config.Cfg.LogPath = prev })

	env := newTestEnv(t, ptyreg.Config{})

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/api/logs?lines=2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Logs string `json:"logs"`
	}
	decodeBody(t, resp, &body)

	if strings.Contains(body.Logs, "line one") {
		t.Errorf("tail of 2 lines included the first line: %q", body.Logs)
	}
	if !strings.Contains(body.Logs, "line two") || !strings.Contains(body.Logs, "line three") {
		t.Errorf("tail = %q, want last two lines", body.Logs)
	}
}

func TestClearLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	if err := os.WriteFile(path, []byte("old entries\n"), 0644); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	prev := config.Cfg.LogPath
	config.Cfg.LogPath = path
	t.Cleanup(func() { config.Cfg.LogPath = prev })

	env := newTestEnv(t, ptyreg.Config{})

	resp := doJSON(t, http.MethodDelete, env.srv.URL+"/api/logs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("log file not truncated, still %d bytes", len(data))
	}
}
