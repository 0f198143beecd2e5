package handlers

import (
	"net/http"
	"strconv"

	"github.com/vibecanvas/termstream/internal/logging"
)

const defaultLogLines = 200

// GetLogs returns the tail of the server log file.
// GET /api/logs?lines=n
func (a *API) GetLogs(w http.ResponseWriter, r *http.Request) {
	lines := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lines = n
		}
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}

// ClearLogs truncates the server log file.
// DELETE /api/logs
func (a *API) ClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
