// Package handlers exposes the terminal streaming HTTP surface: the PTY
// registry REST API and the resumable attach WebSocket.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vibecanvas/termstream/internal/ptyreg"
)

// API carries the process-scoped dependencies of the HTTP layer. It is
// constructed once at startup and torn down with the server; there is no
// package-level singleton state.
type API struct {
	registry *ptyreg.Registry
}

// New creates the handler set around a PTY registry.
func New(registry *ptyreg.Registry) *API {
	return &API{registry: registry}
}

// Routes mounts all endpoints on a fresh router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", a.Health)
	r.Get("/api/logs", a.GetLogs)
	r.Delete("/api/logs", a.ClearLogs)
	r.Route("/api/opencode/pty", func(r chi.Router) {
		r.Get("/", a.ListPTYs)
		r.Post("/", a.CreatePTY)
		r.Get("/{ptyID}", a.GetPTY)
		r.Patch("/{ptyID}", a.UpdatePTY)
		r.Delete("/{ptyID}", a.RemovePTY)
		r.Get("/{ptyID}/connect", a.Connect)
		r.Get("/{ptyID}/recording", a.GetRecording)
	})
	return r
}

// ptyInfo is the JSON representation of a PTY for API responses.
type ptyInfo struct {
	ID               string    `json:"id"`
	WorkingDirectory string    `json:"workingDirectory"`
	Shell            string    `json:"shell"`
	Title            string    `json:"title"`
	Rows             uint16    `json:"rows"`
	Cols             uint16    `json:"cols"`
	Cursor           int64     `json:"cursor"`
	Attached         bool      `json:"attached"`
	Exited           bool      `json:"exited"`
	CreatedAt        time.Time `json:"createdAt"`
}

func toPTYInfo(p *ptyreg.PTY) ptyInfo {
	rows, cols := p.Size()
	return ptyInfo{
		ID:               p.ID,
		WorkingDirectory: p.WorkingDirectory,
		Shell:            p.Shell,
		Title:            p.Title(),
		Rows:             rows,
		Cols:             cols,
		Cursor:           p.Log.Cursor(),
		Attached:         p.Attached(),
		Exited:           p.Exited(),
		CreatedAt:        p.CreatedAt,
	}
}

// ListPTYs returns the hosted PTYs, optionally filtered by working directory.
// GET /api/opencode/pty?workingDirectory={dir}
func (a *API) ListPTYs(w http.ResponseWriter, r *http.Request) {
	ptys := a.registry.List(r.URL.Query().Get("workingDirectory"))

	result := make([]ptyInfo, 0, len(ptys))
	for _, p := range ptys {
		result = append(result, toPTYInfo(p))
	}
	writeJSON(w, http.StatusOK, map[string][]ptyInfo{"ptys": result})
}

type createPTYRequest struct {
	WorkingDirectory string `json:"workingDirectory"`
	Shell            string `json:"shell"`
	Rows             uint16 `json:"rows"`
	Cols             uint16 `json:"cols"`
	Title            string `json:"title"`
}

// CreatePTY starts a new shell process.
// POST /api/opencode/pty
func (a *API) CreatePTY(w http.ResponseWriter, r *http.Request) {
	var req createPTYRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.WorkingDirectory == "" {
		writeError(w, http.StatusBadRequest, "workingDirectory is required")
		return
	}

	p, err := a.registry.Create(req.WorkingDirectory, ptyreg.CreateOptions{
		Shell: req.Shell,
		Rows:  req.Rows,
		Cols:  req.Cols,
		Title: req.Title,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toPTYInfo(p))
}

// GetPTY returns one PTY.
// GET /api/opencode/pty/{ptyID}?workingDirectory={dir}
func (a *API) GetPTY(w http.ResponseWriter, r *http.Request) {
	p := a.lookup(w, r)
	if p == nil {
		return
	}
	writeJSON(w, http.StatusOK, toPTYInfo(p))
}

type updatePTYRequest struct {
	Title string `json:"title"`
	Size  *struct {
		Rows uint16 `json:"rows"`
		Cols uint16 `json:"cols"`
	} `json:"size"`
}

// UpdatePTY changes a PTY's title and/or dimensions.
// PATCH /api/opencode/pty/{ptyID}?workingDirectory={dir}
func (a *API) UpdatePTY(w http.ResponseWriter, r *http.Request) {
	p := a.lookup(w, r)
	if p == nil {
		return
	}

	var req updatePTYRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var cols, rows uint16
	if req.Size != nil {
		cols, rows = req.Size.Cols, req.Size.Rows
	}
	if err := a.registry.Update(p.WorkingDirectory, p.ID, req.Title, cols, rows); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toPTYInfo(p))
}

// RemovePTY terminates and removes a PTY.
// DELETE /api/opencode/pty/{ptyID}?workingDirectory={dir}
func (a *API) RemovePTY(w http.ResponseWriter, r *http.Request) {
	p := a.lookup(w, r)
	if p == nil {
		return
	}
	if err := a.registry.Remove(p.WorkingDirectory, p.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// GetRecording exports a PTY's recorded I/O, if recording is enabled.
// GET /api/opencode/pty/{ptyID}/recording?workingDirectory={dir}
func (a *API) GetRecording(w http.ResponseWriter, r *http.Request) {
	p := a.lookup(w, r)
	if p == nil {
		return
	}
	if p.Recording == nil {
		writeError(w, http.StatusNotFound, "Recording not enabled")
		return
	}
	data, err := p.Recording.ExportJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export recording")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Health reports liveness and the number of hosted PTYs.
// GET /health
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"ptys":   a.registry.Count(),
	})
}

// lookup resolves the (workingDirectory, ptyID) key from the request,
// writing a 404 when it does not resolve.
func (a *API) lookup(w http.ResponseWriter, r *http.Request) *ptyreg.PTY {
	ptyID := chi.URLParam(r, "ptyID")
	workingDir := r.URL.Query().Get("workingDirectory")
	p := a.registry.Get(workingDir, ptyID)
	if p == nil {
		writeError(w, http.StatusNotFound, "PTY not found")
		return nil
	}
	return p
}
