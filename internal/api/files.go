package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/deskmate/internal/workspace"
)

// ListFiles returns the file registry of a session.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.loadWorkspace(w, r)
	if !ok {
		return
	}
	files := ws.Files()
	if files == nil {
		files = []workspace.FileEntry{}
	}
	JSON(w, http.StatusOK, map[string]any{"files": files})
}

// UploadFile streams the request body into the workspace. The file name and
// source come from the query string; Content-Length is the declared size.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	source, err := workspace.ParseSource(r.URL.Query().Get("source"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ws, ok := h.loadWorkspace(w, r)
	if !ok {
		return
	}

	declared := max(r.ContentLength, 0)
	res, err := ws.UploadFile(r.Context(), r.URL.Query().Get("name"), r.Body, declared, source)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.index.Update(r.Context(), ws.Stats())

	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	JSON(w, status, res)
}

// DownloadFile serves a stored file.
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.loadWorkspace(w, r)
	if !ok {
		return
	}
	f, entry, err := ws.OpenFile(chi.URLParam(r, "ref"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", entry.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(entry.Ref))
	w.Header().Set("ETag", strconv.Quote(entry.Hash))
	http.ServeContent(w, r, entry.Ref, entry.UploadedAt, f)
}
