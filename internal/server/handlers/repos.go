package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/tsingmao/qfilter/internal/api"
	"github.com/tsingmao/qfilter/internal/hub"
	"github.com/tsingmao/qfilter/internal/logger"
	"github.com/tsingmao/qfilter/internal/qfilter"
)

// repoFromPath extracts and validates {namespace}/{name}/{revision}.
func (h *Handler) repoFromPath(w http.ResponseWriter, r *http.Request) (hub.RepoID, string, bool) {
	repo, err := hub.ParseRepoID(r.PathValue("namespace") + "/" + r.PathValue("name"))
	if err != nil {
		h.WriteError(w, err.Error(), http.StatusBadRequest)
		return hub.RepoID{}, "", false
	}
	rev := r.PathValue("revision")
	if !hub.ValidRevision(rev) {
		h.WriteError(w, fmt.Sprintf("invalid revision %q", rev), http.StatusBadRequest)
		return hub.RepoID{}, "", false
	}
	return repo, rev, true
}

// Tree lists the files of a repository revision.
//
// HTTP Method: GET
// Endpoint: /api/models/{namespace}/{name}/tree/{revision}
//
// Response: 200 OK
//
//	{
//	  "repo_id": "acme/llama-qfilters",
//	  "revision": "main",
//	  "files": [{"path": "config.json", "size": 64, "sha256": "..."}]
//	}
func (h *Handler) Tree(w http.ResponseWriter, r *http.Request) {
	repo, rev, ok := h.repoFromPath(w, r)
	if !ok {
		return
	}

	files, err := h.store.Tree(repo, rev)
	if errors.Is(err, os.ErrNotExist) {
		h.WriteError(w, fmt.Sprintf("repository %s@%s not found", repo, rev), http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("Failed to list %s@%s: %v", repo, rev, err)
		h.WriteError(w, "failed to list repository", http.StatusInternalServerError)
		return
	}

	h.WriteJSON(w, api.TreeResponse{RepoID: repo.String(), Revision: rev, Files: files}, http.StatusOK)
}

// Resolve serves the content of one repository file. Range requests are
// honored so that clients can resume interrupted downloads.
//
// HTTP Method: GET
// Endpoint: /api/models/{namespace}/{name}/resolve/{revision}/{file}
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	repo, rev, ok := h.repoFromPath(w, r)
	if !ok {
		return
	}

	name := r.PathValue("file")
	f, err := h.store.Open(repo, rev, name)
	if errors.Is(err, os.ErrNotExist) {
		h.WriteError(w, fmt.Sprintf("file %s not found in %s@%s", name, repo, rev), http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Warn("Failed to open %s in %s@%s: %v", name, repo, rev, err)
		h.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.WriteError(w, "failed to stat file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// Upload stores the request body as one file of a staging session. The file
// becomes visible only when the session is committed.
//
// HTTP Method: PUT
// Endpoint: /api/models/{namespace}/{name}/upload/{revision}/{file}?session={id}
// Header: Authorization: Bearer <token> (when the server has a token)
//
// Response: 201 Created with api.UploadResponse
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.WriteError(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	repo, rev, ok := h.repoFromPath(w, r)
	if !ok {
		return
	}
	session := r.URL.Query().Get("session")
	if !hub.ValidSession(session) {
		h.WriteError(w, fmt.Sprintf("invalid or missing session %q", session), http.StatusBadRequest)
		return
	}

	body := http.MaxBytesReader(w, r.Body, MaxUploadSize)
	file, err := h.store.StageFile(repo, session, r.PathValue("file"), body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.WriteError(w, "file too large", http.StatusRequestEntityTooLarge)
			return
		}
		logger.Warn("Upload to %s@%s failed: %v", repo, rev, err)
		h.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger.Info("Staged %s/%s@%s (session %s, %d bytes)", repo, file.Path, rev, session, file.Size)
	h.WriteJSON(w, api.UploadResponse{Path: file.Path, Size: file.Size, Sha256: file.Sha256}, http.StatusCreated)
}

// Commit publishes a staging session as a revision, replacing the previous
// snapshot as a whole.
//
// HTTP Method: POST
// Endpoint: /api/models/{namespace}/{name}/commit/{revision}
// Header: Authorization: Bearer <token> (when the server has a token)
//
// Request body: api.CommitRequest
//
// Response: 200 OK with the new api.TreeResponse. 404 for an unknown
// session, 409 while another push holds the lock, 422 when the staged files
// do not form a valid snapshot.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.WriteError(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	repo, rev, ok := h.repoFromPath(w, r)
	if !ok {
		return
	}

	var req api.CommitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.WriteError(w, fmt.Sprintf("invalid commit request: %v", err), http.StatusBadRequest)
		return
	}
	if !hub.ValidSession(req.Session) {
		h.WriteError(w, fmt.Sprintf("invalid session %q", req.Session), http.StatusBadRequest)
		return
	}

	err := h.store.Commit(repo, rev, req.Session, req.Files)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		h.WriteError(w, fmt.Sprintf("staging session %s not found", req.Session), http.StatusNotFound)
		return
	case errors.Is(err, hub.ErrLocked):
		h.WriteError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, qfilter.ErrCorruptSnapshot):
		h.WriteError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	default:
		logger.Error("Commit of %s@%s failed: %v", repo, rev, err)
		h.WriteError(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	files, err := h.store.Tree(repo, rev)
	if err != nil {
		logger.Error("Failed to list %s@%s after commit: %v", repo, rev, err)
		h.WriteError(w, "failed to list repository", http.StatusInternalServerError)
		return
	}
	h.WriteJSON(w, api.TreeResponse{RepoID: repo.String(), Revision: rev, Files: files}, http.StatusOK)
}

// AbortStage discards a staging session.
//
// HTTP Method: DELETE
// Endpoint: /api/models/{namespace}/{name}/staging/{session}
//
// Response: 204 No Content
func (h *Handler) AbortStage(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.WriteError(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	repo, err := hub.ParseRepoID(r.PathValue("namespace") + "/" + r.PathValue("name"))
	if err != nil {
		h.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	session := r.PathValue("session")
	if err := h.store.AbortStage(repo, session); err != nil {
		h.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	logger.Debug("Discarded staging session %s of %s", session, repo)
	w.WriteHeader(http.StatusNoContent)
}
