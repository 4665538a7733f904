// Package api defines the wire types shared by the hub client and the hub
// server.
//
// All types are JSON-serializable. Endpoints:
//   - GET /api/health
//   - GET /api/version
//   - GET /api/models/{namespace}/{name}/tree/{revision}
//   - GET /api/models/{namespace}/{name}/resolve/{revision}/{file}
//   - PUT /api/models/{namespace}/{name}/upload/{revision}/{file}?session={id}
//   - POST /api/models/{namespace}/{name}/commit/{revision}
//   - DELETE /api/models/{namespace}/{name}/staging/{session}
//
// A push uploads every file into a staging session and then commits the
// session, which replaces the revision as a whole.
package api

// RepoFile describes one file stored in a hub repository.
type RepoFile struct {
	// Path is the file path relative to the repository root.
	Path string `json:"path"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// Sha256 is the hex-encoded SHA-256 of the file content, used by
	// clients to validate downloads.
	Sha256 string `json:"sha256"`
}

// TreeResponse is returned by the tree endpoint.
type TreeResponse struct {
	// RepoID is "namespace/name".
	RepoID string `json:"repo_id"`

	// Revision is the branch or tag the listing refers to.
	Revision string `json:"revision"`

	// Files lists every file at the revision.
	Files []RepoFile `json:"files"`
}

// UploadResponse is returned after a successful upload.
type UploadResponse struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
}

// CommitRequest publishes a staging session as a revision.
type CommitRequest struct {
	// Session is the staging session the files were uploaded to.
	Session string `json:"session"`

	// Files lists the uploaded files; the staged content must match it
	// exactly.
	Files []RepoFile `json:"files"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// VersionResponse is returned by the version endpoint.
type VersionResponse struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is a human-readable error message.
	Error string `json:"error"`

	// Code is the HTTP status code, repeated for clients that only see the body.
	Code int `json:"code"`
}
