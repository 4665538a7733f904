package hub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsingmao/qfilter/internal/api"
	"github.com/tsingmao/qfilter/internal/logger"
	"github.com/tsingmao/qfilter/internal/qfilter"
	"github.com/tsingmao/qfilter/internal/snapshot"
)

const (
	// DefaultUserAgent is the user agent string for HTTP requests.
	DefaultUserAgent = "qf/1.0.0 (Go)"

	// ChunkSize is the read buffer used for downloads (1MB).
	ChunkSize = 1024 * 1024

	downloadLockName = ".download.lock"
)

// ProgressFunc is called periodically during transfers.
// Parameters: filename, bytesTransferred, totalBytes
type ProgressFunc func(filename string, done, total int64)

// Client is an HTTP hub persister. Pulled repositories are cached under
// cacheDir/{namespace}/{name}/{revision}; files already present with the
// expected size and hash are not downloaded again.
type Client struct {
	endpoint   string
	token      string
	revision   string
	cacheDir   string
	userAgent  string
	httpClient *http.Client
	progress   ProgressFunc
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent with uploads.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithRevision selects the revision to push to and pull from.
func WithRevision(rev string) ClientOption {
	return func(c *Client) {
		if rev != "" {
			c.revision = rev
		}
	}
}

// WithCacheDir sets the download cache directory.
func WithCacheDir(dir string) ClientOption {
	return func(c *Client) { c.cacheDir = dir }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithProgress installs a transfer progress callback.
func WithProgress(fn ProgressFunc) ClientOption {
	return func(c *Client) { c.progress = fn }
}

// NewClient creates a hub client for the given endpoint, e.g.
// "http://localhost:11590".
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:  strings.TrimRight(endpoint, "/"),
		revision:  DefaultRevision,
		cacheDir:  filepath.Join(os.TempDir(), "qf-cache"),
		userAgent: DefaultUserAgent,
		httpClient: &http.Client{
			Timeout: 0, // bounded by the request context
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push uploads the snapshot of b to repoID.
//
// Files are uploaded into a staging session and published with a single
// commit, so a failed push leaves the previous snapshot in place. The
// session is discarded on failure.
func (c *Client) Push(ctx context.Context, b *qfilter.Bank, repoID string) error {
	repo, err := ParseRepoID(repoID)
	if err != nil {
		return err
	}
	files, err := snapshot.Encode(b)
	if err != nil {
		return persistence("failed to encode %s: %v", repoID, err)
	}

	session := NewSessionID()
	staged := make([]api.RepoFile, 0, len(files))
	for _, name := range files.Names() {
		f, err := c.uploadFile(ctx, repo, session, name, files[name])
		if err != nil {
			c.abort(ctx, repo, session)
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", qfilter.ErrPersistence, ctx.Err())
			}
			return fmt.Errorf("%w: failed to upload %s: %w", qfilter.ErrPersistence, name, err)
		}
		staged = append(staged, f)
	}

	if err := c.commit(ctx, repo, session, staged); err != nil {
		c.abort(ctx, repo, session)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", qfilter.ErrPersistence, ctx.Err())
		}
		return fmt.Errorf("%w: failed to commit %s: %w", qfilter.ErrPersistence, repoID, err)
	}

	logger.Info("Pushed %s@%s to %s (%d bytes)", repoID, c.revision, c.endpoint, files.Size())
	return nil
}

// Pull downloads repoID into the cache and decodes it.
func (c *Client) Pull(ctx context.Context, repoID string) (*qfilter.Bank, *qfilter.Trainable, error) {
	dir, err := c.Download(ctx, repoID)
	if err != nil {
		return nil, nil, err
	}
	files, err := snapshot.ReadFiles(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", qfilter.ErrPersistence, err)
	}
	return snapshot.Decode(files)
}

// Download fetches every file of repoID into the cache and returns the local
// directory.
//
// This function:
//  1. Lists the repository files with their sizes and SHA-256
//  2. Takes a download lock on the cache directory
//  3. Downloads each file, resuming partial downloads
//  4. Validates each file's SHA-256, deleting it on mismatch
func (c *Client) Download(ctx context.Context, repoID string) (string, error) {
	repo, err := ParseRepoID(repoID)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(c.cacheDir, repo.Namespace, repo.Name, c.revision)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", persistence("failed to create cache directory: %v", err)
	}

	lockPath := filepath.Join(dir, downloadLockName)
	if err := acquireLock(lockPath); err != nil {
		return "", fmt.Errorf("%w: %w", qfilter.ErrPersistence, err)
	}
	defer releaseLock(lockPath)

	files, err := c.listFiles(ctx, repo)
	if errors.Is(err, qfilter.ErrCorruptSnapshot) {
		return "", fmt.Errorf("failed to list %s: %w", repoID, err)
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to list %s: %w", qfilter.ErrPersistence, repoID, err)
	}

	for _, file := range files {
		if !validComponent(file.Path) {
			return "", corruptf("hub returned invalid file name %q", file.Path)
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", qfilter.ErrPersistence, ctx.Err())
		default:
		}

		localPath := filepath.Join(dir, file.Path)
		if err := c.downloadFile(ctx, repo, file, localPath); err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %w", qfilter.ErrPersistence, ctx.Err())
			}
			return "", fmt.Errorf("%w: failed to download %s: %w", qfilter.ErrPersistence, file.Path, err)
		}

		if file.Sha256 != "" {
			if err := validateFileIntegrity(localPath, file.Sha256); err != nil {
				return "", fmt.Errorf("%w: integrity check failed for %s: %w",
					qfilter.ErrCorruptSnapshot, file.Path, err)
			}
		}
	}

	logger.Debug("Downloaded %d file(s) for %s into %s", len(files), repoID, dir)
	return dir, nil
}

// ServerVersion queries the hub's version endpoint.
func (c *Client) ServerVersion(ctx context.Context) (*api.VersionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/version", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", qfilter.ErrPersistence, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", qfilter.ErrPersistence, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %w", qfilter.ErrPersistence, statusError(resp))
	}

	var v api.VersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, corruptf("failed to parse version response: %v", err)
	}
	return &v, nil
}

// Endpoint returns the hub base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) repoURL(repo RepoID, action string, parts ...string) string {
	return c.modelURL(repo, append([]string{action, c.revision}, parts...)...)
}

func (c *Client) modelURL(repo RepoID, parts ...string) string {
	segs := []string{c.endpoint, "api", "models", url.PathEscape(repo.Namespace), url.PathEscape(repo.Name)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

// listFiles queries the tree endpoint.
func (c *Client) listFiles(ctx context.Context, repo RepoID) ([]api.RepoFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.repoURL(repo, "tree"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var tree api.TreeResponse
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return nil, corruptf("failed to parse tree response: %v", err)
	}
	return tree.Files, nil
}

// downloadFile downloads a single file with resume support.
func (c *Client) downloadFile(ctx context.Context, repo RepoID, file api.RepoFile, localPath string) error {
	if stat, err := os.Stat(localPath); err == nil && stat.Size() == file.Size {
		if file.Sha256 == "" || validateFileIntegrity(localPath, file.Sha256) == nil {
			c.report(file.Path, file.Size, file.Size)
			return nil
		}
	}

	tmpPath := localPath + ".tmp"
	var resumeFrom int64
	if stat, err := os.Stat(tmpPath); err == nil {
		if stat.Size() < file.Size {
			resumeFrom = stat.Size()
		} else {
			os.Remove(tmpPath)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.repoURL(repo, "resolve", file.Path), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	c.authorize(req)
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags = os.O_WRONLY | os.O_APPEND
	case http.StatusOK:
		// Server ignored the range; start over.
		resumeFrom = 0
	default:
		return statusError(resp)
	}

	out, err := os.OpenFile(tmpPath, flags, 0644)
	if err != nil {
		return err
	}

	downloaded := resumeFrom
	c.report(file.Path, downloaded, file.Size)

	buf := make([]byte, ChunkSize)
	lastReport := time.Now()
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return werr
			}
			downloaded += int64(n)
			if time.Since(lastReport) > 500*time.Millisecond {
				c.report(file.Path, downloaded, file.Size)
				lastReport = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// Keep the partial file so the next attempt resumes.
			out.Close()
			return readErr
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	c.report(file.Path, downloaded, file.Size)

	if downloaded != file.Size {
		os.Remove(tmpPath)
		return fmt.Errorf("download incomplete: expected %d bytes, got %d", file.Size, downloaded)
	}
	return os.Rename(tmpPath, localPath)
}

// uploadFile PUTs one file into the staging session.
func (c *Client) uploadFile(ctx context.Context, repo RepoID, session, name string, data []byte) (api.RepoFile, error) {
	target := c.repoURL(repo, "upload", name) + "?session=" + url.QueryEscape(session)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return api.RepoFile{}, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)

	c.report(name, 0, int64(len(data)))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return api.RepoFile{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return api.RepoFile{}, statusError(resp)
	}

	var ur api.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return api.RepoFile{}, fmt.Errorf("failed to parse upload response: %w", err)
	}
	sum := sha256.Sum256(data)
	want := hex.EncodeToString(sum[:])
	if ur.Sha256 != want {
		return api.RepoFile{}, fmt.Errorf("server stored sha256 %s, expected %s", ur.Sha256, want)
	}
	c.report(name, int64(len(data)), int64(len(data)))
	return api.RepoFile{Path: name, Size: int64(len(data)), Sha256: want}, nil
}

// commit publishes the staging session as the client's revision.
func (c *Client) commit(ctx context.Context, repo RepoID, session string, files []api.RepoFile) error {
	body, err := json.Marshal(api.CommitRequest{Session: session, Files: files})
	if err != nil {
		return fmt.Errorf("failed to marshal commit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.repoURL(repo, "commit"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// abort discards a staging session. Failures are only logged: the server
// ignores unknown sessions and stale ones never become visible.
func (c *Client) abort(ctx context.Context, repo RepoID, session string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.modelURL(repo, "staging", session), nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", c.userAgent)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debug("Failed to discard staging session %s: %v", session, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		logger.Debug("Discarding staging session %s returned status %d", session, resp.StatusCode)
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) report(name string, done, total int64) {
	if c.progress != nil {
		c.progress(name, done, total)
	}
}

// StatusError is returned for non-2xx hub responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("authentication failed (status %d): %s", e.Code, e.Message)
	case http.StatusNotFound:
		return fmt.Sprintf("not found: %s", e.Message)
	default:
		return fmt.Sprintf("hub returned status %d: %s", e.Code, e.Message)
	}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := strings.TrimSpace(string(body))

	var er api.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// validateFileIntegrity verifies the SHA-256 of a downloaded file. On
// mismatch the file is deleted so the next pull downloads it again.
func validateFileIntegrity(path, expectedSha256 string) error {
	actual, size, err := fileSha256(path)
	if err != nil {
		return err
	}
	if actual != expectedSha256 {
		os.Remove(path)
		return fmt.Errorf("expected %s, got %s (file deleted, size: %d bytes)",
			expectedSha256, actual, size)
	}
	return nil
}

func corruptf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", qfilter.ErrCorruptSnapshot, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err is a hub 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
