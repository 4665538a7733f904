package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tsingmao/qfilter/internal/api"
	"github.com/tsingmao/qfilter/internal/logger"
	"github.com/tsingmao/qfilter/internal/qfilter"
	"github.com/tsingmao/qfilter/internal/snapshot"
)

const (
	lockFileName   = ".push.lock"
	stagingDirName = ".staging"
)

// ErrLocked is returned when another push holds the repository lock.
var ErrLocked = errors.New("push already in progress")

// LocalStore is a filesystem-backed repository store.
//
// Layout:
//
//	root/{namespace}/{name}/{revision}/{file}
//	root/{namespace}/{name}/.staging/{session}/{file}
//	root/{namespace}/{name}/.push.lock
//
// Writes never touch a published revision in place. Files are staged in a
// session directory and the whole directory is swapped in under the push
// lock, so a revision always holds one complete snapshot.
//
// LocalStore implements qfilter.Persister and is also the backing store of
// the hub server.
type LocalStore struct {
	root     string
	revision string

	// mu orders readers against commits within this process. The lock file
	// orders commits across processes.
	mu sync.RWMutex
}

// NewLocalStore creates a store rooted at root that reads and writes the
// given revision. An empty revision selects DefaultRevision.
func NewLocalStore(root, revision string) *LocalStore {
	if revision == "" {
		revision = DefaultRevision
	}
	return &LocalStore{root: root, revision: revision}
}

// Root returns the store's root directory.
func (s *LocalStore) Root() string {
	return s.root
}

// RepoDir returns the directory holding repo at revision.
func (s *LocalStore) RepoDir(repo RepoID, revision string) string {
	return filepath.Join(s.repoRoot(repo), revision)
}

// StagingDir returns the directory collecting the files of a push session.
func (s *LocalStore) StagingDir(repo RepoID, session string) string {
	return filepath.Join(s.repoRoot(repo), stagingDirName, session)
}

func (s *LocalStore) repoRoot(repo RepoID) string {
	return filepath.Join(s.root, repo.Namespace, repo.Name)
}

func (s *LocalStore) lockPath(repo RepoID) string {
	return filepath.Join(s.repoRoot(repo), lockFileName)
}

// Push writes the snapshot of b to repoID at the store's revision. The
// previous snapshot stays readable until the new one is complete.
func (s *LocalStore) Push(ctx context.Context, b *qfilter.Bank, repoID string) error {
	repo, err := ParseRepoID(repoID)
	if err != nil {
		return err
	}
	files, err := snapshot.Encode(b)
	if err != nil {
		return persistence("failed to encode %s: %v", repoID, err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", qfilter.ErrPersistence, err)
	}

	stage := s.StagingDir(repo, NewSessionID())
	if err := snapshot.WriteFiles(stage, files); err != nil {
		os.RemoveAll(stage)
		return fmt.Errorf("%w: %w", qfilter.ErrPersistence, err)
	}
	if err := s.publish(repo, s.revision, stage); err != nil {
		os.RemoveAll(stage)
		return fmt.Errorf("%w: %w", qfilter.ErrPersistence, err)
	}

	logger.Info("Pushed %s@%s (%d bytes) to %s", repoID, s.revision, files.Size(), s.RepoDir(repo, s.revision))
	return nil
}

// Pull reads the bank stored at repoID.
func (s *LocalStore) Pull(ctx context.Context, repoID string) (*qfilter.Bank, *qfilter.Trainable, error) {
	repo, err := ParseRepoID(repoID)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", qfilter.ErrPersistence, err)
	}

	dir := s.RepoDir(repo, s.revision)
	s.mu.RLock()
	files, err := snapshot.ReadFiles(dir)
	s.mu.RUnlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, persistence("repository %s@%s not found", repoID, s.revision)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", qfilter.ErrPersistence, err)
	}

	logger.Debug("Loaded %d file(s) for %s@%s from %s", len(files), repoID, s.revision, dir)
	return snapshot.Decode(files)
}

// Tree lists the files of repo at revision with their sizes and SHA-256.
func (s *LocalStore) Tree(repo RepoID, revision string) ([]api.RepoFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listFiles(s.RepoDir(repo, revision))
}

// Open opens one file of repo at revision for reading. The open file keeps
// its content even if a later commit replaces the revision.
func (s *LocalStore) Open(repo RepoID, revision, name string) (*os.File, error) {
	if !ValidRevision(revision) {
		return nil, fmt.Errorf("invalid revision %q", revision)
	}
	if !validComponent(name) {
		return nil, fmt.Errorf("invalid file name %q", name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return os.Open(filepath.Join(s.RepoDir(repo, revision), name))
}

// StageFile stores r as name in the staging session, returning the stored
// size and SHA-256. Staged files are invisible until Commit.
func (s *LocalStore) StageFile(repo RepoID, session, name string, r io.Reader) (api.RepoFile, error) {
	if !ValidSession(session) {
		return api.RepoFile{}, fmt.Errorf("invalid session %q", session)
	}
	if !validComponent(name) {
		return api.RepoFile{}, fmt.Errorf("invalid file name %q", name)
	}
	return writeFile(filepath.Join(s.StagingDir(repo, session), name), name, r)
}

// Commit publishes a staging session as revision. The staged files must
// match want exactly and decode into a valid bank; otherwise the session is
// discarded and the error wraps qfilter.ErrCorruptSnapshot. A missing
// session is reported as os.ErrNotExist and a concurrent push as ErrLocked.
func (s *LocalStore) Commit(repo RepoID, revision, session string, want []api.RepoFile) error {
	if !ValidRevision(revision) {
		return fmt.Errorf("invalid revision %q", revision)
	}
	if !ValidSession(session) {
		return fmt.Errorf("invalid session %q", session)
	}

	stage := s.StagingDir(repo, session)
	got, err := listFiles(stage)
	if err != nil {
		return fmt.Errorf("staging session %s: %w", session, err)
	}
	if err := matchFiles(got, want); err != nil {
		os.RemoveAll(stage)
		return err
	}

	files, err := snapshot.ReadFiles(stage)
	if err != nil {
		return err
	}
	if _, _, err := snapshot.Decode(files); err != nil {
		os.RemoveAll(stage)
		return err
	}

	if err := s.publish(repo, revision, stage); err != nil {
		return err
	}
	logger.Info("Committed %s@%s (session %s, %d file(s))", repo, revision, session, len(got))
	return nil
}

// AbortStage discards a staging session. Unknown sessions are not an error.
func (s *LocalStore) AbortStage(repo RepoID, session string) error {
	if !ValidSession(session) {
		return fmt.Errorf("invalid session %q", session)
	}
	return os.RemoveAll(s.StagingDir(repo, session))
}

// publish swaps the complete directory stage in as repo@revision while
// holding the push lock.
func (s *LocalStore) publish(repo RepoID, revision, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.repoRoot(repo), 0755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}
	lockPath := s.lockPath(repo)
	if err := acquireLock(lockPath); err != nil {
		return err
	}
	defer releaseLock(lockPath)

	target := s.RepoDir(repo, revision)
	old := stage + ".replaced"
	os.RemoveAll(old)

	replaced := false
	if _, err := os.Stat(target); err == nil {
		if err := os.Rename(target, old); err != nil {
			return fmt.Errorf("failed to move aside %s: %w", target, err)
		}
		replaced = true
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.Rename(stage, target); err != nil {
		if replaced {
			os.Rename(old, target)
		}
		return fmt.Errorf("failed to publish %s: %w", target, err)
	}
	if replaced {
		os.RemoveAll(old)
	}
	return nil
}

// listFiles lists the regular, visible files of dir with sizes and SHA-256.
func listFiles(dir string) ([]api.RepoFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]api.RepoFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !validComponent(e.Name()) || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		sum, size, err := fileSha256(path)
		if err != nil {
			return nil, err
		}
		files = append(files, api.RepoFile{Path: e.Name(), Size: size, Sha256: sum})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// matchFiles checks that the staged listing is exactly the announced one.
func matchFiles(got, want []api.RepoFile) error {
	if len(got) != len(want) {
		return corruptf("staged %d file(s), push announced %d", len(got), len(want))
	}
	staged := make(map[string]api.RepoFile, len(got))
	for _, f := range got {
		staged[f.Path] = f
	}
	for _, w := range want {
		f, ok := staged[w.Path]
		if !ok {
			return corruptf("announced file %s was not staged", w.Path)
		}
		if f.Size != w.Size || f.Sha256 != w.Sha256 {
			return corruptf("staged %s has sha256 %s (%d bytes), expected %s (%d bytes)",
				w.Path, f.Sha256, f.Size, w.Sha256, w.Size)
		}
	}
	return nil
}

// writeFile stores r at path through a temporary file renamed into place
// once complete.
func writeFile(path, name string, r io.Reader) (api.RepoFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return api.RepoFile{}, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return api.RepoFile{}, fmt.Errorf("failed to create temp file: %w", err)
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hash), r)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return api.RepoFile{}, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return api.RepoFile{}, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return api.RepoFile{Path: name, Size: size, Sha256: hex.EncodeToString(hash.Sum(nil))}, nil
}

// acquireLock creates a lock file holding the PID and timestamp. An existing
// lock means another push is in progress or a previous one crashed.
func acquireLock(lockPath string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			data, _ := os.ReadFile(lockPath)
			return fmt.Errorf("%w (lock: %s). If this is stale, remove the lock file manually: %s",
				ErrLocked, string(data), lockPath)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	lockInfo := fmt.Sprintf("pid=%d,time=%s", os.Getpid(), time.Now().Format(time.RFC3339))
	if _, err := f.WriteString(lockInfo); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

func releaseLock(lockPath string) {
	// The lock may already be gone if the directory was removed.
	os.Remove(lockPath)
}

func fileSha256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hash := sha256.New()
	n, err := io.Copy(hash, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}
