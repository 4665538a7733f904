package hub

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tsingmao/qfilter/internal/api"
	"github.com/tsingmao/qfilter/internal/qfilter"
	"github.com/tsingmao/qfilter/internal/snapshot"
)

func TestParseRepoID(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"acme/llama-qfilters", false},
		{"NathanGodey/Llama-3.1-8B-Instruct-QFilters", false},
		{"acme", true},
		{"acme/", true},
		{"/name", true},
		{"a/b/c", true},
		{"acme/..", true},
		{"acme/a..b", true},
		{"acme/.hidden", true},
		{"acme/has space", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, err := ParseRepoID(tt.in)
			if tt.wantErr {
				if !errors.Is(err, qfilter.ErrPersistence) {
					t.Errorf("ParseRepoID(%q) error = %v, want ErrPersistence", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRepoID(%q): %v", tt.in, err)
			}
			if id.String() != tt.in {
				t.Errorf("String() = %q, want %q", id.String(), tt.in)
			}
		})
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "")
	bank, _, err := qfilter.New(qfilter.Config{NumLayers: 32, NumKVHeads: 8, KVHeadDim: 128}, qfilter.WithSeed(5))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := qfilter.Save(ctx, store, bank, "acme/llama"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(store.lockPath(RepoID{"acme", "llama"})); !os.IsNotExist(err) {
		t.Error("push lock was not released")
	}

	got, train, err := qfilter.Load(ctx, store, "acme/llama")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Shape() != [3]int{32, 8, 128} {
		t.Errorf("shape = %v", got.Shape())
	}
	if got.Weights().NumElements() != 32768 {
		t.Errorf("elements = %d", got.Weights().NumElements())
	}
	if !got.Weights().Equal(bank.Weights()) {
		t.Error("weights differ after local round trip")
	}
	if !train.RequiresGrad() {
		t.Error("pulled bank does not require grad")
	}

	files, err := store.Tree(RepoID{"acme", "llama"}, DefaultRevision)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("tree has %d files, want 3: %+v", len(files), files)
	}
	for _, f := range files {
		if len(f.Sha256) != 64 || f.Size == 0 {
			t.Errorf("bad tree entry %+v", f)
		}
	}
}

func TestLocalStorePullErrors(t *testing.T) {
	root := t.TempDir()
	store := NewLocalStore(root, "main")
	ctx := context.Background()

	if _, _, err := store.Pull(ctx, "acme/missing"); !errors.Is(err, qfilter.ErrPersistence) {
		t.Errorf("missing repo error = %v, want ErrPersistence", err)
	}
	if _, _, err := store.Pull(ctx, "not-a-repo"); !errors.Is(err, qfilter.ErrPersistence) {
		t.Errorf("bad id error = %v, want ErrPersistence", err)
	}

	dir := store.RepoDir(RepoID{"acme", "broken"}, "main")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, snapshot.ConfigFile), []byte(`{"num_layers":1,"num_kv_heads":1,"kv_head_dim":1}`), 0644)
	os.WriteFile(filepath.Join(dir, snapshot.WeightsFile), []byte("garbage!"), 0644)
	if _, _, err := store.Pull(ctx, "acme/broken"); !errors.Is(err, qfilter.ErrCorruptSnapshot) {
		t.Errorf("corrupt repo error = %v, want ErrCorruptSnapshot", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, _, err := store.Pull(cancelled, "acme/broken"); !errors.Is(err, qfilter.ErrPersistence) ||
		!errors.Is(err, context.Canceled) {
		t.Errorf("cancelled pull error = %v", err)
	}
}

func TestLocalStorePushLocked(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "main")
	repo := RepoID{"acme", "busy"}
	os.MkdirAll(store.repoRoot(repo), 0755)
	os.WriteFile(store.lockPath(repo), []byte("pid=1"), 0644)

	bank, _, _ := qfilter.New(qfilter.Config{NumLayers: 1, NumKVHeads: 1, KVHeadDim: 2})
	err := store.Push(context.Background(), bank, "acme/busy")
	if !errors.Is(err, qfilter.ErrPersistence) || !errors.Is(err, ErrLocked) {
		t.Fatalf("Push error = %v, want ErrPersistence and ErrLocked", err)
	}
	if !strings.Contains(err.Error(), "already in progress") {
		t.Errorf("error does not mention the lock: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(store.repoRoot(repo), stagingDirName))
	if len(entries) != 0 {
		t.Errorf("staging left behind after a locked push: %v", entries)
	}
}

func TestLocalStoreStageFileValidatesName(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "main")
	repo := RepoID{"acme", "x"}
	session := NewSessionID()

	if _, err := store.StageFile(repo, session, "../escape", strings.NewReader("x")); err == nil {
		t.Error("expected error for path traversal")
	}
	if _, err := store.StageFile(repo, "../main", "config.json", strings.NewReader("x")); err == nil {
		t.Error("expected error for invalid session")
	}

	f, err := store.StageFile(repo, session, "config.json", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	// sha256("hello")
	if f.Sha256 != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" || f.Size != 5 {
		t.Errorf("StageFile = %+v", f)
	}
	if _, err := os.Stat(store.RepoDir(repo, "main")); !os.IsNotExist(err) {
		t.Error("staged file is visible before commit")
	}
}

// stage writes every file of b into a new session and returns the session
// and the listing a client would announce.
func stage(t *testing.T, store *LocalStore, repo RepoID, b *qfilter.Bank) (string, []api.RepoFile) {
	t.Helper()
	files, err := snapshot.Encode(b)
	if err != nil {
		t.Fatal(err)
	}
	session := NewSessionID()
	var listing []api.RepoFile
	for _, name := range files.Names() {
		f, err := store.StageFile(repo, session, name, bytes.NewReader(files[name]))
		if err != nil {
			t.Fatal(err)
		}
		listing = append(listing, f)
	}
	return session, listing
}

func TestLocalStoreCommit(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "main")
	repo := RepoID{"acme", "staged"}
	ctx := context.Background()

	first, _, _ := qfilter.New(qfilter.Config{NumLayers: 2, NumKVHeads: 2, KVHeadDim: 2}, qfilter.WithSeed(1))
	session, listing := stage(t, store, repo, first)
	if err := store.Commit(repo, "main", session, listing); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := os.Stat(store.StagingDir(repo, session)); !os.IsNotExist(err) {
		t.Error("session directory survived the commit")
	}

	second, _, _ := qfilter.New(qfilter.Config{NumLayers: 4, NumKVHeads: 4, KVHeadDim: 4}, qfilter.WithSeed(2))

	t.Run("unknown session", func(t *testing.T) {
		err := store.Commit(repo, "main", NewSessionID(), listing)
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("error = %v, want os.ErrNotExist", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		session, listing := stage(t, store, repo, second)
		os.Remove(filepath.Join(store.StagingDir(repo, session), snapshot.WeightsFile))
		err := store.Commit(repo, "main", session, listing)
		if !errors.Is(err, qfilter.ErrCorruptSnapshot) {
			t.Errorf("error = %v, want ErrCorruptSnapshot", err)
		}
		if _, err := os.Stat(store.StagingDir(repo, session)); !os.IsNotExist(err) {
			t.Error("rejected session was not discarded")
		}
	})

	t.Run("hash mismatch", func(t *testing.T) {
		session, listing := stage(t, store, repo, second)
		listing[0].Sha256 = strings.Repeat("0", 64)
		if err := store.Commit(repo, "main", session, listing); !errors.Is(err, qfilter.ErrCorruptSnapshot) {
			t.Errorf("error = %v, want ErrCorruptSnapshot", err)
		}
	})

	t.Run("undecodable snapshot", func(t *testing.T) {
		session := NewSessionID()
		var listing []api.RepoFile
		for name, body := range map[string]string{
			snapshot.ConfigFile:  `{"num_layers":4,"num_kv_heads":4,"kv_head_dim":4}`,
			snapshot.WeightsFile: "truncated",
		} {
			f, err := store.StageFile(repo, session, name, strings.NewReader(body))
			if err != nil {
				t.Fatal(err)
			}
			listing = append(listing, f)
		}
		if err := store.Commit(repo, "main", session, listing); !errors.Is(err, qfilter.ErrCorruptSnapshot) {
			t.Errorf("error = %v, want ErrCorruptSnapshot", err)
		}
	})

	t.Run("locked", func(t *testing.T) {
		session, listing := stage(t, store, repo, second)
		os.WriteFile(store.lockPath(repo), []byte("pid=1"), 0644)
		defer os.Remove(store.lockPath(repo))
		if err := store.Commit(repo, "main", session, listing); !errors.Is(err, ErrLocked) {
			t.Errorf("error = %v, want ErrLocked", err)
		}
		if err := store.AbortStage(repo, session); err != nil {
			t.Errorf("AbortStage: %v", err)
		}
		if _, err := os.Stat(store.StagingDir(repo, session)); !os.IsNotExist(err) {
			t.Error("aborted session still present")
		}
	})

	got, _, err := store.Pull(ctx, "acme/staged")
	if err != nil {
		t.Fatalf("Pull after rejected commits: %v", err)
	}
	if !got.Weights().Equal(first.Weights()) {
		t.Error("rejected commits changed the published snapshot")
	}

	session, listing = stage(t, store, repo, second)
	if err := store.Commit(repo, "main", session, listing); err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	got, _, err = store.Pull(ctx, "acme/staged")
	if err != nil {
		t.Fatal(err)
	}
	if got.Shape() != [3]int{4, 4, 4} || !got.Weights().Equal(second.Weights()) {
		t.Errorf("shape after replace = %v", got.Shape())
	}
	if err := store.AbortStage(repo, "../main"); err == nil {
		t.Error("AbortStage accepted an invalid session")
	}
}

func TestLocalStoreConcurrentPushPull(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "main")
	ctx := context.Background()

	small, _, _ := qfilter.New(qfilter.Config{NumLayers: 2, NumKVHeads: 2, KVHeadDim: 2}, qfilter.WithSeed(3))
	large, _, _ := qfilter.New(qfilter.Config{NumLayers: 8, NumKVHeads: 4, KVHeadDim: 16}, qfilter.WithSeed(4))
	if err := store.Push(ctx, small, "acme/race"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			b := small
			if i%2 == 0 {
				b = large
			}
			// Pushes within one process are serialized by the store, so a
			// lock collision here is a bug.
			if err := store.Push(ctx, b, "acme/race"); err != nil {
				errs <- err
				return
			}
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				got, _, err := store.Pull(ctx, "acme/race")
				if err != nil {
					errs <- err
					return
				}
				if !got.Weights().Equal(small.Weights()) && !got.Weights().Equal(large.Weights()) {
					errs <- errors.New("pulled a snapshot that was never pushed")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
