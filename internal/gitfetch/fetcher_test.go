package gitfetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/reposync"
)

// Serve file:// URLs in-process instead of shelling out to git-upload-pack.
func TestMain(m *testing.M) {
	client.InstallProtocol("file", server.DefaultServer)
	os.Exit(m.Run())
}

type source struct {
	dir  string
	repo *git.Repository
}

// newSource creates a non-bare repository with one commit on master.
func newSource(t *testing.T) *source {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "primary")
	r, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	s := &source{dir: dir, repo: r}
	s.commit(t, "README.md", "hello")
	return s
}

// url points at the git directory so the in-process server finds its config.
func (s *source) url() string {
	return filepath.Join(s.dir, ".git")
}

func (s *source) commit(t *testing.T, name, content string) plumbing.Hash {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, name), []byte(content), 0o644))
	wt, err := s.repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	h, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "Primary", Email: "primary@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return h
}

func (s *source) head(t *testing.T) plumbing.Hash {
	t.Helper()
	ref, err := s.repo.Head()
	require.NoError(t, err)
	return ref.Hash()
}

func mirrorRepo(t *testing.T, src *source) reposync.Repo {
	t.Helper()
	return reposync.Repo{
		Key:  registry.Key{Type: registry.TypeRepository, ID: 42},
		URL:  src.url(),
		Path: filepath.Join(t.TempDir(), "mirror", "42.git"),
	}
}

func refHash(t *testing.T, path string, name plumbing.ReferenceName) (plumbing.Hash, bool) {
	t.Helper()
	r, err := git.PlainOpen(path)
	require.NoError(t, err)
	ref, err := r.Reference(name, false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, false
	}
	require.NoError(t, err)
	return ref.Hash(), true
}

var master = plumbing.NewBranchReferenceName("master")

func TestFetch_InitializesBareMirror(t *testing.T) {
	src := newSource(t)
	repo := mirrorRepo(t, src)

	require.NoError(t, Fetcher{}.Fetch(context.Background(), repo))

	_, err := os.Stat(filepath.Join(repo.Path, "config"))
	require.NoError(t, err, "mirror is bare")

	h, ok := refHash(t, repo.Path, master)
	require.True(t, ok)
	assert.Equal(t, src.head(t), h)

	r, err := git.PlainOpen(repo.Path)
	require.NoError(t, err)
	origin, err := r.Remote(OriginName)
	require.NoError(t, err)
	assert.Equal(t, []string{src.url()}, origin.Config().URLs)
}

func TestFetch_FollowsNewCommitsAndDeletedRefs(t *testing.T) {
	ctx := context.Background()
	src := newSource(t)
	repo := mirrorRepo(t, src)

	feature := plumbing.NewBranchReferenceName("feature")
	require.NoError(t, src.repo.Storer.SetReference(plumbing.NewHashReference(feature, src.head(t))))
	require.NoError(t, Fetcher{}.Fetch(ctx, repo))
	_, ok := refHash(t, repo.Path, feature)
	require.True(t, ok)

	next := src.commit(t, "CHANGELOG.md", "v2")
	require.NoError(t, src.repo.Storer.RemoveReference(feature))
	require.NoError(t, Fetcher{}.Fetch(ctx, repo))

	h, ok := refHash(t, repo.Path, master)
	require.True(t, ok)
	assert.Equal(t, next, h)
	_, ok = refHash(t, repo.Path, feature)
	assert.False(t, ok, "deleted on the primary, pruned here")
}

func TestFetch_UpToDateIsSuccess(t *testing.T) {
	ctx := context.Background()
	src := newSource(t)
	repo := mirrorRepo(t, src)

	require.NoError(t, Fetcher{}.Fetch(ctx, repo))
	require.NoError(t, Fetcher{}.Fetch(ctx, repo))
}

func TestFetch_MissingRemoteIsNotFound(t *testing.T) {
	repo := reposync.Repo{
		Key:  registry.Key{Type: registry.TypeRepository, ID: 7},
		URL:  filepath.Join(t.TempDir(), "nowhere.git"),
		Path: filepath.Join(t.TempDir(), "7.git"),
	}

	err := Fetcher{}.Fetch(context.Background(), repo)
	require.Error(t, err)
	assert.True(t, reposync.IsNotFound(err), "got %v", err)
}

func TestFetch_UnusableLocalCopyIsCorrupted(t *testing.T) {
	ctx := context.Background()
	src := newSource(t)
	repo := mirrorRepo(t, src)
	require.NoError(t, os.MkdirAll(repo.Path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo.Path, "junk"), []byte("x"), 0o644))

	err := Fetcher{}.Fetch(ctx, repo)
	require.Error(t, err)
	assert.True(t, reposync.IsCorrupted(err), "got %v", err)

	repo.ForceRedownload = true
	require.NoError(t, Fetcher{}.Fetch(ctx, repo))
	_, err = os.Stat(filepath.Join(repo.Path, "junk"))
	assert.True(t, os.IsNotExist(err), "redownload starts from scratch")
	_, ok := refHash(t, repo.Path, master)
	assert.True(t, ok)
}

func TestSetDefaultBranch(t *testing.T) {
	ctx := context.Background()
	src := newSource(t)
	repo := mirrorRepo(t, src)
	require.NoError(t, Fetcher{}.Fetch(ctx, repo))

	for _, tc := range []struct {
		branch string
		want   plumbing.ReferenceName
	}{
		{"main", "refs/heads/main"},
		{"refs/heads/develop", "refs/heads/develop"},
	} {
		require.NoError(t, Fetcher{}.SetDefaultBranch(ctx, repo, tc.branch))
		r, err := git.PlainOpen(repo.Path)
		require.NoError(t, err)
		head, err := r.Storer.Reference(plumbing.HEAD)
		require.NoError(t, err)
		assert.Equal(t, plumbing.SymbolicReference, head.Type())
		assert.Equal(t, tc.want, head.Target())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want reposync.Code
	}{
		{transport.ErrRepositoryNotFound, reposync.CodeNotFound},
		{transport.ErrAuthenticationRequired, reposync.CodeUnauthorized},
		{transport.ErrAuthorizationFailed, reposync.CodeUnauthorized},
		{transport.ErrInvalidAuthMethod, reposync.CodeUnauthorized},
		{plumbing.ErrObjectNotFound, reposync.CodeCorrupted},
		{git.ErrRepositoryNotExists, reposync.CodeCorrupted},
		{errors.New("connection reset by peer"), reposync.CodeTransient},
		{reposync.NewTransportError(reposync.CodeNotFound, nil), reposync.CodeNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			got := classify(fmt.Errorf("fetch: %w", tc.err))
			assert.Equal(t, tc.want, reposync.CodeOf(got))
			assert.ErrorIs(t, got, tc.err)
		})
	}
}
