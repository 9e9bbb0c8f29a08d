// Package gitfetch mirrors repositories from the primary into local bare
// repositories with go-git.
//
// Each local copy is a mirror: every ref under refs/ follows the primary,
// refs deleted there are deleted here, and HEAD is set separately from the
// primary's default branch.
package gitfetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/roach88/replicant/internal/reposync"
)

// OriginName is the remote every mirror fetches from.
const OriginName = "origin"

var mirrorSpec = []config.RefSpec{"+refs/*:refs/*"}

// Fetcher implements reposync.Fetcher.
//
// Thread-safety: Fetcher holds no state. Callers must not fetch the same
// path concurrently; the sync lease guarantees that.
type Fetcher struct{}

var _ reposync.Fetcher = Fetcher{}

// Fetch brings the mirror at repo.Path up to date, initializing it when
// absent and wiping it first when repo.ForceRedownload is set.
func (Fetcher) Fetch(ctx context.Context, repo reposync.Repo) error {
	if repo.ForceRedownload {
		slog.Info("discarding local copy for redownload", "key", repo.Key.String(), "path", repo.Path)
		if err := os.RemoveAll(repo.Path); err != nil {
			return fmt.Errorf("remove %s: %w", repo.Path, err)
		}
	}

	r, err := openOrInit(repo.Path)
	if err != nil {
		return err
	}
	if err := setOrigin(r, repo.URL); err != nil {
		return reposync.NewTransportError(reposync.CodeCorrupted, fmt.Errorf("configure origin: %w", err))
	}

	switch err := r.FetchContext(ctx, &git.FetchOptions{
		RemoteName: OriginName,
		RefSpecs:   mirrorSpec,
		Auth:       authFor(repo),
		Force:      true,
		Prune:      true,
	}); {
	case err == nil:
	case errors.Is(err, git.NoErrAlreadyUpToDate):
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
	default:
		return classify(fmt.Errorf("fetch %s: %w", repo.URL, err))
	}
	return nil
}

// SetDefaultBranch points HEAD at branch. Both "main" and "refs/heads/main"
// are accepted.
func (Fetcher) SetDefaultBranch(_ context.Context, repo reposync.Repo, branch string) error {
	if branch == "" {
		return nil
	}
	r, err := git.PlainOpen(repo.Path)
	if err != nil {
		return classify(fmt.Errorf("open %s: %w", repo.Path, err))
	}

	name := plumbing.ReferenceName(branch)
	if !name.IsBranch() {
		name = plumbing.NewBranchReferenceName(strings.TrimPrefix(branch, "heads/"))
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, name)
	if err := r.Storer.SetReference(head); err != nil {
		return fmt.Errorf("set HEAD to %s: %w", name, err)
	}
	return nil
}

func openOrInit(path string) (*git.Repository, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create parent of %s: %w", path, err)
		}
		r, err := git.PlainInit(path, true)
		if err != nil {
			return nil, fmt.Errorf("init %s: %w", path, err)
		}
		return r, nil
	} else if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	r, err := git.PlainOpen(path)
	if err != nil {
		// The directory exists but is not a usable repository
		return nil, reposync.NewTransportError(reposync.CodeCorrupted, fmt.Errorf("open %s: %w", path, err))
	}
	return r, nil
}

func setOrigin(r *git.Repository, url string) error {
	cfg, err := r.Config()
	if err != nil {
		return err
	}
	if rc, ok := cfg.Remotes[OriginName]; ok && len(rc.URLs) == 1 && rc.URLs[0] == url {
		return nil
	}
	cfg.Remotes[OriginName] = &config.RemoteConfig{
		Name:  OriginName,
		URLs:  []string{url},
		Fetch: mirrorSpec,
	}
	return r.SetConfig(cfg)
}

func authFor(repo reposync.Repo) transport.AuthMethod {
	if repo.Username == "" && repo.Password == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: repo.Username, Password: repo.Password}
}

// classify maps go-git failures to transport error codes.
func classify(err error) error {
	var te *reposync.TransportError
	if errors.As(err, &te) {
		return err
	}
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return reposync.NewTransportError(reposync.CodeNotFound, err)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return reposync.NewTransportError(reposync.CodeUnauthorized, err)
	case errors.Is(err, plumbing.ErrObjectNotFound),
		errors.Is(err, git.ErrRepositoryNotExists):
		return reposync.NewTransportError(reposync.CodeCorrupted, err)
	default:
		return reposync.NewTransportError(reposync.CodeTransient, err)
	}
}
