// Package objstore resolves where a replicable lives on a secondary and
// removes or relocates it there.
//
// Paths are either local filesystem paths or remote object URLs of the form
// "s3://bucket/key". Removal of a path that is already gone succeeds.
package objstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/roach88/replicant/internal/registry"
)

// RemoteScheme prefixes paths held in the object store.
const RemoteScheme = "s3://"

// ErrNoPath is returned for types that have no storage path of their own.
var ErrNoPath = errors.New("type has no storage path")

// ErrUnsafePath is returned for event paths that are absolute or escape
// their storage root.
var ErrUnsafePath = errors.New("path escapes storage root")

// PathResolver maps replicables to their storage paths.
//
// Repositories use hashed storage:
// <RepositoriesRoot>/@hashed/<h[0:2]>/<h[2:4]>/<h>.git where h is the hex
// SHA-256 of the project id. Wikis share the hash with a ".wiki.git" suffix.
// Files live under <FilesRoot>/<type>/<id>, and FilesRoot may be remote.
type PathResolver struct {
	RepositoriesRoot string
	FilesRoot        string
}

// Resolve returns the path for key.
func (r PathResolver) Resolve(key registry.Key) (string, error) {
	switch {
	case key.Type == registry.TypeRepository:
		return filepath.Join(r.RepositoriesRoot, HashedPath(key.ID)+".git"), nil
	case key.Type == registry.TypeWiki:
		return filepath.Join(r.RepositoriesRoot, HashedPath(key.ID)+".wiki.git"), nil
	case key.Type.IsFile():
		return JoinPath(r.FilesRoot, string(key.Type), strconv.FormatInt(key.ID, 10)), nil
	default:
		return "", fmt.Errorf("resolve %s: %w", key, ErrNoPath)
	}
}

// RepositoryPath returns the bare repository directory for a disk path
// relative to RepositoriesRoot, as carried by events ("group/project" or
// "@hashed/ab/cd/abcd..."). An empty diskPath yields "". Paths that are
// absolute or leave the root fail with ErrUnsafePath.
func (r PathResolver) RepositoryPath(diskPath string) (string, error) {
	if diskPath == "" {
		return "", nil
	}
	rel, err := confine(diskPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.RepositoriesRoot, strings.TrimSuffix(rel, ".git")+".git"), nil
}

// FilePath anchors a file path from an event onto FilesRoot. A remote path
// is accepted only when it lies under a remote FilesRoot.
func (r PathResolver) FilePath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if IsRemote(p) {
		prefix := strings.TrimSuffix(r.FilesRoot, "/") + "/"
		rel, ok := strings.CutPrefix(p, prefix)
		if !IsRemote(r.FilesRoot) || !ok {
			return "", fmt.Errorf("%q is outside %s: %w", p, r.FilesRoot, ErrUnsafePath)
		}
		p = rel
	}
	rel, err := confine(p)
	if err != nil {
		return "", err
	}
	return JoinPath(r.FilesRoot, rel), nil
}

// confine cleans a root-relative path and rejects anything that would not
// name an entry strictly below the root.
func confine(p string) (string, error) {
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("%q: %w", p, ErrUnsafePath)
	}
	rel := filepath.Clean(p)
	if rel == "." {
		return "", fmt.Errorf("%q names the root itself: %w", p, ErrUnsafePath)
	}
	return rel, nil
}

// HashedPath returns the disk path of a project relative to the storage
// root, without a suffix.
func HashedPath(projectID int64) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(projectID, 10)))
	h := hex.EncodeToString(sum[:])
	return path.Join("@hashed", h[0:2], h[2:4], h)
}

// IsRemote reports whether p names an object store path.
func IsRemote(p string) bool {
	return strings.HasPrefix(p, RemoteScheme)
}

// JoinPath joins elems onto root, keeping a remote root's scheme intact.
func JoinPath(root string, elems ...string) string {
	if IsRemote(root) {
		return RemoteScheme + path.Join(append([]string{strings.TrimPrefix(root, RemoteScheme)}, elems...)...)
	}
	return filepath.Join(append([]string{root}, elems...)...)
}

// SplitRemote splits "s3://bucket/key" into bucket and key.
func SplitRemote(p string) (bucket, key string, err error) {
	if !IsRemote(p) {
		return "", "", fmt.Errorf("%q is not a remote path", p)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(p, RemoteScheme), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%q: want %sbucket/key", p, RemoteScheme)
	}
	return bucket, key, nil
}
