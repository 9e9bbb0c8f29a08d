package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage writes and deletes stored copies on local disk and, when
// configured with an object store, remote ones.
//
// Thread-safety: Storage is safe for concurrent use.
type Storage struct {
	remote *Minio
}

// NewStorage creates a Storage. remote may be nil when no object store is
// configured; remote paths then fail.
func NewStorage(remote *Minio) *Storage {
	return &Storage{remote: remote}
}

// Remove deletes p. Directories are removed recursively. A path that does
// not exist is not an error.
func (s *Storage) Remove(ctx context.Context, p string) error {
	if IsRemote(p) {
		if s.remote == nil {
			return fmt.Errorf("remove %s: no object store configured", p)
		}
		return s.remote.Remove(ctx, p)
	}
	return removeLocal(p)
}

// Place moves the finished local file src to p, replacing what is there.
// src is gone afterwards on success.
func (s *Storage) Place(ctx context.Context, src, p string) error {
	if !IsRemote(p) {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create parent of %s: %w", p, err)
		}
		if err := os.Rename(src, p); err != nil {
			return fmt.Errorf("place %s: %w", p, err)
		}
		return nil
	}
	if s.remote == nil {
		return fmt.Errorf("place %s: no object store configured", p)
	}
	if err := s.remote.PutFile(ctx, src, p); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		slog.Warn("failed to remove uploaded temp file", "path", src, "error", err)
	}
	return nil
}

func removeLocal(p string) error {
	info, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("already removed", "path", p)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", p, err)
	}

	if info.IsDir() {
		err = os.RemoveAll(p)
	} else {
		err = os.Remove(p)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// Move renames from to to, creating to's parent. It is a no-op when from is
// gone and to exists, so a repeated move succeeds.
func Move(from, to string) error {
	if from == to {
		return nil
	}
	if _, err := os.Lstat(from); errors.Is(err, fs.ErrNotExist) {
		if _, err := os.Lstat(to); err == nil {
			slog.Debug("already moved", "from", from, "to", to)
			return nil
		}
		return fmt.Errorf("move %s: %w", from, fs.ErrNotExist)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", to, err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("move %s to %s: %w", from, to, err)
	}
	return nil
}

// objectClient is the subset of *minio.Client Minio uses.
type objectClient interface {
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioConfig locates an S3-compatible object store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Minio stores objects in an S3-compatible store.
type Minio struct {
	client objectClient
}

// NewMinio connects to the store described by cfg.
func NewMinio(cfg MinioConfig) (*Minio, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("object store endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Minio{client: client}, nil
}

// Remove deletes the object at p ("s3://bucket/key"). A missing object is
// not an error.
func (m *Minio) Remove(ctx context.Context, p string) error {
	bucket, key, err := SplitRemote(p)
	if err != nil {
		return err
	}
	err = m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// PutFile uploads the local file src to p ("s3://bucket/key").
func (m *Minio) PutFile(ctx context.Context, src, p string) error {
	bucket, key, err := SplitRemote(p)
	if err != nil {
		return err
	}
	if _, err := m.client.FPutObject(ctx, bucket, key, src, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return fmt.Errorf("upload %s: %w", p, err)
	}
	return nil
}
