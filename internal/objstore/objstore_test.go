package objstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicant/internal/registry"
)

func TestPathResolver(t *testing.T) {
	r := PathResolver{RepositoriesRoot: "/var/repos", FilesRoot: "s3://uploads/secondary"}

	// sha256("1") = 6b86b273ff34fce19d6b804eff5a3f5747ada4eaa22f1d49c01e52ddb7875b4b
	tests := []struct {
		key  registry.Key
		want string
	}{
		{registry.Key{Type: registry.TypeRepository, ID: 1},
			"/var/repos/@hashed/6b/86/6b86b273ff34fce19d6b804eff5a3f5747ada4eaa22f1d49c01e52ddb7875b4b.git"},
		{registry.Key{Type: registry.TypeWiki, ID: 1},
			"/var/repos/@hashed/6b/86/6b86b273ff34fce19d6b804eff5a3f5747ada4eaa22f1d49c01e52ddb7875b4b.wiki.git"},
		{registry.Key{Type: registry.TypeUpload, ID: 9}, "s3://uploads/secondary/upload/9"},
		{registry.Key{Type: registry.TypeLfsObject, ID: 3}, "s3://uploads/secondary/lfs_object/3"},
	}
	for _, tc := range tests {
		t.Run(tc.key.String(), func(t *testing.T) {
			got, err := r.Resolve(tc.key)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := r.Resolve(registry.Key{Type: registry.TypeContainerRepository, ID: 1})
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestSplitRemote(t *testing.T) {
	bucket, key, err := SplitRemote("s3://artifacts/jobs/12/trace.log")
	require.NoError(t, err)
	assert.Equal(t, "artifacts", bucket)
	assert.Equal(t, "jobs/12/trace.log", key)

	for _, bad := range []string{"/local/file", "s3://bucket-only", "s3:///key"} {
		_, _, err := SplitRemote(bad)
		assert.Error(t, err, bad)
	}
}

func TestStorage_LocalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo := filepath.Join(dir, "a.git")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "objects", "pack"), 0o755))
	file := filepath.Join(dir, "upload.bin")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0o644))

	r := NewStorage(nil)
	for i := 0; i < 2; i++ {
		require.NoError(t, r.Remove(ctx, repo))
		require.NoError(t, r.Remove(ctx, file))
	}
	_, err := os.Stat(repo)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(file)
	assert.True(t, os.IsNotExist(err))
}

func TestStorage_RemoteWithoutStoreFails(t *testing.T) {
	err := NewStorage(nil).Remove(context.Background(), "s3://bucket/key")
	assert.Error(t, err)
}

type fakeObjects struct {
	removed []string
	put     map[string][]byte
	err     error
}

func (f *fakeObjects) RemoveObject(_ context.Context, bucket, object string, _ minio.RemoveObjectOptions) error {
	f.removed = append(f.removed, bucket+"/"+object)
	return f.err
}

func (f *fakeObjects) FPutObject(_ context.Context, bucket, object, filePath string, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if f.put == nil {
		f.put = make(map[string][]byte)
	}
	f.put[bucket+"/"+object] = data
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

func TestMinio_Remove(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{}
	r := NewStorage(&Minio{client: objects})

	require.NoError(t, r.Remove(ctx, "s3://uploads/upload/9"))
	assert.Equal(t, []string{"uploads/upload/9"}, objects.removed)

	objects.err = minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	assert.NoError(t, r.Remove(ctx, "s3://uploads/upload/9"), "missing object is already removed")

	objects.err = errors.New("connection refused")
	assert.Error(t, r.Remove(ctx, "s3://uploads/upload/9"))
}

func TestStorage_PlaceLocal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "download.tmp")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o644))
	dst := filepath.Join(dir, "files", "upload", "9")

	require.NoError(t, NewStorage(nil).Place(context.Background(), src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestStorage_PlaceRemote(t *testing.T) {
	src := filepath.Join(t.TempDir(), "download.tmp")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o644))
	objects := &fakeObjects{}

	err := NewStorage(&Minio{client: objects}).Place(context.Background(), src, "s3://uploads/upload/9")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), objects.put["uploads/upload/9"])
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "temp file cleaned up")

	assert.Error(t, NewStorage(nil).Place(context.Background(), src, "s3://uploads/upload/9"))
}

func TestNewMinio_RequiresEndpoint(t *testing.T) {
	_, err := NewMinio(MinioConfig{})
	assert.Error(t, err)
}

func TestMove(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "legacy", "group", "project.git")
	to := filepath.Join(dir, "@hashed", "ab", "cd", "abcd.git")
	require.NoError(t, os.MkdirAll(from, 0o755))

	require.NoError(t, Move(from, to))
	_, err := os.Stat(to)
	require.NoError(t, err)

	require.NoError(t, Move(from, to), "repeat is a no-op")

	err = Move(filepath.Join(dir, "missing"), filepath.Join(dir, "also-missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPathResolver_EventPaths(t *testing.T) {
	r := PathResolver{RepositoriesRoot: "/var/repos", FilesRoot: "/var/files"}
	for in, want := range map[string]string{
		"group/project":      "/var/repos/group/project.git",
		"group/project.wiki": "/var/repos/group/project.wiki.git",
		"group/project.git":  "/var/repos/group/project.git",
		"group/./project":    "/var/repos/group/project.git",
		"":                   "",
	} {
		got, err := r.RepositoryPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	got, err := r.FilePath("lfs/ab/cd/ef")
	require.NoError(t, err)
	assert.Equal(t, "/var/files/lfs/ab/cd/ef", got)

	remote := PathResolver{FilesRoot: "s3://uploads"}
	got, err = remote.FilePath("user/1/a.png")
	require.NoError(t, err)
	assert.Equal(t, "s3://uploads/user/1/a.png", got)
	got, err = remote.FilePath("s3://uploads/user/1/a.png")
	require.NoError(t, err)
	assert.Equal(t, "s3://uploads/user/1/a.png", got)
}

func TestPathResolver_EventPathsStayUnderRoot(t *testing.T) {
	r := PathResolver{RepositoriesRoot: "/var/repos", FilesRoot: "/var/files"}
	for _, p := range []string{"/etc/passwd", "../victim", "group/../../victim", ".", "group/.."} {
		_, err := r.RepositoryPath(p)
		assert.ErrorIs(t, err, ErrUnsafePath, p)
		_, err = r.FilePath(p)
		assert.ErrorIs(t, err, ErrUnsafePath, p)
	}

	_, err := r.FilePath("s3://artifacts/1")
	assert.ErrorIs(t, err, ErrUnsafePath, "remote path with a local root")

	remote := PathResolver{FilesRoot: "s3://uploads"}
	for _, p := range []string{"s3://other/user/1", "s3://uploads/../other/1", "s3://uploadsx/1"} {
		_, err := remote.FilePath(p)
		assert.ErrorIs(t, err, ErrUnsafePath, p)
	}
}

type diskPaths map[registry.Key]string

func (d diskPaths) DiskPath(_ context.Context, key registry.Key) (string, bool, error) {
	p, ok := d[key]
	return p, ok, nil
}

func TestLayout_Locate(t *testing.T) {
	ctx := context.Background()
	r := PathResolver{RepositoriesRoot: "/var/repos", FilesRoot: "/var/files"}
	repo := registry.Key{Type: registry.TypeRepository, ID: 42}
	wiki := registry.Key{Type: registry.TypeWiki, ID: 42}
	upload := registry.Key{Type: registry.TypeUpload, ID: 42}
	l := Layout{PathResolver: r, Disk: diskPaths{
		repo:   "group/app",
		upload: "ignored",
	}}

	got, err := l.Locate(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, "/var/repos/group/app.git", got)

	for _, key := range []registry.Key{wiki, upload} {
		want, err := r.Resolve(key)
		require.NoError(t, err)
		got, err := l.Locate(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, got, key.String())
	}

	got, err = Layout{PathResolver: r}.Locate(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, "/var/repos/"+HashedPath(42)+".git", got)

	_, err = Layout{PathResolver: r, Disk: diskPaths{repo: "../escape"}}.Locate(ctx, repo)
	assert.ErrorIs(t, err, ErrUnsafePath)
}
