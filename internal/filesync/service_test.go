package filesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicant/internal/lease"
	"github.com/roach88/replicant/internal/objstore"
	"github.com/roach88/replicant/internal/primary"
	"github.com/roach88/replicant/internal/registry"
	"github.com/roach88/replicant/internal/reposync"
	"github.com/roach88/replicant/internal/store"
	"github.com/roach88/replicant/internal/testutil"
)

var (
	t0       = time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC)
	upload9  = registry.Key{Type: registry.TypeUpload, ID: 9}
	content9 = "attachment bytes"
)

type fakeDownloader struct {
	body  string
	err   error
	calls int
}

func (d *fakeDownloader) DownloadFile(_ context.Context, _ registry.Key, w io.Writer) (int64, error) {
	d.calls++
	if d.err != nil {
		// partial bytes before the failure
		io.WriteString(w, "par")
		return 3, d.err
	}
	n, err := io.WriteString(w, d.body)
	return int64(n), err
}

type fixture struct {
	svc      *Service
	store    *store.Store
	leases   *lease.MemoryProvider
	resolver objstore.PathResolver
}

func newFixture(t *testing.T, dl Downloader) *fixture {
	t.Helper()
	clock := testutil.NewManualClock(t0)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:    st,
		leases:   lease.NewMemoryProvider(nil, clock.Now),
		resolver: objstore.PathResolver{FilesRoot: filepath.Join(t.TempDir(), "files")},
	}
	f.svc = New(Deps{
		Store:      st,
		Guard:      lease.NewGuard(f.leases, time.Hour),
		Resolver:   f.resolver,
		Downloader: dl,
		Placer:     objstore.NewStorage(nil),
		Now:        clock.Now,
	})
	_, _, err = st.EnsureRegistry(context.Background(), upload9, registry.Registry.MarkDirty)
	require.NoError(t, err)
	return f
}

func (f *fixture) path(t *testing.T, key registry.Key) string {
	t.Helper()
	p, err := f.resolver.Resolve(key)
	require.NoError(t, err)
	return p
}

func leftovers(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".download-*"))
	require.NoError(t, err)
	return matches
}

func TestSync_DownloadsAndRecordsChecksum(t *testing.T) {
	f := newFixture(t, &fakeDownloader{body: content9})
	ctx := context.Background()

	res, err := f.svc.Sync(ctx, upload9)
	require.NoError(t, err)
	assert.Equal(t, reposync.OutcomeSynced, res.Outcome)

	got, err := os.ReadFile(f.path(t, upload9))
	require.NoError(t, err)
	assert.Equal(t, content9, string(got))

	reg, err := f.store.GetRegistry(ctx, upload9)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSynced, reg.Status())
	sum := sha256.Sum256([]byte(content9))
	require.NotNil(t, reg.Checksum)
	assert.Equal(t, hex.EncodeToString(sum[:]), *reg.Checksum)
	assert.Empty(t, leftovers(t, filepath.Dir(f.path(t, upload9))))
}

func TestSync_FailureKeepsPreviousCopy(t *testing.T) {
	dl := &fakeDownloader{err: reposync.NewTransportError(reposync.CodeTransient, errors.New("connection reset"))}
	f := newFixture(t, dl)
	ctx := context.Background()
	dst := f.path(t, upload9)
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	res, err := f.svc.Sync(ctx, upload9)
	require.Error(t, err)
	assert.Equal(t, reposync.OutcomeFailed, res.Outcome)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
	assert.Empty(t, leftovers(t, filepath.Dir(dst)), "temp file removed")

	reg, err := f.store.GetRegistry(ctx, upload9)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, reg.Status())
	assert.Equal(t, 1, reg.Retries())
	assert.True(t, reg.Resync)
}

func TestSync_MissingOnPrimaryIsSuccess(t *testing.T) {
	dl := &fakeDownloader{err: reposync.NewTransportError(reposync.CodeNotFound, primary.ErrNotFound)}
	f := newFixture(t, dl)
	ctx := context.Background()

	res, err := f.svc.Sync(ctx, upload9)
	require.NoError(t, err)
	assert.Equal(t, reposync.OutcomeSynced, res.Outcome)
	assert.True(t, res.MissingOnPrimary)

	reg, err := f.store.GetRegistry(ctx, upload9)
	require.NoError(t, err)
	assert.True(t, reg.MissingOnPrimary)
	assert.Nil(t, reg.Checksum)
}

func TestSync_UnauthorizedIsReturned(t *testing.T) {
	dl := &fakeDownloader{err: reposync.NewTransportError(reposync.CodeUnauthorized, primary.ErrUnauthorized)}
	f := newFixture(t, dl)

	res, err := f.svc.Sync(context.Background(), upload9)
	assert.Equal(t, reposync.OutcomeFailed, res.Outcome)
	assert.True(t, reposync.IsUnauthorized(err))
}

func TestSync_LeaseHeldIsSkipped(t *testing.T) {
	dl := &fakeDownloader{body: content9}
	f := newFixture(t, dl)
	ctx := context.Background()
	_, ok, err := f.leases.Acquire(ctx, lease.Key("sync", upload9), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.svc.Sync(ctx, upload9)
	require.NoError(t, err)
	assert.Equal(t, reposync.OutcomeSkipped, res.Outcome)
	assert.Zero(t, dl.calls)
}

func TestSync_GoneRegistry(t *testing.T) {
	dl := &fakeDownloader{body: content9}
	f := newFixture(t, dl)
	key := registry.Key{Type: registry.TypeLfsObject, ID: 77}

	res, err := f.svc.Sync(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, reposync.OutcomeGone, res.Outcome)
	assert.Zero(t, dl.calls)
}

func TestSync_RejectsRepositories(t *testing.T) {
	f := newFixture(t, &fakeDownloader{})
	_, err := f.svc.Sync(context.Background(), registry.Key{Type: registry.TypeRepository, ID: 1})
	assert.Error(t, err)
}

func TestSync_FromPrimaryClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/geo/retrieve/upload/9" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, content9)
	}))
	t.Cleanup(srv.Close)
	client, err := primary.NewClient(srv.URL, "secondary-1", []byte("s3cr3t"), primary.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	f := newFixture(t, client)
	res, err := f.svc.Sync(context.Background(), upload9)
	require.NoError(t, err)
	assert.Equal(t, reposync.OutcomeSynced, res.Outcome)

	got, err := os.ReadFile(f.path(t, upload9))
	require.NoError(t, err)
	assert.Equal(t, content9, string(got))
}
