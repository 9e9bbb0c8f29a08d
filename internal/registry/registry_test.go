package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestNew_NeverSynced(t *testing.T) {
	r := New(Key{Type: TypeRepository, ID: 42}, t0)

	assert.Equal(t, StatusNever, r.Status())
	assert.True(t, r.Resync)
	assert.Nil(t, r.RetryCount)
	assert.Equal(t, 0, r.Retries())
}

func TestTransitions_NeverToSynced(t *testing.T) {
	r := New(Key{Type: TypeRepository, ID: 1}, t0).Started(t0).Succeeded(t0, false)

	assert.Equal(t, StatusSynced, r.Status())
	assert.Nil(t, r.RetryCount)
	assert.False(t, r.Resync)
	require.NotNil(t, r.LastSyncedAt)
}

func TestTransitions_NeverToFailed(t *testing.T) {
	r := New(Key{Type: TypeRepository, ID: 1}, t0).Failed(t0, "boom", false)

	assert.Equal(t, StatusFailed, r.Status())
	assert.Equal(t, 1, r.Retries())
	assert.Equal(t, "boom", r.LastSyncFailure)
	assert.True(t, r.Resync, "failure keeps the registry dirty")
}

func TestTransitions_FailFailSucceed(t *testing.T) {
	r := New(Key{Type: TypeRepository, ID: 42}, t0)
	r = r.Failed(t0, "a", false)
	r = r.Failed(t0, "b", false)
	assert.Equal(t, 2, r.Retries())

	r = r.Started(t0).Succeeded(t0, false)
	assert.Equal(t, StatusSynced, r.Status())
	assert.Nil(t, r.RetryCount)
	assert.Empty(t, r.LastSyncFailure)
	assert.False(t, r.Resync)
}

func TestTransitions_DirtyDuringAttemptSurvivesSuccess(t *testing.T) {
	r := New(Key{Type: TypeRepository, ID: 1}, t0).Started(t0)
	assert.False(t, r.Resync)

	// An event lands while the fetch is running
	r = r.MarkDirty()
	r = r.Succeeded(t0, false)

	assert.Equal(t, StatusSynced, r.Status())
	assert.True(t, r.Resync, "the next attempt still has work to do")
}

func TestTransitions_SyncedToFailedOnDirty(t *testing.T) {
	r := New(Key{Type: TypeRepository, ID: 1}, t0).Succeeded(t0, false).MarkDirty()

	assert.Equal(t, StatusFailed, r.Status())
	assert.True(t, r.Resync)
	assert.Equal(t, 0, r.Retries())

	r = r.Failed(t0, "x", false)
	assert.Equal(t, 1, r.Retries())
}

func TestMarkDirty_NeverStaysNever(t *testing.T) {
	r := New(Key{Type: TypeUpload, ID: 1}, t0)
	r.Resync = false

	r = r.MarkDirty()
	assert.Equal(t, StatusNever, r.Status())
	assert.True(t, r.Resync)
}

func TestFailed_ForceRedownloadIsSticky(t *testing.T) {
	r := New(Key{Type: TypeRepository, ID: 1}, t0).Failed(t0, "corrupt", true)
	assert.True(t, r.ForceRedownload)

	r = r.Failed(t0, "network", false)
	assert.True(t, r.ForceRedownload, "only a success clears the flag")

	r = r.Succeeded(t0, false)
	assert.False(t, r.ForceRedownload)
}

func TestSucceeded_MissingOnPrimary(t *testing.T) {
	r := New(Key{Type: TypeRepository, ID: 1}, t0).Succeeded(t0, true)
	assert.True(t, r.MissingOnPrimary)
	assert.Equal(t, StatusSynced, r.Status())
}

func TestResetChecksum(t *testing.T) {
	sum := "abc123"

	repo := New(Key{Type: TypeRepository, ID: 1}, t0)
	repo.Checksum = &sum
	assert.Nil(t, repo.ResetChecksum().Checksum)

	container := New(Key{Type: TypeContainerRepository, ID: 1}, t0)
	container.Checksum = &sum
	assert.Equal(t, &sum, container.ResetChecksum().Checksum, "no-op for types without checksums")
}

func TestKey_StringAndParse(t *testing.T) {
	k := Key{Type: TypeLfsObject, ID: 99}
	assert.Equal(t, "lfs_object:99", k.String())

	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestParseKey_Errors(t *testing.T) {
	tests := []string{"", "repository", "repository:abc", "spaceship:1"}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := ParseKey(in)
			assert.Error(t, err)
		})
	}
}

func TestType_Families(t *testing.T) {
	assert.True(t, TypeWiki.IsRepository())
	assert.False(t, TypeUpload.IsRepository())
	assert.True(t, TypeJobArtifact.IsFile())
	assert.False(t, TypeContainerRepository.IsFile())
	assert.False(t, TypeContainerRepository.SupportsChecksum())
}
