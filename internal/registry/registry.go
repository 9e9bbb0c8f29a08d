// Package registry models the per-object sync bookkeeping a secondary keeps
// for every replicable it knows about.
//
// A Registry is created lazily the first time an event references its
// object. Its state is mutated only through the transition methods below.
// Attempt outcomes are recorded by a service holding the object's lease;
// events only ever mark a registry dirty.
package registry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type identifies a replicable kind.
type Type string

const (
	TypeRepository          Type = "repository"
	TypeWiki                Type = "wiki"
	TypeContainerRepository Type = "container_repository"
	TypeUpload              Type = "upload"
	TypeLfsObject           Type = "lfs_object"
	TypeJobArtifact         Type = "job_artifact"
)

// Types lists every replicable kind.
var Types = []Type{
	TypeRepository,
	TypeWiki,
	TypeContainerRepository,
	TypeUpload,
	TypeLfsObject,
	TypeJobArtifact,
}

// Valid reports whether t is a known replicable kind.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// SupportsChecksum reports whether objects of this type carry a checksum
// that an independent verification pass reconciles.
func (t Type) SupportsChecksum() bool {
	return t != TypeContainerRepository
}

// IsRepository reports whether the type is replicated with git.
func (t Type) IsRepository() bool {
	return t == TypeRepository || t == TypeWiki
}

// IsFile reports whether the type is an attached file.
func (t Type) IsFile() bool {
	return t == TypeUpload || t == TypeLfsObject || t == TypeJobArtifact
}

// Key is the identity of a replicable object.
type Key struct {
	Type Type
	ID   int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Type, k.ID)
}

// ParseKey parses the "type:id" form produced by Key.String.
func ParseKey(s string) (Key, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("parse key %q: missing ':'", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("parse key %q: %w", s, err)
	}
	k := Key{Type: Type(typ), ID: n}
	if !k.Type.Valid() {
		return Key{}, fmt.Errorf("parse key %q: unknown type %q", s, typ)
	}
	return k, nil
}

// Status is derived from Success and RetryCount.
type Status string

const (
	StatusNever  Status = "never"
	StatusSynced Status = "synced"
	StatusFailed Status = "failed"
)

// Registry is the sync record for one replicable object.
type Registry struct {
	Key

	Success    bool
	RetryCount *int

	// Resync is the dirty flag. Events set it; starting an attempt consumes
	// it, so an event that lands mid-attempt leaves it set for the next one.
	Resync bool

	// ForceRedownload makes the next attempt discard the local copy.
	ForceRedownload bool

	MissingOnPrimary bool
	Checksum         *string
	LastSyncFailure  string
	SyncStartedAt    *time.Time
	LastSyncedAt     *time.Time
	CreatedAt        time.Time
}

// New returns a registry in the never-synced state.
func New(key Key, now time.Time) Registry {
	return Registry{Key: key, Resync: true, CreatedAt: now}
}

// Status derives the three-state sync status.
func (r Registry) Status() Status {
	switch {
	case r.Success:
		return StatusSynced
	case r.RetryCount != nil:
		return StatusFailed
	default:
		return StatusNever
	}
}

// Retries returns the retry count, treating unset as zero.
func (r Registry) Retries() int {
	if r.RetryCount == nil {
		return 0
	}
	return *r.RetryCount
}

// Started records the beginning of an attempt.
func (r Registry) Started(now time.Time) Registry {
	r.Resync = false
	r.SyncStartedAt = &now
	return r
}

// Succeeded moves the registry to synced and clears the retry count.
func (r Registry) Succeeded(now time.Time, missingOnPrimary bool) Registry {
	r.Success = true
	r.RetryCount = nil
	r.ForceRedownload = false
	r.MissingOnPrimary = missingOnPrimary
	r.LastSyncFailure = ""
	r.LastSyncedAt = &now
	return r
}

// Failed moves the registry to failed, incrementing its retry count.
func (r Registry) Failed(now time.Time, reason string, forceRedownload bool) Registry {
	n := r.Retries() + 1
	r.Success = false
	r.RetryCount = &n
	r.Resync = true
	r.LastSyncFailure = reason
	r.LastSyncedAt = &now
	if forceRedownload {
		r.ForceRedownload = true
	}
	return r
}

// MarkDirty flags the registry for another sync. A synced registry drops back
// to failed with its retry count starting over.
func (r Registry) MarkDirty() Registry {
	r.Resync = true
	if r.Success {
		r.Success = false
		zero := 0
		r.RetryCount = &zero
	}
	return r
}

// ResetChecksum nulls the checksum so verification runs again. It is a no-op
// for types without checksums.
func (r Registry) ResetChecksum() Registry {
	if r.Type.SupportsChecksum() {
		r.Checksum = nil
	}
	return r
}
