package event

import "time"

// Kind identifies an event variant.
type Kind string

const (
	KindRepositoryCreated          Kind = "repository_created"
	KindRepositoryUpdated          Kind = "repository_updated"
	KindRepositoryDeleted          Kind = "repository_deleted"
	KindRepositoryRenamed          Kind = "repository_renamed"
	KindRepositoriesChanged        Kind = "repositories_changed"
	KindResetChecksum              Kind = "reset_checksum"
	KindHashedStorageMigrated      Kind = "hashed_storage_migrated"
	KindHashedStorageAttachments   Kind = "hashed_storage_attachments"
	KindLfsObjectDeleted           Kind = "lfs_object_deleted"
	KindJobArtifactDeleted         Kind = "job_artifact_deleted"
	KindUploadDeleted              Kind = "upload_deleted"
	KindContainerRepositoryUpdated Kind = "container_repository_updated"
	KindCacheInvalidation          Kind = "cache_invalidation"
)

// Kinds lists every variant in declaration order.
var Kinds = []Kind{
	KindRepositoryCreated,
	KindRepositoryUpdated,
	KindRepositoryDeleted,
	KindRepositoryRenamed,
	KindRepositoriesChanged,
	KindResetChecksum,
	KindHashedStorageMigrated,
	KindHashedStorageAttachments,
	KindLfsObjectDeleted,
	KindJobArtifactDeleted,
	KindUploadDeleted,
	KindContainerRepositoryUpdated,
	KindCacheInvalidation,
}

// Valid reports whether k is a known variant.
func (k Kind) Valid() bool {
	_, ok := decoders[k]
	return ok
}

// Payload is implemented only by the variant structs in this package.
type Payload interface {
	Kind() Kind
	sealed()
}

// Event is a payload plus the time the primary recorded it.
type Event struct {
	Payload   Payload
	CreatedAt time.Time
}

// Kind returns the variant of the event's payload.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Source distinguishes the main repository from its wiki.
type Source string

const (
	SourceRepository Source = "repository"
	SourceWiki       Source = "wiki"
)

type RepositoryCreated struct {
	ProjectID   int64  `json:"project_id"`
	RepoPath    string `json:"repo_path"`
	WikiPath    string `json:"wiki_path,omitempty"`
	ProjectName string `json:"project_name"`
}

type RepositoryUpdated struct {
	ProjectID        int64  `json:"project_id"`
	Source           Source `json:"source"`
	Ref              string `json:"ref,omitempty"`
	BranchesAffected int    `json:"branches_affected"`
	TagsAffected     int    `json:"tags_affected"`
	NewBranch        bool   `json:"new_branch"`
	RemoveBranch     bool   `json:"remove_branch"`
}

type RepositoryDeleted struct {
	ProjectID          int64  `json:"project_id"`
	RepoPath           string `json:"repo_path"`
	DeletedPath        string `json:"deleted_path"`
	DeletedWikiPath    string `json:"deleted_wiki_path,omitempty"`
	DeletedProjectName string `json:"deleted_project_name"`
}

type RepositoryRenamed struct {
	ProjectID   int64  `json:"project_id"`
	OldPath     string `json:"old_path"`
	NewPath     string `json:"new_path"`
	OldWikiPath string `json:"old_wiki_path,omitempty"`
	NewWikiPath string `json:"new_wiki_path,omitempty"`
}

// RepositoriesChanged tells secondaries that every repository on a storage
// needs to be verified again.
type RepositoriesChanged struct {
	Storage string `json:"storage"`
}

type ResetChecksum struct {
	ProjectID int64 `json:"project_id"`
}

type HashedStorageMigrated struct {
	ProjectID         int64  `json:"project_id"`
	OldDiskPath       string `json:"old_disk_path"`
	NewDiskPath       string `json:"new_disk_path"`
	OldWikiDiskPath   string `json:"old_wiki_disk_path,omitempty"`
	NewWikiDiskPath   string `json:"new_wiki_disk_path,omitempty"`
	OldStorageVersion int    `json:"old_storage_version"`
	NewStorageVersion int    `json:"new_storage_version"`
}

type HashedStorageAttachments struct {
	ProjectID          int64  `json:"project_id"`
	OldAttachmentsPath string `json:"old_attachments_path"`
	NewAttachmentsPath string `json:"new_attachments_path"`
}

type LfsObjectDeleted struct {
	LfsObjectID int64  `json:"lfs_object_id"`
	Oid         string `json:"oid"`
	FilePath    string `json:"file_path"`
}

type JobArtifactDeleted struct {
	JobArtifactID int64  `json:"job_artifact_id"`
	FilePath      string `json:"file_path"`
}

type UploadDeleted struct {
	UploadID  int64  `json:"upload_id"`
	FilePath  string `json:"file_path"`
	ModelType string `json:"model_type"`
	ModelID   int64  `json:"model_id"`
	Uploader  string `json:"uploader"`
}

type ContainerRepositoryUpdated struct {
	ContainerRepositoryID int64  `json:"container_repository_id"`
	Name                  string `json:"name"`
	Path                  string `json:"path"`
}

type CacheInvalidation struct {
	Key string `json:"key"`
}

func (RepositoryCreated) Kind() Kind          { return KindRepositoryCreated }
func (RepositoryUpdated) Kind() Kind          { return KindRepositoryUpdated }
func (RepositoryDeleted) Kind() Kind          { return KindRepositoryDeleted }
func (RepositoryRenamed) Kind() Kind          { return KindRepositoryRenamed }
func (RepositoriesChanged) Kind() Kind        { return KindRepositoriesChanged }
func (ResetChecksum) Kind() Kind              { return KindResetChecksum }
func (HashedStorageMigrated) Kind() Kind      { return KindHashedStorageMigrated }
func (HashedStorageAttachments) Kind() Kind   { return KindHashedStorageAttachments }
func (LfsObjectDeleted) Kind() Kind           { return KindLfsObjectDeleted }
func (JobArtifactDeleted) Kind() Kind         { return KindJobArtifactDeleted }
func (UploadDeleted) Kind() Kind              { return KindUploadDeleted }
func (ContainerRepositoryUpdated) Kind() Kind { return KindContainerRepositoryUpdated }
func (CacheInvalidation) Kind() Kind          { return KindCacheInvalidation }

func (RepositoryCreated) sealed()          {}
func (RepositoryUpdated) sealed()          {}
func (RepositoryDeleted) sealed()          {}
func (RepositoryRenamed) sealed()          {}
func (RepositoriesChanged) sealed()        {}
func (ResetChecksum) sealed()              {}
func (HashedStorageMigrated) sealed()      {}
func (HashedStorageAttachments) sealed()   {}
func (LfsObjectDeleted) sealed()           {}
func (JobArtifactDeleted) sealed()         {}
func (UploadDeleted) sealed()              {}
func (ContainerRepositoryUpdated) sealed() {}
func (CacheInvalidation) sealed()          {}
