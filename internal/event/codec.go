package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// decoders maps each kind to a function that unmarshals its payload.
var decoders = map[Kind]func([]byte) (Payload, error){
	KindRepositoryCreated:          decodeAs[RepositoryCreated],
	KindRepositoryUpdated:          decodeAs[RepositoryUpdated],
	KindRepositoryDeleted:          decodeAs[RepositoryDeleted],
	KindRepositoryRenamed:          decodeAs[RepositoryRenamed],
	KindRepositoriesChanged:        decodeAs[RepositoriesChanged],
	KindResetChecksum:              decodeAs[ResetChecksum],
	KindHashedStorageMigrated:      decodeAs[HashedStorageMigrated],
	KindHashedStorageAttachments:   decodeAs[HashedStorageAttachments],
	KindLfsObjectDeleted:           decodeAs[LfsObjectDeleted],
	KindJobArtifactDeleted:         decodeAs[JobArtifactDeleted],
	KindUploadDeleted:              decodeAs[UploadDeleted],
	KindContainerRepositoryUpdated: decodeAs[ContainerRepositoryUpdated],
	KindCacheInvalidation:          decodeAs[CacheInvalidation],
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var p T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode returns the payload's kind and canonical JSON encoding.
func Encode(p Payload) (Kind, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("encode event: nil payload")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}

	// Encoder appends a newline
	data := bytes.TrimRight(buf.Bytes(), "\n")

	// NFC only rewrites multi-byte sequences, so JSON structure is untouched
	return p.Kind(), norm.NFC.Bytes(data), nil
}

// Decode parses a payload previously produced by Encode.
func Decode(kind Kind, data []byte) (Payload, error) {
	decode, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("decode event: unknown kind %q", kind)
	}
	p, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return p, nil
}
