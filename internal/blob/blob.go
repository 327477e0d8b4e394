// Package blob abstracts the object storage that backs every collection,
// snapshot and uploaded media file.
package blob

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("blob: object not found")
	// ErrNotConfigured indicates the storage backend has no usable connection settings.
	ErrNotConfigured = errors.New("blob: storage not configured")
	// ErrPreconditionFailed indicates an IfMatch/IfNoneMatch condition did not hold.
	ErrPreconditionFailed = errors.New("blob: precondition failed")
	// ErrInvalidKey indicates an empty or malformed container or key.
	ErrInvalidKey = errors.New("blob: invalid container or key")
)

// Object is a stored payload together with its descriptive attributes.
type Object struct {
	Info ObjectInfo
	Body []byte
}

// ObjectInfo describes a stored object without its payload.
type ObjectInfo struct {
	Key          string
	ETag         string
	ContentType  string
	Size         int64
	Metadata     map[string]string
	LastModified time.Time
}

// PutOptions controls how Put writes an object.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	// IfMatch requires the current object to carry this etag.
	IfMatch string
	// IfNoneMatch requires that no object exists under the key.
	IfNoneMatch bool
}

// Store is implemented by every storage backend.
type Store interface {
	Get(ctx context.Context, container, key string) (Object, error)
	Put(ctx context.Context, container, key string, body []byte, opts PutOptions) (string, error)
	Delete(ctx context.Context, container, key string) error
	List(ctx context.Context, container string) ([]ObjectInfo, error)
}

// Presigner is implemented by backends that can hand out direct download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, container, key string, ttl time.Duration) (string, error)
}

func validateLocation(container, key string) error {
	if container == "" || key == "" {
		return ErrInvalidKey
	}
	return nil
}

func copyMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(metadata))
	for key, value := range metadata {
		copied[key] = value
	}
	return copied
}

// NormalizeETag strips the weak prefix and surrounding quotes that HTTP and
// S3 put around entity tags, leaving the bare opaque token.
func NormalizeETag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	return strings.Trim(tag, `"`)
}
