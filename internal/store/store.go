// Package store implements the collection store: every resource is a
// named JSON array persisted as one document and replaced as a whole.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/blob"
	"go.uber.org/zap"
)

const (
	// DefaultContainer holds the live collection documents.
	DefaultContainer   = "invitation-data"
	defaultMaxAttempts = 5
	contentTypeJSON    = "application/json; charset=utf-8"
)

const (
	opLoad   = "store.load"
	opSave   = "store.save"
	opUpdate = "store.update"
)

var (
	errMissingBlobStore = errors.New("blob store is required")
	// ErrMalformedDocument indicates a stored document whose root is neither an array nor an object.
	ErrMalformedDocument = errors.New("store: collection document is not a JSON array or object")
	noOpLogger           = zap.NewNop()
)

// Version identifies one persisted revision of a collection. The empty
// version stands for "no document stored yet".
type Version string

// Document is a loaded collection.
type Document struct {
	Name    string
	Records []json.RawMessage
	Version Version
}

// ConflictError reports an optimistic-concurrency mismatch.
type ConflictError struct {
	Collection string
	Expected   Version
	Current    Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("collection %s changed: expected version %q, current %q", e.Collection, e.Expected, e.Current)
}

// Config describes the collaborators of Store.
type Config struct {
	Blob        blob.Store
	Container   string
	MaxAttempts int
	Logger      *zap.Logger
}

// Store loads and saves collections.
type Store struct {
	blob        blob.Store
	container   string
	maxAttempts int
	logger      *zap.Logger
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Blob == nil {
		return nil, errMissingBlobStore
	}
	container := cfg.Container
	if container == "" {
		container = DefaultContainer
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{blob: cfg.Blob, container: container, maxAttempts: attempts, logger: logger}, nil
}

// Load returns the named collection. A missing document is an empty collection.
func (s *Store) Load(ctx context.Context, name string) (Document, error) {
	object, err := s.blob.Get(ctx, s.container, name)
	if errors.Is(err, blob.ErrNotFound) {
		return Document{Name: name, Records: []json.RawMessage{}}, nil
	}
	if err != nil {
		return Document{}, s.storageError(opLoad, name, err)
	}

	items, err := DecodeDocument(object.Body)
	if err != nil {
		s.logError(opLoad, "decode_failed", err, zap.String("collection", name))
		return Document{}, apperr.Internal(opLoad+".decode_failed", fmt.Sprintf("collection %s is unreadable", name), err)
	}
	return Document{Name: name, Records: items, Version: Version(blob.NormalizeETag(object.Info.ETag))}, nil
}

// Save overwrites the named collection unconditionally.
func (s *Store) Save(ctx context.Context, name string, items []json.RawMessage) (Version, error) {
	return s.put(ctx, name, items, blob.PutOptions{})
}

// SaveIfVersion overwrites the named collection only when its stored
// version still equals expected.
func (s *Store) SaveIfVersion(ctx context.Context, name string, items []json.RawMessage, expected Version) (Version, error) {
	opts := blob.PutOptions{}
	if expected == "" {
		opts.IfNoneMatch = true
	} else {
		opts.IfMatch = blob.NormalizeETag(string(expected))
	}
	version, err := s.put(ctx, name, items, opts)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, blob.ErrPreconditionFailed) {
		return "", err
	}

	conflict := &ConflictError{Collection: name, Expected: expected}
	if current, loadErr := s.Load(ctx, name); loadErr == nil {
		conflict.Current = current.Version
	}
	return "", apperr.Conflict(opSave+".version_conflict", "collection was modified by another request", conflict)
}

// Replace overwrites the named collection. A non-empty expected version
// turns the write into SaveIfVersion; otherwise the last writer wins.
func (s *Store) Replace(ctx context.Context, name string, items []json.RawMessage, expected Version) (Version, error) {
	if expected == "" {
		return s.Save(ctx, name, items)
	}
	return s.SaveIfVersion(ctx, name, items, expected)
}

// Update applies mutate to the freshest copy of the collection and saves it
// with an optimistic version check, retrying when another writer got there first.
func (s *Store) Update(ctx context.Context, name string, mutate func([]json.RawMessage) ([]json.RawMessage, error)) (Document, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		current, err := s.Load(ctx, name)
		if err != nil {
			return Document{}, err
		}
		working := append([]json.RawMessage(nil), current.Records...)
		next, err := mutate(working)
		if err != nil {
			return Document{}, err
		}
		if next == nil {
			next = []json.RawMessage{}
		}
		version, err := s.SaveIfVersion(ctx, name, next, current.Version)
		if err == nil {
			return Document{Name: name, Records: next, Version: version}, nil
		}
		if !apperr.Is(err, apperr.KindConflict) {
			return Document{}, err
		}
		lastErr = err
		s.logger.Debug("collection update retry", zap.String("collection", name), zap.Int("attempt", attempt+1))
	}
	s.logError(opUpdate, "retries_exhausted", lastErr, zap.String("collection", name))
	return Document{}, lastErr
}

func (s *Store) put(ctx context.Context, name string, items []json.RawMessage, opts blob.PutOptions) (Version, error) {
	if items == nil {
		items = []json.RawMessage{}
	}
	body, err := EncodeDocument(items)
	if err != nil {
		return "", apperr.Validation(opSave+".encode_failed", "records must be valid JSON")
	}
	opts.ContentType = contentTypeJSON
	etag, err := s.blob.Put(ctx, s.container, name, body, opts)
	if err != nil {
		if errors.Is(err, blob.ErrPreconditionFailed) {
			return "", err
		}
		return "", s.storageError(opSave, name, err)
	}
	return Version(blob.NormalizeETag(etag)), nil
}

func (s *Store) storageError(operation, name string, err error) error {
	if errors.Is(err, blob.ErrNotConfigured) {
		s.logError(operation, "not_configured", err, zap.String("collection", name))
		return apperr.Configuration(operation+".not_configured", "storage is not configured", err)
	}
	s.logError(operation, "backend_failed", err, zap.String("collection", name))
	return apperr.Internal(operation+".backend_failed", fmt.Sprintf("storage operation on %s failed", name), err)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("collection store error", attrs...)
}

// DecodeDocument parses a stored document into its elements. A single
// object root becomes a one-element collection; an empty body or null is
// an empty collection.
func DecodeDocument(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []json.RawMessage{}, nil
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		if items == nil {
			items = []json.RawMessage{}
		}
		return items, nil
	case '{':
		if !json.Valid(trimmed) {
			return nil, ErrMalformedDocument
		}
		return []json.RawMessage{json.RawMessage(append([]byte(nil), trimmed...))}, nil
	default:
		return nil, ErrMalformedDocument
	}
}

// EncodeDocument renders a collection as pretty-printed JSON.
func EncodeDocument(items []json.RawMessage) ([]byte, error) {
	if items == nil {
		items = []json.RawMessage{}
	}
	return json.MarshalIndent(items, "", "  ")
}
