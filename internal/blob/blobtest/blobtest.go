// Package blobtest provides blob stores for tests in other packages.
package blobtest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/blob"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// NewSQLStore returns a blob.SQLStore backed by a private in-memory database.
func NewSQLStore(t testing.TB) *blob.SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&blob.StoredObject{}); err != nil {
		t.Fatalf("failed to migrate blob schema: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := blob.NewSQLStore(blob.SQLStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build blob store: %v", err)
	}
	return store
}

// PresigningStore decorates a store with deterministic presigned URLs.
type PresigningStore struct {
	blob.Store
	BaseURL string
}

func (p PresigningStore) PresignGet(_ context.Context, container, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("%s/%s/%s?ttl=%d", strings.TrimRight(p.BaseURL, "/"), container, key, int(ttl.Seconds())), nil
}

// QuotingStore decorates a store so that it reports entity tags wrapped in
// double quotes, the way S3 does.
type QuotingStore struct {
	blob.Store
}

func (q QuotingStore) Get(ctx context.Context, container, key string) (blob.Object, error) {
	object, err := q.Store.Get(ctx, container, key)
	if err != nil {
		return blob.Object{}, err
	}
	object.Info.ETag = quote(object.Info.ETag)
	return object, nil
}

func (q QuotingStore) Put(ctx context.Context, container, key string, body []byte, opts blob.PutOptions) (string, error) {
	opts.IfMatch = blob.NormalizeETag(opts.IfMatch)
	etag, err := q.Store.Put(ctx, container, key, body, opts)
	if err != nil {
		return "", err
	}
	return quote(etag), nil
}

func (q QuotingStore) List(ctx context.Context, container string) ([]blob.ObjectInfo, error) {
	infos, err := q.Store.List(ctx, container)
	if err != nil {
		return nil, err
	}
	for index := range infos {
		infos[index].ETag = quote(infos[index].ETag)
	}
	return infos, nil
}

func quote(etag string) string {
	if etag == "" {
		return etag
	}
	return `"` + etag + `"`
}
