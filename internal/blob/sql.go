package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StoredObject is the relational row behind SQLStore.
type StoredObject struct {
	Container     string `gorm:"column:container;primaryKey;size:190;not null"`
	ObjectKey     string `gorm:"column:object_key;primaryKey;size:190;not null"`
	Body          []byte `gorm:"column:body;not null"`
	ContentType   string `gorm:"column:content_type;size:190;not null;default:''"`
	MetadataJSON  string `gorm:"column:metadata_json;type:text;not null;default:'{}'"`
	ETag          string `gorm:"column:etag;size:64;not null"`
	SizeBytes     int64  `gorm:"column:size_bytes;not null;default:0"`
	UpdatedAtMsec int64  `gorm:"column:updated_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (StoredObject) TableName() string {
	return "blob_objects"
}

// SQLStoreConfig describes the dependencies of SQLStore.
type SQLStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// SQLStore keeps objects in a relational table. Every write issues a fresh
// UUIDv7 etag so conditional writes behave like they do on object stores.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore constructs a SQLStore. The schema is expected to be migrated by database.OpenSQLite.
func NewSQLStore(cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("blob: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: cfg.Database, clock: clock}, nil
}

func (s *SQLStore) Get(ctx context.Context, container, key string) (Object, error) {
	if err := validateLocation(container, key); err != nil {
		return Object{}, err
	}
	var row StoredObject
	err := s.db.WithContext(ctx).
		Where("container = ? AND object_key = ?", container, key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, err
	}
	info, err := row.info()
	if err != nil {
		return Object{}, err
	}
	return Object{Info: info, Body: row.Body}, nil
}

func (s *SQLStore) Put(ctx context.Context, container, key string, body []byte, opts PutOptions) (string, error) {
	if err := validateLocation(container, key); err != nil {
		return "", err
	}
	metadataJSON, err := json.Marshal(copyMetadata(opts.Metadata))
	if err != nil {
		return "", err
	}
	etag, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	row := StoredObject{
		Container:     container,
		ObjectKey:     key,
		Body:          append([]byte(nil), body...),
		ContentType:   opts.ContentType,
		MetadataJSON:  string(metadataJSON),
		ETag:          etag.String(),
		SizeBytes:     int64(len(body)),
		UpdatedAtMsec: s.clock().UTC().UnixMilli(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing StoredObject
		err := tx.Select("etag").
			Where("container = ? AND object_key = ?", container, key).
			Take(&existing).Error
		found := true
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
		} else if err != nil {
			return err
		}

		if opts.IfNoneMatch && found {
			return ErrPreconditionFailed
		}
		if opts.IfMatch != "" && (!found || existing.ETag != opts.IfMatch) {
			return ErrPreconditionFailed
		}
		if !found {
			return tx.Create(&row).Error
		}

		result := tx.Model(&StoredObject{}).
			Where("container = ? AND object_key = ? AND etag = ?", container, key, existing.ETag).
			Updates(map[string]interface{}{
				"body":          row.Body,
				"content_type":  row.ContentType,
				"metadata_json": row.MetadataJSON,
				"etag":          row.ETag,
				"size_bytes":    row.SizeBytes,
				"updated_at_ms": row.UpdatedAtMsec,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrPreconditionFailed
		}
		return nil
	})
	if txErr != nil {
		return "", txErr
	}
	return row.ETag, nil
}

func (s *SQLStore) Delete(ctx context.Context, container, key string) error {
	if err := validateLocation(container, key); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Where("container = ? AND object_key = ?", container, key).
		Delete(&StoredObject{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, container string) ([]ObjectInfo, error) {
	if container == "" {
		return nil, ErrInvalidKey
	}
	var rows []StoredObject
	if err := s.db.WithContext(ctx).
		Select("container", "object_key", "content_type", "metadata_json", "etag", "size_bytes", "updated_at_ms").
		Where("container = ?", container).
		Order("object_key ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	infos := make([]ObjectInfo, 0, len(rows))
	for _, row := range rows {
		info, err := row.info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (row StoredObject) info() (ObjectInfo, error) {
	metadata := map[string]string{}
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &metadata); err != nil {
			return ObjectInfo{}, fmt.Errorf("blob: decode metadata for %s/%s: %w", row.Container, row.ObjectKey, err)
		}
	}
	return ObjectInfo{
		Key:          row.ObjectKey,
		ETag:         row.ETag,
		ContentType:  row.ContentType,
		Size:         row.SizeBytes,
		Metadata:     metadata,
		LastModified: time.UnixMilli(row.UpdatedAtMsec).UTC(),
	}, nil
}
