// Package photos manages the shared photo gallery.
package photos

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/media"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/records"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/store"
	"go.uber.org/zap"
)

// CollectionName is the document that holds photo metadata.
const CollectionName = "photos-metadata.json"

const (
	opCreate  = "photos.create"
	opReplace = "photos.replace"
	opDelete  = "photos.delete"
)

var (
	errMissingStore = errors.New("collection store is required")
	errMissingMedia = errors.New("media service is required")
	uploadFields    = []string{"imageData", "contentType"}
)

// Photo is the typed view of a stored photo entry.
type Photo struct {
	ID          records.ID `json:"id"`
	Timestamp   int64      `json:"timestamp"`
	URL         string     `json:"url"`
	FileName    string     `json:"fileName,omitempty"`
	Caption     string     `json:"caption,omitempty"`
	ImageData   string     `json:"imageData,omitempty"`
	ContentType string     `json:"contentType,omitempty"`
}

type storedPhotoFields struct {
	records.Base
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
}

// ServiceConfig describes the collaborators of Service.
type ServiceConfig struct {
	Store  *store.Store
	Media  *media.Service
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service implements photo operations.
type Service struct {
	store  *store.Store
	media  *media.Service
	clock  func() time.Time
	logger *zap.Logger
}

// Listing is a collection with its version.
type Listing struct {
	Records []json.RawMessage
	Version store.Version
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Media == nil {
		return nil, errMissingMedia
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, media: cfg.Media, clock: clock, logger: logger}, nil
}

// List returns every photo entry.
func (s *Service) List(ctx context.Context) (Listing, error) {
	document, err := s.store.Load(ctx, CollectionName)
	if err != nil {
		return Listing{}, err
	}
	return Listing{Records: document.Records, Version: document.Version}, nil
}

// Create appends a photo. The body carries either a url or inline imageData
// which is uploaded first.
func (s *Service) Create(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	view, err := records.Decode[Photo](raw)
	if err != nil {
		return nil, apperr.Validation(opCreate+".invalid_body", "request body must be a photo object")
	}

	fields := storedPhotoFields{URL: strings.TrimSpace(view.URL)}
	switch {
	case strings.TrimSpace(view.ImageData) != "":
		stored, uploadErr := s.media.Upload(ctx, media.KindPhoto, view.ImageData, view.ContentType)
		if uploadErr != nil {
			return nil, uploadErr
		}
		fields.URL = stored.URL
		fields.FileName = stored.FileName
	case fields.URL == "":
		return nil, apperr.Validation(opCreate+".missing_image", "url or imageData is required")
	}

	var created json.RawMessage
	_, err = s.store.Update(ctx, CollectionName, func(items []json.RawMessage) ([]json.RawMessage, error) {
		fields.Base = records.NewBase(s.clock(), items)
		record, mergeErr := records.Merge(raw, fields, uploadFields...)
		if mergeErr != nil {
			return nil, apperr.Validation(opCreate+".invalid_body", "request body must be a photo object")
		}
		created = record
		return append(items, record), nil
	})
	if err != nil {
		if fields.FileName != "" {
			s.discardUpload(ctx, fields.FileName)
		}
		return nil, err
	}
	s.logger.Info("photo added", zap.String("photo_id", records.FieldString(created, "id")))
	return created, nil
}

// Replace overwrites the collection verbatim. A non-empty ifVersion makes
// the write conditional.
func (s *Service) Replace(ctx context.Context, items []json.RawMessage, ifVersion store.Version) (store.Version, error) {
	version, err := s.store.Replace(ctx, CollectionName, items, ifVersion)
	if err != nil {
		return "", err
	}
	s.logger.Info("photos replaced", zap.String("operation", opReplace), zap.Int("count", len(items)))
	return version, nil
}

// Delete removes the photo with the given id and the image it owns.
func (s *Service) Delete(ctx context.Context, id string) error {
	var removed json.RawMessage
	_, err := s.store.Update(ctx, CollectionName, func(items []json.RawMessage) ([]json.RawMessage, error) {
		index := records.IndexOf(items, records.ID(id))
		if index < 0 {
			return nil, apperr.NotFound(opDelete+".not_found", "photo not found")
		}
		removed = items[index]
		return append(items[:index], items[index+1:]...), nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("photo deleted", zap.String("photo_id", id))

	fileName := records.FieldString(removed, "fileName")
	if fileName == "" {
		fileName, _ = media.FileNameFromURL(media.KindPhoto, records.FieldString(removed, "url"))
	}
	if fileName != "" {
		s.discardUpload(ctx, fileName)
	}
	return nil
}

// Open returns an uploaded photo file.
func (s *Service) Open(ctx context.Context, fileName string) (media.File, error) {
	return s.media.Open(ctx, media.KindPhoto, fileName)
}

func (s *Service) discardUpload(ctx context.Context, fileName string) {
	if err := s.media.Delete(ctx, media.KindPhoto, fileName); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		s.logger.Warn("photo file not deleted", zap.String("file", fileName), zap.Error(err))
	}
}
