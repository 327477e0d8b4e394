// Package wishes manages guest wishes and their moderation.
package wishes

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/media"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/records"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/store"
	"go.uber.org/zap"
)

const (
	opCreate   = "wishes.create"
	opReplace  = "wishes.replace"
	opApproval = "wishes.set_approval"
	opDelete   = "wishes.delete"
)

var (
	errMissingStore = errors.New("collection store is required")
	noOpLogger      = zap.NewNop()
)

// ServiceConfig describes the collaborators of Service. Media is optional;
// when set, deleting a wish also deletes its uploaded audio.
type ServiceConfig struct {
	Store  *store.Store
	Media  *media.Service
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service implements wish operations on top of the collection store.
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
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, media: cfg.Media, clock: clock, logger: logger}, nil
}

// ListAll returns every wish regardless of moderation state.
func (s *Service) ListAll(ctx context.Context) (Listing, error) {
	document, err := s.store.Load(ctx, CollectionName)
	if err != nil {
		return Listing{}, err
	}
	return Listing{Records: document.Records, Version: document.Version}, nil
}

// ListPublic returns wishes that are approved or predate moderation.
func (s *Service) ListPublic(ctx context.Context) (Listing, error) {
	listing, err := s.ListAll(ctx)
	if err != nil {
		return Listing{}, err
	}
	visible := make([]json.RawMessage, 0, len(listing.Records))
	for _, raw := range listing.Records {
		if ModerationOf(raw).Public() {
			visible = append(visible, raw)
		}
	}
	listing.Records = visible
	return listing, nil
}

// Create validates raw, rejects a second wish from the same email and
// appends the wish as pending.
func (s *Service) Create(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	view, err := records.Decode[Wish](raw)
	if err != nil {
		return nil, apperr.Validation(opCreate+".invalid_body", "request body must be a wish object")
	}
	if message, ok := view.validate(); !ok {
		return nil, apperr.Validation(opCreate+".invalid_fields", message)
	}
	email := records.NormalizeEmail(view.Email)

	var created json.RawMessage
	_, err = s.store.Update(ctx, CollectionName, func(items []json.RawMessage) ([]json.RawMessage, error) {
		for _, existing := range items {
			if records.NormalizeEmail(records.FieldString(existing, "email")) == email {
				return nil, apperr.Conflict(opCreate+".duplicate_email", "A wish from this email already exists", nil)
			}
		}
		fields := newWishFields{Base: records.NewBase(s.clock(), items), Approved: false}
		record, mergeErr := records.Merge(raw, fields)
		if mergeErr != nil {
			return nil, apperr.Validation(opCreate+".invalid_body", "request body must be a wish object")
		}
		created = record
		return append(items, record), nil
	})
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			s.logger.Info("duplicate wish rejected", zap.String("operation", opCreate))
		}
		return nil, err
	}
	s.logger.Info("wish created", zap.String("wish_id", records.FieldString(created, "id")))
	return created, nil
}

// Replace overwrites the collection verbatim. A non-empty ifVersion makes
// the write conditional.
func (s *Service) Replace(ctx context.Context, items []json.RawMessage, ifVersion store.Version) (store.Version, error) {
	version, err := s.store.Replace(ctx, CollectionName, items, ifVersion)
	if err != nil {
		return "", err
	}
	s.logger.Info("wishes replaced", zap.String("operation", opReplace), zap.Int("count", len(items)))
	return version, nil
}

// SetApproval moves the wish with the given id to approved or pending.
func (s *Service) SetApproval(ctx context.Context, id string, approved bool) (json.RawMessage, error) {
	var updated json.RawMessage
	_, err := s.store.Update(ctx, CollectionName, func(items []json.RawMessage) ([]json.RawMessage, error) {
		index := records.IndexOf(items, records.ID(id))
		if index < 0 {
			return nil, apperr.NotFound(opApproval+".not_found", "wish not found")
		}
		merged, mergeErr := records.Merge(items[index], approvalState{Approved: approved})
		if mergeErr != nil {
			return nil, apperr.Internal(opApproval+".merge_failed", "stored wish is malformed", mergeErr)
		}
		items[index] = merged
		updated = merged
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("wish moderated", zap.String("wish_id", id), zap.Bool("approved", approved))
	return updated, nil
}

// Delete removes the wish with the given id together with its uploaded audio.
func (s *Service) Delete(ctx context.Context, id string) error {
	var removed json.RawMessage
	_, err := s.store.Update(ctx, CollectionName, func(items []json.RawMessage) ([]json.RawMessage, error) {
		index := records.IndexOf(items, records.ID(id))
		if index < 0 {
			return nil, apperr.NotFound(opDelete+".not_found", "wish not found")
		}
		removed = items[index]
		return append(items[:index], items[index+1:]...), nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("wish deleted", zap.String("wish_id", id))

	if s.media == nil {
		return nil
	}
	fileName, owned := media.FileNameFromURL(media.KindAudio, records.FieldString(removed, "audioUrl"))
	if !owned {
		return nil
	}
	if err := s.media.Delete(ctx, media.KindAudio, fileName); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		s.logger.Warn("wish audio not deleted", zap.String("wish_id", id), zap.String("file", fileName), zap.Error(err))
	}
	return nil
}
