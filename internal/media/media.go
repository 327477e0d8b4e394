// Package media stores uploaded audio wishes and photo files in blob storage.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/blob"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind selects the container and accepted content types of an upload.
type Kind string

const (
	KindAudio Kind = "audio-wishes"
	KindPhoto Kind = "photos"
)

const (
	defaultMaxBytes = 10 << 20
	defaultURLTTL   = time.Hour

	opUpload = "media.upload"
	opOpen   = "media.open"
	opDelete = "media.delete"
)

var extensions = map[string]string{
	"audio/webm":  ".webm",
	"audio/ogg":   ".ogg",
	"audio/mpeg":  ".mp3",
	"audio/mp4":   ".m4a",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"image/jpeg":  ".jpg",
	"image/png":   ".png",
	"image/gif":   ".gif",
	"image/webp":  ".webp",
}

// Stored describes an uploaded object.
type Stored struct {
	FileName    string `json:"fileName"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// File is an opened object ready for streaming.
type File struct {
	FileName    string
	ContentType string
	Body        []byte
}

// Config describes the collaborators of Service.
type Config struct {
	Blob     blob.Store
	MaxBytes int64
	URLTTL   time.Duration
	Logger   *zap.Logger
}

// Service uploads, opens and deletes media objects.
type Service struct {
	blob     blob.Store
	maxBytes int64
	urlTTL   time.Duration
	logger   *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Blob == nil {
		return nil, fmt.Errorf("media: blob store is required")
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = defaultURLTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{blob: cfg.Blob, maxBytes: maxBytes, urlTTL: ttl, logger: logger}, nil
}

// MaxBytes is the largest decoded file Upload accepts.
func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// Upload decodes a base64 payload or data URL and stores it under a fresh name.
func (s *Service) Upload(ctx context.Context, kind Kind, data, contentType string) (Stored, error) {
	payload, declaredType, err := decodePayload(data)
	if err != nil {
		return Stored{}, apperr.Validation(opUpload+".invalid_payload", err.Error())
	}
	if len(payload) == 0 {
		return Stored{}, apperr.Validation(opUpload+".empty_payload", "file data is required")
	}
	if int64(len(payload)) > s.maxBytes {
		return Stored{}, apperr.Validation(opUpload+".too_large", fmt.Sprintf("file exceeds the %d byte limit", s.maxBytes))
	}

	resolvedType, err := resolveContentType(kind, declaredType, contentType)
	if err != nil {
		return Stored{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Stored{}, apperr.Internal(opUpload+".id_failed", "failed to name upload", err)
	}
	fileName := id.String() + extensions[resolvedType]

	if _, err := s.blob.Put(ctx, string(kind), fileName, payload, blob.PutOptions{ContentType: resolvedType, IfNoneMatch: true}); err != nil {
		return Stored{}, s.storageError(opUpload, kind, fileName, err)
	}
	s.logger.Info("media uploaded", zap.String("kind", string(kind)), zap.String("file", fileName), zap.Int("bytes", len(payload)))

	return Stored{FileName: fileName, URL: URL(kind, fileName), Size: int64(len(payload)), ContentType: resolvedType}, nil
}

// Open loads a stored object.
func (s *Service) Open(ctx context.Context, kind Kind, fileName string) (File, error) {
	if err := validateFileName(fileName); err != nil {
		return File{}, err
	}
	object, err := s.blob.Get(ctx, string(kind), fileName)
	if err != nil {
		return File{}, s.storageError(opOpen, kind, fileName, err)
	}
	contentType := object.Info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return File{FileName: fileName, ContentType: contentType, Body: object.Body}, nil
}

// Delete removes a stored object.
func (s *Service) Delete(ctx context.Context, kind Kind, fileName string) error {
	if err := validateFileName(fileName); err != nil {
		return err
	}
	if err := s.blob.Delete(ctx, string(kind), fileName); err != nil {
		return s.storageError(opDelete, kind, fileName, err)
	}
	s.logger.Info("media deleted", zap.String("kind", string(kind)), zap.String("file", fileName))
	return nil
}

// DirectURL returns a presigned download URL when the backend supports it.
// An empty string means the object must be served through the API.
func (s *Service) DirectURL(ctx context.Context, kind Kind, fileName string) string {
	presigner, ok := s.blob.(blob.Presigner)
	if !ok || validateFileName(fileName) != nil {
		return ""
	}
	signed, err := presigner.PresignGet(ctx, string(kind), fileName, s.urlTTL)
	if err != nil {
		s.logger.Warn("presign failed", zap.String("kind", string(kind)), zap.String("file", fileName), zap.Error(err))
		return ""
	}
	return signed
}

// URL is the stable API path that serves fileName.
func URL(kind Kind, fileName string) string {
	switch kind {
	case KindAudio:
		return "/audio-wishes?fileName=" + url.QueryEscape(fileName)
	default:
		return "/photos/files/" + url.PathEscape(fileName)
	}
}

// FileNameFromURL recovers the object name from a URL produced by URL.
func FileNameFromURL(kind Kind, raw string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	var name string
	switch kind {
	case KindAudio:
		if parsed.Path != "/audio-wishes" {
			return "", false
		}
		name = parsed.Query().Get("fileName")
	default:
		if !strings.HasPrefix(parsed.Path, "/photos/files/") {
			return "", false
		}
		name = strings.TrimPrefix(parsed.Path, "/photos/files/")
	}
	if validateFileName(name) != nil {
		return "", false
	}
	return name, true
}

func (s *Service) storageError(operation string, kind Kind, fileName string, err error) error {
	switch {
	case errors.Is(err, blob.ErrNotFound):
		return apperr.NotFound(operation+".not_found", "file not found")
	case errors.Is(err, blob.ErrNotConfigured):
		return apperr.Configuration(operation+".not_configured", "storage is not configured", err)
	}
	s.logger.Error("media storage error",
		zap.String("operation", operation),
		zap.String("kind", string(kind)),
		zap.String("file", fileName),
		zap.Error(err),
	)
	return apperr.Internal(operation+".backend_failed", "media storage operation failed", err)
}

func decodePayload(data string) ([]byte, string, error) {
	trimmed := strings.TrimSpace(data)
	declaredType := ""
	if strings.HasPrefix(trimmed, "data:") {
		header, encoded, found := strings.Cut(trimmed, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return nil, "", fmt.Errorf("data URL must be base64 encoded")
		}
		declaredType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		if semicolon := strings.Index(declaredType, ";"); semicolon >= 0 {
			declaredType = declaredType[:semicolon]
		}
		trimmed = encoded
	}
	payload, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		payload, err = base64.RawStdEncoding.DecodeString(trimmed)
	}
	if err != nil {
		return nil, "", fmt.Errorf("file data is not valid base64")
	}
	return payload, strings.ToLower(strings.TrimSpace(declaredType)), nil
}

func resolveContentType(kind Kind, declared, supplied string) (string, error) {
	contentType := strings.ToLower(strings.TrimSpace(supplied))
	if semicolon := strings.Index(contentType, ";"); semicolon >= 0 {
		contentType = strings.TrimSpace(contentType[:semicolon])
	}
	if contentType == "" {
		contentType = declared
	}
	prefix := "image/"
	fallback := "image/jpeg"
	if kind == KindAudio {
		prefix = "audio/"
		fallback = "audio/webm"
	}
	if contentType == "" {
		return fallback, nil
	}
	if !strings.HasPrefix(contentType, prefix) {
		return "", apperr.Validation(opUpload+".invalid_content_type", fmt.Sprintf("content type must be %s*", prefix))
	}
	return contentType, nil
}

func validateFileName(fileName string) error {
	if strings.TrimSpace(fileName) == "" {
		return apperr.Validation("media.file_name.missing", "fileName is required")
	}
	if strings.ContainsAny(fileName, "/\\") || strings.Contains(fileName, "..") {
		return apperr.Validation("media.file_name.invalid", "fileName is invalid")
	}
	return nil
}
