package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/backups"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/enhance"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/media"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/photos"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/rsvps"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/store"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/wishes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	uploadEnvelopeBytes = 64 << 10

	headerETag    = "ETag"
	headerIfMatch = "If-Match"

	actionReplace  = "replace"
	actionSearch   = "search"
	actionVerify   = "verify"
	actionCreate   = "create"
	actionRestore  = "restore"
	actionDelete   = "delete"
	actionDownload = "download"
	actionList     = "list"
	actionPurge    = "purge"
)

var (
	errMissingRSVPService   = errors.New("rsvp service dependency required")
	errMissingWishService   = errors.New("wish service dependency required")
	errMissingPhotoService  = errors.New("photo service dependency required")
	errMissingMediaService  = errors.New("media service dependency required")
	errMissingBackupManager = errors.New("backup manager dependency required")
	errMissingEnhancer      = errors.New("enhance service dependency required")
	errMissingAdminKey      = errors.New("admin key verifier dependency required")
	errValidatorEngine      = errors.New("gin validator engine is not go-playground/validator")

	registerValidatorsOnce sync.Once
	registerValidatorsErr  error
)

// Dependencies wires the services behind the HTTP surface.
type Dependencies struct {
	RSVPs           *rsvps.Service
	Wishes          *wishes.Service
	Photos          *photos.Service
	Media           *media.Service
	Backups         *backups.Manager
	Enhancer        *enhance.Service
	AdminKey        *auth.AdminKeyVerifier
	Realtime        *RealtimeDispatcher
	BackupRetention time.Duration
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the invitation API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.RSVPs == nil:
		return nil, errMissingRSVPService
	case deps.Wishes == nil:
		return nil, errMissingWishService
	case deps.Photos == nil:
		return nil, errMissingPhotoService
	case deps.Media == nil:
		return nil, errMissingMediaService
	case deps.Backups == nil:
		return nil, errMissingBackupManager
	case deps.Enhancer == nil:
		return nil, errMissingEnhancer
	case deps.AdminKey == nil:
		return nil, errMissingAdminKey
	}
	if err := registerValidators(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	handler := &httpHandler{
		rsvps:           deps.RSVPs,
		wishes:          deps.Wishes,
		photos:          deps.Photos,
		media:           deps.Media,
		backups:         deps.Backups,
		enhancer:        deps.Enhancer,
		adminKey:        deps.AdminKey,
		realtime:        realtime,
		backupRetention: deps.BackupRetention,
		logger:          logger,
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	router.GET("/rsvps", handler.handleListRSVPs)
	router.POST("/rsvps", handler.handlePostRSVPs)
	router.PUT("/rsvps/:id", handler.handleUpdateRSVP)
	router.DELETE("/rsvps/:id", handler.handleDeleteRSVP)

	router.GET("/wishes", handler.handleListWishes)
	router.POST("/wishes", handler.handlePostWishes)
	router.PUT("/wishes/:id/approval", handler.requireAdmin, handler.handleSetWishApproval)
	router.DELETE("/wishes/:id", handler.requireAdmin, handler.handleDeleteWish)

	router.GET("/photos", handler.handleListPhotos)
	router.POST("/photos", handler.limitUploadBody, handler.handlePostPhotos)
	router.DELETE("/photos/:id", handler.requireAdmin, handler.handleDeletePhoto)
	router.GET("/photos/files/:fileName", handler.handleServePhotoFile)

	router.GET("/backup", handler.requireAdmin, handler.handleGetBackup)
	router.POST("/backup", handler.requireAdmin, handler.handlePostBackup)

	router.POST("/enhance-wish", handler.handleEnhanceWish)

	router.POST("/audio-wishes", handler.limitUploadBody, handler.handleUploadAudio)
	router.GET("/audio-wishes", handler.handleServeAudio)
	router.DELETE("/audio-wishes", handler.requireAdmin, handler.handleDeleteAudio)

	router.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type", "Authorization", headerIfMatch, auth.AdminKeyHeader},
		ExposeHeaders:   []string{headerETag},
		MaxAge:          12 * time.Hour,
	})
}

// registerValidators installs the custom binding rules on gin's validator.
func registerValidators() error {
	registerValidatorsOnce.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerValidatorsErr = errValidatorEngine
			return
		}
		registerValidatorsErr = engine.RegisterValidation("trimmed_email", func(fl validator.FieldLevel) bool {
			return engine.Var(strings.TrimSpace(fl.Field().String()), "required,email") == nil
		})
	})
	return registerValidatorsErr
}

type httpHandler struct {
	rsvps           *rsvps.Service
	wishes          *wishes.Service
	photos          *photos.Service
	media           *media.Service
	backups         *backups.Manager
	enhancer        *enhance.Service
	adminKey        *auth.AdminKeyVerifier
	realtime        *RealtimeDispatcher
	backupRetention time.Duration
	logger          *zap.Logger
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	var appErr *apperr.Error
	code := ""
	if errors.As(err, &appErr) {
		code = appErr.Code()
	}
	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", status),
		zap.String("code", code),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.PublicMessage(err)})
}

// requireAdmin aborts unless the request carries the configured admin key.
func (h *httpHandler) requireAdmin(c *gin.Context) {
	if err := h.checkAdmin(c); err != nil {
		h.respondError(c, err)
		return
	}
	c.Next()
}

func (h *httpHandler) checkAdmin(c *gin.Context) error {
	err := h.adminKey.VerifyRequest(c.Request)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrAdminKeyNotConfigured):
		return apperr.Configuration("auth.admin_key.not_configured", "admin key is not configured", err)
	default:
		h.logger.Warn("admin key rejected", zap.String("path", c.FullPath()))
		return apperr.Unauthorized("auth.admin_key.invalid", "Unauthorized")
	}
}

// limitUploadBody caps media upload bodies at the base64 size of the largest
// accepted file plus room for the JSON envelope.
func (h *httpHandler) limitUploadBody(c *gin.Context) {
	if c.Request.Body != nil {
		limit := (h.media.MaxBytes()+2)/3*4 + uploadEnvelopeBytes
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}
	c.Next()
}

func bodyReadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.Validation("request.body_too_large", fmt.Sprintf("request body exceeds the %d byte limit", tooLarge.Limit))
	}
	return apperr.Validation("request.body_unreadable", "request body could not be read")
}

func readJSONBody(c *gin.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, bodyReadError(err)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, apperr.Validation("request.invalid_json", "Invalid JSON body")
	}
	return json.RawMessage(trimmed), nil
}

func readJSONObject(c *gin.Context) (json.RawMessage, error) {
	body, err := readJSONBody(c)
	if err != nil {
		return nil, err
	}
	if body[0] != '{' {
		return nil, apperr.Validation("request.not_object", "request body must be a JSON object")
	}
	return body, nil
}

func readJSONArray(c *gin.Context) ([]json.RawMessage, error) {
	body, err := readJSONBody(c)
	if err != nil {
		return nil, err
	}
	if body[0] != '[' {
		return nil, apperr.Validation("request.not_array", "request body must be an array")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, apperr.Validation("request.invalid_json", "Invalid JSON body")
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}

func bindJSON(c *gin.Context, target any) error {
	if err := c.ShouldBindJSON(target); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
			field := validationErrs[0]
			return apperr.Validation("request.invalid_field", fmt.Sprintf("%s is invalid", lowerFirst(field.Field())))
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return bodyReadError(err)
		}
		return apperr.Validation("request.invalid_json", "Invalid JSON body")
	}
	return nil
}

// bindOptionalJSON binds target only when the request carries a body.
func bindOptionalJSON(c *gin.Context, target any) error {
	if c.Request.Body == nil {
		return nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return bodyReadError(err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return bindJSON(c, target)
}

func lowerFirst(value string) string {
	if value == "" {
		return value
	}
	return strings.ToLower(value[:1]) + value[1:]
}

func setVersion(c *gin.Context, version store.Version) {
	if tag := blob.NormalizeETag(string(version)); tag != "" {
		c.Header(headerETag, `"`+tag+`"`)
	}
}

// ifMatchVersion reads an optional If-Match precondition. "*" and an absent
// header impose no condition.
func ifMatchVersion(c *gin.Context) store.Version {
	value := blob.NormalizeETag(c.GetHeader(headerIfMatch))
	if value == "*" {
		return ""
	}
	return store.Version(value)
}

func errUnknownAction(action string) error {
	return apperr.Validation("request.unknown_action", fmt.Sprintf("unknown action %q", action))
}

func errUnknownChannel(channel string) error {
	return apperr.Validation("events.unknown_channel", fmt.Sprintf("unknown channel %q", channel))
}

type replaceResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}
