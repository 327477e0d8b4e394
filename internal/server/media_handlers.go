package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/media"
	"github.com/gin-gonic/gin"
)

type audioUploadRequest struct {
	AudioData   string `json:"audioData" binding:"required"`
	ContentType string `json:"contentType"`
}

type audioUploadResponse struct {
	Success     bool   `json:"success"`
	AudioURL    string `json:"audioUrl"`
	FileName    string `json:"fileName"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

type enhanceRequest struct {
	Message string `json:"message" binding:"required"`
}

func (h *httpHandler) handleUploadAudio(c *gin.Context) {
	var request audioUploadRequest
	if err := bindJSON(c, &request); err != nil {
		h.respondError(c, err)
		return
	}
	stored, err := h.media.Upload(c.Request.Context(), media.KindAudio, request.AudioData, request.ContentType)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, audioUploadResponse{
		Success:     true,
		AudioURL:    stored.URL,
		FileName:    stored.FileName,
		Size:        stored.Size,
		ContentType: stored.ContentType,
	})
}

func (h *httpHandler) handleServeAudio(c *gin.Context) {
	fileName, err := audioFileName(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.serveMedia(c, media.KindAudio, fileName)
}

func (h *httpHandler) handleDeleteAudio(c *gin.Context) {
	fileName, err := audioFileName(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.media.Delete(c.Request.Context(), media.KindAudio, fileName); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "fileName": fileName})
}

func audioFileName(c *gin.Context) (string, error) {
	fileName := strings.TrimSpace(c.Query("fileName"))
	if fileName == "" {
		return "", apperr.Validation("media.missing_file_name", "fileName is required")
	}
	return fileName, nil
}

func (h *httpHandler) handleEnhanceWish(c *gin.Context) {
	var request enhanceRequest
	if err := bindJSON(c, &request); err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.enhancer.Enhance(c.Request.Context(), request.Message)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
