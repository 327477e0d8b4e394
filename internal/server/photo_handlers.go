package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/media"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/records"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListPhotos(c *gin.Context) {
	listing, err := h.photos.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	setVersion(c, listing.Version)
	c.JSON(http.StatusOK, nonNil(listing.Records))
}

func (h *httpHandler) handlePostPhotos(c *gin.Context) {
	switch action := c.Query("action"); action {
	case "":
		body, err := readJSONObject(c)
		if err != nil {
			h.respondError(c, err)
			return
		}
		record, err := h.photos.Create(c.Request.Context(), body)
		if err != nil {
			h.respondError(c, err)
			return
		}
		h.publish(ChannelPhotos, RealtimeEventPhotoAdded, records.FieldString(record, "id"))
		c.JSON(http.StatusCreated, record)
	case actionReplace:
		items, err := readJSONArray(c)
		if err != nil {
			h.respondError(c, err)
			return
		}
		version, err := h.photos.Replace(c.Request.Context(), items, ifMatchVersion(c))
		if err != nil {
			h.respondError(c, err)
			return
		}
		setVersion(c, version)
		c.JSON(http.StatusOK, replaceResponse{Success: true, Count: len(items)})
	default:
		h.respondError(c, errUnknownAction(action))
	}
}

func (h *httpHandler) handleDeletePhoto(c *gin.Context) {
	if err := h.photos.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleServePhotoFile(c *gin.Context) {
	h.serveMedia(c, media.KindPhoto, c.Param("fileName"))
}

// serveMedia redirects to a presigned URL when the backend offers one and
// streams the object otherwise.
func (h *httpHandler) serveMedia(c *gin.Context, kind media.Kind, fileName string) {
	if direct := h.media.DirectURL(c.Request.Context(), kind, fileName); direct != "" {
		c.Redirect(http.StatusFound, direct)
		return
	}
	file, err := h.media.Open(c.Request.Context(), kind, fileName)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, file.ContentType, file.Body)
}
