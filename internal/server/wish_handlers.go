package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/records"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/wishes"
	"github.com/gin-gonic/gin"
)

type approvalRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

// handleListWishes returns the public wall, or every wish when the request
// carries a valid admin key.
func (h *httpHandler) handleListWishes(c *gin.Context) {
	var (
		listing wishes.Listing
		err     error
	)
	if strings.TrimSpace(c.GetHeader(auth.AdminKeyHeader)) != "" {
		if err := h.checkAdmin(c); err != nil {
			h.respondError(c, err)
			return
		}
		listing, err = h.wishes.ListAll(c.Request.Context())
	} else {
		listing, err = h.wishes.ListPublic(c.Request.Context())
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	setVersion(c, listing.Version)
	c.JSON(http.StatusOK, nonNil(listing.Records))
}

func (h *httpHandler) handlePostWishes(c *gin.Context) {
	switch action := c.Query("action"); action {
	case "":
		body, err := readJSONObject(c)
		if err != nil {
			h.respondError(c, err)
			return
		}
		record, err := h.wishes.Create(c.Request.Context(), body)
		if err != nil {
			h.respondError(c, err)
			return
		}
		h.publish(ChannelWishes, RealtimeEventWishCreated, records.FieldString(record, "id"))
		c.JSON(http.StatusCreated, record)
	case actionReplace:
		items, err := readJSONArray(c)
		if err != nil {
			h.respondError(c, err)
			return
		}
		version, err := h.wishes.Replace(c.Request.Context(), items, ifMatchVersion(c))
		if err != nil {
			h.respondError(c, err)
			return
		}
		h.publish(ChannelWishes, RealtimeEventWishModerated, "")
		setVersion(c, version)
		c.JSON(http.StatusOK, replaceResponse{Success: true, Count: len(items)})
	default:
		h.respondError(c, errUnknownAction(action))
	}
}

func (h *httpHandler) handleSetWishApproval(c *gin.Context) {
	var request approvalRequest
	if err := bindJSON(c, &request); err != nil {
		h.respondError(c, err)
		return
	}
	id := c.Param("id")
	record, err := h.wishes.SetApproval(c.Request.Context(), id, *request.Approved)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(ChannelWishes, RealtimeEventWishModerated, id)
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDeleteWish(c *gin.Context) {
	id := c.Param("id")
	if err := h.wishes.Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(ChannelWishes, RealtimeEventWishModerated, id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
