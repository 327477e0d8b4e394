package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/auth"
	"github.com/gin-gonic/gin"
)

type pinSearchRequest struct {
	Email string `json:"email" binding:"omitempty,trimmed_email"`
}

type pinVerifyRequest struct {
	Email string `json:"email" binding:"required,trimmed_email"`
	PIN   string `json:"pin" binding:"required,len=4,numeric"`
}

type createdRSVPResponse struct {
	Success bool            `json:"success"`
	RSVP    json.RawMessage `json:"rsvp"`
}

type verifyResponse struct {
	Verified  bool            `json:"verified"`
	Token     string          `json:"token"`
	ExpiresIn int64           `json:"expiresIn"`
	RSVP      json.RawMessage `json:"rsvp"`
}

func (h *httpHandler) handleListRSVPs(c *gin.Context) {
	if email, ok := c.GetQuery("email"); ok {
		record, err := h.rsvps.FindByEmail(c.Request.Context(), email)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
		return
	}

	listing, err := h.rsvps.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	setVersion(c, listing.Version)
	c.JSON(http.StatusOK, nonNil(listing.Records))
}

func (h *httpHandler) handlePostRSVPs(c *gin.Context) {
	switch action := c.Query("action"); action {
	case "":
		h.createRSVP(c)
	case actionSearch:
		h.searchRSVP(c)
	case actionVerify:
		h.verifyRSVP(c)
	case actionReplace:
		items, err := readJSONArray(c)
		if err != nil {
			h.respondError(c, err)
			return
		}
		version, err := h.rsvps.Replace(c.Request.Context(), items, ifMatchVersion(c))
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

func (h *httpHandler) createRSVP(c *gin.Context) {
	body, err := readJSONObject(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	record, err := h.rsvps.Create(c.Request.Context(), body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createdRSVPResponse{Success: true, RSVP: record})
}

// searchRSVP accepts the email from the query string or from a JSON body.
func (h *httpHandler) searchRSVP(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		var request pinSearchRequest
		if err := bindOptionalJSON(c, &request); err != nil {
			h.respondError(c, err)
			return
		}
		email = strings.TrimSpace(request.Email)
	}
	result, err := h.rsvps.RequestPIN(c.Request.Context(), email)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) verifyRSVP(c *gin.Context) {
	var request pinVerifyRequest
	if err := bindJSON(c, &request); err != nil {
		h.respondError(c, err)
		return
	}
	verification, err := h.rsvps.VerifyPIN(c.Request.Context(), request.Email, request.PIN)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, verifyResponse{
		Verified:  true,
		Token:     verification.Token,
		ExpiresIn: verification.ExpiresIn,
		RSVP:      verification.RSVP,
	})
}

func (h *httpHandler) handleUpdateRSVP(c *gin.Context) {
	id := c.Param("id")
	if err := h.authorizeRSVP(c, id); err != nil {
		h.respondError(c, err)
		return
	}
	body, err := readJSONObject(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	record, err := h.rsvps.Update(c.Request.Context(), id, body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, createdRSVPResponse{Success: true, RSVP: record})
}

func (h *httpHandler) handleDeleteRSVP(c *gin.Context) {
	id := c.Param("id")
	if err := h.authorizeRSVP(c, id); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.rsvps.Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// authorizeRSVP accepts either the admin key or an edit token issued for id.
func (h *httpHandler) authorizeRSVP(c *gin.Context, id string) error {
	if strings.TrimSpace(c.GetHeader(auth.AdminKeyHeader)) != "" {
		return h.checkAdmin(c)
	}
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		return apperr.Unauthorized("rsvps.authorize.missing_token", "Unauthorized")
	}
	return h.rsvps.Authorize(token, id)
}

func nonNil(items []json.RawMessage) []json.RawMessage {
	if items == nil {
		return []json.RawMessage{}
	}
	return items
}
