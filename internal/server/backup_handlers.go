package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/backups"
	"github.com/gin-gonic/gin"
)

const defaultBackupCreator = "admin"

type backupRequest struct {
	BackupGroup   string   `json:"backupGroup"`
	DataTypes     []string `json:"dataTypes"`
	CreatedBy     string   `json:"createdBy"`
	RetentionDays int      `json:"retentionDays" binding:"gte=0"`
}

type backupListResponse struct {
	Backups []backups.Summary `json:"backups"`
}

type backupCreateResponse struct {
	Success bool `json:"success"`
	backups.CreateResult
}

type backupRestoreResponse struct {
	Success bool `json:"success"`
	backups.RestoreResult
}

func (h *httpHandler) handleGetBackup(c *gin.Context) {
	switch action := c.DefaultQuery("action", actionList); action {
	case actionList:
		summaries, err := h.backups.List(c.Request.Context())
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, backupListResponse{Backups: summaries})
	case actionDownload:
		download, err := h.backups.Download(c.Request.Context(), c.Query("backupGroup"), c.Query("dataType"))
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", download.FileName))
		c.Data(http.StatusOK, "application/json; charset=utf-8", download.Body)
	default:
		h.respondError(c, errUnknownAction(action))
	}
}

func (h *httpHandler) handlePostBackup(c *gin.Context) {
	var request backupRequest
	if err := bindOptionalJSON(c, &request); err != nil {
		h.respondError(c, err)
		return
	}
	group := strings.TrimSpace(request.BackupGroup)
	if group == "" {
		group = strings.TrimSpace(c.Query("backupGroup"))
	}

	switch action := c.DefaultQuery("action", actionCreate); action {
	case actionCreate:
		createdBy := strings.TrimSpace(request.CreatedBy)
		if createdBy == "" || createdBy == backups.ScheduledCreator {
			createdBy = defaultBackupCreator
		}
		result, err := h.backups.Create(c.Request.Context(), createdBy)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, backupCreateResponse{Success: true, CreateResult: result})
	case actionRestore:
		dataTypes := request.DataTypes
		if len(dataTypes) == 0 {
			if raw := c.Query("dataTypes"); raw != "" {
				dataTypes = strings.Split(raw, ",")
			}
		}
		result, err := h.backups.Restore(c.Request.Context(), group, dataTypes)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, backupRestoreResponse{Success: allSucceeded(result.Results), RestoreResult: result})
	case actionDelete:
		result, err := h.backups.Delete(c.Request.Context(), group)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "backupGroup": result.BackupGroup, "deleted": result.Deleted})
	case actionPurge:
		retention := h.backupRetention
		if request.RetentionDays > 0 {
			retention = time.Duration(request.RetentionDays) * 24 * time.Hour
		}
		result, err := h.backups.PurgeExpired(c.Request.Context(), retention)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": len(result.Errors) == 0, "deleted": result.Deleted, "errors": result.Errors})
	default:
		h.respondError(c, errUnknownAction(action))
	}
}

func allSucceeded(results []backups.TypeResult) bool {
	for _, result := range results {
		if !result.Success {
			return false
		}
	}
	return true
}
