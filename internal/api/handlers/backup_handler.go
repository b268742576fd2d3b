package handlers

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/netgate/internal/api/middleware"
	"github.com/Wikid82/netgate/internal/services"
)

type BackupHandler struct {
	service *services.BackupService
}

func NewBackupHandler(service *services.BackupService) *BackupHandler {
	return &BackupHandler{service: service}
}

func (h *BackupHandler) RegisterRoutes(r *gin.RouterGroup) {
	backups := r.Group("/backups")
	backups.GET("", h.List)
	backups.POST("", h.Create)
	backups.GET("/:filename/download", h.Download)
	backups.POST("/:filename/restore", h.Restore)
	backups.DELETE("/:filename", h.Delete)
}

func (h *BackupHandler) List(c *gin.Context) {
	backups, err := h.service.ListBackups()
	if err != nil {
		respondError(c, "list_backups", err)
		return
	}
	c.JSON(http.StatusOK, backups)
}

func (h *BackupHandler) Create(c *gin.Context) {
	filename, err := h.service.CreateBackup()
	if err != nil {
		respondError(c, "create_backup", err)
		return
	}
	middleware.GetRequestLogger(c).WithField("action", "create_backup").WithField("filename", filename).Info("Backup created successfully")
	c.JSON(http.StatusCreated, gin.H{"filename": filename, "message": "Backup created successfully"})
}

func (h *BackupHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteBackup(c.Param("filename")); err != nil {
		respondError(c, "delete_backup", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Backup deleted"})
}

func (h *BackupHandler) Download(c *gin.Context) {
	filename := c.Param("filename")
	path, err := h.service.GetBackupPath(filename)
	if err != nil {
		respondError(c, "download_backup", err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		respondError(c, "download_backup", err)
		return
	}
	c.FileAttachment(path, filename)
}

// Restore replaces the live rule set with a backup. Pending requests the
// restored rules cover are released by the rule store's change hook.
func (h *BackupHandler) Restore(c *gin.Context) {
	filename := c.Param("filename")
	n, err := h.service.RestoreBackup(filename)
	if err != nil {
		respondError(c, "restore_backup", err)
		return
	}
	middleware.GetRequestLogger(c).WithField("action", "restore_backup").WithField("filename", filename).Info("Backup restored successfully")
	c.JSON(http.StatusOK, gin.H{"message": "Backup restored", "rules": n})
}
