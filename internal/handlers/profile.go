package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/directory"
	"dm-service/internal/middleware"
	"dm-service/internal/telemetry"
)

// ProfileHandler serves profile and directory endpoints.
type ProfileHandler struct {
	dir   *directory.Service
	audit *telemetry.AuditEmitter
}

// NewProfileHandler builds a ProfileHandler.
func NewProfileHandler(dir *directory.Service, audit *telemetry.AuditEmitter) *ProfileHandler {
	return &ProfileHandler{dir: dir, audit: audit}
}

// Register creates the caller's profile on first login.
func (h *ProfileHandler) Register(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.DisplayName == "" {
		req.DisplayName = c.GetString(middleware.DisplayNameKey)
	}

	userID := c.GetString(middleware.UserIDKey)
	identity, created, err := h.dir.Register(c.Request.Context(), userID, req.DisplayName)
	if err != nil {
		respondError(c, err, "could not register profile")
		return
	}

	if !created {
		c.JSON(http.StatusOK, gin.H{"profile": identity})
		return
	}
	auditAction(c, h.audit, telemetry.ActionProfileRegistered, identity.ID)
	c.JSON(http.StatusCreated, gin.H{"profile": identity})
}

// GetProfile returns the caller's profile.
func (h *ProfileHandler) GetProfile(c *gin.Context) {
	identity, err := h.dir.Profile(c.Request.Context(), c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(c, err, "failed to load profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": identity})
}

// UpdateProfile changes the caller's display name and/or avatar color.
func (h *ProfileHandler) UpdateProfile(c *gin.Context) {
	var req struct {
		DisplayName *string `json:"display_name"`
		AvatarColor *string `json:"avatar_color"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString(middleware.UserIDKey)
	identity, err := h.dir.UpdateProfile(c.Request.Context(), userID, userID, directory.ProfileUpdate{
		DisplayName: req.DisplayName,
		AvatarColor: req.AvatarColor,
	})
	if err != nil {
		respondError(c, err, "could not update profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": identity})
}

// RegenerateHandle gives the caller a fresh handle.
func (h *ProfileHandler) RegenerateHandle(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	handle, err := h.dir.Regenerate(c.Request.Context(), userID, userID)
	if err != nil {
		respondError(c, err, "could not allocate a new handle")
		return
	}

	auditAction(c, h.audit, telemetry.ActionHandleRegenerated, userID)
	c.JSON(http.StatusOK, gin.H{"handle": handle})
}

// LookupHandle resolves a handle to the identity behind it.
func (h *ProfileHandler) LookupHandle(c *gin.Context) {
	summary, found, err := h.dir.Lookup(c.Request.Context(), c.Param("handle"))
	if err != nil {
		respondError(c, err, "lookup failed")
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "handle not found"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
