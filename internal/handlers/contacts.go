package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/contacts"
	"dm-service/internal/middleware"
	"dm-service/internal/telemetry"
)

// ContactsHandler serves the contact list.
type ContactsHandler struct {
	manager *contacts.Manager
	audit   *telemetry.AuditEmitter
}

// NewContactsHandler builds a ContactsHandler.
func NewContactsHandler(manager *contacts.Manager, audit *telemetry.AuditEmitter) *ContactsHandler {
	return &ContactsHandler{manager: manager, audit: audit}
}

// ListContacts returns the caller's contacts with their current profiles.
func (h *ContactsHandler) ListContacts(c *gin.Context) {
	views, err := h.manager.ListContacts(c.Request.Context(), c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(c, err, "failed to load contacts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": views})
}

// AddContact adds the identity behind a handle.
func (h *ContactsHandler) AddContact(c *gin.Context) {
	var req struct {
		Handle string `json:"handle" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contact, err := h.manager.AddContact(c.Request.Context(), c.GetString(middleware.UserIDKey), req.Handle)
	if err != nil {
		respondError(c, err, "could not add contact")
		return
	}

	auditAction(c, h.audit, telemetry.ActionContactAdded, contact.ID)
	c.JSON(http.StatusCreated, gin.H{"contact": contact})
}

// RemoveContact deletes one of the caller's contacts.
func (h *ContactsHandler) RemoveContact(c *gin.Context) {
	contactID, ok := uuidParam(c, "contact_id")
	if !ok {
		return
	}

	if err := h.manager.RemoveContact(c.Request.Context(), c.GetString(middleware.UserIDKey), contactID); err != nil {
		respondError(c, err, "could not remove contact")
		return
	}

	auditAction(c, h.audit, telemetry.ActionContactRemoved, contactID)
	c.Status(http.StatusNoContent)
}
