package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/messages"
	"dm-service/internal/middleware"
	"dm-service/internal/telemetry"
	"dm-service/internal/thread"
)

// ThreadHandler serves message threads over plain HTTP.
type ThreadHandler struct {
	store    thread.Store
	messages *messages.Service
	audit    *telemetry.AuditEmitter
}

// NewThreadHandler builds a ThreadHandler.
func NewThreadHandler(store thread.Store, svc *messages.Service, audit *telemetry.AuditEmitter) *ThreadHandler {
	return &ThreadHandler{store: store, messages: svc, audit: audit}
}

// GetThread returns the materialized conversation with a peer.
func (h *ThreadHandler) GetThread(c *gin.Context) {
	peerID, ok := uuidParam(c, "peer_id")
	if !ok {
		return
	}

	view, err := thread.Load(c.Request.Context(), h.store, c.GetString(middleware.UserIDKey), peerID)
	if err != nil {
		respondError(c, err, "failed to load thread")
		return
	}
	c.JSON(http.StatusOK, gin.H{"peer_id": peerID, "messages": view.Messages})
}

// PostMessage sends a message to a peer.
func (h *ThreadHandler) PostMessage(c *gin.Context) {
	peerID, ok := uuidParam(c, "peer_id")
	if !ok {
		return
	}

	var req struct {
		Content   string `json:"content"`
		ReplyToID string `json:"reply_to_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), c.GetString(middleware.UserIDKey), peerID, req.Content, req.ReplyToID)
	if err != nil {
		respondError(c, err, "could not send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// EditMessage replaces the content of the caller's message.
func (h *ThreadHandler) EditMessage(c *gin.Context) {
	messageID, ok := uuidParam(c, "message_id")
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messages.Edit(c.Request.Context(), c.GetString(middleware.UserIDKey), messageID, req.Content)
	if err != nil {
		respondError(c, err, "could not edit message")
		return
	}

	auditAction(c, h.audit, telemetry.ActionMessageEdited, messageID)
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// DeleteMessage removes the caller's message.
func (h *ThreadHandler) DeleteMessage(c *gin.Context) {
	messageID, ok := uuidParam(c, "message_id")
	if !ok {
		return
	}

	if err := h.messages.Delete(c.Request.Context(), c.GetString(middleware.UserIDKey), messageID); err != nil {
		respondError(c, err, "could not delete message")
		return
	}

	auditAction(c, h.audit, telemetry.ActionMessageDeleted, messageID)
	c.Status(http.StatusNoContent)
}
