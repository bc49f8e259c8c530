package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dm-service/internal/middleware"
	"dm-service/internal/notify"
	"dm-service/internal/observability"
	"dm-service/internal/thread"
)

// ThreadWebSocketHandler serves live thread sessions.
type ThreadWebSocketHandler struct {
	hub       *Hub
	validator middleware.TokenValidator
	store     thread.Store
	cmds      thread.Commands
	sub       notify.Subscriber
	opts      thread.Options
	logger    zerolog.Logger
}

// NewThreadWebSocketHandler constructs a ThreadWebSocketHandler. Every
// session gets its own synchronizer built from store, cmds, sub and opts.
func NewThreadWebSocketHandler(hub *Hub, validator middleware.TokenValidator, store thread.Store, cmds thread.Commands, sub notify.Subscriber, opts thread.Options, logger zerolog.Logger) *ThreadWebSocketHandler {
	return &ThreadWebSocketHandler{
		hub:       hub,
		validator: validator,
		store:     store,
		cmds:      cmds,
		sub:       sub,
		opts:      opts,
		logger:    logger.With().Str("component", "ws").Logger(),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and starts a thread session with peer_id.
func (h *ThreadWebSocketHandler) Handle(c *gin.Context) {
	peer, err := uuid.Parse(c.Param("peer_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}
	peerID := peer.String()

	ctx, span := otel.Tracer("dm-service/ws").Start(c.Request.Context(), "ws.handshake",
		trace.WithAttributes(attribute.String("peer_id", peerID)))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
		if token != "" {
			token = "Bearer " + token
		}
	}

	parts := strings.SplitN(token, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	session, err := h.validator.ValidateToken(ctx, parts[1])
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if session.IdentityID == peerID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open a thread with yourself"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	traceID := span.SpanContext().TraceID().String()
	meta := observability.ClientMetaFromRequest(c.Request)
	requestID := meta.RequestID
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		requestID = id
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      session.IdentityID,
		PeerID:      peerID,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}

	// the session outlives the request; keep only the trace linkage
	sessionCtx := trace.ContextWithSpanContext(context.Background(), span.SpanContext())
	synchronizer := thread.New(info.UserID, h.store, h.cmds, h.sub, h.opts)
	s := newSession(sessionCtx, conn, info, synchronizer, h.logger)
	h.hub.Add(s)

	headers := observability.BuildHeaders(requestID, traceID)
	observability.IncWSActive(wsKind)
	observability.IncWSEvent(wsKind, "ws_connect")
	_ = observability.PublishEvent(sessionCtx, wsRoutingKey, observability.WSEvent(observability.WSDetails{
		Kind:       wsKind,
		ResourceID: peerID,
		Event:      "ws_connect",
		ConnID:     info.ConnID,
	}, info.identity(), time.Time{}), headers)

	go func() {
		err := s.serve()
		closeReason := err.Error()

		h.hub.Remove(s)
		s.close()
		observability.DecWSActive(wsKind)

		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			observability.IncWSEvent(wsKind, "ws_error")
			_ = observability.PublishEvent(sessionCtx, wsRoutingKey, observability.WSEvent(observability.WSDetails{
				Kind:       wsKind,
				ResourceID: peerID,
				Event:      "ws_error",
				ConnID:     info.ConnID,
				Reason:     closeReason,
			}, info.identity(), info.ConnectedAt), headers)
		}

		observability.IncWSEvent(wsKind, "ws_disconnect")
		_ = observability.PublishEvent(sessionCtx, wsRoutingKey, observability.WSEvent(observability.WSDetails{
			Kind:       wsKind,
			ResourceID: peerID,
			Event:      "ws_disconnect",
			ConnID:     info.ConnID,
			Reason:     closeReason,
		}, info.identity(), info.ConnectedAt), headers)
	}()
}
