package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dm-service/internal/models"
	"dm-service/internal/thread"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

var (
	errBadCommand     = models.NewError(models.ErrValidation, "bad_command", "malformed command")
	errUnknownCommand = models.NewError(models.ErrValidation, "unknown_command", "unknown command type")
)

// command is a client request on a thread session.
type command struct {
	Type      string `json:"type"`
	PeerID    string `json:"peer_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// Session binds one websocket connection to one thread synchronizer.
type Session struct {
	conn   *websocket.Conn
	info   ConnInfo
	sync   *thread.Synchronizer
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSession(ctx context.Context, conn *websocket.Conn, info ConnInfo, synchronizer *thread.Synchronizer, logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		conn:   conn,
		info:   info,
		sync:   synchronizer,
		logger: logger.With().Str("conn_id", info.ConnID).Str("user_id", info.UserID).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// serve runs the session until the connection fails and returns why.
func (s *Session) serve() error {
	s.conn.SetReadLimit(maxMessageSize)

	go func() {
		if err := s.sync.Run(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("synchronizer stopped")
		}
	}()
	go s.pushSnapshots()
	go func() {
		if err := s.sync.OpenThread(s.ctx, s.info.PeerID); err != nil && s.ctx.Err() == nil {
			s.sendError(err)
		}
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

func (s *Session) pushSnapshots() {
	for snap := range s.sync.Updates() {
		event := models.ThreadEvent{
			Type:     "thread",
			PeerID:   snap.PeerID,
			State:    string(snap.State),
			Messages: snap.Messages,
		}
		if err := s.writeJSON(event); err != nil {
			s.logger.Debug().Err(err).Msg("snapshot write failed")
			s.close()
			return
		}
	}
}

func (s *Session) handle(data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.sendError(errBadCommand)
		return
	}

	switch cmd.Type {
	case "open":
		if _, err := uuid.Parse(cmd.PeerID); err != nil {
			s.sendError(thread.ErrInvalidPeer)
			return
		}
		if err := s.sync.OpenThread(s.ctx, cmd.PeerID); err != nil {
			s.sendError(err)
		}
	case "send":
		msg, err := s.sync.Send(s.ctx, cmd.Content, cmd.ReplyToID)
		if err != nil {
			s.sendError(err)
			return
		}
		if msg == nil {
			return
		}
		s.reply(models.ThreadEvent{Type: "sent", PeerID: msg.ReceiverID, Message: msg})
	case "edit":
		msg, err := s.sync.Edit(s.ctx, cmd.MessageID, cmd.Content)
		if err != nil {
			s.sendError(err)
			return
		}
		s.reply(models.ThreadEvent{Type: "edited", Message: &msg})
	case "delete":
		if err := s.sync.Delete(s.ctx, cmd.MessageID); err != nil {
			s.sendError(err)
			return
		}
		s.reply(models.ThreadEvent{Type: "deleted", Message: &models.Message{ID: cmd.MessageID}})
	default:
		s.sendError(errUnknownCommand)
	}
}

func (s *Session) reply(event models.ThreadEvent) {
	if err := s.writeJSON(event); err != nil {
		s.logger.Debug().Err(err).Str("type", event.Type).Msg("reply write failed")
	}
}

func (s *Session) sendError(err error) {
	event := models.ThreadEvent{Type: "error", Code: "internal", Error: "request failed"}
	var domainErr *models.Error
	if errors.As(err, &domainErr) {
		event.Code, event.Error = domainErr.Code, domainErr.Msg
	} else {
		s.logger.Warn().Err(err).Msg("thread command failed")
	}
	s.reply(event)
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *Session) writeControl(messageType int, data []byte) error {
	return s.conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
	})
}
