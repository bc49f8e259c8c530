package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	grpcclient "dm-service/internal/grpc"
	"dm-service/internal/models"
	"dm-service/internal/notify"
	"dm-service/internal/thread"
)

const (
	alice = "11111111-1111-4111-8111-111111111111"
	bob   = "22222222-2222-4222-8222-222222222222"

	firstID  = "018f3a2b-0000-7000-8000-000000000001"
	secondID = "018f3a2b-0000-7000-8000-000000000002"
)

type staticValidator map[string]grpcclient.Session

func (v staticValidator) ValidateToken(_ context.Context, token string) (grpcclient.Session, error) {
	session, ok := v[token]
	if !ok {
		return grpcclient.Session{}, grpcclient.ErrInvalidToken
	}
	return session, nil
}

type memStore struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (s *memStore) ListThread(_ context.Context, userID, peerID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.msgs {
		if m.InPair(userID, peerID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) GetMessage(_ context.Context, messageID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ID == messageID {
			return m, nil
		}
	}
	return models.Message{}, errors.New("not found")
}

func (s *memStore) GetIdentities(_ context.Context, ids []string) ([]models.Identity, error) {
	out := make([]models.Identity, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Identity{ID: id, DisplayName: "Bob"})
	}
	return out, nil
}

type commandsMock struct {
	mock.Mock
}

func (m *commandsMock) Send(ctx context.Context, senderID, receiverID, content, replyToID string) (models.Message, error) {
	args := m.Called(ctx, senderID, receiverID, content, replyToID)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *commandsMock) Edit(ctx context.Context, callerID, messageID, content string) (models.Message, error) {
	args := m.Called(ctx, callerID, messageID, content)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *commandsMock) Delete(ctx context.Context, callerID, messageID string) error {
	args := m.Called(ctx, callerID, messageID)
	return args.Error(0)
}

type wsEnv struct {
	hub    *Hub
	store  *memStore
	cmds   *commandsMock
	server *httptest.Server
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &wsEnv{hub: NewHub(), store: &memStore{}, cmds: &commandsMock{}}
	validator := staticValidator{
		"alice-token": {IdentityID: alice, DisplayName: "Alice"},
	}
	handler := NewThreadWebSocketHandler(env.hub, validator, env.store, env.cmds, notify.NewBroker(4), thread.Options{}, zerolog.Nop())

	router := gin.New()
	router.GET("/ws/threads/:peer_id", handler.Handle)
	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

func (e *wsEnv) url(peer, token string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/threads/" + peer + "?token=" + token
}

func (e *wsEnv) dial(t *testing.T, peer string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url(peer, "alice-token"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(models.ThreadEvent) bool) models.ThreadEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var event models.ThreadEvent
		require.NoError(t, conn.ReadJSON(&event))
		if match(event) {
			return event
		}
	}
}

func ofType(typ string) func(models.ThreadEvent) bool {
	return func(e models.ThreadEvent) bool { return e.Type == typ }
}

func readyThread(e models.ThreadEvent) bool {
	return e.Type == "thread" && e.State == string(thread.StateReady)
}

func TestThreadWebSocketRejectsHandshake(t *testing.T) {
	env := newWSEnv(t)

	cases := []struct {
		name   string
		peer   string
		token  string
		status int
	}{
		{"bad peer", "not-a-uuid", "alice-token", http.StatusBadRequest},
		{"bad token", bob, "nope", http.StatusUnauthorized},
		{"self", alice, "alice-token", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(env.url(tc.peer, tc.token), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestThreadWebSocketStreamsSnapshotsAndCommands(t *testing.T) {
	env := newWSEnv(t)
	env.store.msgs = []models.Message{{
		ID: firstID, SenderID: bob, ReceiverID: alice, Content: "hi alice", CreatedAt: time.Now().Add(-time.Minute),
	}}

	conn := env.dial(t, bob)

	first := readUntil(t, conn, readyThread)
	assert.Equal(t, bob, first.PeerID)
	require.Len(t, first.Messages, 1)
	assert.Equal(t, "hi alice", first.Messages[0].Content)
	require.Eventually(t, func() bool { return env.hub.Count(alice) == 1 }, time.Second, 10*time.Millisecond)

	sent := models.Message{ID: secondID, SenderID: alice, ReceiverID: bob, Content: "hey", CreatedAt: time.Now()}
	env.cmds.On("Send", mock.Anything, alice, bob, "hey", firstID).Return(sent, nil).Once()

	require.NoError(t, conn.WriteJSON(command{Type: "send", Content: "  hey ", ReplyToID: firstID}))
	event := readUntil(t, conn, ofType("sent"))
	require.NotNil(t, event.Message)
	assert.Equal(t, secondID, event.Message.ID)

	require.NoError(t, conn.WriteJSON(command{Type: "shout"}))
	event = readUntil(t, conn, ofType("error"))
	assert.Equal(t, "unknown_command", event.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	event = readUntil(t, conn, ofType("error"))
	assert.Equal(t, "bad_command", event.Code)

	require.NoError(t, conn.WriteJSON(command{Type: "send", Content: "   "}))
	event = readUntil(t, conn, ofType("error"))
	assert.NotEmpty(t, event.Code)

	env.cmds.AssertExpectations(t)
}

func TestThreadWebSocketRejectsMalformedReplyBeforeThrottle(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t, bob)
	readUntil(t, conn, readyThread)

	require.NoError(t, conn.WriteJSON(command{Type: "send", Content: "re", ReplyToID: "abc"}))
	event := readUntil(t, conn, ofType("error"))
	assert.Equal(t, "reply_target_unavailable", event.Code)

	// the rejected send did not use up the interval
	sent := models.Message{ID: secondID, SenderID: alice, ReceiverID: bob, Content: "plain", CreatedAt: time.Now()}
	env.cmds.On("Send", mock.Anything, alice, bob, "plain", "").Return(sent, nil).Once()
	require.NoError(t, conn.WriteJSON(command{Type: "send", Content: "plain"}))
	event = readUntil(t, conn, ofType("sent"))
	assert.Equal(t, secondID, event.Message.ID)

	env.cmds.AssertExpectations(t)
}

func TestThreadWebSocketReportsCommandErrors(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t, bob)
	readUntil(t, conn, readyThread)

	forbidden := models.NewError(models.ErrForbidden, "not_sender", "only the sender can delete")
	env.cmds.On("Delete", mock.Anything, alice, secondID).Return(forbidden).Once()

	require.NoError(t, conn.WriteJSON(command{Type: "delete", MessageID: secondID}))
	event := readUntil(t, conn, ofType("error"))
	assert.Equal(t, "not_sender", event.Code)
	assert.Equal(t, "only the sender can delete", event.Error)

	require.NoError(t, conn.WriteJSON(command{Type: "open", PeerID: "bogus"}))
	event = readUntil(t, conn, ofType("error"))
	assert.Equal(t, thread.ErrInvalidPeer.Code, event.Code)

	env.cmds.AssertExpectations(t)
}

func TestHubCloseAllDisconnectsSessions(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t, bob)
	readUntil(t, conn, readyThread)

	env.hub.CloseAll("server shutting down")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	require.Eventually(t, func() bool { return env.hub.Count(alice) == 0 }, 2*time.Second, 10*time.Millisecond)
}
