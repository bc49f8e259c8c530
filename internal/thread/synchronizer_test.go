package thread

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/contacts"
	"dm-service/internal/directory"
	"dm-service/internal/messages"
	"dm-service/internal/models"
	"dm-service/internal/notify"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type env struct {
	repo   *memMessages
	store  *gatedStore
	broker *notify.Broker
	svc    *messages.Service
	clock  *fakeClock
}

func newEnv() *env {
	repo := newMemMessages()
	broker := notify.NewBroker(16)
	return &env{
		repo:   repo,
		store:  newGatedStore(NewStore(repo, testIdentities())),
		broker: broker,
		svc:    messages.NewService(repo, nil, broker, zerolog.Nop()),
		clock:  &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func (e *env) start(t *testing.T, self string, opts Options) *Synchronizer {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = e.clock.Now
	}
	s := New(self, e.store, e.svc, e.broker, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Run subscribes before taking commands; a barrier makes that visible
	require.NoError(t, s.do(context.Background(), func() {}))
	return s
}

func contents(s Snapshot) []string {
	out := make([]string, 0, len(s.Messages))
	for _, m := range s.Messages {
		out = append(out, m.Content)
	}
	return out
}

func TestOpenThreadLoads(t *testing.T) {
	e := newEnv()
	_, err := e.svc.Send(context.Background(), bob, alice, "hi alice", "")
	require.NoError(t, err)

	s := e.start(t, alice, Options{})
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.OpenThread(context.Background(), bob))
	snap := s.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, bob, snap.PeerID)
	assert.Equal(t, []string{"hi alice"}, contents(snap))

	// reopening the loaded thread does not fetch again
	lists := e.store.lists.Load()
	require.NoError(t, s.OpenThread(context.Background(), bob))
	assert.Equal(t, lists, e.store.lists.Load())
}

func TestOpenThreadRejectsSelf(t *testing.T) {
	e := newEnv()
	s := e.start(t, alice, Options{})
	assert.ErrorIs(t, s.OpenThread(context.Background(), alice), ErrInvalidPeer)
	assert.ErrorIs(t, s.OpenThread(context.Background(), ""), ErrInvalidPeer)
}

func TestSendValidation(t *testing.T) {
	e := newEnv()
	s := e.start(t, alice, Options{})

	_, err := s.Send(context.Background(), "hello", "")
	assert.ErrorIs(t, err, ErrNoThread)

	require.NoError(t, s.OpenThread(context.Background(), bob))
	_, err = s.Send(context.Background(), "   ", "")
	assert.ErrorIs(t, err, messages.ErrEmptyContent)
	assert.Zero(t, e.repo.count())
}

func TestSendThrottleDropsSilently(t *testing.T) {
	e := newEnv()
	s := e.start(t, alice, Options{})
	require.NoError(t, s.OpenThread(context.Background(), bob))

	first, err := s.Send(context.Background(), "one", "")
	require.NoError(t, err)
	require.NotNil(t, first)

	e.clock.Advance(200 * time.Millisecond)
	second, err := s.Send(context.Background(), "two", "")
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, 1, e.repo.count())

	e.clock.Advance(300 * time.Millisecond)
	third, err := s.Send(context.Background(), "three", "")
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, 2, e.repo.count())
}

func TestSendAppliesLocally(t *testing.T) {
	e := newEnv()
	s := e.start(t, alice, Options{MinSendInterval: -1})
	require.NoError(t, s.OpenThread(context.Background(), bob))

	orig, err := s.Send(context.Background(), "question", "")
	require.NoError(t, err)
	reply, err := s.Send(context.Background(), "follow-up", orig.ID)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, reply.ID, snap.Messages[1].ID)
	assert.Equal(t, &models.ReplyPreview{MessageID: orig.ID, Content: "question", SenderName: SelfName}, snap.Messages[1].ReplyTo)
}

func TestNotificationReconciles(t *testing.T) {
	e := newEnv()
	a := e.start(t, alice, Options{})
	require.NoError(t, a.OpenThread(context.Background(), bob))

	_, err := e.svc.Send(context.Background(), bob, alice, "ping", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return snap.State == StateReady && len(snap.Messages) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"ping"}, contents(a.Snapshot()))
}

func TestBroadcastRefetchesOnUnrelatedChanges(t *testing.T) {
	e := newEnv()
	s := e.start(t, alice, Options{})
	require.NoError(t, s.OpenThread(context.Background(), bob))
	before := e.store.lists.Load()

	require.NoError(t, s.Notify(context.Background(), notify.Change{Kind: notify.KindCreated, MessageID: "x", SenderID: carol, ReceiverID: bob}))
	require.Eventually(t, func() bool { return e.store.lists.Load() == before+1 && s.State() == StateReady }, waitFor, tick)
}

func TestScopedIgnoresOtherConversations(t *testing.T) {
	e := newEnv()
	s := e.start(t, alice, Options{Scoped: true})
	require.NoError(t, s.OpenThread(context.Background(), bob))
	before := e.store.lists.Load()

	require.NoError(t, s.Notify(context.Background(), notify.Change{Kind: notify.KindCreated, MessageID: "x", SenderID: carol, ReceiverID: bob}))
	assert.Equal(t, StateReady, s.State())

	require.NoError(t, s.Notify(context.Background(), notify.Change{Kind: notify.KindUpdated, MessageID: "y", SenderID: bob, ReceiverID: alice}))
	require.Eventually(t, func() bool { return s.State() == StateReady }, waitFor, tick)
	assert.Equal(t, before+1, e.store.lists.Load())
}

func TestScopedFollowsQuotedMessages(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	fromCarol, err := e.svc.Send(ctx, carol, alice, "original", "")
	require.NoError(t, err)
	_, err = e.svc.Send(ctx, alice, bob, "look at this", fromCarol.ID)
	require.NoError(t, err)

	s := e.start(t, alice, Options{Scoped: true})
	require.NoError(t, s.OpenThread(ctx, bob))
	require.Equal(t, "original", s.Snapshot().Messages[0].ReplyTo.Content)

	_, err = e.svc.Edit(ctx, carol, fromCarol.ID, "original, edited")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap.Messages) == 1 && snap.Messages[0].ReplyTo != nil && snap.Messages[0].ReplyTo.Content == "original, edited"
	}, waitFor, tick)
}

func TestFailedReconcileKeepsSnapshot(t *testing.T) {
	e := newEnv()
	_, err := e.svc.Send(context.Background(), bob, alice, "kept", "")
	require.NoError(t, err)

	s := e.start(t, alice, Options{})
	require.NoError(t, s.OpenThread(context.Background(), bob))
	before := e.store.lists.Load()

	e.store.failing.Store(true)
	require.NoError(t, s.Notify(context.Background(), notify.Change{Kind: notify.KindOverflow}))
	require.Eventually(t, func() bool { return e.store.lists.Load() > before && s.State() == StateReady }, waitFor, tick)

	snap := s.Snapshot()
	assert.Equal(t, bob, snap.PeerID)
	assert.Equal(t, []string{"kept"}, contents(snap))
}

func TestFailedFirstLoadReturnsToIdle(t *testing.T) {
	e := newEnv()
	e.store.failing.Store(true)
	s := e.start(t, alice, Options{})

	err := s.OpenThread(context.Background(), bob)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Snapshot().PeerID)

	e.store.failing.Store(false)
	require.NoError(t, s.OpenThread(context.Background(), bob))
	assert.Equal(t, StateReady, s.State())
}

func TestPeerSwitchSupersedesPendingLoad(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	_, err := e.svc.Send(ctx, bob, alice, "from bob", "")
	require.NoError(t, err)
	_, err = e.svc.Send(ctx, carol, alice, "from carol", "")
	require.NoError(t, err)

	release := e.store.hold(bob)
	s := e.start(t, alice, Options{})

	bobDone := make(chan error, 1)
	go func() { bobDone <- s.OpenThread(ctx, bob) }()
	require.Eventually(t, func() bool { return s.State() == StateLoading }, waitFor, tick)

	require.NoError(t, s.OpenThread(ctx, carol))
	assert.ErrorIs(t, <-bobDone, ErrSuperseded)

	release()
	require.Never(t, func() bool {
		snap := s.Snapshot()
		return snap.PeerID != carol || len(snap.Messages) != 1 || snap.Messages[0].Content != "from carol"
	}, 100*time.Millisecond, tick)
}

func TestStaleResultIsDiscarded(t *testing.T) {
	e := newEnv()
	_, err := e.svc.Send(context.Background(), carol, alice, "from carol", "")
	require.NoError(t, err)

	s := e.start(t, alice, Options{})
	require.NoError(t, s.OpenThread(context.Background(), bob))
	staleGen := s.Snapshot().Generation
	require.NoError(t, s.OpenThread(context.Background(), carol))

	stale := View{Messages: []models.ThreadMessage{{Message: models.Message{ID: "old", Content: "stale"}}}}
	require.NoError(t, s.do(context.Background(), func() {
		s.handleResult(fetchResult{gen: staleGen, peer: bob, view: stale})
		s.handleResult(fetchResult{gen: s.gen, peer: bob, view: stale})
	}))

	snap := s.Snapshot()
	assert.Equal(t, carol, snap.PeerID)
	assert.Equal(t, []string{"from carol"}, contents(snap))
}

func TestDeleteVoidsReplies(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	a := e.start(t, alice, Options{})
	require.NoError(t, a.OpenThread(ctx, bob))

	orig, err := a.Send(ctx, "original", "")
	require.NoError(t, err)
	reply, err := e.svc.Send(ctx, bob, alice, "agreed", orig.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return snap.State == StateReady && len(snap.Messages) == 2 && snap.Messages[1].ReplyTo != nil
	}, waitFor, tick)

	require.NoError(t, a.Delete(ctx, orig.ID))
	snap := a.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, reply.ID, snap.Messages[0].ID)
	assert.Nil(t, snap.Messages[0].ReplyTo)
	assert.Nil(t, snap.Messages[0].ReplyToID)

	// the refetch agrees with the local apply
	require.Eventually(t, func() bool { return a.State() == StateReady }, waitFor, tick)
	snap = a.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "agreed", snap.Messages[0].Content)
	assert.Nil(t, snap.Messages[0].ReplyTo)
}

func TestEditUpdatesMessageAndQuotes(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	a := e.start(t, alice, Options{MinSendInterval: -1})
	require.NoError(t, a.OpenThread(ctx, bob))

	orig, err := a.Send(ctx, "draft", "")
	require.NoError(t, err)
	_, err = a.Send(ctx, "see above", orig.ID)
	require.NoError(t, err)

	edited, err := a.Edit(ctx, orig.ID, "final")
	require.NoError(t, err)
	assert.True(t, edited.Edited)

	snap := a.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "final", snap.Messages[0].Content)
	assert.True(t, snap.Messages[0].Edited)
	assert.Equal(t, "final", snap.Messages[1].ReplyTo.Content)
}

func TestEditOthersMessageIsForbidden(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	msg, err := e.svc.Send(ctx, bob, alice, "bob's", "")
	require.NoError(t, err)

	a := e.start(t, alice, Options{})
	require.NoError(t, a.OpenThread(ctx, bob))

	_, err = a.Edit(ctx, msg.ID, "hijacked")
	assert.ErrorIs(t, err, models.ErrForbidden)
	assert.ErrorIs(t, a.Delete(ctx, msg.ID), models.ErrForbidden)
	assert.Equal(t, []string{"bob's"}, contents(a.Snapshot()))
}

func TestUpdatesDeliversLatest(t *testing.T) {
	e := newEnv()
	s := e.start(t, alice, Options{})
	require.NoError(t, s.OpenThread(context.Background(), bob))

	var last Snapshot
	require.Eventually(t, func() bool {
		select {
		case last = <-s.Updates():
		default:
		}
		return last.State == StateReady
	}, waitFor, tick)
	assert.Equal(t, bob, last.PeerID)
}

func TestClosedSynchronizer(t *testing.T) {
	e := newEnv()
	s := New(alice, e.store, e.svc, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	assert.ErrorIs(t, s.OpenThread(context.Background(), bob), ErrClosed)
	_, ok := <-s.Updates()
	assert.False(t, ok)
}

func TestEndToEndConversation(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	identities := testIdentities()
	dir := directory.NewService(identities, zerolog.Nop())
	graph := &memContacts{}
	manager := contacts.NewManager(dir, graph, identities, zerolog.Nop())

	edge, err := manager.AddContact(ctx, alice, "zz99yy88")
	require.NoError(t, err)
	assert.Equal(t, bob, edge.PeerID)
	_, err = manager.AddContact(ctx, alice, "zz99yy88")
	assert.ErrorIs(t, err, contacts.ErrContactExists)
	listed, err := manager.ListContacts(ctx, alice)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "Bob", listed[0].Profile.DisplayName)

	a := e.start(t, alice, Options{})
	b := e.start(t, bob, Options{})
	require.NoError(t, a.OpenThread(ctx, bob))
	require.NoError(t, b.OpenThread(ctx, alice))

	sent, err := a.Send(ctx, "hello", "")
	require.NoError(t, err)
	require.NotNil(t, sent)

	snap := a.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hello", snap.Messages[0].Content)
	assert.False(t, snap.Messages[0].Edited)
	createdAt := snap.Messages[0].CreatedAt

	require.Eventually(t, func() bool { return len(b.Snapshot().Messages) == 1 }, waitFor, tick)

	_, err = a.Edit(ctx, sent.ID, "hello!")
	require.NoError(t, err)
	snap = a.Snapshot()
	assert.Equal(t, "hello!", snap.Messages[0].Content)
	assert.True(t, snap.Messages[0].Edited)
	assert.True(t, createdAt.Equal(snap.Messages[0].CreatedAt))

	require.Eventually(t, func() bool {
		msgs := b.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Content == "hello!" && msgs[0].Edited
	}, waitFor, tick)

	require.NoError(t, a.Delete(ctx, sent.ID))
	assert.Empty(t, a.Snapshot().Messages)
	require.Eventually(t, func() bool { return len(b.Snapshot().Messages) == 0 && b.State() == StateReady }, waitFor, tick)
	require.Eventually(t, func() bool { return len(a.Snapshot().Messages) == 0 && a.State() == StateReady }, waitFor, tick)
}

func TestSendDuringFirstLoadWaitsForHistory(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	_, err := e.svc.Send(ctx, bob, alice, "hi alice", "")
	require.NoError(t, err)

	release := e.store.hold(bob)
	s := e.start(t, alice, Options{})

	opened := make(chan error, 1)
	go func() { opened <- s.OpenThread(ctx, bob) }()
	require.Eventually(t, func() bool { return s.State() == StateLoading }, waitFor, tick)

	sent, err := s.Send(ctx, "mine", "")
	require.NoError(t, err)
	require.NotNil(t, sent)

	release()
	require.NoError(t, <-opened)
	assert.Equal(t, []string{"hi alice", "mine"}, contents(s.Snapshot()))
}

func TestLocalSendUsesThreadOrder(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e.repo.insertAt(models.Message{ID: "bbbb", SenderID: bob, ReceiverID: alice, Content: "later id"}, at)

	s := e.start(t, alice, Options{})
	require.NoError(t, s.OpenThread(ctx, bob))

	local := models.Message{ID: "aaaa", SenderID: alice, ReceiverID: bob, Content: "earlier id", CreatedAt: at, UpdatedAt: at}
	require.NoError(t, s.do(ctx, func() { s.applySent(local) }))

	stored, err := e.repo.ListThread(ctx, alice, bob)
	require.NoError(t, err)
	all := append(stored, local)
	SortMessages(all)

	snap := s.Snapshot()
	require.Len(t, snap.Messages, len(all))
	for i := range all {
		assert.Equal(t, all[i].ID, snap.Messages[i].ID)
	}
	assert.Equal(t, []string{"earlier id", "later id"}, contents(snap))
}
